package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
)

// Boundary returns an Echo middleware that contains every failure inside
// the request that caused it. Panics become a 500 response and errors that
// are not *echo.HTTPError become a 502, unless the response is already
// committed, in which case the failure is only logged.
// http.ErrAbortHandler is re-raised so net/http can abort the connection.
func Boundary(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler { //nolint:errorlint // sentinel compared by identity, as net/http does
					panic(r)
				}

				logger.Error("panic while handling request",
					"panic", fmt.Sprint(r),
					"path", c.Request().URL.Path,
					"request_id", GetRequestID(c),
					"stack", string(debug.Stack()),
				)
				err = respond(c, http.StatusInternalServerError, "internal proxy error")
			}()

			err = next(c)
			if err == nil {
				return nil
			}

			var he *echo.HTTPError
			if errors.As(err, &he) {
				return err
			}

			logger.Error("request failed",
				"err", err,
				"path", c.Request().URL.Path,
				"request_id", GetRequestID(c),
			)
			return respond(c, http.StatusBadGateway, "upstream request failed")
		}
	}
}

func respond(c echo.Context, status int, msg string) error {
	if c.Response().Committed {
		return nil
	}
	return c.JSON(status, map[string]string{"error": msg})
}
