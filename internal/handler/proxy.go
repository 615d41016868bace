package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"rewrite-proxy-go/internal/client"
	"rewrite-proxy-go/internal/middleware"
	"rewrite-proxy-go/internal/model"
	"rewrite-proxy-go/internal/service"
)

// userinfoPattern matches the password part of URLs embedded in error messages.
var userinfoPattern = regexp.MustCompile(`(://[^:/@\s"]+:)[^@\s"]+@`)

// Forwarder forwards one inbound request. *service.ProxyService implements it.
type Forwarder interface {
	Forward(in *model.InboundRequest) (*model.UpstreamResponse, error)
}

// ProxyHandler relays every request to the upstream origin.
type ProxyHandler struct {
	service Forwarder
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return newProxyHandler(svc, logger)
}

func newProxyHandler(f Forwarder, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: f,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to the upstream origin and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	in := &model.InboundRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		RequestURI:    requestURI(req),
		Proto:         req.Proto,
		Host:          req.Host,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(in)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
	if resp.ContentLength >= 0 && bodyAllowedForStatus(resp.StatusCode) {
		dst.Set(echo.HeaderContentLength, strconv.FormatInt(resp.ContentLength, 10))
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the body directly to the client. If io.Copy fails mid-stream
	// (client disconnect, upstream reset) the status line is already out, so
	// the client sees a truncated response; the error is logged.
	var dstBody io.Writer = c.Response()
	if resp.ContentLength < 0 {
		dstBody = flushWriter{c.Response()}
	}
	if _, err := io.Copy(dstBody, resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"path", req.URL.Path,
			"request_id", middleware.GetRequestID(c),
		)
	}

	h.logger.Debug("relayed response",
		"status", resp.StatusCode,
		"reason", service.StatusText(resp),
		"proto", resp.Proto,
		"request_id", middleware.GetRequestID(c),
	)

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
		"request_id", middleware.GetRequestID(c),
	)

	if errors.Is(err, client.ErrCircuitOpen) {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "upstream temporarily unavailable",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// requestURI returns the raw path and query, normalising absolute-form
// request targets.
func requestURI(req *http.Request) string {
	if strings.HasPrefix(req.RequestURI, "/") {
		return req.RequestURI
	}
	return req.URL.RequestURI()
}

// flushWriter pushes every chunk to the client as soon as it is written.
type flushWriter struct {
	r *echo.Response
}

func (w flushWriter) Write(p []byte) (int, error) {
	n, err := w.r.Write(p)
	if err == nil {
		w.r.Flush()
	}
	return n, err
}

func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

// sanitizeError redacts URL passwords from error messages.
func sanitizeError(err error) string {
	return userinfoPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]@")
}
