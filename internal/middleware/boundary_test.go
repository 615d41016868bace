package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestBoundary(t *testing.T) {
	tests := []struct {
		name       string
		handler    echo.HandlerFunc
		wantStatus int
		wantError  string
	}{
		{
			name: "panic becomes 500",
			handler: func(echo.Context) error {
				panic("nil map write")
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  "internal proxy error",
		},
		{
			name: "plain error becomes 502",
			handler: func(echo.Context) error {
				return errors.New("socket closed")
			},
			wantStatus: http.StatusBadGateway,
			wantError:  "upstream request failed",
		},
		{
			name: "http error passes through",
			handler: func(echo.Context) error {
				return echo.NewHTTPError(http.StatusTooManyRequests, "slow down")
			},
			wantStatus: http.StatusTooManyRequests,
			wantError:  "",
		},
		{
			name: "success untouched",
			handler: func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			e := echo.New()
			e.Use(Boundary(slog.New(slog.NewTextHandler(&logs, nil))))
			e.GET("/test", tt.handler)

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", http.NoBody))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantError == "" {
				return
			}

			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["error"] != tt.wantError {
				t.Errorf("error = %q, want %q", body["error"], tt.wantError)
			}
			if logs.Len() == 0 {
				t.Error("expected the failure to be logged")
			}
		})
	}
}

func TestBoundary_CommittedResponse(t *testing.T) {
	e := echo.New()
	e.Use(Boundary(slog.New(slog.NewTextHandler(io.Discard, nil))))
	e.GET("/test", func(c echo.Context) error {
		c.Response().WriteHeader(http.StatusOK)
		_, _ = c.Response().Write([]byte("partial"))
		panic("mid-stream failure")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want the already-sent %d", rec.Code, http.StatusOK)
	}
	if strings.Contains(rec.Body.String(), "error") {
		t.Errorf("body = %q, want no error document after commit", rec.Body.String())
	}
}

func TestBoundary_ReraisesAbortHandler(t *testing.T) {
	e := echo.New()
	e.Use(Boundary(slog.New(slog.NewTextHandler(io.Discard, nil))))
	e.GET("/test", func(echo.Context) error {
		panic(http.ErrAbortHandler)
	})

	defer func() {
		if r := recover(); r != http.ErrAbortHandler { //nolint:errorlint // identity check
			t.Errorf("recovered %v, want http.ErrAbortHandler", r)
		}
	}()
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", http.NoBody))
	t.Error("expected ServeHTTP to panic")
}
