// Package client provides the shared HTTP client for the upstream origin.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/metrics"
	"rewrite-proxy-go/internal/model"
)

// ErrCircuitOpen is returned while the circuit breaker rejects upstream calls.
var ErrCircuitOpen = errors.New("upstream circuit breaker is open")

// UpstreamClient sends requests to the upstream origin. It is safe for
// concurrent use; all requests share one connection pool.
type UpstreamClient struct {
	httpClient *http.Client
	transport  *http.Transport
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		// Bodies are relayed with their original content-coding.
		DisableCompression: true,
	}
	// The timeout bounds the wait for response headers only; relayed bodies
	// may take as long as the client keeps reading.
	if cfg.Upstream.TimeoutSeconds > 0 {
		transport.ResponseHeaderTimeout = time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second
	}

	c := &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects are relayed to the client, never followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		transport: transport,
		logger:    logger.With("component", "upstream_client"),
		metrics:   m,
	}

	if cb := cfg.Upstream.CircuitBreaker; cb.Enabled {
		c.breaker = newBreaker(cb, c.logger)
	}

	return c
}

func newBreaker(cfg config.CircuitBreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker {
	threshold := uint32(max(cfg.FailureThreshold, 1)) //nolint:gosec // validated non-negative
	open := time.Duration(cfg.OpenSeconds) * time.Second

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 1,
		Timeout:     open,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A client hanging up is not an upstream failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

// Send builds an HTTP request from out and executes it. Content headers are
// attached alongside the transport headers; the body length is taken from
// out.ContentLength. The caller is responsible for closing the response body.
func (c *UpstreamClient) Send(ctx context.Context, out *model.OutboundRequest) (*model.UpstreamResponse, error) {
	body := out.Body
	if body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, out.Method, out.URL, body)
	if err != nil {
		if out.Body != nil {
			_ = out.Body.Close()
		}
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	req.Host = out.Host
	req.Header = make(http.Header, len(out.Header)+len(out.ContentHeader)+1)
	for k, vals := range out.Header {
		req.Header[k] = vals
	}
	for k, vals := range out.ContentHeader {
		// net/http derives Content-Length from req.ContentLength.
		if k == "Content-Length" {
			continue
		}
		req.Header[k] = vals
	}
	if _, ok := req.Header["User-Agent"]; !ok {
		// Suppress net/http's default User-Agent.
		req.Header["User-Agent"] = []string{""}
	}
	if body != http.NoBody {
		req.ContentLength = out.ContentLength
	}

	return c.Do(req)
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.UpstreamResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	method := metrics.NormalizeMethod(req.Method)

	start := time.Now()
	resp, err := c.roundTrip(req)
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamErrors.WithLabelValues(method).Inc()
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode:    resp.StatusCode,
		Status:        resp.Status,
		Proto:         resp.Proto,
		Header:        resp.Header,
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
	}, nil
}

func (c *UpstreamClient) roundTrip(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	}

	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.httpClient.Do(req) //nolint:bodyclose // see above
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	if err != nil {
		return nil, err
	}
	return v.(*http.Response), nil
}

// Close releases idle pooled connections.
func (c *UpstreamClient) Close() {
	c.transport.CloseIdleConnections()
}
