// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/header"
	"rewrite-proxy-go/internal/metrics"
	"rewrite-proxy-go/internal/model"
)

// Upstream sends a request to the upstream origin. *client.UpstreamClient
// implements it.
type Upstream interface {
	Send(ctx context.Context, out *model.OutboundRequest) (*model.UpstreamResponse, error)
}

// UpstreamError reports that the upstream could not be reached or did not
// produce a usable response.
type UpstreamError struct {
	Method string
	URL    string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsUpstreamError reports whether err is or wraps an *UpstreamError.
func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// ProxyService forwards requests to the single configured upstream origin.
type ProxyService struct {
	upstream   Upstream
	pc         *config.ProxyConfig
	translator *header.Translator
	metrics    *metrics.Metrics
	logger     *slog.Logger

	// Body rewrite target and origin prefix, fixed per ProxyConfig.
	rewriteTarget string
	originPrefix  string
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(up Upstream, pc *config.ProxyConfig, m *metrics.Metrics, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		upstream:      up,
		pc:            pc,
		translator:    header.NewTranslator(pc),
		metrics:       m,
		logger:        logger.With("component", "proxy_service"),
		rewriteTarget: "//" + pc.UpstreamAuthority() + "/",
		originPrefix:  pc.Origin.Scheme + "://" + pc.UpstreamAuthority(),
	}
}

// Forward sends in to the upstream origin and returns the response to relay.
// Response headers have already been translated and the body is either the
// upstream stream or its rewritten form. The caller must close the body.
//
// Transport failures are returned as *UpstreamError. Failures while
// rewriting the body are not returned: the original bytes are sent instead.
func (s *ProxyService) Forward(in *model.InboundRequest) (*model.UpstreamResponse, error) {
	out := s.buildOutbound(in)

	s.logger.Debug("forwarding request",
		"method", out.Method,
		"url", out.URL,
		"host", out.Host,
	)

	resp, err := s.upstream.Send(in.Ctx, out)
	if err != nil {
		return nil, &UpstreamError{Method: out.Method, URL: out.URL, Err: err}
	}

	resp.Header = s.translator.Response(resp.Header)

	// HEAD replies and bodyless statuses keep the upstream Content-Length.
	if hasBody(out.Method, resp.StatusCode) && s.shouldRewrite(out.ClientHost, resp.Header.Get("Content-Type")) {
		if err := s.rewriteBody(resp, out.ClientHost); err != nil {
			return nil, &UpstreamError{Method: out.Method, URL: out.URL, Err: err}
		}
	}

	return resp, nil
}

// buildOutbound derives the upstream request: URL on the origin, translated
// headers and the inbound body attached as a stream.
func (s *ProxyService) buildOutbound(in *model.InboundRequest) *model.OutboundRequest {
	h := s.translator.Request(in.Host, in.Header)

	out := &model.OutboundRequest{
		Method:        in.Method,
		URL:           s.upstreamURL(in.RequestURI),
		Host:          h.Host,
		Header:        h.Transport,
		ContentHeader: h.Content,
		ClientHost:    h.ClientHost,
	}
	if in.HasBody() {
		out.Body = in.Body
		out.ContentLength = in.ContentLength
	}
	return out
}

// upstreamURL joins the origin scheme, host and port with the raw request URI.
func (s *ProxyService) upstreamURL(requestURI string) string {
	if requestURI == "" || requestURI[0] != '/' {
		requestURI = "/" + requestURI
	}
	return s.originPrefix + requestURI
}

func (s *ProxyService) shouldRewrite(clientHost, contentType string) bool {
	if !s.pc.RewriteBody || clientHost == "" {
		return false
	}
	return header.ContentKind(contentType) != ""
}

func hasBody(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

// StatusText returns the reason phrase of a status line such as "200 OK".
func StatusText(resp *model.UpstreamResponse) string {
	if len(resp.Status) > 4 && resp.Status[3] == ' ' {
		return resp.Status[4:]
	}
	return http.StatusText(resp.StatusCode)
}
