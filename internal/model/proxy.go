// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// InboundRequest represents a client request to be forwarded upstream.
type InboundRequest struct {
	Ctx        context.Context
	Method     string
	RequestURI string // raw path and query as sent by the client
	Proto      string
	Host       string // client-visible Host header
	Header     http.Header

	// Body is nil or http.NoBody when the request carries no entity.
	Body          io.ReadCloser
	ContentLength int64 // -1 when unknown (chunked)
}

// HasBody reports whether the request declares an entity body.
func (r *InboundRequest) HasBody() bool {
	return r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0
}

// OutboundRequest is the request sent to the upstream origin.
type OutboundRequest struct {
	Method string
	URL    string
	Host   string

	// Header holds transport headers; ContentHeader holds headers that
	// describe the body (Content-Type, Content-Encoding, ...).
	Header        http.Header
	ContentHeader http.Header

	Body          io.ReadCloser
	ContentLength int64

	// ClientHost is the Host the client originally addressed.
	ClientHost string
}

// UpstreamResponse represents the upstream response to be relayed back.
type UpstreamResponse struct {
	StatusCode int
	Status     string // e.g. "200 OK"
	Proto      string
	Header     http.Header
	Body       io.ReadCloser

	// ContentLength is the final body length, or -1 when unknown.
	ContentLength int64
}
