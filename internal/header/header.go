// Package header classifies and rewrites HTTP headers crossing the proxy.
//
// The policy lives in two static tables: contentHeaders (headers describing
// the entity body) and hopByHopHeaders (headers scoped to one connection).
package header

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"rewrite-proxy-go/internal/config"
)

// contentHeaders describe the body rather than the message envelope.
var contentHeaders = map[string]bool{
	"Allow":               true,
	"Content-Disposition": true,
	"Content-Encoding":    true,
	"Content-Language":    true,
	"Content-Length":      true,
	"Content-Location":    true,
	"Content-Md5":         true,
	"Content-Range":       true,
	"Content-Type":        true,
	"Expires":             true,
	"Last-Modified":       true,
}

// hopByHopHeaders are meaningful for a single connection only and are never
// relayed.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// IsContentHeader reports whether name belongs to the content-header set.
func IsContentHeader(name string) bool {
	return contentHeaders[http.CanonicalHeaderKey(name)]
}

// IsHopByHop reports whether name is a hop-by-hop header.
func IsHopByHop(name string) bool {
	return hopByHopHeaders[http.CanonicalHeaderKey(name)]
}

// Body kinds whose payload may carry upstream references.
const (
	KindHTML = "html"
	KindJSON = "json"
)

// ContentKind returns KindHTML or KindJSON for rewritable media types and ""
// for everything else.
func ContentKind(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "text/html"):
		return KindHTML
	case strings.Contains(ct, "application/json"):
		return KindJSON
	}
	return ""
}

// Translator applies the header policy for one upstream origin.
type Translator struct {
	upstreamHost   string
	upstreamPort   string
	rewriteHost    bool
	rewriteReferer bool
}

// NewTranslator creates a Translator from the proxy configuration.
func NewTranslator(pc *config.ProxyConfig) *Translator {
	return &Translator{
		upstreamHost:   pc.UpstreamHost(),
		upstreamPort:   pc.UpstreamPort(),
		rewriteHost:    pc.RewriteHost,
		rewriteReferer: pc.RewriteReferer,
	}
}

// Outbound is the result of translating client request headers.
type Outbound struct {
	// Host is the Host header to send upstream.
	Host string
	// ClientHost is the Host the client addressed, before any rewrite.
	ClientHost string

	Transport http.Header
	Content   http.Header
}

// Request maps the client's headers onto an upstream request. host is the
// request's Host value; net/http keeps it outside the header map, but a Host
// entry in src is honoured when host is empty.
func (t *Translator) Request(host string, src http.Header) Outbound {
	if host == "" {
		host = src.Get("Host")
	}

	out := Outbound{
		Host:       host,
		ClientHost: host,
		Transport:  make(http.Header, len(src)),
		Content:    make(http.Header),
	}
	if t.rewriteHost {
		out.Host = net.JoinHostPort(t.upstreamHost, t.upstreamPort)
	}

	connListed := connectionTokens(src)

	for key, vals := range src {
		name := http.CanonicalHeaderKey(key)
		switch {
		case name == "Host":
			continue
		case hopByHopHeaders[name] || connListed[name]:
			continue
		case name == "Content-Length" && len(vals) == 1 && strings.TrimSpace(vals[0]) == "0":
			// No entity; a zero length is never forwarded.
			continue
		case contentHeaders[name]:
			out.Content[name] = append([]string(nil), vals...)
		case name == "Referer" && t.rewriteReferer:
			rewritten := make([]string, len(vals))
			for i, v := range vals {
				rewritten[i] = t.RewriteReferer(v)
			}
			out.Transport[name] = rewritten
		default:
			out.Transport[name] = append([]string(nil), vals...)
		}
	}

	return out
}

// RewriteReferer points an absolute Referer at the upstream host and port,
// keeping scheme, path and query. Relative or unparsable values are returned
// unchanged. The port is omitted when it is the default for the scheme.
func (t *Translator) RewriteReferer(v string) string {
	u, err := url.Parse(v)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return v
	}

	host := t.upstreamHost
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if !isDefaultPort(u.Scheme, t.upstreamPort) {
		host = net.JoinHostPort(t.upstreamHost, t.upstreamPort)
	}
	u.Host = host
	return u.String()
}

// Response copies upstream response headers for the client. Content-Length
// is left out so it can be set from the final body, and hop-by-hop headers
// are dropped.
func (t *Translator) Response(src http.Header) http.Header {
	connListed := connectionTokens(src)

	dst := make(http.Header, len(src))
	for key, vals := range src {
		name := http.CanonicalHeaderKey(key)
		if name == "Content-Length" || hopByHopHeaders[name] || connListed[name] {
			continue
		}
		dst[name] = append([]string(nil), vals...)
	}
	return dst
}

// connectionTokens returns the header names listed in Connection.
func connectionTokens(h http.Header) map[string]bool {
	var tokens map[string]bool
	for _, v := range h.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				if tokens == nil {
					tokens = make(map[string]bool)
				}
				tokens[http.CanonicalHeaderKey(f)] = true
			}
		}
	}
	return tokens
}

func isDefaultPort(scheme, port string) bool {
	switch strings.ToLower(scheme) {
	case "http", "ws":
		return port == "80"
	case "https", "wss":
		return port == "443"
	}
	return false
}
