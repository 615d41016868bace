package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ProxyConfig is the immutable forwarding configuration shared by every
// request. Build it with NewProxyConfig.
type ProxyConfig struct {
	Origin   *url.URL
	Prefixes []Prefix

	RewriteHost    bool
	RewriteReferer bool
	RewriteBody    bool

	// StreamRewrite rewrites bodies chunk by chunk instead of buffering them.
	StreamRewrite bool
}

// Prefix is a parsed listen prefix such as "http://localhost:5050/app/".
type Prefix struct {
	Raw  string
	Host string // "+" and "*" mean all interfaces
	Port string
	Path string // always starts and ends with "/"
}

// NewProxyConfig validates the upstream origin and the listen prefixes.
// All rewrite toggles start enabled.
func NewProxyConfig(origin string, prefixes ...string) (*ProxyConfig, error) {
	if origin == "" {
		return nil, fmt.Errorf("%w: upstream.url is required", ErrInvalidConfig)
	}
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("%w: upstream.url is not a valid URL: %w", ErrInvalidConfig, err)
	}
	if !u.IsAbs() || u.Host == "" || u.Hostname() == "" {
		return nil, fmt.Errorf("%w: upstream.url must be absolute with scheme and host; got %q", ErrInvalidConfig, origin)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: upstream.url scheme must be http or https; got %q", ErrInvalidConfig, u.Scheme)
	}
	if p := u.Port(); p != "" {
		if _, err := parsePort(p); err != nil {
			return nil, fmt.Errorf("%w: upstream.url: %w", ErrInvalidConfig, err)
		}
	}

	if len(prefixes) == 0 {
		return nil, fmt.Errorf("%w: at least one listen prefix is required", ErrInvalidConfig)
	}
	parsed := make([]Prefix, 0, len(prefixes))
	for _, raw := range prefixes {
		p, err := ParsePrefix(raw)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, p)
	}

	return &ProxyConfig{
		Origin:         u,
		Prefixes:       parsed,
		RewriteHost:    true,
		RewriteReferer: true,
		RewriteBody:    true,
	}, nil
}

// UpstreamHost returns the origin host name without port or brackets.
func (c *ProxyConfig) UpstreamHost() string {
	return c.Origin.Hostname()
}

// UpstreamPort returns the origin port, defaulting by scheme.
func (c *ProxyConfig) UpstreamPort() string {
	if p := c.Origin.Port(); p != "" {
		return p
	}
	return defaultPort(c.Origin.Scheme)
}

// UpstreamAuthority returns "host:port" with the port always present.
func (c *ProxyConfig) UpstreamAuthority() string {
	return net.JoinHostPort(c.UpstreamHost(), c.UpstreamPort())
}

// String renders the mapping as "prefix, prefix => origin".
func (c *ProxyConfig) String() string {
	raw := make([]string, len(c.Prefixes))
	for i, p := range c.Prefixes {
		raw[i] = p.Raw
	}
	return strings.Join(raw, ", ") + " => " + c.Origin.String()
}

// ParsePrefix parses a listen prefix of the form scheme://host[:port]/path/.
func ParsePrefix(raw string) (Prefix, error) {
	rest, ok := strings.CutPrefix(raw, "http://")
	if !ok {
		if strings.HasPrefix(raw, "https://") {
			return Prefix{}, fmt.Errorf("%w: listen prefix %q: https listeners are not supported", ErrInvalidConfig, raw)
		}
		return Prefix{}, fmt.Errorf("%w: listen prefix %q must start with http://", ErrInvalidConfig, raw)
	}

	hostport, path := rest, "/"
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		hostport, path = rest[:i], rest[i:]
	}
	if !strings.HasSuffix(path, "/") {
		return Prefix{}, fmt.Errorf("%w: listen prefix %q must end with '/'", ErrInvalidConfig, raw)
	}

	host, port := hostport, defaultPort("http")
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		host, port = h, p
	} else {
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	}
	if host == "" {
		return Prefix{}, fmt.Errorf("%w: listen prefix %q has no host (use + or * for all interfaces)", ErrInvalidConfig, raw)
	}
	if _, err := parsePort(port); err != nil {
		return Prefix{}, fmt.Errorf("%w: listen prefix %q: %w", ErrInvalidConfig, raw, err)
	}

	return Prefix{Raw: raw, Host: host, Port: port, Path: path}, nil
}

// Wildcard reports whether the prefix binds all interfaces.
func (p Prefix) Wildcard() bool {
	return p.Host == "+" || p.Host == "*" || p.Host == "0.0.0.0" || p.Host == "::"
}

// Addr returns the address to bind for this prefix.
func (p Prefix) Addr() string {
	if p.Wildcard() {
		return ":" + p.Port
	}
	return net.JoinHostPort(p.Host, p.Port)
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 65535 {
		return 0, fmt.Errorf("port must be 0-65535; got %q", s)
	}
	return n, nil
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}
