package config

import (
	"errors"
	"testing"
)

func TestNewProxyConfig(t *testing.T) {
	pc, err := NewProxyConfig("https://origin.example", "http://localhost:5050/", "http://+:6060/app/")
	if err != nil {
		t.Fatalf("NewProxyConfig() error = %v", err)
	}

	if got := pc.UpstreamHost(); got != "origin.example" {
		t.Errorf("UpstreamHost() = %q, want %q", got, "origin.example")
	}
	if got := pc.UpstreamPort(); got != "443" {
		t.Errorf("UpstreamPort() = %q, want %q", got, "443")
	}
	if got := pc.UpstreamAuthority(); got != "origin.example:443" {
		t.Errorf("UpstreamAuthority() = %q, want %q", got, "origin.example:443")
	}
	if !pc.RewriteHost || !pc.RewriteReferer || !pc.RewriteBody {
		t.Error("rewrite toggles should all start enabled")
	}
	if pc.StreamRewrite {
		t.Error("StreamRewrite should start disabled")
	}

	want := "http://localhost:5050/, http://+:6060/app/ => https://origin.example"
	if got := pc.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestNewProxyConfig_UpstreamPorts(t *testing.T) {
	tests := []struct {
		origin    string
		authority string
	}{
		{"http://origin.example", "origin.example:80"},
		{"https://origin.example", "origin.example:443"},
		{"http://origin.example:8080/base", "origin.example:8080"},
		{"http://[::1]:9000", "[::1]:9000"},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			pc, err := NewProxyConfig(tt.origin, "http://localhost:5050/")
			if err != nil {
				t.Fatalf("NewProxyConfig() error = %v", err)
			}
			if got := pc.UpstreamAuthority(); got != tt.authority {
				t.Errorf("UpstreamAuthority() = %q, want %q", got, tt.authority)
			}
		})
	}
}

func TestNewProxyConfig_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		origin   string
		prefixes []string
	}{
		{"empty origin", "", []string{"http://localhost:5050/"}},
		{"relative origin", "origin.example/path", []string{"http://localhost:5050/"}},
		{"ftp origin", "ftp://origin.example", []string{"http://localhost:5050/"}},
		{"bad origin port", "http://origin.example:99999", []string{"http://localhost:5050/"}},
		{"no prefixes", "http://origin.example", nil},
		{"bad prefix", "http://origin.example", []string{"localhost:5050"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProxyConfig(tt.origin, tt.prefixes...)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("NewProxyConfig() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestParsePrefix(t *testing.T) {
	tests := []struct {
		raw      string
		host     string
		port     string
		path     string
		addr     string
		wildcard bool
	}{
		{"http://localhost:5050/", "localhost", "5050", "/", "localhost:5050", false},
		{"http://localhost/", "localhost", "80", "/", "localhost:80", false},
		{"http://127.0.0.1:8080/app/", "127.0.0.1", "8080", "/app/", "127.0.0.1:8080", false},
		{"http://+:5050/", "+", "5050", "/", ":5050", true},
		{"http://*:5050/", "*", "5050", "/", ":5050", true},
		{"http://[::1]:5050/", "::1", "5050", "/", "[::1]:5050", false},
		{"http://[::]:5050/", "::", "5050", "/", ":5050", true},
		{"http://localhost:5050", "localhost", "5050", "/", "localhost:5050", false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			p, err := ParsePrefix(tt.raw)
			if err != nil {
				t.Fatalf("ParsePrefix() error = %v", err)
			}
			if p.Raw != tt.raw {
				t.Errorf("Raw = %q, want %q", p.Raw, tt.raw)
			}
			if p.Host != tt.host {
				t.Errorf("Host = %q, want %q", p.Host, tt.host)
			}
			if p.Port != tt.port {
				t.Errorf("Port = %q, want %q", p.Port, tt.port)
			}
			if p.Path != tt.path {
				t.Errorf("Path = %q, want %q", p.Path, tt.path)
			}
			if got := p.Addr(); got != tt.addr {
				t.Errorf("Addr() = %q, want %q", got, tt.addr)
			}
			if got := p.Wildcard(); got != tt.wildcard {
				t.Errorf("Wildcard() = %v, want %v", got, tt.wildcard)
			}
		})
	}
}

func TestParsePrefix_Invalid(t *testing.T) {
	for _, raw := range []string{
		"",
		"localhost:5050/",
		"https://localhost:5050/",
		"http://localhost:5050/app",
		"http://:5050/",
		"http://localhost:notaport/",
		"http://localhost:70000/",
	} {
		t.Run(raw, func(t *testing.T) {
			if _, err := ParsePrefix(raw); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("ParsePrefix(%q) error = %v, want ErrInvalidConfig", raw, err)
			}
		})
	}
}
