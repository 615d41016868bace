// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/rewrite-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config           string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Target           string           `kong:"help='Upstream origin URL (overrides config).',env='UPSTREAM_URL'"`
	Listen           []string         `kong:"short='l',help='Listen prefix, e.g. http://localhost:5050/ (repeatable, overrides config).',env='LISTEN'"`
	NoRewriteHost    bool             `kong:"help='Forward the client Host header unchanged.'"`
	NoRewriteReferer bool             `kong:"help='Forward the Referer header unchanged.'"`
	NoRewriteBody    bool             `kong:"help='Do not rewrite upstream references in HTML/JSON bodies.'"`
	AdminAddr        string           `kong:"help='Admin listen address for health and metrics (overrides config).',env='ADMIN_ADDR'"`
	LogLevel         string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version          kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Rewrite  RewriteConfig  `toml:"rewrite"`
	Admin    AdminConfig    `toml:"admin"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds proxy listener settings.
type ServerConfig struct {
	Listen                   []string        `toml:"listen"`
	ShutdownTimeoutSeconds   int             `toml:"shutdown_timeout_seconds"`
	ReadHeaderTimeoutSeconds int             `toml:"read_header_timeout_seconds"`
	RateLimit                RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	URL             string               `toml:"url"`
	TimeoutSeconds  int                  `toml:"timeout_seconds"` // wait for response headers; negative disables
	IdleConnections int                  `toml:"idle_connections"`
	CircuitBreaker  CircuitBreakerConfig `toml:"circuit_breaker"`
}

// CircuitBreakerConfig controls the optional breaker around upstream calls.
type CircuitBreakerConfig struct {
	Enabled          bool `toml:"enabled"`
	FailureThreshold int  `toml:"failure_threshold"`
	OpenSeconds      int  `toml:"open_seconds"`
}

// RewriteConfig holds the three rewrite toggles. Nil means "unset" and
// defaults to true; TOML cannot otherwise tell false from omitted.
type RewriteConfig struct {
	Host      *bool `toml:"host"`
	Referer   *bool `toml:"referer"`
	Body      *bool `toml:"body"`
	Streaming bool  `toml:"streaming"`
}

// AdminConfig holds the health/metrics listener. Empty Addr disables it.
type AdminConfig struct {
	Addr string `toml:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/rewrite-proxy/config.toml then configs/config.toml. A config file is
// optional when the target and listen prefixes come from the command line.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	switch {
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	case cli.Target == "" || len(cli.Listen) == 0:
		return nil, fmt.Errorf("config: %w: no config file found (searched %v) and --target/--listen not both given",
			ErrInvalidConfig, configSearchPaths)
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Target != "" {
		c.Upstream.URL = cli.Target
	}
	if len(cli.Listen) > 0 {
		c.Server.Listen = cli.Listen
	}
	if cli.NoRewriteHost {
		c.Rewrite.Host = boolPtr(false)
	}
	if cli.NoRewriteReferer {
		c.Rewrite.Referer = boolPtr(false)
	}
	if cli.NoRewriteBody {
		c.Rewrite.Body = boolPtr(false)
	}
	if cli.AdminAddr != "" {
		c.Admin.Addr = cli.AdminAddr
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Origin and prefixes are validated by the same constructor library
	// callers use.
	if _, err := NewProxyConfig(c.Upstream.URL, c.Server.Listen...); err != nil {
		return err
	}

	// Numeric bounds.
	if c.Server.ShutdownTimeoutSeconds < 0 {
		return fmt.Errorf("%w: server.shutdown_timeout_seconds must be non-negative; got %d", ErrInvalidConfig, c.Server.ShutdownTimeoutSeconds)
	}
	if c.Server.ReadHeaderTimeoutSeconds < 0 {
		return fmt.Errorf("%w: server.read_header_timeout_seconds must be non-negative; got %d", ErrInvalidConfig, c.Server.ReadHeaderTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("%w: upstream.idle_connections must be non-negative; got %d", ErrInvalidConfig, c.Upstream.IdleConnections)
	}
	if cb := c.Upstream.CircuitBreaker; cb.FailureThreshold < 0 || cb.OpenSeconds < 0 {
		return fmt.Errorf("%w: upstream.circuit_breaker values must be non-negative", ErrInvalidConfig)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("%w: server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v",
			ErrInvalidConfig, c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("%w: log.level must be one of: debug, info, warn, error; got %q", ErrInvalidConfig, c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("%w: log.format must be one of: json, text; got %q", ErrInvalidConfig, c.Log.Format)
	}

	// Metrics are served on the admin listener only.
	if c.Metrics.Enabled && c.Admin.Addr == "" {
		return fmt.Errorf("%w: metrics.enabled requires admin.addr", ErrInvalidConfig)
	}
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("%w: metrics.path must start with '/'; got %q", ErrInvalidConfig, p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("%w: metrics.path %q conflicts with reserved route %q", ErrInvalidConfig, p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.ShutdownTimeoutSeconds == 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	if c.Server.ReadHeaderTimeoutSeconds == 0 {
		c.Server.ReadHeaderTimeoutSeconds = 10
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.CircuitBreaker.FailureThreshold == 0 {
		c.Upstream.CircuitBreaker.FailureThreshold = 5
	}
	if c.Upstream.CircuitBreaker.OpenSeconds == 0 {
		c.Upstream.CircuitBreaker.OpenSeconds = 30
	}
	if c.Rewrite.Host == nil {
		c.Rewrite.Host = boolPtr(true)
	}
	if c.Rewrite.Referer == nil {
		c.Rewrite.Referer = boolPtr(true)
	}
	if c.Rewrite.Body == nil {
		c.Rewrite.Body = boolPtr(true)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Proxy builds the immutable ProxyConfig from the loaded settings.
func (c *Config) Proxy() (*ProxyConfig, error) {
	pc, err := NewProxyConfig(c.Upstream.URL, c.Server.Listen...)
	if err != nil {
		return nil, err
	}
	pc.RewriteHost = boolOr(c.Rewrite.Host, true)
	pc.RewriteReferer = boolOr(c.Rewrite.Referer, true)
	pc.RewriteBody = boolOr(c.Rewrite.Body, true)
	pc.StreamRewrite = c.Rewrite.Streaming
	return pc, nil
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

func boolPtr(b bool) *bool { return &b }

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
