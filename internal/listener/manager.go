// Package listener binds the proxy's listen prefixes and dispatches requests.
//
// Every prefix is served by a net/http server, which runs each accepted
// connection on its own goroutine; the accept loop never waits on an
// upstream call. Prefixes resolving to the same socket share one server.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"rewrite-proxy-go/internal/config"
)

// State is the lifecycle state of a Manager.
type State int32

// Manager lifecycle: Created → Started → Stopped. Stopped is terminal.
const (
	StateCreated State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	// ErrAlreadyStarted is returned by Start on a running Manager.
	ErrAlreadyStarted = errors.New("listener: already started")
	// ErrStopped is returned by Start once the Manager has been stopped.
	ErrStopped = errors.New("listener: stopped")
)

// BindError reports a listen address that could not be bound or resolved.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("listener: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Option configures a Manager.
type Option func(*Manager)

// WithReadHeaderTimeout bounds how long a client may take to send headers.
func WithReadHeaderTimeout(d time.Duration) Option {
	return func(m *Manager) { m.readHeaderTimeout = d }
}

// WithIdleTimeout bounds how long keep-alive connections stay idle.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

// binding is one bound socket and the prefix paths it admits.
type binding struct {
	addr  string
	paths []string
	raw   []string
	ln    net.Listener
	srv   *http.Server
}

// Manager owns the proxy's listening sockets.
type Manager struct {
	prefixes []config.Prefix
	handler  http.Handler
	logger   *slog.Logger

	readHeaderTimeout time.Duration
	idleTimeout       time.Duration

	mu       sync.Mutex
	state    State
	bindings []*binding
	wg       sync.WaitGroup
}

// NewManager creates a Manager in the Created state for the prefixes in pc.
// h handles every admitted request.
func NewManager(pc *config.ProxyConfig, h http.Handler, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		prefixes:          pc.Prefixes,
		handler:           h,
		logger:            logger.With("component", "listener"),
		readHeaderTimeout: 10 * time.Second,
		idleTimeout:       120 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start binds every prefix address and begins accepting requests. If any
// address fails to bind, sockets bound so far are closed, the state stays
// Created and a *BindError is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateStarted:
		return ErrAlreadyStarted
	case StateStopped:
		return ErrStopped
	}

	bindings, err := plan(ctx, m.prefixes)
	if err != nil {
		return err
	}

	var lc net.ListenConfig
	for i, b := range bindings {
		ln, err := lc.Listen(ctx, "tcp", b.addr)
		if err != nil {
			for _, bound := range bindings[:i] {
				_ = bound.ln.Close()
			}
			return &BindError{Addr: b.addr, Err: err}
		}
		b.ln = ln
		b.srv = &http.Server{
			Handler:           pathFilter(b.paths, m.handler),
			ReadHeaderTimeout: m.readHeaderTimeout,
			IdleTimeout:       m.idleTimeout,
			ErrorLog:          slog.NewLogLogger(m.logger.Handler(), slog.LevelWarn),
		}
	}

	for _, b := range bindings {
		m.wg.Add(1)
		go m.serve(b)
		m.logger.Info("listener started",
			"addr", b.ln.Addr().String(),
			"prefixes", strings.Join(b.raw, ", "),
		)
	}

	m.bindings = bindings
	m.state = StateStarted
	return nil
}

func (m *Manager) serve(b *binding) {
	defer m.wg.Done()
	if err := b.srv.Serve(b.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.logger.Error("listener error",
			"addr", b.addr,
			"err", err,
		)
	}
}

// Stop stops accepting new connections and lets in-flight requests finish
// until ctx is done; connections still open then are closed. Stop moves the
// Manager to Stopped and is a no-op afterwards.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return nil
	}
	m.state = StateStopped
	bindings := m.bindings
	m.mu.Unlock()

	var errs []error
	for _, b := range bindings {
		if err := b.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", b.addr, err))
			_ = b.srv.Close()
		}
	}
	m.wg.Wait()

	m.logger.Info("listeners stopped", "count", len(bindings))
	return errors.Join(errs...)
}

// Close releases every listening socket and open connection immediately.
// It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.state = StateStopped
	bindings := m.bindings
	m.mu.Unlock()

	var errs []error
	for _, b := range bindings {
		if err := b.srv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", b.addr, err))
		}
	}
	return errors.Join(errs...)
}

// Addrs returns the bound addresses, resolving port 0 to the actual port.
func (m *Manager) Addrs() []net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()

	addrs := make([]net.Addr, 0, len(m.bindings))
	for _, b := range m.bindings {
		addrs = append(addrs, b.ln.Addr())
	}
	return addrs
}

// plan groups prefixes by the socket they bind. Host names are resolved so
// that "localhost" and "127.0.0.1" share one socket, and specific addresses
// fold into a wildcard binding on the same port.
func plan(ctx context.Context, prefixes []config.Prefix) ([]*binding, error) {
	var (
		order    []string
		byAddr   = make(map[string]*binding)
		wildcard = make(map[string]string) // port -> wildcard bind address
	)

	add := func(addr string, p config.Prefix) {
		b, ok := byAddr[addr]
		if !ok {
			b = &binding{addr: addr}
			byAddr[addr] = b
			order = append(order, addr)
		}
		b.paths = append(b.paths, p.Path)
		b.raw = append(b.raw, p.Raw)
	}

	for _, p := range prefixes {
		if p.Wildcard() {
			wildcard[p.Port] = p.Addr()
		}
	}

	for _, p := range prefixes {
		if addr, ok := wildcard[p.Port]; ok && p.Port != "0" {
			add(addr, p)
			continue
		}
		addr, err := resolve(ctx, p)
		if err != nil {
			return nil, &BindError{Addr: p.Addr(), Err: err}
		}
		add(addr, p)
	}

	bindings := make([]*binding, 0, len(order))
	for _, addr := range order {
		bindings = append(bindings, byAddr[addr])
	}
	return bindings, nil
}

// resolve returns the concrete bind address for p, preferring IPv4.
func resolve(ctx context.Context, p config.Prefix) (string, error) {
	if p.Wildcard() {
		return p.Addr(), nil
	}
	if ip := net.ParseIP(p.Host); ip != nil {
		return net.JoinHostPort(ip.String(), p.Port), nil
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, p.Host)
	if err != nil {
		return "", err
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("no addresses for %q", p.Host)
	}
	chosen := ips[0].IP
	for _, ip := range ips {
		if ip.IP.To4() != nil {
			chosen = ip.IP
			break
		}
	}
	return net.JoinHostPort(chosen.String(), p.Port), nil
}

// pathFilter admits requests whose path lies under one of paths and answers
// 404 otherwise.
func pathFilter(paths []string, next http.Handler) http.Handler {
	for _, p := range paths {
		if p == "/" {
			return next
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range paths {
			if strings.HasPrefix(r.URL.Path, p) || r.URL.Path+"/" == p {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.NotFound(w, r)
	})
}
