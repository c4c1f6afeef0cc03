package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/kiloguardian/kilo/pkg/api"
	"github.com/kiloguardian/kilo/pkg/log"
	"github.com/kiloguardian/kilo/pkg/metrics"
	"github.com/kiloguardian/kilo/pkg/storage"
)

// authHeader carries the admin token on protected requests
const authHeader = "x-admin-token"

// HealthChecker probes one component for the status fan-out
type HealthChecker func(ctx context.Context) error

// Config holds the gateway's tunables
type Config struct {
	ListenAddr string
	// BackendTimeout bounds one backend invocation; exceeding it returns
	// 504 with a correlation ID
	BackendTimeout time.Duration
	// HealthTimeout bounds each component probe in the status fan-out
	HealthTimeout time.Duration
	// RatePerSecond/RateBurst limit each client IP
	RatePerSecond float64
	RateBurst     int
	// BootstrapToken seeds the token store on first startup
	BootstrapToken string
}

func (c *Config) defaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = 30 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 2 * time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 50
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 100
	}
}

type route struct {
	prefix  string
	name    string
	handler http.Handler
}

// Gateway is the HTTP front door
type Gateway struct {
	cfg    Config
	tokens *storage.TokenStore
	clk    clock.PassiveClock

	routes []route
	health map[string]HealthChecker

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	server *http.Server
}

// New creates a gateway over the given token store
func New(cfg Config, tokens *storage.TokenStore, clk clock.PassiveClock) *Gateway {
	cfg.defaults()
	return &Gateway{
		cfg:      cfg,
		tokens:   tokens,
		clk:      clk,
		health:   make(map[string]HealthChecker),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Mount attaches a backend under a path prefix. Longest prefix wins.
// Mount everything before Start; the route table is read-only after.
func (g *Gateway) Mount(prefix, name string, handler http.Handler) {
	g.routes = append(g.routes, route{prefix: prefix, name: name, handler: handler})
}

// RegisterHealth adds a component to the status fan-out
func (g *Gateway) RegisterHealth(name string, check HealthChecker) {
	g.health[name] = check
}

// Start seeds the bootstrap token and begins serving
func (g *Gateway) Start() error {
	if g.cfg.BootstrapToken != "" {
		if err := g.tokens.EnsureBootstrap(g.cfg.BootstrapToken); err != nil {
			return fmt.Errorf("failed to seed bootstrap token: %w", err)
		}
	}

	lis, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.cfg.ListenAddr, err)
	}

	g.server = &http.Server{
		Handler:           g,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := g.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Errorf("gateway serve failed", err)
		}
	}()
	log.WithComponent("gateway").Info().
		Str("addr", g.cfg.ListenAddr).
		Msg("gateway listening")
	return nil
}

// Stop drains in-flight requests and shuts the listener down
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.New().String()
	w.Header().Set("X-Correlation-Id", correlationID)

	if !g.allow(clientIP(r)) {
		metrics.HTTPRequestsTotal.WithLabelValues("gateway", "429").Inc()
		api.WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return
	}

	// The versioned and legacy prefixes address the same surface
	path := strings.TrimPrefix(r.URL.Path, "/v1")
	if path == "" {
		path = "/"
	}

	switch {
	case path == "/health":
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case path == "/metrics":
		metrics.Handler().ServeHTTP(w, r)
		return
	case path == "/admin/status":
		g.status(w, r)
		return
	case strings.HasPrefix(path, "/admin/"):
		g.requireToken(w, r, func() { g.admin(w, r, strings.TrimPrefix(path, "/admin")) })
		return
	}

	matched := g.match(path)
	if matched == nil {
		api.WriteError(w, http.StatusNotFound, "not_found", "no route for "+path)
		return
	}

	g.requireToken(w, r, func() {
		g.dispatch(w, r, matched, path, correlationID)
	})
}

// match returns the longest-prefix route for the path
func (g *Gateway) match(path string) *route {
	var best *route
	for i := range g.routes {
		rt := &g.routes[i]
		if !prefixMatch(path, rt.prefix) {
			continue
		}
		if best == nil || len(rt.prefix) > len(best.prefix) {
			best = rt
		}
	}
	return best
}

func prefixMatch(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// dispatch runs the backend with the configured timeout. The backend
// writes into a buffer; a deadline overrun returns 504 and abandons the
// buffer, so a stalled backend can never interleave with the timeout
// body.
func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request, rt *route, path string, correlationID string) {
	timer := metrics.NewTimer()

	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.BackendTimeout)
	defer cancel()

	req := r.Clone(ctx)
	req.URL.Path = path

	buf := newBufferedResponse()
	done := make(chan struct{})
	go func() {
		defer close(done)
		rt.handler.ServeHTTP(buf, req)
	}()

	select {
	case <-done:
		status := buf.flush(w)
		metrics.HTTPRequestsTotal.WithLabelValues(rt.name, strconv.Itoa(status)).Inc()
	case <-ctx.Done():
		log.WithCorrelationID(correlationID).Warn().
			Str("backend", rt.name).
			Str("path", path).
			Msg("backend deadline exceeded")
		metrics.HTTPRequestsTotal.WithLabelValues(rt.name, "504").Inc()
		api.WriteError(w, http.StatusGatewayTimeout, "timeout",
			"backend timed out; correlation id "+correlationID)
	}
	timer.ObserveDuration(metrics.HTTPRequestDuration.WithLabelValues(rt.name))
}

// requireToken runs fn only when the request carries a valid admin token
func (g *Gateway) requireToken(w http.ResponseWriter, r *http.Request, fn func()) {
	raw := r.Header.Get(authHeader)
	if raw == "" {
		api.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing "+authHeader+" header")
		return
	}
	if _, err := g.tokens.Validate(raw, g.clk.Now().UTC()); err != nil {
		api.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return
	}
	fn()
}

func (g *Gateway) allow(ip string) bool {
	g.mu.Lock()
	limiter, ok := g.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(g.cfg.RatePerSecond), g.cfg.RateBurst)
		g.limiters[ip] = limiter
	}
	g.mu.Unlock()
	return limiter.Allow()
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
