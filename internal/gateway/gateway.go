// ABOUTME: Gateway orchestrator that wires the streaming stack and serves HTTP and WebSocket
// ABOUTME: Manages store, search, agent, connection manager and listener lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/rig-gateway/internal/agent"
	"github.com/2389/rig-gateway/internal/auth"
	"github.com/2389/rig-gateway/internal/config"
	"github.com/2389/rig-gateway/internal/llm"
	"github.com/2389/rig-gateway/internal/metrics"
	"github.com/2389/rig-gateway/internal/protocol"
	"github.com/2389/rig-gateway/internal/ratelimit"
	"github.com/2389/rig-gateway/internal/search"
	"github.com/2389/rig-gateway/internal/session"
	"github.com/2389/rig-gateway/internal/store"
	"github.com/2389/rig-gateway/internal/stream"
)

// Gateway orchestrates the rig-gateway server components.
type Gateway struct {
	config      *config.Config
	store       *store.SQLiteStore // nil when persistence is disabled
	sessions    *session.Store
	limiter     *ratelimit.Limiter
	search      *search.Client
	invoker     *agent.Invoker
	manager     *Manager
	metrics     *metrics.Metrics
	verifier    *auth.JWTVerifier
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
	startedAt   time.Time
}

type options struct {
	model   agent.Model
	backend search.Backend
}

// Option overrides a collaborator New would otherwise build from config.
type Option func(*options)

// WithModel uses m instead of the configured provider.
func WithModel(m agent.Model) Option {
	return func(o *options) { o.model = m }
}

// WithSearchBackend uses b instead of DuckDuckGo.
func WithSearchBackend(b search.Backend) Option {
	return func(o *options) { o.backend = b }
}

// initStore opens the SQLite store, or returns nil when no path is configured.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	if cfg.Database.Path == "" {
		return nil, nil
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildModel creates the configured model backend.
func buildModel(ctx context.Context, cfg config.AgentConfig) (agent.Model, error) {
	switch cfg.Provider {
	case config.ProviderScripted:
		return llm.NewScripted(cfg.TokenDelay), nil
	case config.ProviderGemini:
		m, err := llm.NewGemini(ctx, llm.GeminiConfig{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("creating gemini model: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown agent provider %q", cfg.Provider)
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	sqlStore, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	// Keep the interfaces nil, not typed-nil, when persistence is off.
	var persist store.Store
	var queries store.QueryStore
	if sqlStore != nil {
		persist, queries = sqlStore, sqlStore
	}

	closeStore := func() {
		if sqlStore != nil {
			_ = sqlStore.Close()
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	limiter := ratelimit.New(ratelimit.Config{Delay: cfg.Search.RateLimitDelay})

	backend := o.backend
	if backend == nil {
		ddg := search.NewDuckDuckGo(cfg.Search.Region)
		if cfg.Search.Endpoint != "" {
			ddg.Endpoint = cfg.Search.Endpoint
		}
		backend = ddg
	}
	searchClient := search.NewClient(backend, limiter, search.Config{
		MaxResults:     cfg.Search.MaxResults,
		Timeout:        cfg.Search.Timeout,
		MaxAttempts:    cfg.Search.MaxAttempts,
		InitialBackoff: cfg.Search.BackoffMin,
		MaxBackoff:     cfg.Search.BackoffMax,
		CacheTTL:       cfg.Search.CacheTTL,
		CacheSize:      cfg.Search.CacheSize,
		OnWait:         m.RateLimitWaited,
	}, logger)

	model := o.model
	if model == nil {
		model, err = buildModel(context.Background(), cfg.Agent)
		if err != nil {
			searchClient.Close()
			closeStore()
			return nil, err
		}
	}

	invoker := agent.NewInvoker(model,
		[]agent.Tool{agent.NewSearchTool(searchClient)},
		agent.Config{MaxIterations: cfg.Agent.MaxIterations, RunTimeout: cfg.Agent.RunTimeout},
		logger,
	)

	sessions := session.NewStore(session.Config{
		TTL:      cfg.Sessions.TTL,
		MaxTurns: cfg.Sessions.MaxTurns,
	}, persist, logger)

	deps := ManagerDeps{
		Sessions: sessions,
		Runner:   invoker,
		Persist:  persist,
		Queries:  queries,
		Metrics:  m,
		Logger:   logger,
	}
	if cfg.Agent.RenderHTML {
		deps.Markdown = stream.NewMarkdown()
	}
	manager := NewManager(ManagerConfig{
		MaxConnections:    cfg.Connections.MaxConnections,
		Timeout:           cfg.Connections.Timeout,
		HeartbeatInterval: cfg.Connections.HeartbeatInterval,
		OutboxSize:        cfg.Connections.QueueSize,
		WriteTimeout:      cfg.Connections.WriteTimeout,
		PendingQueries:    cfg.Connections.PendingQueries,
		EvictionInterval:  cfg.Sessions.EvictionInterval,
		Retention:         cfg.Database.Retention,
		Rules: protocol.Rules{
			MinLength:    cfg.Validation.MinLength,
			MaxLength:    cfg.Validation.MaxLength,
			BlockedTerms: cfg.Validation.BlockedTerms,
		},
	}, deps)

	gw := &Gateway{
		config:    cfg,
		store:     sqlStore,
		sessions:  sessions,
		limiter:   limiter,
		search:    searchClient,
		invoker:   invoker,
		manager:   manager,
		metrics:   m,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}

	if cfg.Auth.JWTSecret != "" {
		gw.verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			searchClient.Close()
			closeStore()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
	}

	gw.registerMetrics()

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.logger.Info("gateway configured",
		"model", invoker.ModelName(),
		"max_connections", cfg.Connections.MaxConnections,
		"persistence", sqlStore != nil,
		"auth", gw.verifier != nil,
		"metrics", m != nil,
	)
	return gw, nil
}

// registerMetrics exposes counters owned by other components at scrape time.
func (g *Gateway) registerMetrics() {
	if g.metrics == nil {
		return
	}
	g.metrics.CounterFunc("search_requests_total", "Search attempts sent to the backend",
		func() float64 { return float64(g.search.Stats().Total) })
	g.metrics.CounterFunc("search_failures_total", "Search attempts that failed",
		func() float64 { return float64(g.search.Stats().Failed) })
	g.metrics.CounterFunc("search_cache_hits_total", "Searches answered from the result cache",
		func() float64 { return float64(g.search.Stats().CacheHits) })
	g.metrics.GaugeFunc("sessions_active", "Sessions held in memory",
		func() float64 { return float64(g.sessions.Len()) })
	g.metrics.GaugeFunc("queries_processing", "Agent runs in progress",
		func() float64 { return float64(g.manager.processing.Load()) })
}

// Handler returns the HTTP handler serving every endpoint.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Manager returns the connection manager.
func (g *Gateway) Manager() *Manager {
	return g.manager
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the HTTP server and the connection manager's periodic work and
// blocks until the context is canceled. Returns nil on graceful shutdown, or
// an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "ws_path", g.config.Server.WSPath)
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	go func() {
		if err := g.manager.Run(runCtx); err != nil {
			errCh <- fmt.Errorf("connection manager: %w", err)
		}
	}()

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	cancel()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "rig-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and returns the HTTP listener on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown closes every WebSocket connection, stops the HTTP server, and
// releases resources. Hijacked WebSocket connections are not tracked by
// http.Server, so the manager closes them first.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "connection shutdown", g.manager.Shutdown(ctx))
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.search.Close()

	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
