// ABOUTME: HTTP endpoints: service info, health, stats, metrics, and the WebSocket upgrade
// ABOUTME: The WebSocket handler hands each accepted socket to the connection manager

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/rig-gateway/internal/auth"
	"github.com/2389/rig-gateway/internal/ratelimit"
	"github.com/2389/rig-gateway/internal/search"
	"github.com/2389/rig-gateway/internal/store"
)

// routes builds the HTTP mux.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", g.handleRoot)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /stats", g.handleStats)

	authMiddleware := auth.Middleware(g.verifierOrNil(), g.config.Auth.Required, g.logger)
	mux.Handle("GET "+g.config.Server.WSPath, authMiddleware(http.HandlerFunc(g.handleWebSocket)))

	if g.metrics != nil {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	return mux
}

// verifierOrNil keeps a nil *JWTVerifier from becoming a non-nil interface.
func (g *Gateway) verifierOrNil() auth.TokenVerifier {
	if g.verifier == nil {
		return nil
	}
	return g.verifier
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleRoot describes the service and its endpoints.
func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]string{
		"websocket": g.config.Server.WSPath,
		"health":    "/health",
		"stats":     "/stats",
	}
	if g.metrics != nil {
		endpoints["metrics"] = g.config.Metrics.Path
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   "rig-gateway",
		"message":   "PC Build Assistant streaming gateway",
		"model":     g.invoker.ModelName(),
		"endpoints": endpoints,
	})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Connections   struct {
		Active int `json:"active"`
		Max    int `json:"max"`
	} `json:"connections"`
	Database string `json:"database,omitempty"`
}

// handleHealth reports liveness plus the live-connection count. A failing
// database makes the gateway unhealthy.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: time.Since(g.startedAt).Seconds(),
	}
	resp.Connections.Active = g.manager.ActiveConnections()
	resp.Connections.Max = g.manager.MaxConnections()

	status := http.StatusOK
	if g.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := g.store.CountSessions(ctx); err != nil {
			g.logger.Error("health check: database unavailable", "error", err)
			resp.Status = "unhealthy"
			resp.Database = "unavailable"
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}
	writeJSON(w, status, resp)
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	ManagerStats
	Search      search.Stats      `json:"search"`
	RateLimiter ratelimit.Stats   `json:"rate_limiter"`
	Queries     *store.QueryStats `json:"queries,omitempty"`
	Persisted   *int64            `json:"persisted_sessions,omitempty"`
	Model       string            `json:"model"`
	Timestamp   time.Time         `json:"timestamp"`
}

// handleStats returns aggregate counters.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		ManagerStats: g.manager.Stats(),
		Search:       g.search.Stats(),
		RateLimiter:  g.limiter.Stats(),
		Model:        g.invoker.ModelName(),
		Timestamp:    time.Now().UTC(),
	}

	if g.store != nil {
		if qs, err := g.store.GetQueryStats(r.Context(), store.QueryFilter{}); err != nil {
			g.logger.Warn("stats: failed to load query stats", "error", err)
		} else {
			resp.Queries = qs
		}
		if n, err := g.store.CountSessions(r.Context()); err == nil {
			resp.Persisted = &n
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleWebSocket upgrades the request and serves the socket until it closes.
// Capacity refusal happens after the upgrade so the client sees close code 1013.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	origins := g.config.Connections.AllowedOrigins
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     origins,
		InsecureSkipVerify: len(origins) == 0,
	})
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	if g.config.Connections.ReadLimit > 0 {
		c.SetReadLimit(g.config.Connections.ReadLimit)
	}

	var subject string
	if id := auth.FromContext(r.Context()); id != nil {
		subject = id.Subject
	}

	err = g.manager.Serve(r.Context(), newWSTransport(c), r.URL.Query().Get("session_id"), subject)
	if err != nil {
		g.logger.Debug("websocket not admitted", "remote", r.RemoteAddr, "error", err)
	}
}
