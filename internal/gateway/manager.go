// ABOUTME: Connection Manager owning the live-connection set, admission, dispatch and heartbeats
// ABOUTME: Runs each connection's queries through the agent with a streaming bridge as sink

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"golang.org/x/sync/errgroup"

	"github.com/2389/rig-gateway/internal/agent"
	"github.com/2389/rig-gateway/internal/metrics"
	"github.com/2389/rig-gateway/internal/protocol"
	"github.com/2389/rig-gateway/internal/session"
	"github.com/2389/rig-gateway/internal/store"
	"github.com/2389/rig-gateway/internal/stream"
)

var (
	// ErrCapacityExceeded is returned by Accept when the live-connection limit is reached.
	ErrCapacityExceeded = errors.New("connection capacity exceeded")

	// ErrShuttingDown is returned by Accept once Shutdown has started.
	ErrShuttingDown = errors.New("gateway shutting down")

	errConnectionClosed = errors.New("connection closed during handshake")
)

// Runner executes one query. *agent.Invoker satisfies it.
type Runner interface {
	Run(ctx context.Context, req agent.Request, sink agent.Sink) agent.Outcome
}

// ManagerConfig holds the connection limits and timings.
type ManagerConfig struct {
	MaxConnections    int
	Timeout           time.Duration // no liveness signal for this long closes the connection
	HeartbeatInterval time.Duration
	OutboxSize        int
	WriteTimeout      time.Duration
	PendingQueries    int
	EvictionInterval  time.Duration
	Retention         time.Duration // persisted sessions idle longer than this are purged
	PurgeInterval     time.Duration
	Rules             protocol.Rules
}

// ManagerDeps are the collaborators a Manager drives. Persist, Queries,
// Metrics and Markdown are optional.
type ManagerDeps struct {
	Sessions *session.Store
	Runner   Runner
	Persist  store.Store
	Queries  store.QueryStore
	Metrics  *metrics.Metrics
	Markdown goldmark.Markdown
	Logger   *slog.Logger
}

// ConnectionStats describes the live-connection set.
type ConnectionStats struct {
	Active             int     `json:"active"`
	Max                int     `json:"max"`
	Total              int64   `json:"total"`
	Refused            int64   `json:"refused"`
	AvgDurationSeconds float64 `json:"average_duration_seconds"`
}

// ManagerStats is a snapshot of manager activity.
type ManagerStats struct {
	Connections      ConnectionStats  `json:"connections"`
	Processing       int64            `json:"processing"`
	QueriesProcessed int64            `json:"queries_processed"`
	MessagesSent     int64            `json:"messages_sent"`
	ErrorsByCode     map[string]int64 `json:"errors_by_code"`
	Sessions         session.Stats    `json:"sessions"`
}

// Manager owns every live connection. Admission and mutations of the live
// set happen under mu.
type Manager struct {
	cfg      ManagerConfig
	sessions *session.Store
	runner   Runner
	persist  store.Store
	queries  store.QueryStore
	metrics  *metrics.Metrics
	markdown goldmark.Markdown
	logger   *slog.Logger
	now      func() time.Time

	mu           sync.Mutex
	conns        map[string]*Connection
	shuttingDown bool
	total        int64
	refused      int64
	errorsByCode map[string]int64

	messagesSent atomic.Int64
	processing   atomic.Int64
	processed    atomic.Int64
	workers      sync.WaitGroup
}

// NewManager creates a connection manager.
func NewManager(cfg ManagerConfig, deps ManagerDeps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PendingQueries <= 0 {
		cfg.PendingQueries = 4
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = time.Hour
	}
	return &Manager{
		cfg:          cfg,
		sessions:     deps.Sessions,
		runner:       deps.Runner,
		persist:      deps.Persist,
		queries:      deps.Queries,
		metrics:      deps.Metrics,
		markdown:     deps.Markdown,
		logger:       deps.Logger.With("component", "connections"),
		now:          time.Now,
		conns:        make(map[string]*Connection),
		errorsByCode: make(map[string]int64),
	}
}

// Accept admits a transport, binds it to a session, and sends the
// connection_status handshake. At capacity it returns ErrCapacityExceeded and
// the live count is unchanged.
func (m *Manager) Accept(ctx context.Context, t Transport, sessionID, subject string) (*Connection, error) {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if len(m.conns) >= m.cfg.MaxConnections {
		m.refused++
		active := len(m.conns)
		m.mu.Unlock()
		m.metrics.ConnectionRefused()
		m.logger.Warn("connection refused: at capacity", "active", active, "max", m.cfg.MaxConnections)
		return nil, ErrCapacityExceeded
	}
	conn := m.newConnection(t, subject)
	m.conns[conn.ID] = conn
	m.total++
	m.mu.Unlock()

	m.metrics.ConnectionOpened()
	m.workers.Add(1)
	go m.work(conn)

	sess, resumed, err := m.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		m.Close(conn, ReasonInternal)
		return nil, fmt.Errorf("resolving session: %w", err)
	}
	m.sessions.Attach(sess)
	if _, ok := conn.bind(sess); !ok {
		m.sessions.Detach(sess)
		return nil, errConnectionClosed
	}

	_ = conn.Enqueue(protocol.New(protocol.TypeConnectionStatus,
		"Connected successfully. Session ID: "+sess.ID,
		map[string]any{
			"status":        "connected",
			"connection_id": conn.ID,
			"session_id":    sess.ID,
			"resumed":       resumed,
		}))

	m.logger.Info("connection accepted",
		"conn_id", conn.ID,
		"session_id", sess.ID,
		"resumed", resumed,
		"subject", subject,
		"active", m.ActiveConnections(),
	)
	return conn, nil
}

func (m *Manager) newConnection(t Transport, subject string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	now := m.now()
	conn := &Connection{
		ID:        uuid.New().String(),
		Subject:   subject,
		StartedAt: now,
		mgr:       m,
		transport: t,
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(chan *pendingQuery, m.cfg.PendingQueries),
		done:      make(chan struct{}),
		state:     StateOpen,
		lastSeen:  now,
	}
	conn.outbox = stream.NewOutbox(t.Write,
		stream.OutboxConfig{Size: m.cfg.OutboxSize, WriteTimeout: m.cfg.WriteTimeout},
		func(err error) {
			reason := ReasonTransportError
			if errors.Is(err, stream.ErrBackpressure) {
				reason = ReasonBackpressure
			}
			m.Close(conn, reason)
		},
		m.logger.With("conn_id", conn.ID),
	)
	return conn
}

// Dispatch handles one inbound frame. Any frame counts as liveness; heartbeat
// acknowledgements stop there. Invalid queries get an error message and the
// connection stays open. Valid queries are queued for the connection's worker.
func (m *Manager) Dispatch(conn *Connection, raw []byte) {
	if conn.State() != StateOpen {
		return
	}
	conn.markSeen(m.now())

	if protocol.IsHeartbeatAck(raw) {
		return
	}

	q, err := protocol.ParseQuery(raw, m.cfg.Rules)
	if err != nil {
		m.logger.Debug("query rejected", "conn_id", conn.ID, "error", err)
		_ = conn.Enqueue(stream.ErrorMessage(err))
		return
	}

	sess := conn.boundSession()
	if q.SessionID != "" && (sess == nil || q.SessionID != sess.ID) {
		sess, err = m.rebind(conn, q.SessionID)
		if err != nil {
			m.logger.Error("failed to switch session", "conn_id", conn.ID, "session_id", q.SessionID, "error", err)
			_ = conn.Enqueue(protocol.NewError(protocol.CodeAgentError, "Could not resume session"))
			return
		}
	}
	if sess == nil {
		return
	}
	m.sessions.Touch(sess.ID)

	pq := &pendingQuery{id: uuid.New().String(), text: q.Text, session: sess}
	select {
	case conn.pending <- pq:
		m.logger.Debug("query queued", "conn_id", conn.ID, "session_id", sess.ID, "query_id", pq.id)
	default:
		_ = conn.Enqueue(protocol.NewError(protocol.CodeQueueFull,
			"Too many queries waiting. Wait for the current answer before sending more."))
	}
}

// rebind moves conn to the session named by id (or a fresh one if id is unknown).
func (m *Manager) rebind(conn *Connection, id string) (*session.Session, error) {
	sess, resumed, err := m.sessions.GetOrCreate(conn.ctx, id)
	if err != nil {
		return nil, err
	}
	m.sessions.Attach(sess)
	prev, ok := conn.bind(sess)
	if !ok {
		m.sessions.Detach(sess)
		return nil, errConnectionClosed
	}
	if prev != nil {
		m.sessions.Detach(prev)
	}

	_ = conn.Enqueue(protocol.New(protocol.TypeConnectionStatus,
		"Switched to session "+sess.ID,
		map[string]any{
			"status":        "session_changed",
			"connection_id": conn.ID,
			"session_id":    sess.ID,
			"resumed":       resumed,
		}))
	return sess, nil
}

// work runs the connection's queries one at a time until it is closed.
func (m *Manager) work(conn *Connection) {
	defer m.workers.Done()
	defer close(conn.done)

	for {
		select {
		case <-conn.ctx.Done():
			return
		case pq := <-conn.pending:
			m.runQuery(conn, pq)
		}
	}
}

func (m *Manager) runQuery(conn *Connection, pq *pendingQuery) {
	logger := m.logger.With("conn_id", conn.ID, "session_id", pq.session.ID, "query_id", pq.id)

	// Another connection may be running a query on the same session.
	if err := m.sessions.Acquire(conn.ctx, pq.session); err != nil {
		logger.Debug("query dropped before start", "error", err)
		return
	}

	m.processing.Add(1)
	defer m.processing.Add(-1)

	bridge := stream.NewBridge(conn, stream.BridgeOptions{
		QueryID:   pq.id,
		SessionID: pq.session.ID,
		Markdown:  m.markdown,
	}, logger)

	out := m.runner.Run(conn.ctx, agent.Request{
		QueryID:   pq.id,
		SessionID: pq.session.ID,
		Query:     pq.text,
		History:   toHistory(m.sessions.Memory(pq.session)),
	}, bridge)

	var turn *session.Turn
	if out.Err == nil {
		turn = &session.Turn{Query: pq.text, Response: out.Output}
	}
	m.sessions.Release(pq.session, session.Result{Turn: turn, Iterations: out.Iterations})
	m.processed.Add(1)

	status, code := store.QueryStatusCompleted, ""
	switch {
	case out.Err == nil:
	case conn.ctx.Err() != nil && errors.Is(out.Err, context.Canceled):
		status = store.QueryStatusCancelled
	default:
		status, code = store.QueryStatusFailed, stream.ErrorCode(out.Err)
	}
	m.metrics.QueryFinished(status, out.Duration)
	m.saveQuery(logger, &store.QueryRecord{
		ID:           pq.id,
		SessionID:    pq.session.ID,
		Status:       status,
		ErrorCode:    code,
		Iterations:   out.Iterations,
		MessagesSent: bridge.Sent(),
		Duration:     out.Duration,
		CreatedAt:    m.now(),
	})
}

func (m *Manager) saveQuery(logger *slog.Logger, rec *store.QueryRecord) {
	if m.queries == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.queries.SaveQuery(ctx, rec); err != nil {
		logger.Warn("failed to record query", "error", err)
	}
}

// toHistory flattens session memory into alternating user/model messages.
func toHistory(turns []session.Turn) []agent.Message {
	if len(turns) == 0 {
		return nil
	}
	out := make([]agent.Message, 0, 2*len(turns))
	for _, t := range turns {
		out = append(out,
			agent.Message{Role: agent.RoleUser, Text: t.Query},
			agent.Message{Role: agent.RoleModel, Text: t.Response},
		)
	}
	return out
}

// HeartbeatTick checks every live connection once. Connections without a
// liveness signal within the timeout are closed with ReasonIdleTimeout; the
// rest get a heartbeat message and a transport ping.
func (m *Manager) HeartbeatTick(now time.Time) {
	for _, conn := range m.snapshot() {
		if conn.State() != StateOpen {
			continue
		}
		if idle := now.Sub(conn.LastSeen()); idle > m.cfg.Timeout {
			m.logger.Info("closing idle connection", "conn_id", conn.ID, "idle", idle)
			go m.Close(conn, ReasonIdleTimeout)
			continue
		}
		_ = conn.Enqueue(protocol.New(protocol.TypeHeartbeat, "ping", nil))
		m.ping(conn)
	}
}

// ping issues at most one outstanding transport ping per connection. A pong
// counts as liveness.
func (m *Manager) ping(conn *Connection) {
	if !conn.pinging.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer conn.pinging.Store(false)
		ctx, cancel := context.WithTimeout(conn.ctx, m.cfg.HeartbeatInterval)
		defer cancel()
		if err := conn.transport.Ping(ctx); err != nil {
			m.logger.Debug("ping failed", "conn_id", conn.ID, "error", err)
			return
		}
		conn.markSeen(m.now())
	}()
}

// Close tears a connection down: it stops new sends, cancels in-flight work,
// releases the slot, detaches the session, writes a final error for abnormal
// reasons, and closes the transport. Close is idempotent and does not wait for
// the running query; Connection.Done reports when that has stopped.
func (m *Manager) Close(conn *Connection, reason CloseReason) {
	conn.mu.Lock()
	if conn.state != StateOpen {
		conn.mu.Unlock()
		return
	}
	conn.state = StateClosing
	conn.reason = reason
	sess := conn.session
	conn.mu.Unlock()

	conn.outbox.Seal()
	conn.cancel()

	m.mu.Lock()
	delete(m.conns, conn.ID)
	active := len(m.conns)
	m.mu.Unlock()

	if sess != nil {
		m.sessions.Detach(sess)
	}

	code, content, status := reason.closeSpec()
	var final *protocol.Message
	if code != "" {
		final = protocol.NewError(code, content)
		m.recordSent(final)
	}
	conn.outbox.Close(final)
	if err := conn.transport.Close(status, content); err != nil {
		m.logger.Debug("transport close", "conn_id", conn.ID, "error", err)
	}

	conn.mu.Lock()
	conn.state = StateClosed
	conn.mu.Unlock()

	lifetime := m.now().Sub(conn.StartedAt)
	m.metrics.ConnectionClosed(lifetime, string(reason))
	m.logger.Info("connection closed",
		"conn_id", conn.ID,
		"session_id", conn.SessionID(),
		"reason", reason,
		"duration", lifetime,
		"messages_sent", conn.outbox.Sent(),
		"dropped", conn.outbox.Dropped(),
		"active", active,
	)
}

// Serve runs a transport for its whole life: admission, then the read loop.
// It returns when the client goes away or the connection is closed.
func (m *Manager) Serve(ctx context.Context, t Transport, sessionID, subject string) error {
	conn, err := m.Accept(ctx, t, sessionID, subject)
	if err != nil {
		if errors.Is(err, ErrCapacityExceeded) || errors.Is(err, ErrShuttingDown) {
			m.refuse(t, err)
		}
		return err
	}

	for {
		data, err := t.Read(ctx)
		if err != nil {
			if conn.State() == StateOpen {
				m.Close(conn, readCloseReason(ctx, err))
			}
			return nil
		}
		m.Dispatch(conn, data)
	}
}

func readCloseReason(ctx context.Context, err error) CloseReason {
	switch {
	case ctx.Err() != nil:
		return ReasonShutdown
	case websocket.CloseStatus(err) != -1, errors.Is(err, io.EOF):
		return ReasonClientClosed
	default:
		return ReasonTransportError
	}
}

// refuse tells a client it was not admitted and closes the transport.
// Capacity refusals close with 1013 (try again later).
func (m *Manager) refuse(t Transport, err error) {
	code, content, status := protocol.CodeCapacityExceeded, "Server at capacity, try again later", websocket.StatusTryAgainLater
	if errors.Is(err, ErrShuttingDown) {
		code, content, status = protocol.CodeShuttingDown, "Server is shutting down", websocket.StatusGoingAway
	}

	msg := protocol.NewError(code, content)
	m.recordSent(msg)
	if data, encErr := msg.Encode(); encErr == nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
		_ = t.Write(ctx, data)
		cancel()
	}
	_ = t.Close(status, content)
}

// recordSent counts a message handed to a connection.
func (m *Manager) recordSent(msg *protocol.Message) {
	m.messagesSent.Add(1)
	m.metrics.MessageSent(string(msg.Type))
	if msg.Type != protocol.TypeError {
		return
	}
	code := msg.Code()
	m.mu.Lock()
	m.errorsByCode[code]++
	m.mu.Unlock()
	m.metrics.ErrorSent(code)
}

func (m *Manager) snapshot() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// Get returns a live connection by ID.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	return c, ok
}

// ActiveConnections returns the live-connection count.
func (m *Manager) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// MaxConnections returns the admission limit.
func (m *Manager) MaxConnections() int {
	return m.cfg.MaxConnections
}

// Stats returns a snapshot for the stats endpoint.
func (m *Manager) Stats() ManagerStats {
	now := m.now()

	m.mu.Lock()
	cs := ConnectionStats{
		Active:  len(m.conns),
		Max:     m.cfg.MaxConnections,
		Total:   m.total,
		Refused: m.refused,
	}
	var totalAge time.Duration
	for _, c := range m.conns {
		totalAge += now.Sub(c.StartedAt)
	}
	if len(m.conns) > 0 {
		cs.AvgDurationSeconds = totalAge.Seconds() / float64(len(m.conns))
	}
	errs := make(map[string]int64, len(m.errorsByCode))
	for k, v := range m.errorsByCode {
		errs[k] = v
	}
	m.mu.Unlock()

	return ManagerStats{
		Connections:      cs,
		Processing:       m.processing.Load(),
		QueriesProcessed: m.processed.Load(),
		MessagesSent:     m.messagesSent.Load(),
		ErrorsByCode:     errs,
		Sessions:         m.sessions.Stats(),
	}
}

// Run drives the periodic work: heartbeats, session eviction, and the
// retention purge of persisted sessions. It returns when ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		every(ctx, m.cfg.HeartbeatInterval, m.HeartbeatTick)
		return nil
	})

	if m.cfg.EvictionInterval > 0 {
		g.Go(func() error {
			every(ctx, m.cfg.EvictionInterval, func(now time.Time) {
				m.sessions.EvictIdle(now)
			})
			return nil
		})
	}

	if m.persist != nil && m.cfg.Retention > 0 {
		g.Go(func() error {
			m.purge(ctx, m.now())
			every(ctx, m.cfg.PurgeInterval, func(now time.Time) {
				m.purge(ctx, now)
			})
			return nil
		})
	}

	return g.Wait()
}

func (m *Manager) purge(ctx context.Context, now time.Time) {
	n, err := m.persist.PurgeSessions(ctx, now.Add(-m.cfg.Retention))
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("failed to purge sessions", "error", err)
		}
		return
	}
	if n > 0 {
		m.logger.Info("purged persisted sessions", "count", n, "retention", m.cfg.Retention)
	}
}

func every(ctx context.Context, d time.Duration, fn func(time.Time)) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fn(now)
		}
	}
}

// Shutdown refuses new connections, closes every live one with
// ReasonShutdown, and waits for their workers until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()

	conns := m.snapshot()
	m.logger.Info("closing connections", "count", len(conns))

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Close(c, ReasonShutdown)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		m.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connections: %w", ctx.Err())
	}
}
