// ABOUTME: Connection tracks one live client: transport, outbox, bound session, and liveness
// ABOUTME: Owned by the Manager; producers only see its Enqueue capability

package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/rig-gateway/internal/protocol"
	"github.com/2389/rig-gateway/internal/session"
	"github.com/2389/rig-gateway/internal/stream"
)

// ConnState is the lifecycle state of a connection.
type ConnState int32

const (
	StateOpen ConnState = iota
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason says why a connection ended.
type CloseReason string

const (
	ReasonClientClosed   CloseReason = "client_closed"
	ReasonIdleTimeout    CloseReason = "idle_timeout"
	ReasonBackpressure   CloseReason = "backpressure"
	ReasonTransportError CloseReason = "transport_error"
	ReasonShutdown       CloseReason = "shutting_down"
	ReasonInternal       CloseReason = "internal_error"
)

// closeSpec maps a reason to the final error message (if any) and close status.
func (r CloseReason) closeSpec() (code, content string, status websocket.StatusCode) {
	switch r {
	case ReasonIdleTimeout:
		return protocol.CodeIdleTimeout, "Connection closed after inactivity", websocket.StatusPolicyViolation
	case ReasonBackpressure:
		return protocol.CodeBackpressure, "Client is not reading messages fast enough", websocket.StatusPolicyViolation
	case ReasonShutdown:
		return protocol.CodeShuttingDown, "Server is shutting down", websocket.StatusGoingAway
	case ReasonInternal:
		return protocol.CodeAgentError, "Internal server error", websocket.StatusInternalError
	case ReasonTransportError:
		return "", "", websocket.StatusInternalError
	default:
		return "", "", websocket.StatusNormalClosure
	}
}

// pendingQuery is a validated query waiting for the connection's worker.
type pendingQuery struct {
	id      string
	text    string
	session *session.Session
}

// Connection is one live client.
type Connection struct {
	ID        string
	Subject   string // authenticated token subject; empty when anonymous
	StartedAt time.Time

	mgr       *Manager
	transport Transport
	outbox    *stream.Outbox

	// ctx scopes work done on behalf of the connection: agent runs and pings.
	ctx    context.Context
	cancel context.CancelFunc

	pending chan *pendingQuery
	done    chan struct{}
	pinging atomic.Bool

	mu       sync.Mutex
	state    ConnState
	reason   CloseReason
	session  *session.Session
	lastSeen time.Time
}

// SessionID returns the ID of the bound session.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

func (c *Connection) boundSession() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// bind attaches sess to an open connection and returns the previous session.
// It refuses once the connection is closing, so Close sees the final binding.
func (c *Connection) bind(sess *session.Session) (prev *session.Session, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return nil, false
	}
	prev = c.session
	c.session = sess
	return prev, true
}

// State returns the lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CloseReason returns why the connection was closed, or "" while open.
func (c *Connection) CloseReason() CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// LastSeen returns the time of the last liveness signal.
func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *Connection) markSeen(t time.Time) {
	c.mu.Lock()
	if t.After(c.lastSeen) {
		c.lastSeen = t
	}
	c.mu.Unlock()
}

// Enqueue queues msg on the connection's outbox. It never blocks.
func (c *Connection) Enqueue(msg *protocol.Message) error {
	if err := c.outbox.Enqueue(msg); err != nil {
		return err
	}
	c.mgr.recordSent(msg)
	return nil
}

// Sent returns how many messages reached the transport.
func (c *Connection) Sent() int64 {
	return c.outbox.Sent()
}

// Done is closed once the connection's query worker has exited, which
// happens after Close.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

var _ stream.Enqueuer = (*Connection)(nil)
