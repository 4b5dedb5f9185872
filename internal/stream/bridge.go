// ABOUTME: Streaming Bridge adapting one agent run's events into ordered outbound messages
// ABOUTME: Guarantees a single terminal message per query and never blocks the run on I/O

package stream

import (
	"bytes"
	"log/slog"
	"sync"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/rig-gateway/internal/agent"
	"github.com/2389/rig-gateway/internal/protocol"
)

// Enqueuer is the send capability a bridge holds. It is scoped to one
// connection; the bridge never sees the transport.
type Enqueuer interface {
	Enqueue(msg *protocol.Message) error
}

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	QueryID   string
	SessionID string
	// Markdown, when set, renders the final answer to HTML into metadata.html.
	Markdown goldmark.Markdown
}

// Bridge implements agent.Sink for one query.
type Bridge struct {
	out    Enqueuer
	opts   BridgeOptions
	logger *slog.Logger
	start  time.Time

	mu       sync.Mutex
	count    int  // messages accepted by the outbox for this query
	dead     bool // the outbox refused a message; stop sending
	finished bool
	code     string
	done     chan struct{}
}

// NewBridge creates a bridge for one query.
func NewBridge(out Enqueuer, opts BridgeOptions, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		out:    out,
		opts:   opts,
		logger: logger,
		start:  time.Now(),
		done:   make(chan struct{}),
	}
}

// OnEvent converts ev to a message and enqueues it. Events after the terminal
// one are ignored. Called synchronously by the agent in generation order.
func (b *Bridge) OnEvent(ev agent.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished {
		b.logger.Debug("event after terminal ignored", "kind", ev.Kind.String(), "query_id", b.opts.QueryID)
		return
	}

	var msg *protocol.Message
	switch ev.Kind {
	case agent.EventLog:
		msg = protocol.New(protocol.TypeLog, ev.Text, b.metadata(ev.Metadata))
	case agent.EventToken:
		msg = protocol.New(protocol.TypeToken, ev.Text, b.metadata(nil))
	case agent.EventResult:
		md := b.metadata(ev.Metadata)
		md["event"] = agent.StepFinish
		md["processing_time"] = time.Since(b.start).Seconds()
		md["messages_sent"] = b.count
		if html, ok := b.render(ev.Text); ok {
			md["html"] = html
		}
		msg = protocol.New(protocol.TypeFinalOutput, ev.Text, md)
	case agent.EventFailure:
		msg = ErrorMessage(ev.Err)
		b.code = msg.Code()
		for k, v := range b.metadata(ev.Metadata) {
			msg.Metadata[k] = v
		}
		msg.Metadata["processing_time"] = time.Since(b.start).Seconds()
	default:
		return
	}

	if ev.Terminal() {
		b.finished = true
		defer close(b.done)
	}

	if b.dead {
		return
	}
	if err := b.out.Enqueue(msg); err != nil {
		// The connection is closing; its owner reports the reason.
		b.dead = true
		b.logger.Debug("bridge stopped sending", "query_id", b.opts.QueryID, "error", err)
		return
	}
	b.count++
}

func (b *Bridge) metadata(extra map[string]any) map[string]any {
	md := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		md[k] = v
	}
	if b.opts.QueryID != "" {
		md["query_id"] = b.opts.QueryID
	}
	if b.opts.SessionID != "" {
		md["session_id"] = b.opts.SessionID
	}
	return md
}

func (b *Bridge) render(text string) (string, bool) {
	if b.opts.Markdown == nil {
		return "", false
	}
	var buf bytes.Buffer
	if err := b.opts.Markdown.Convert([]byte(text), &buf); err != nil {
		b.logger.Warn("failed to convert markdown", "query_id", b.opts.QueryID, "error", err)
		return "", false
	}
	return buf.String(), true
}

// Done is closed once the terminal event has been handled.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Sent returns how many messages for this query reached the outbox.
func (b *Bridge) Sent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// ErrorCode returns the code of the terminal error message, or "" on success.
func (b *Bridge) ErrorCode() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.code
}

var _ agent.Sink = (*Bridge)(nil)
