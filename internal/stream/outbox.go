// ABOUTME: Bounded per-connection outbound queue drained by a single writer goroutine
// ABOUTME: Overflow or a failed write fails the connection instead of buffering without bound

package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/rig-gateway/internal/protocol"
)

var (
	// ErrClosed is returned by Enqueue after the outbox has been closed.
	ErrClosed = errors.New("outbox closed")

	// ErrBackpressure is returned when the queue is full. The connection is
	// failed rather than allowed to grow without bound.
	ErrBackpressure = errors.New("outbound queue full")
)

// WriteFunc delivers one encoded message to the client.
type WriteFunc func(ctx context.Context, data []byte) error

// OutboxConfig sizes an outbox.
type OutboxConfig struct {
	Size         int
	WriteTimeout time.Duration
}

// Outbox is the only path from a connection's producers to its transport.
// Messages are written in the order they were enqueued.
type Outbox struct {
	ch     chan *protocol.Message
	write  WriteFunc
	cfg    OutboxConfig
	onFail func(error)
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	done   chan struct{}

	failOnce  sync.Once
	closeOnce sync.Once
	sent     atomic.Int64
	dropped  atomic.Int64
}

// NewOutbox creates an outbox and starts its writer. onFail is invoked at most
// once, on its own goroutine, when the queue overflows or a write fails.
func NewOutbox(write WriteFunc, cfg OutboxConfig, onFail func(error), logger *slog.Logger) *Outbox {
	if cfg.Size <= 0 {
		cfg.Size = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Outbox{
		ch:     make(chan *protocol.Message, cfg.Size),
		write:  write,
		cfg:    cfg,
		onFail: onFail,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go o.run()
	return o
}

// Enqueue queues msg without blocking.
func (o *Outbox) Enqueue(msg *protocol.Message) error {
	o.mu.RLock()
	if o.closed {
		o.mu.RUnlock()
		return ErrClosed
	}
	select {
	case o.ch <- msg:
		o.mu.RUnlock()
		return nil
	default:
	}
	o.mu.RUnlock()

	o.fail(ErrBackpressure)
	return ErrBackpressure
}

// run is the single writer.
func (o *Outbox) run() {
	defer close(o.done)

	for {
		select {
		case <-o.stop:
			return
		case msg := <-o.ch:
			if err := o.deliver(msg); err != nil {
				o.logger.Debug("outbound write failed", "type", msg.Type, "error", err)
				o.fail(err)
				return
			}
		}
	}
}

func (o *Outbox) deliver(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		// Unencodable metadata is a programming error; skip the message
		// rather than failing the connection.
		o.logger.Error("failed to encode message", "type", msg.Type, "error", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.WriteTimeout)
	defer cancel()
	if err := o.write(ctx, data); err != nil {
		return err
	}
	o.sent.Add(1)
	return nil
}

func (o *Outbox) fail(err error) {
	o.failOnce.Do(func() {
		if o.onFail != nil {
			go o.onFail(err)
		}
	})
}

// Seal stops accepting messages and tells the writer to stop. Messages
// already queued are discarded by Close. Seal does not wait for the writer.
func (o *Outbox) Seal() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.stop)
}

// Close seals the outbox, waits for the writer to stop, and discards anything
// still queued. If final is non-nil it is written best-effort once the writer
// has stopped. Close is idempotent; only the first call writes final.
func (o *Outbox) Close(final *protocol.Message) {
	o.closeOnce.Do(func() {
		o.Seal()
		<-o.done
		o.dropped.Add(int64(len(o.ch)))

		if final != nil {
			if err := o.deliver(final); err != nil {
				o.logger.Debug("final message not delivered", "type", final.Type, "error", err)
			}
		}
	})
}

// Done is closed once the writer goroutine has exited.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

// Sent returns the number of messages written to the transport.
func (o *Outbox) Sent() int64 {
	return o.sent.Load()
}

// Dropped returns the number of queued messages discarded by Close.
func (o *Outbox) Dropped() int64 {
	return o.dropped.Load()
}

// Pending returns the current queue depth.
func (o *Outbox) Pending() int {
	return len(o.ch)
}
