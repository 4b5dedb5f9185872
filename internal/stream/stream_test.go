// ABOUTME: Tests for the outbox and the streaming bridge
// ABOUTME: Covers ordering, backpressure, close semantics, and terminal-message rules

package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/rig-gateway/internal/agent"
	"github.com/2389/rig-gateway/internal/protocol"
)

// wire records written frames; block makes writes hang until released.
type wire struct {
	mu     sync.Mutex
	frames []*protocol.Message
	block  chan struct{}
	err    error
}

func (w *wire) write(ctx context.Context, data []byte) error {
	if w.block != nil {
		select {
		case <-w.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if w.err != nil {
		return w.err
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.frames = append(w.frames, msg)
	w.mu.Unlock()
	return nil
}

func (w *wire) messages() []*protocol.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*protocol.Message(nil), w.frames...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestOutbox_PreservesOrder(t *testing.T) {
	w := &wire{}
	o := NewOutbox(w.write, OutboxConfig{Size: 100}, nil, nil)
	defer o.Close(nil)

	for i := range 50 {
		require.NoError(t, o.Enqueue(protocol.New(protocol.TypeToken, fmt.Sprint(i), nil)))
	}
	waitFor(t, func() bool { return o.Sent() == 50 })

	for i, m := range w.messages() {
		assert.Equal(t, fmt.Sprint(i), m.Content)
	}
}

func TestOutbox_BackpressureFailsConnection(t *testing.T) {
	w := &wire{block: make(chan struct{})}
	failed := make(chan error, 4)
	o := NewOutbox(w.write, OutboxConfig{Size: 2, WriteTimeout: time.Minute}, func(err error) { failed <- err }, nil)
	defer o.Close(nil)
	defer close(w.block) // unblock the writer before Close waits for it

	// One message is held by the blocked writer, two fill the queue.
	require.NoError(t, o.Enqueue(protocol.New(protocol.TypeToken, "a", nil)))
	waitFor(t, func() bool { return o.Pending() == 0 })
	require.NoError(t, o.Enqueue(protocol.New(protocol.TypeToken, "b", nil)))
	require.NoError(t, o.Enqueue(protocol.New(protocol.TypeToken, "c", nil)))

	err := o.Enqueue(protocol.New(protocol.TypeToken, "d", nil))
	assert.ErrorIs(t, err, ErrBackpressure)
	assert.ErrorIs(t, o.Enqueue(protocol.New(protocol.TypeToken, "e", nil)), ErrBackpressure)

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, ErrBackpressure)
	case <-time.After(time.Second):
		t.Fatal("onFail was not called")
	}
	select {
	case <-failed:
		t.Fatal("onFail must be called once")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestOutbox_WriteErrorFailsConnection(t *testing.T) {
	w := &wire{err: errors.New("broken pipe")}
	failed := make(chan error, 1)
	o := NewOutbox(w.write, OutboxConfig{}, func(err error) { failed <- err }, nil)
	defer o.Close(nil)

	require.NoError(t, o.Enqueue(protocol.New(protocol.TypeLog, "x", nil)))

	select {
	case err := <-failed:
		assert.EqualError(t, err, "broken pipe")
	case <-time.After(time.Second):
		t.Fatal("onFail was not called")
	}
	<-o.Done()
}

func TestOutbox_CloseWritesFinalAndRejectsLater(t *testing.T) {
	w := &wire{}
	o := NewOutbox(w.write, OutboxConfig{}, nil, nil)

	o.Close(protocol.NewError(protocol.CodeIdleTimeout, "Connection timed out"))
	o.Close(protocol.NewError(protocol.CodeIdleTimeout, "twice"))

	msgs := w.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.CodeIdleTimeout, msgs[0].Code())
	assert.ErrorIs(t, o.Enqueue(protocol.New(protocol.TypeLog, "late", nil)), ErrClosed)
}

func TestOutbox_SealRejectsBeforeClose(t *testing.T) {
	w := &wire{}
	o := NewOutbox(w.write, OutboxConfig{}, nil, nil)

	o.Seal()
	assert.ErrorIs(t, o.Enqueue(protocol.New(protocol.TypeToken, "late", nil)), ErrClosed)

	o.Close(protocol.NewError(protocol.CodeShuttingDown, "bye"))
	msgs := w.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.CodeShuttingDown, msgs[0].Code())
}

// collector is an in-memory Enqueuer.
type collector struct {
	mu   sync.Mutex
	msgs []*protocol.Message
	err  error
}

func (c *collector) Enqueue(m *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func TestBridge_OrderingAndFinal(t *testing.T) {
	c := &collector{}
	b := NewBridge(c, BridgeOptions{QueryID: "q1", SessionID: "s1", Markdown: NewMarkdown()}, nil)

	b.OnEvent(agent.Event{Kind: agent.EventLog, Text: "thinking", Metadata: map[string]any{"event": agent.StepLLMStart}})
	b.OnEvent(agent.Event{Kind: agent.EventToken, Text: "Hel"})
	b.OnEvent(agent.Event{Kind: agent.EventToken, Text: "lo"})
	b.OnEvent(agent.Event{Kind: agent.EventResult, Text: "**Ryzen 5**"})
	b.OnEvent(agent.Event{Kind: agent.EventToken, Text: "late"})
	b.OnEvent(agent.Event{Kind: agent.EventResult, Text: "again"})

	require.Len(t, c.msgs, 4)
	assert.Equal(t, protocol.TypeLog, c.msgs[0].Type)
	assert.Equal(t, agent.StepLLMStart, c.msgs[0].Metadata["event"])
	assert.Equal(t, "Hel", c.msgs[1].Content)
	assert.Equal(t, "lo", c.msgs[2].Content)

	final := c.msgs[3]
	assert.Equal(t, protocol.TypeFinalOutput, final.Type)
	assert.Equal(t, "q1", final.Metadata["query_id"])
	assert.Equal(t, 3, final.Metadata["messages_sent"])
	assert.Contains(t, final.Metadata, "processing_time")
	assert.Contains(t, final.Metadata["html"], "<strong>Ryzen 5</strong>")

	select {
	case <-b.Done():
	default:
		t.Fatal("Done should be closed after the terminal event")
	}
	assert.Equal(t, 4, b.Sent())
	assert.Empty(t, b.ErrorCode())
}

func TestBridge_FailureIsSingleError(t *testing.T) {
	c := &collector{}
	b := NewBridge(c, BridgeOptions{QueryID: "q2"}, nil)

	b.OnEvent(agent.Event{Kind: agent.EventToken, Text: "partial"})
	b.OnEvent(agent.Event{Kind: agent.EventFailure, Err: fmt.Errorf("%w (10)", agent.ErrIterationLimitExceeded)})
	b.OnEvent(agent.Event{Kind: agent.EventResult, Text: "should not appear"})

	require.Len(t, c.msgs, 2)
	errMsg := c.msgs[1]
	assert.Equal(t, protocol.TypeError, errMsg.Type)
	assert.Equal(t, protocol.CodeIterationLimitExceeded, errMsg.Code())
	assert.Equal(t, "q2", errMsg.Metadata["query_id"])
	assert.Equal(t, protocol.CodeIterationLimitExceeded, b.ErrorCode())
	for _, m := range c.msgs {
		assert.NotEqual(t, protocol.TypeFinalOutput, m.Type)
	}
}

func TestBridge_StopsAfterEnqueueFailure(t *testing.T) {
	c := &collector{err: ErrClosed}
	b := NewBridge(c, BridgeOptions{}, nil)

	b.OnEvent(agent.Event{Kind: agent.EventToken, Text: "a"})
	c.err = nil
	b.OnEvent(agent.Event{Kind: agent.EventToken, Text: "b"})
	b.OnEvent(agent.Event{Kind: agent.EventResult, Text: "done"})

	assert.Empty(t, c.msgs, "nothing may be sent once the connection refused a message")
	select {
	case <-b.Done():
	default:
		t.Fatal("terminal event should still complete the bridge")
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{&protocol.ValidationError{Field: "query", Reason: "too short"}, protocol.CodeValidation},
		{fmt.Errorf("wrapped: %w", agent.ErrIterationLimitExceeded), protocol.CodeIterationLimitExceeded},
		{&agent.ToolError{Tool: "PC_Parts_Search", Err: errors.New("boom")}, protocol.CodeToolError},
		{agent.ErrRunTimeout, protocol.CodeTimeout},
		{ErrBackpressure, protocol.CodeBackpressure},
		{fmt.Errorf("%w: quota", agent.ErrModel), protocol.CodeAgentError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.code, ErrorCode(tt.err))
		})
	}

	msg := ErrorMessage(&agent.ToolError{Tool: "PC_Parts_Search", Err: errors.New("rate limited")})
	assert.Equal(t, "Search error: rate limited", msg.Content)
}
