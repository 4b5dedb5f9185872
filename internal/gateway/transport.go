// ABOUTME: Transport abstraction over a client connection and its WebSocket implementation
// ABOUTME: The manager only needs framed reads and writes, pings, and a coded close

package gateway

import (
	"context"

	"github.com/coder/websocket"
)

// Transport is one client's bidirectional message channel.
// Read is only called from a single goroutine; Write only from the outbox writer.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	// Ping sends a transport-level ping and waits for the pong.
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// wsTransport adapts a coder/websocket connection.
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close(code websocket.StatusCode, reason string) error {
	return t.conn.Close(code, reason)
}

var _ Transport = (*wsTransport)(nil)
