// ABOUTME: Terminal client for rig-gateway that streams agent output over WebSocket
// ABOUTME: Reconnects with backoff and resumes the same session across disconnects

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/fatih/color"

	"github.com/2389/rig-gateway/internal/protocol"
)

// getToken returns the JWT from RIG_TOKEN or ~/.config/rig/token.
func getToken() string {
	if token := os.Getenv("RIG_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "rig", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// client holds one WebSocket connection plus the session it is bound to.
type client struct {
	server string
	token  string

	mu      sync.Mutex
	conn    *websocket.Conn
	session string
	busy    bool
	idle    chan struct{} // signaled when a query finishes
}

func (c *client) dialURL() (string, error) {
	u, err := url.Parse(c.server)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	c.mu.Lock()
	if c.session != "" {
		q.Set("session_id", c.session)
	}
	c.mu.Unlock()
	if c.token != "" {
		q.Set("token", c.token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// connect dials the gateway, retrying with exponential backoff. A capacity
// refusal (close code 1013) is retried like any other failure.
func (c *client) connect(ctx context.Context) error {
	dial := func() (*websocket.Conn, error) {
		target, err := c.dialURL()
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		conn, _, err := websocket.Dial(ctx, target, nil)
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(1 << 20)

		// The first frame is either the handshake or a refusal.
		var hello protocol.Message
		if err := wsjson.Read(ctx, conn, &hello); err != nil {
			_ = conn.CloseNow()
			return nil, err
		}
		if hello.Type == protocol.TypeError {
			_ = conn.CloseNow()
			return nil, fmt.Errorf("refused: %s", hello.Content)
		}
		c.handshake(&hello)
		return conn, nil
	}

	conn, err := backoff.Retry(ctx, dial,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(2*time.Minute),
		backoff.WithNotify(func(err error, next time.Duration) {
			color.Yellow("connect failed (%v), retrying in %s", err, next.Round(time.Millisecond))
		}),
	)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *client) handshake(msg *protocol.Message) {
	sid, _ := msg.Metadata["session_id"].(string)
	resumed, _ := msg.Metadata["resumed"].(bool)

	c.mu.Lock()
	c.session = sid
	c.mu.Unlock()

	if resumed {
		color.HiBlack("resumed session %s", sid)
	} else {
		color.HiBlack("session %s", sid)
	}
}

// readLoop prints server messages until the connection ends.
func (c *client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	gray := color.New(color.FgHiBlack)
	red := color.New(color.FgRed)
	green := color.New(color.FgGreen)

	for {
		var msg protocol.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}

		switch msg.Type {
		case protocol.TypeToken:
			fmt.Print(msg.Content)
		case protocol.TypeLog:
			if ev, _ := msg.Metadata["event"].(string); ev == "tool_start" {
				gray.Printf("\n[searching: %s]\n", msg.Content)
			}
		case protocol.TypeFinalOutput:
			fmt.Println()
			green.Println("───")
			fmt.Println(msg.Content)
			if secs, ok := msg.Metadata["processing_time"].(float64); ok {
				gray.Printf("(%.1fs)\n", secs)
			}
			c.finish()
		case protocol.TypeError:
			fmt.Println()
			red.Printf("error [%s]: %s\n", msg.Code(), msg.Content)
			c.finish()
		case protocol.TypeHeartbeat:
			_ = wsjson.Write(ctx, conn, map[string]string{"type": "pong"})
		case protocol.TypeConnectionStatus:
			c.handshake(&msg)
		}
	}
}

func (c *client) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		c.busy = false
		select {
		case c.idle <- struct{}{}:
		default:
		}
	}
}

func (c *client) send(ctx context.Context, query string) error {
	c.mu.Lock()
	conn := c.conn
	c.busy = true
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	return wsjson.Write(ctx, conn, map[string]string{"query": query})
}

func main() {
	server := flag.String("server", "http://localhost:8000/ws", "Gateway WebSocket URL")
	session := flag.String("session", "", "Session ID to resume")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := &client{server: *server, token: getToken(), session: *session, idle: make(chan struct{}, 1)}

	fmt.Printf("rig-chat connecting to %s\n", *server)
	if c.token != "" {
		fmt.Println("Auth: JWT token configured (RIG_TOKEN)")
	}

	if err := run(ctx, c); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, c *client) error {
	if err := c.connect(ctx); err != nil {
		return err
	}

	// Keep a reader running, reconnecting whenever the connection drops.
	go func() {
		for {
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			err := c.readLoop(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			color.Yellow("\ndisconnected (%s), reconnecting", describeClose(err))
			c.finish()
			if err := c.connect(ctx); err != nil {
				color.Red("giving up: %v", err)
				return
			}
		}
	}()

	fmt.Println("Ask about PC builds and press Enter. /session shows the session ID. Ctrl+C to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")

		lineCh := make(chan string, 1)
		go func() {
			if scanner.Scan() {
				lineCh <- scanner.Text()
			}
			close(lineCh)
		}()

		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lineCh:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			c.mu.Lock()
			if c.conn != nil {
				_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
			}
			c.mu.Unlock()
			return nil
		case line == "/session":
			c.mu.Lock()
			fmt.Println(c.session)
			c.mu.Unlock()
			continue
		}

		if err := c.send(ctx, line); err != nil {
			color.Red("send failed: %v", err)
			continue
		}
		select {
		case <-c.idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func describeClose(err error) string {
	switch code := websocket.CloseStatus(err); code {
	case -1:
		return err.Error()
	case websocket.StatusTryAgainLater:
		return "server at capacity"
	case websocket.StatusGoingAway:
		return "server shutting down"
	case websocket.StatusPolicyViolation:
		return "idle timeout"
	default:
		return code.String()
	}
}
