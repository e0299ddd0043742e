// Package client implements the WebSocket RPC client the clawgate CLI and
// TUI use to talk to a running gateway: one connect handshake up front, then
// request/response correlation and an event stream.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/clawgate/clawgate/internal/gateway/protocol"
)

// DefaultCallTimeout bounds a Call whose context carries no deadline.
const DefaultCallTimeout = 30 * time.Second

// Options configures a gateway connection.
type Options struct {
	URL      string // ws://host:port, default ws://127.0.0.1:18789
	Token    string
	Password string
	ClientID string
	Mode     string // "cli" unless overridden
	Version  string
}

// Event is one server push received outside request/response flow.
type Event struct {
	Name    string
	Payload json.RawMessage
}

type pendingCall struct {
	ch chan *wireRes
}

type wireRes struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload"`
	Error   *protocol.Error `json:"error"`
}

// Client is a connected gateway session. Safe for concurrent Calls.
type Client struct {
	ws    *websocket.Conn
	hello *protocol.HelloOk

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]pendingCall
	closed  bool

	events chan Event
	done   chan struct{}
}

// Dial connects, performs the handshake and starts the read loop. The
// returned HelloOk carries the server's catalog and state snapshot.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	rawURL := opts.URL
	if rawURL == "" {
		rawURL = "ws://127.0.0.1:18789"
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway %s: %w", u.String(), err)
	}

	c := &Client{
		ws:      ws,
		pending: make(map[string]pendingCall),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}
	if err := c.handshake(ctx, opts); err != nil {
		_ = ws.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) handshake(ctx context.Context, opts Options) error {
	mode := opts.Mode
	if mode == "" {
		mode = "cli"
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "clawgate-cli"
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	params := protocol.ConnectParams{
		Client: protocol.ClientHello{
			ID:       clientID,
			Mode:     mode,
			Version:  version,
			Platform: runtime.GOOS,
		},
		MinProtocol: protocol.ProtocolVersion,
		MaxProtocol: protocol.ProtocolVersion,
	}
	if opts.Token != "" || opts.Password != "" {
		params.Auth = &protocol.ConnectAuth{Token: opts.Token, Password: opts.Password}
	}

	id := uuid.NewString()
	if err := c.writeReq(id, "connect", params); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetReadDeadline(deadline)
	defer c.ws.SetReadDeadline(time.Time{})

	// The connect res is the first res on the socket; events cannot precede
	// a completed handshake.
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("handshake read: %w", err)
		}
		var res wireRes
		if json.Unmarshal(data, &res) != nil || res.ID != id {
			continue
		}
		if !res.OK {
			if res.Error != nil {
				return res.Error
			}
			return errors.New("connect rejected")
		}
		var hello protocol.HelloOk
		if err := json.Unmarshal(res.Payload, &hello); err != nil {
			return fmt.Errorf("parse hello-ok: %w", err)
		}
		c.hello = &hello
		return nil
	}
}

// Hello returns the handshake payload.
func (c *Client) Hello() *protocol.HelloOk { return c.hello }

// Events returns the server push stream. Slow consumers lose events.
func (c *Client) Events() <-chan Event { return c.events }

// Done closes when the connection is torn down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close tears the session down. In-flight Calls fail.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// Call sends one request and waits for its res. A res with ok=false comes
// back as the wire *protocol.Error.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	ch := make(chan *wireRes, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("client closed")
	}
	c.pending[id] = pendingCall{ch: ch}
	c.mu.Unlock()

	if err := c.writeReq(id, method, params); err != nil {
		c.unqueue(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case res := <-ch:
		if !res.OK {
			if res.Error != nil {
				return nil, res.Error
			}
			return nil, fmt.Errorf("%s failed", method)
		}
		return res.Payload, nil
	case <-ctx.Done():
		c.unqueue(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, errors.New("connection closed")
	}
}

// CallInto is Call plus payload decoding.
func (c *Client) CallInto(ctx context.Context, method string, params, out any) error {
	payload, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", method, err)
	}
	return nil
}

func (c *Client) writeReq(id, method string, params any) error {
	frame := map[string]any{"type": "req", "id": id, "method": method}
	if params != nil {
		frame["params"] = params
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(frame)
}

func (c *Client) unqueue(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		close(c.events)
		_ = c.ws.Close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var env struct {
			Type  string `json:"type"`
			Event string `json:"event"`
		}
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case "res":
			var res wireRes
			if json.Unmarshal(data, &res) != nil {
				continue
			}
			c.mu.Lock()
			p, ok := c.pending[res.ID]
			if ok {
				delete(c.pending, res.ID)
			}
			c.mu.Unlock()
			if ok {
				p.ch <- &res
			}
		case "event":
			var ev struct {
				Event   string          `json:"event"`
				Payload json.RawMessage `json:"payload"`
			}
			if json.Unmarshal(data, &ev) != nil {
				continue
			}
			select {
			case c.events <- Event{Name: ev.Event, Payload: ev.Payload}:
			default:
			}
		}
	}
}
