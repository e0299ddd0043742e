package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clawgate/clawgate/internal/gateway/bridge"
	"github.com/clawgate/clawgate/internal/gateway/protocol"
	"github.com/gorilla/websocket"
)

// handshakeState tracks the per-socket protocol state machine.
type handshakeState int

const (
	statePending handshakeState = iota // waiting for the connect request
	stateConnected
	stateFailed
)

// closeReasonMax keeps close reasons inside the RFC 6455 control frame limit.
const closeReasonMax = 123

// Conn owns one accepted socket: its handshake state machine, inbound frame
// routing and bounded outbound queue. All state mutation happens on the
// read-pump goroutine except the handshake timer, which is serialized by mu.
type Conn struct {
	id     string
	ws     *websocket.Conn
	server *Server
	logger *slog.Logger
	meta   ConnMeta

	sendCh  chan []byte
	closeCh chan closeFrame
	done    chan struct{}

	causeOnce  sync.Once
	closeCause string

	mu             sync.Mutex
	state          handshakeState
	handshakeTimer *time.Timer

	client      *protocol.ClientHello
	presenceKey string
	nodeID      string
}

func newConn(id string, ws *websocket.Conn, server *Server, meta ConnMeta) *Conn {
	c := &Conn{
		id:     id,
		ws:     ws,
		server: server,
		logger: server.logger.With("connId", id),
		meta:   meta,
		sendCh:  make(chan []byte, server.sendQueueLen()),
		closeCh: make(chan closeFrame, 1),
		done:    make(chan struct{}),
		state:   statePending,
	}
	timeout := server.handshakeTimeout()
	c.handshakeTimer = time.AfterFunc(timeout, func() {
		c.mu.Lock()
		pending := c.state == statePending
		if pending {
			c.state = stateFailed
		}
		c.mu.Unlock()
		if pending {
			c.closeWith(protocol.ClosePolicyViolation, "handshake timeout")
		}
	})
	return c
}

// ID returns the server-generated connection id.
func (c *Conn) ID() string { return c.id }

// Client returns the identity established by the handshake, nil before it.
func (c *Conn) Client() *protocol.ClientHello { return c.client }

// Meta returns the transport-level facts captured at upgrade time.
func (c *Conn) Meta() ConnMeta { return c.meta }

// NodeID returns the bridged node id, empty for non-node connections.
func (c *Conn) NodeID() string { return c.nodeID }

// Send queues a frame for delivery, failing fast when the outbound queue is
// full. Implements bridge.Transport.
func (c *Conn) Send(data []byte) error {
	select {
	case c.sendCh <- data:
		return nil
	case <-c.done:
		return errors.New("connection closed")
	default:
		return errors.New("send buffer full")
	}
}

// trySend queues a frame, dropping it when this consumer is slow. Broadcast
// delivery must never stall on one connection's buffer.
func (c *Conn) trySend(data []byte) {
	select {
	case c.sendCh <- data:
	default:
		c.logger.Warn("outbound queue full, dropping frame")
	}
}

// sendRes delivers a response frame. Responses are never dropped: a full
// queue means the client keeps issuing requests without draining its socket,
// and the one-res-per-req contract cannot survive a silent drop, so the
// connection is closed instead. Drop-if-slow applies to broadcast events only.
func (c *Conn) sendRes(data []byte) {
	if err := c.Send(data); err != nil {
		c.logger.Warn("response undeliverable, closing", "error", err)
		c.closeWith(protocol.ClosePolicyViolation, "outbound queue overflow")
	}
}

func (c *Conn) replyError(id string, perr *protocol.Error) {
	data, err := protocol.EncodeError(id, perr)
	if err != nil {
		c.logger.Error("encode error frame failed", "error", err)
		return
	}
	c.sendRes(data)
}

// setCloseCause records the diagnostic close cause exactly once.
func (c *Conn) setCloseCause(cause string) {
	c.causeOnce.Do(func() { c.closeCause = cause })
}

// closeFrame is a close handed to the write pump so it goes out after any
// res frames already queued, never before them.
type closeFrame struct {
	code   int
	reason string
}

// closeWith schedules a close control frame and tears the socket down.
func (c *Conn) closeWith(code int, reason string) {
	c.setCloseCause(reason)
	if len(reason) > closeReasonMax {
		reason = reason[:closeReasonMax]
	}
	select {
	case c.closeCh <- closeFrame{code: code, reason: reason}:
	default:
		// A close is already on its way out.
	}
}

// readPump reads frames in arrival order. Each message is handled to
// completion, dispatcher await included, before the next one is read, so
// frames on one socket are never reordered.
func (c *Conn) readPump() {
	defer c.teardown()

	cfg := c.server.cfg.Gateway
	c.ws.SetReadLimit(int64(cfg.MaxPayloadBytes))
	pongWait := 2 * c.server.tickInterval()
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			c.setCloseCause("socket closed")
			return
		}
		c.handleMessage(data)
	}
}

// writePump drains the outbound queue and keeps the socket alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.server.tickInterval())
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Warn("websocket write error", "error", err)
				return
			}

		case cl := <-c.closeCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			// Flush frames queued before the close so an error res reaches
			// the client ahead of the close frame.
			for draining := true; draining; {
				select {
				case msg := <-c.sendCh:
					_ = c.ws.WriteMessage(websocket.TextMessage, msg)
				default:
					draining = false
				}
			}
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(cl.code, cl.reason))
			return

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return

		case <-c.server.ctx.Done():
			return
		}
	}
}

func (c *Conn) handleMessage(data []byte) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case statePending:
		c.handleHandshake(data)
	case stateConnected:
		c.handleFrame(data)
	case stateFailed:
		// Socket is on its way out; drop anything still in flight.
	}
}

// handleHandshake enforces the strict first-frame contract: a schema-valid
// connect request, a compatible protocol range, and successful authorization
// — in that order, before any application logic runs.
func (c *Conn) handleHandshake(data []byte) {
	frame, err := protocol.DecodeFrame(data)
	req, isReq := frame.(*protocol.Request)
	if err != nil || !isReq {
		// A first frame that is not even request-shaped is closed without a
		// response; a request-shaped one gets an addressed error first.
		if id, ok := protocol.RequestID(data); ok {
			c.replyError(id, protocol.InvalidRequest("malformed connect request"))
		}
		reason := "invalid handshake frame"
		if err != nil {
			reason = err.Error()
		}
		c.failHandshake(protocol.ClosePolicyViolation, reason)
		return
	}

	if req.Method != "connect" {
		c.replyError(req.ID, protocol.InvalidRequest("connect must be the first request"))
		c.failHandshake(protocol.ClosePolicyViolation, "handshake required")
		return
	}

	params, verr := protocol.DecodeConnectParams(req.Params)
	if verr != nil {
		c.replyError(req.ID, verr.Protocol())
		c.failHandshake(protocol.ClosePolicyViolation, verr.Error())
		return
	}

	if protocol.ProtocolVersion < params.MinProtocol || protocol.ProtocolVersion > params.MaxProtocol {
		perr := protocol.InvalidRequest("protocol version unsupported")
		perr.Details = map[string]any{"expectedProtocol": protocol.ProtocolVersion}
		c.replyError(req.ID, perr)
		c.failHandshake(protocol.CloseProtocolMismatch,
			fmt.Sprintf("protocol mismatch: server speaks %d", protocol.ProtocolVersion))
		return
	}

	if err := c.server.authorizer.Authorize(params, c.meta); err != nil {
		if !errors.Is(err, ErrUnauthorized) {
			c.logger.Error("authorization check failed", "error", err)
		}
		c.replyError(req.ID, protocol.InvalidRequest("unauthorized"))
		c.failHandshake(protocol.ClosePolicyViolation, "unauthorized")
		return
	}

	c.completeHandshake(req, params)
}

// failHandshake moves the state machine to its terminal failure state and
// closes the socket.
func (c *Conn) failHandshake(code int, reason string) {
	c.mu.Lock()
	c.state = stateFailed
	c.handshakeTimer.Stop()
	c.mu.Unlock()
	c.logger.Info("handshake failed", "code", code, "reason", reason)
	c.closeWith(code, reason)
}

// completeHandshake runs the exactly-once success side effects and replies
// hello-ok.
func (c *Conn) completeHandshake(req *protocol.Request, params *protocol.ConnectParams) {
	c.mu.Lock()
	c.state = stateConnected
	c.handshakeTimer.Stop()
	c.mu.Unlock()

	client := params.Client
	c.client = &client

	// CLI-class clients are transient; they never register presence.
	if client.Mode != "cli" {
		c.presenceKey = client.InstanceID
		if c.presenceKey == "" {
			c.presenceKey = c.id
		}
		c.server.presence.Upsert(protocol.PresenceEntry{
			Key:         c.presenceKey,
			ClientID:    client.ID,
			DisplayName: client.DisplayName,
			Mode:        client.Mode,
			Platform:    client.Platform,
			Version:     client.Version,
			InstanceID:  client.InstanceID,
		})
		c.server.broadcastPresence()
	}

	if client.Mode == "node" {
		c.registerNode(client)
	}

	c.server.health.RefreshAsync()

	hello := c.server.buildHelloOk(c.id)
	data, err := protocol.EncodeOK(req.ID, hello)
	if err != nil {
		c.logger.Error("encode hello-ok failed", "error", err)
		c.closeWith(websocket.CloseInternalServerErr, "hello encoding failed")
		return
	}
	c.sendRes(data)

	c.logger.Info("client connected",
		"clientId", client.ID,
		"mode", client.Mode,
		"version", client.Version,
		"platform", client.Platform,
	)
}

// registerNode bridges an authorized node session, preferring live-reported
// capabilities and falling back to the persisted trust record.
func (c *Conn) registerNode(client protocol.ClientHello) {
	node := bridge.LiveNode{
		NodeID:          client.ID,
		DisplayName:     client.DisplayName,
		Platform:        client.Platform,
		Version:         client.Version,
		DeviceFamily:    client.DeviceFamily,
		ModelIdentifier: client.ModelIdentifier,
		Caps:            client.Caps,
		Commands:        client.Commands,
	}
	if paired, ok, err := c.server.trust.GetPaired(client.ID); err == nil && ok {
		if node.DisplayName == "" {
			node.DisplayName = paired.DisplayName
		}
		if len(node.Caps) == 0 {
			node.Caps = paired.Caps
		}
		if len(node.Commands) == 0 {
			node.Commands = paired.Commands
		}
	}
	c.nodeID = client.ID
	c.server.bridge.Register(node, c)
	c.server.Broadcast(protocol.EventNodeConnected, map[string]any{
		"nodeId": client.ID,
		"ts":     time.Now().UnixMilli(),
	})
}

// handleFrame routes one post-handshake message. Invalid frames produce an
// error res but never change connection state.
func (c *Conn) handleFrame(data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		id, _ := protocol.RequestID(data)
		c.replyError(id, protocol.InvalidRequest(err.Error()))
		return
	}

	switch f := frame.(type) {
	case *protocol.Request:
		ctx := c.server.ctx
		res := c.server.dispatcher.Dispatch(ctx, c, f)
		c.sendRes(res)
		if c.presenceKey != "" {
			c.server.presence.Touch(c.presenceKey)
		}
	case *protocol.InvokeResult:
		if c.nodeID == "" || !c.server.bridge.Resolve(f) {
			c.replyError(f.ID, protocol.InvalidRequest("unexpected invoke-res"))
		}
	case *protocol.Response:
		c.replyError(f.ID, protocol.InvalidRequest("unexpected res frame"))
	case *protocol.Event:
		c.replyError("", protocol.InvalidRequest("expected req frame"))
	}
}

// teardown retracts every side effect of this connection.
func (c *Conn) teardown() {
	c.mu.Lock()
	c.handshakeTimer.Stop()
	c.mu.Unlock()

	close(c.done)
	_ = c.ws.Close()

	if c.nodeID != "" {
		c.server.bridge.Deregister(c.nodeID)
		c.server.Broadcast(protocol.EventNodeDisconnect, map[string]any{
			"nodeId": c.nodeID,
			"ts":     time.Now().UnixMilli(),
		})
	}
	if c.presenceKey != "" {
		if c.server.presence.Remove(c.presenceKey) {
			c.server.broadcastPresence()
		}
	}
	c.server.removeConn(c.id)
	c.server.health.RefreshAsync()

	c.logger.Info("client disconnected", "cause", c.closeCauseOr("socket closed"))
}

func (c *Conn) closeCauseOr(fallback string) string {
	c.setCloseCause(fallback)
	return c.closeCause
}
