package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawgate/clawgate/internal/config"
	"github.com/clawgate/clawgate/internal/gateway/protocol"
	"github.com/clawgate/clawgate/internal/trust"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Gateway.Port = 0
	cfg.Gateway.Auth.Mode = "none"
	cfg.Node.TrustDir = t.TempDir()
	cfg.Audit.Dir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	s, err := NewServer(cfg, testLogger(), "test")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

type wireRes struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload"`
	Error   *protocol.Error `json:"error"`
}

type wireEvent struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// testClient wraps a client socket and buffers frames so that a res awaited
// past an interleaved event does not swallow it.
type testClient struct {
	t   *testing.T
	ws  *websocket.Conn
	buf []json.RawMessage
	seq int
}

func dialClient(t *testing.T, s *Server) *testClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+s.Address()+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return &testClient{t: t, ws: ws}
}

func (c *testClient) sendReq(method string, params any) string {
	c.t.Helper()
	c.seq++
	id := fmt.Sprintf("t-%d", c.seq)
	frame := map[string]any{"type": "req", "id": id, "method": method}
	if params != nil {
		frame["params"] = params
	}
	if err := c.ws.WriteJSON(frame); err != nil {
		c.t.Fatalf("write %s: %v", method, err)
	}
	return id
}

func (c *testClient) awaitRes(id string) *wireRes {
	c.t.Helper()
	for i := 0; i < len(c.buf); i++ {
		var res wireRes
		if json.Unmarshal(c.buf[i], &res) == nil && res.Type == "res" && res.ID == id {
			c.buf = append(c.buf[:i], c.buf[i+1:]...)
			return &res
		}
	}
	for i := 0; i < 50; i++ {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.t.Fatalf("read while awaiting res %s: %v", id, err)
		}
		var res wireRes
		if json.Unmarshal(data, &res) == nil && res.Type == "res" && res.ID == id {
			return &res
		}
		c.buf = append(c.buf, json.RawMessage(data))
	}
	c.t.Fatalf("res %s never arrived", id)
	return nil
}

func (c *testClient) awaitEvent(event string) *wireEvent {
	c.t.Helper()
	for i := 0; i < len(c.buf); i++ {
		var ev wireEvent
		if json.Unmarshal(c.buf[i], &ev) == nil && ev.Type == "event" && ev.Event == event {
			c.buf = append(c.buf[:i], c.buf[i+1:]...)
			return &ev
		}
	}
	for i := 0; i < 50; i++ {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.t.Fatalf("read while awaiting event %s: %v", event, err)
		}
		var ev wireEvent
		if json.Unmarshal(data, &ev) == nil && ev.Type == "event" && ev.Event == event {
			return &ev
		}
		c.buf = append(c.buf, json.RawMessage(data))
	}
	c.t.Fatalf("event %s never arrived", event)
	return nil
}

func (c *testClient) connect(client protocol.ClientHello, auth *protocol.ConnectAuth) *wireRes {
	c.t.Helper()
	id := c.sendReq("connect", protocol.ConnectParams{
		Client:      client,
		MinProtocol: 1,
		MaxProtocol: 1,
		Auth:        auth,
	})
	return c.awaitRes(id)
}

func (c *testClient) mustConnect(client protocol.ClientHello, auth *protocol.ConnectAuth) {
	c.t.Helper()
	if res := c.connect(client, auth); !res.OK {
		c.t.Fatalf("connect %s failed: %+v", client.ID, res.Error)
	}
}

func uiHello(id string) protocol.ClientHello {
	return protocol.ClientHello{ID: id, Mode: "ui", Version: "1.0.0", Platform: "test"}
}

func closeCodeOf(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

func TestHandshakeHelloOk(t *testing.T) {
	s := newTestServer(t, nil)
	c := dialClient(t, s)

	res := c.connect(uiHello("ui-1"), nil)
	if !res.OK {
		t.Fatalf("connect failed: %+v", res.Error)
	}

	var hello protocol.HelloOk
	if err := json.Unmarshal(res.Payload, &hello); err != nil {
		t.Fatalf("unmarshal hello-ok: %v", err)
	}
	if hello.Type != "hello-ok" || hello.Protocol != protocol.ProtocolVersion {
		t.Errorf("hello = %+v; want hello-ok protocol %d", hello, protocol.ProtocolVersion)
	}
	if hello.Server.Name != "clawgate" || hello.Server.ConnID == "" {
		t.Errorf("server info = %+v", hello.Server)
	}
	found := false
	for _, m := range hello.Methods {
		if m == "node.invoke" {
			found = true
		}
	}
	if !found {
		t.Errorf("methods catalog missing node.invoke: %v", hello.Methods)
	}
	if hello.Policy.MaxPayloadBytes != s.cfg.Gateway.MaxPayloadBytes {
		t.Errorf("policy = %+v", hello.Policy)
	}
	if hello.Snapshot.Health == nil {
		t.Error("hello-ok snapshot missing health")
	}
}

func TestHandshakeRequiresConnectFirst(t *testing.T) {
	s := newTestServer(t, nil)
	c := dialClient(t, s)

	id := c.sendReq("node.list", nil)
	res := c.awaitRes(id)
	if res.OK || res.Error == nil || res.Error.Code != protocol.CodeInvalidRequest {
		t.Errorf("pre-handshake req got %+v; want INVALID_REQUEST", res)
	}

	_, _, err := c.ws.ReadMessage()
	if code := closeCodeOf(err); code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d (err %v); want 1008", code, err)
	}
}

func TestHandshakeRejectsNonRequestFirstFrame(t *testing.T) {
	// A first frame that is not even request-shaped closes the socket with no
	// response at all; only request-shaped frames get an addressed error res.
	frames := []struct {
		name string
		data string
	}{
		{"raw garbage", "not json at all"},
		{"event frame", `{"type":"event","event":"presence.changed","payload":{}}`},
	}
	for _, tt := range frames {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			c := dialClient(t, s)

			if err := c.ws.WriteMessage(websocket.TextMessage, []byte(tt.data)); err != nil {
				t.Fatalf("write: %v", err)
			}

			// The very next thing on the wire must be the close, not a res.
			_, data, err := c.ws.ReadMessage()
			if err == nil {
				t.Fatalf("got frame %s; want close with no response", data)
			}
			if code := closeCodeOf(err); code != websocket.ClosePolicyViolation {
				t.Errorf("close code = %d (err %v); want 1008", code, err)
			}
		})
	}
}

func TestHandshakeProtocolMismatch(t *testing.T) {
	s := newTestServer(t, nil)
	c := dialClient(t, s)

	id := c.sendReq("connect", protocol.ConnectParams{
		Client:      uiHello("ui-1"),
		MinProtocol: 2,
		MaxProtocol: 3,
	})
	res := c.awaitRes(id)
	if res.OK || res.Error == nil || res.Error.Code != protocol.CodeInvalidRequest {
		t.Fatalf("mismatch res = %+v; want INVALID_REQUEST", res)
	}
	if got := res.Error.Details["expectedProtocol"]; got != float64(protocol.ProtocolVersion) {
		t.Errorf("details.expectedProtocol = %v; want %d", got, protocol.ProtocolVersion)
	}

	_, _, err := c.ws.ReadMessage()
	if code := closeCodeOf(err); code != websocket.CloseProtocolError {
		t.Errorf("close code = %d (err %v); want 1002", code, err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Gateway.HandshakeTimeoutMs = 100
	})
	c := dialClient(t, s)

	// Say nothing; the server must hang up on its own.
	_, _, err := c.ws.ReadMessage()
	if code := closeCodeOf(err); code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d (err %v); want 1008", code, err)
	}
}

func TestUnknownMethodAfterHandshake(t *testing.T) {
	s := newTestServer(t, nil)
	c := dialClient(t, s)
	c.mustConnect(uiHello("ui-1"), nil)

	res := c.awaitRes(c.sendReq("no.such.method", nil))
	if res.OK || res.Error == nil || res.Error.Code != protocol.CodeInvalidRequest {
		t.Errorf("res = %+v; want INVALID_REQUEST", res)
	}

	// The socket survives the bad request.
	if res := c.awaitRes(c.sendReq("status", nil)); !res.OK {
		t.Errorf("status after bad method failed: %+v", res.Error)
	}
}

func TestPairLifecycleOverWire(t *testing.T) {
	s := newTestServer(t, nil)

	operator := dialClient(t, s)
	operator.mustConnect(uiHello("operator"), nil)

	// The node announces itself.
	res := operator.awaitRes(operator.sendReq("node.pair.request", protocol.PairRequestParams{
		NodeID: "node-7", DisplayName: "Kitchen Mac",
	}))
	if !res.OK {
		t.Fatalf("pair.request: %+v", res.Error)
	}
	var pr struct {
		RequestID string `json:"requestId"`
		Created   bool   `json:"created"`
	}
	if err := json.Unmarshal(res.Payload, &pr); err != nil || pr.RequestID == "" {
		t.Fatalf("pair.request payload %s: %v", res.Payload, err)
	}
	if !pr.Created {
		t.Error("first pair.request not marked created")
	}
	operator.awaitEvent(protocol.EventPairRequested)

	// Re-announcing is idempotent and must not re-broadcast.
	res = operator.awaitRes(operator.sendReq("node.pair.request", protocol.PairRequestParams{NodeID: "node-7"}))
	var again struct {
		RequestID string `json:"requestId"`
		Created   bool   `json:"created"`
	}
	_ = json.Unmarshal(res.Payload, &again)
	if again.Created || again.RequestID != pr.RequestID {
		t.Errorf("re-request = %+v; want same requestId, created=false", again)
	}

	// Approve mints the credential.
	res = operator.awaitRes(operator.sendReq("node.pair.approve", protocol.PairResolveParams{RequestID: pr.RequestID}))
	if !res.OK {
		t.Fatalf("approve: %+v", res.Error)
	}
	var approval struct {
		Node  trust.PairedNode `json:"node"`
		Token string           `json:"token"`
	}
	if err := json.Unmarshal(res.Payload, &approval); err != nil {
		t.Fatalf("approve payload: %v", err)
	}
	if approval.Token == "" || approval.Node.NodeID != "node-7" {
		t.Errorf("approval = %+v", approval)
	}
	ev := operator.awaitEvent(protocol.EventPairResolved)
	var resolved struct {
		RequestID string `json:"requestId"`
		Decision  string `json:"decision"`
	}
	_ = json.Unmarshal(ev.Payload, &resolved)
	if resolved.RequestID != pr.RequestID || resolved.Decision != trust.StatusApproved {
		t.Errorf("pair.resolved payload = %+v", resolved)
	}

	// A second approve of the same request must fail.
	res = operator.awaitRes(operator.sendReq("node.pair.approve", protocol.PairResolveParams{RequestID: pr.RequestID}))
	if res.OK || res.Error == nil || res.Error.Code != protocol.CodeInvalidRequest {
		t.Errorf("double approve = %+v; want INVALID_REQUEST", res)
	}

	// The minted credential verifies.
	res = operator.awaitRes(operator.sendReq("node.pair.verify", protocol.PairVerifyParams{
		NodeID: "node-7", Token: approval.Token,
	}))
	var verify struct {
		Valid bool `json:"valid"`
	}
	_ = json.Unmarshal(res.Payload, &verify)
	if !res.OK || !verify.Valid {
		t.Errorf("verify = %+v / %+v", res, verify)
	}

	// And lets the node complete a node-mode handshake.
	node := dialClient(t, s)
	node.mustConnect(protocol.ClientHello{
		ID: "node-7", Mode: "node", Version: "2.0.0",
		Commands: []string{"camera.snap"},
	}, &protocol.ConnectAuth{Token: approval.Token})
	operator.awaitEvent(protocol.EventNodeConnected)

	// node.list now shows it paired and connected.
	res = operator.awaitRes(operator.sendReq("node.list", nil))
	var listing struct {
		Nodes []struct {
			NodeID    string `json:"nodeId"`
			Paired    bool   `json:"paired"`
			Connected bool   `json:"connected"`
		} `json:"nodes"`
	}
	if err := json.Unmarshal(res.Payload, &listing); err != nil {
		t.Fatalf("node.list payload: %v", err)
	}
	if len(listing.Nodes) != 1 || !listing.Nodes[0].Paired || !listing.Nodes[0].Connected {
		t.Errorf("node.list = %+v", listing.Nodes)
	}
}

func TestNodeHandshakeRejectsBadCredential(t *testing.T) {
	s := newTestServer(t, nil)
	node := dialClient(t, s)
	res := node.connect(protocol.ClientHello{
		ID: "node-x", Mode: "node", Version: "1.0.0",
	}, &protocol.ConnectAuth{Token: "cgn_bogus"})
	if res.OK {
		t.Fatal("unpaired node connected")
	}

	_, _, err := node.ws.ReadMessage()
	if code := closeCodeOf(err); code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d (err %v); want 1008", code, err)
	}
}

func TestInvokeRoundTrip(t *testing.T) {
	s := newTestServer(t, nil)
	token := pairNode(t, s, "node-1")

	node := dialClient(t, s)
	node.mustConnect(protocol.ClientHello{
		ID: "node-1", Mode: "node", Version: "1.0.0",
		Commands: []string{"echo"},
	}, &protocol.ConnectAuth{Token: token})

	// Fake node loop: answer exactly one invoke frame.
	done := make(chan error, 1)
	go func() {
		for {
			_, data, err := node.ws.ReadMessage()
			if err != nil {
				done <- err
				return
			}
			var inv struct {
				Type       string `json:"type"`
				ID         string `json:"id"`
				Command    string `json:"command"`
				ParamsJSON string `json:"paramsJSON"`
			}
			if json.Unmarshal(data, &inv) != nil || inv.Type != "invoke" {
				continue
			}
			done <- node.ws.WriteJSON(map[string]any{
				"type": "invoke-res", "id": inv.ID, "ok": true,
				"payloadJSON": `{"echoed":` + inv.ParamsJSON + `}`,
			})
			return
		}
	}()

	caller := dialClient(t, s)
	caller.mustConnect(uiHello("caller"), nil)

	res := caller.awaitRes(caller.sendReq("node.invoke", protocol.InvokeParams{
		NodeID:         "node-1",
		Command:        "echo",
		Params:         json.RawMessage(`{"msg":"hi"}`),
		IdempotencyKey: "k-1",
	}))
	if !res.OK {
		t.Fatalf("invoke: %+v", res.Error)
	}
	var out struct {
		PayloadJSON string `json:"payloadJSON"`
	}
	_ = json.Unmarshal(res.Payload, &out)
	if out.PayloadJSON != `{"echoed":{"msg":"hi"}}` {
		t.Errorf("payloadJSON = %q", out.PayloadJSON)
	}
	if err := <-done; err != nil {
		t.Fatalf("fake node: %v", err)
	}
}

func TestInvokeNodeReportedFailure(t *testing.T) {
	s := newTestServer(t, nil)
	token := pairNode(t, s, "node-1")

	node := dialClient(t, s)
	node.mustConnect(protocol.ClientHello{
		ID: "node-1", Mode: "node", Version: "1.0.0",
		Commands: []string{"camera.snap"},
	}, &protocol.ConnectAuth{Token: token})

	// Fake node loop: the command runs but reports failure.
	done := make(chan error, 1)
	go func() {
		for {
			_, data, err := node.ws.ReadMessage()
			if err != nil {
				done <- err
				return
			}
			var inv struct {
				Type string `json:"type"`
				ID   string `json:"id"`
			}
			if json.Unmarshal(data, &inv) != nil || inv.Type != "invoke" {
				continue
			}
			done <- node.ws.WriteJSON(map[string]any{
				"type": "invoke-res", "id": inv.ID, "ok": false,
				"error": map[string]any{"code": protocol.CodeUnavailable, "message": "camera busy"},
			})
			return
		}
	}()

	caller := dialClient(t, s)
	caller.mustConnect(uiHello("caller"), nil)

	res := caller.awaitRes(caller.sendReq("node.invoke", protocol.InvokeParams{
		NodeID:         "node-1",
		Command:        "camera.snap",
		IdempotencyKey: "k-1",
	}))
	if res.OK || res.Error == nil || res.Error.Code != protocol.CodeUnavailable {
		t.Fatalf("res = %+v; want UNAVAILABLE", res)
	}

	// The node-side error rides under details.nodeError so the caller can
	// tell "node executed and failed" apart from "gateway couldn't reach it".
	nodeErr, ok := res.Error.Details["nodeError"].(map[string]any)
	if !ok {
		t.Fatalf("details.nodeError = %v; want nested error object", res.Error.Details["nodeError"])
	}
	if nodeErr["message"] != "camera busy" {
		t.Errorf("nodeError.message = %v; want %q", nodeErr["message"], "camera busy")
	}
	if err := <-done; err != nil {
		t.Fatalf("fake node: %v", err)
	}

	// The caller's socket survives a node-side failure.
	if res := caller.awaitRes(caller.sendReq("status", nil)); !res.OK {
		t.Errorf("status after failed invoke: %+v", res.Error)
	}
}

func TestInvokeNodeNotConnected(t *testing.T) {
	s := newTestServer(t, nil)
	caller := dialClient(t, s)
	caller.mustConnect(uiHello("caller"), nil)

	res := caller.awaitRes(caller.sendReq("node.invoke", protocol.InvokeParams{
		NodeID: "ghost", Command: "echo", IdempotencyKey: "k-1",
	}))
	if res.OK || res.Error == nil || res.Error.Code != protocol.CodeUnavailable {
		t.Errorf("res = %+v; want UNAVAILABLE", res)
	}
}

func TestInvokeValidatesParams(t *testing.T) {
	s := newTestServer(t, nil)
	caller := dialClient(t, s)
	caller.mustConnect(uiHello("caller"), nil)

	// Missing command and idempotencyKey.
	res := caller.awaitRes(caller.sendReq("node.invoke", map[string]any{"nodeId": "n"}))
	if res.OK || res.Error == nil || res.Error.Code != protocol.CodeInvalidRequest {
		t.Fatalf("res = %+v; want INVALID_REQUEST", res)
	}
	fields, ok := res.Error.Details["fields"].([]any)
	if !ok || len(fields) != 2 {
		t.Errorf("details.fields = %v; want 2 field errors", res.Error.Details["fields"])
	}
}

func TestPresenceBroadcastOnConnect(t *testing.T) {
	s := newTestServer(t, nil)

	watcher := dialClient(t, s)
	watcher.mustConnect(protocol.ClientHello{
		ID: "watcher", Mode: "ui", Version: "1.0.0", InstanceID: "inst-w",
	}, nil)
	// Its own registration is broadcast first.
	watcher.awaitEvent(protocol.EventPresenceChanged)

	late := dialClient(t, s)
	late.mustConnect(protocol.ClientHello{
		ID: "late", Mode: "agent", Version: "1.0.0", InstanceID: "inst-l",
	}, nil)

	ev := watcher.awaitEvent(protocol.EventPresenceChanged)
	var payload struct {
		Presence []protocol.PresenceEntry `json:"presence"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("presence payload: %v", err)
	}
	if len(payload.Presence) != 2 {
		t.Errorf("presence len = %d; want 2", len(payload.Presence))
	}
}

func TestCLIClientsSkipPresence(t *testing.T) {
	s := newTestServer(t, nil)
	c := dialClient(t, s)
	c.mustConnect(protocol.ClientHello{ID: "cli-1", Mode: "cli", Version: "1.0.0"}, nil)
	if n := s.presence.Count(); n != 0 {
		t.Errorf("presence count = %d; want 0 for cli clients", n)
	}
}

// pairNode runs request+approve directly against the server's trust store and
// returns the minted credential.
func pairNode(t *testing.T, s *Server, nodeID string) string {
	t.Helper()
	req, _, err := s.trust.Request(trust.RequestInput{NodeID: nodeID})
	if err != nil {
		t.Fatalf("trust.Request: %v", err)
	}
	approval, err := s.trust.Approve(req.RequestID)
	if err != nil {
		t.Fatalf("trust.Approve: %v", err)
	}
	return approval.Token
}
