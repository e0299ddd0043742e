// Package protocol defines the WebSocket control-plane protocol spoken by the
// clawgate gateway: typed req/res/event frames, the connect handshake, the
// node pairing method schemas, and the invoke frames exchanged with bridged
// nodes. Everything here is pure and stateless.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the single protocol revision this gateway speaks.
// Clients advertise [minProtocol, maxProtocol] during connect and are
// rejected when this version falls outside their range.
const ProtocolVersion = 1

// Error codes carried in res frames.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnavailable    = "UNAVAILABLE"
)

// WebSocket close codes used by the handshake state machine.
const (
	CloseProtocolMismatch = 1002 // protocol version outside client range
	ClosePolicyViolation  = 1008 // malformed first frame or failed auth
)

// Events emitted by the gateway.
const (
	EventPairRequested   = "node.pair.requested"
	EventPairResolved    = "node.pair.resolved"
	EventPresenceChanged = "presence.changed"
	EventNodeConnected   = "node.connected"
	EventNodeDisconnect  = "node.disconnected"
)

// Error is the wire error nested in failed res frames.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// InvalidRequest builds an INVALID_REQUEST error.
func InvalidRequest(message string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: message}
}

// Unavailable builds an UNAVAILABLE error.
func Unavailable(message string) *Error {
	return &Error{Code: CodeUnavailable, Message: message}
}

// Frame is implemented by every decoded incoming frame shape.
type Frame interface {
	FrameType() string
}

// Request is an incoming req frame. Every req produces exactly one res with
// the same id.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (*Request) FrameType() string { return "req" }

// Response is an incoming res frame. The gateway only receives these from
// bridged node connections answering an invoke.
type Response struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func (*Response) FrameType() string { return "res" }

// Event is an incoming event frame.
type Event struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (*Event) FrameType() string { return "event" }

// InvokeResult is the reply a bridged node sends for an invoke frame.
type InvokeResult struct {
	ID          string `json:"id"`
	OK          bool   `json:"ok"`
	PayloadJSON string `json:"payloadJSON,omitempty"`
	Error       *Error `json:"error,omitempty"`
}

func (*InvokeResult) FrameType() string { return "invoke-res" }

// frameEnvelope is the superset of all incoming frame fields, used to sniff
// the tagged union before committing to a shape.
type frameEnvelope struct {
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	Method      string          `json:"method"`
	Params      json.RawMessage `json:"params"`
	OK          *bool           `json:"ok"`
	Payload     json.RawMessage `json:"payload"`
	PayloadJSON string          `json:"payloadJSON"`
	Error       *Error          `json:"error"`
	Event       string          `json:"event"`
}

// DecodeFrame parses a raw text message into one of *Request, *Response,
// *Event or *InvokeResult. It rejects unknown types and frames missing their
// discriminating fields.
func DecodeFrame(data []byte) (Frame, error) {
	var env frameEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	switch env.Type {
	case "req":
		if env.ID == "" {
			return nil, fmt.Errorf("req frame missing id")
		}
		if env.Method == "" {
			return nil, fmt.Errorf("req frame missing method")
		}
		return &Request{ID: env.ID, Method: env.Method, Params: env.Params}, nil
	case "res":
		if env.ID == "" {
			return nil, fmt.Errorf("res frame missing id")
		}
		ok := env.OK != nil && *env.OK
		return &Response{ID: env.ID, OK: ok, Payload: env.Payload, Error: env.Error}, nil
	case "event":
		if env.Event == "" {
			return nil, fmt.Errorf("event frame missing event name")
		}
		return &Event{Event: env.Event, Payload: env.Payload}, nil
	case "invoke-res":
		if env.ID == "" {
			return nil, fmt.Errorf("invoke-res frame missing id")
		}
		ok := env.OK != nil && *env.OK
		return &InvokeResult{ID: env.ID, OK: ok, PayloadJSON: env.PayloadJSON, Error: env.Error}, nil
	case "":
		return nil, fmt.Errorf("frame missing type")
	default:
		return nil, fmt.Errorf("unknown frame type %q", env.Type)
	}
}

// RequestID extracts the id of a request-shaped payload without fully
// decoding it. Used to address an error res at a frame that failed deeper
// validation; ok is false when the payload is not even request-shaped.
func RequestID(data []byte) (id string, ok bool) {
	var env frameEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", false
	}
	if env.Type != "req" || env.ID == "" {
		return "", false
	}
	return env.ID, true
}

// --- Outgoing frames ---

type outResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Payload any    `json:"payload,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

type outEvent struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

type outInvoke struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Command    string `json:"command"`
	ParamsJSON string `json:"paramsJSON,omitempty"`
}

// EncodeOK serializes a successful res frame.
func EncodeOK(id string, payload any) ([]byte, error) {
	return json.Marshal(outResponse{Type: "res", ID: id, OK: true, Payload: payload})
}

// EncodeError serializes a failed res frame.
func EncodeError(id string, e *Error) ([]byte, error) {
	return json.Marshal(outResponse{Type: "res", ID: id, OK: false, Error: e})
}

// EncodeEvent serializes an event frame.
func EncodeEvent(event string, payload any) ([]byte, error) {
	return json.Marshal(outEvent{Type: "event", Event: event, Payload: payload})
}

// EncodeInvoke serializes the command frame sent to a bridged node.
func EncodeInvoke(id, command, paramsJSON string) ([]byte, error) {
	return json.Marshal(outInvoke{Type: "invoke", ID: id, Command: command, ParamsJSON: paramsJSON})
}

// --- Handshake ---

// ClientHello identifies the connecting client inside ConnectParams.
type ClientHello struct {
	ID              string `json:"id"`
	DisplayName     string `json:"displayName,omitempty"`
	Mode            string `json:"mode"` // "ui", "cli", "agent", "node"
	Version         string `json:"version"`
	Platform        string `json:"platform,omitempty"`
	DeviceFamily    string `json:"deviceFamily,omitempty"`
	ModelIdentifier string `json:"modelIdentifier,omitempty"`
	InstanceID      string `json:"instanceId,omitempty"`

	// Caps and Commands are only meaningful for node-mode clients, which
	// report their live capability set at connect time.
	Caps     []string `json:"caps,omitempty"`
	Commands []string `json:"commands,omitempty"`
}

// ConnectAuth carries the client's credentials during connect.
type ConnectAuth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// ConnectParams is the params schema of the mandatory first request.
type ConnectParams struct {
	Client      ClientHello  `json:"client"`
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Auth        *ConnectAuth `json:"auth,omitempty"`
}

// ServerInfo identifies the gateway in hello-ok.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	ConnID  string `json:"connId"`
}

// TransportPolicy advertises socket limits to clients in hello-ok.
type TransportPolicy struct {
	MaxPayloadBytes  int `json:"maxPayloadBytes"`
	MaxBufferedBytes int `json:"maxBufferedBytes"`
	TickIntervalMs   int `json:"tickIntervalMs"`
}

// PresenceEntry is one connected client in the snapshot.
type PresenceEntry struct {
	Key         string `json:"key"`
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName,omitempty"`
	Mode        string `json:"mode"`
	Platform    string `json:"platform,omitempty"`
	Version     string `json:"version,omitempty"`
	InstanceID  string `json:"instanceId,omitempty"`
	ConnectedAt int64  `json:"connectedAt"`
	LastSeenAt  int64  `json:"lastSeenAt"`
}

// HealthSnapshot is the cached process health attached to hello-ok.
type HealthSnapshot struct {
	Status         string `json:"status"`
	StartedAt      int64  `json:"startedAt"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
	Connections    int    `json:"connections"`
	NodesConnected int    `json:"nodesConnected"`
	NodesPaired    int    `json:"nodesPaired"`
	RefreshedAt    int64  `json:"refreshedAt"`
}

// Snapshot is the world-view handed to a client at handshake time so it does
// not need an immediate follow-up round trip.
type Snapshot struct {
	Presence []PresenceEntry `json:"presence"`
	Health   *HealthSnapshot `json:"health,omitempty"`
}

// HelloOk is the payload of the successful connect res.
type HelloOk struct {
	Type     string          `json:"type"` // always "hello-ok"
	Protocol int             `json:"protocol"`
	Server   ServerInfo      `json:"server"`
	Methods  []string        `json:"methods"`
	Events   []string        `json:"events"`
	Snapshot Snapshot        `json:"snapshot"`
	Policy   TransportPolicy `json:"policy"`
}
