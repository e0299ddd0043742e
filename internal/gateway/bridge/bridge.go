// Package bridge tracks the nodes currently connected to the gateway and
// forwards command invocations to them over their live transport, correlating
// each reply back to the waiting caller. The registry is ephemeral and
// entirely distinct from the persisted trust store.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clawgate/clawgate/internal/gateway/protocol"
	"github.com/clawgate/clawgate/internal/trust"
	"github.com/google/uuid"
)

// DefaultInvokeTimeout bounds invokes whose caller supplied no timeoutMs.
const DefaultInvokeTimeout = 30 * time.Second

// ErrNodeNotConnected reports an invoke aimed at a node without a live session.
var ErrNodeNotConnected = errors.New("node not connected")

// Transport delivers one serialized frame to a live node's socket.
// Implementations must not block on a slow consumer.
type Transport interface {
	Send(data []byte) error
}

// LiveNode is one bridged node session: identity and capabilities as
// self-reported at connect time. Exists only while the socket is open.
type LiveNode struct {
	NodeID          string   `json:"nodeId"`
	DisplayName     string   `json:"displayName,omitempty"`
	Platform        string   `json:"platform,omitempty"`
	Version         string   `json:"version,omitempty"`
	DeviceFamily    string   `json:"deviceFamily,omitempty"`
	ModelIdentifier string   `json:"modelIdentifier,omitempty"`
	Caps            []string `json:"caps"`
	Commands        []string `json:"commands"`
	ConnectedAt     int64    `json:"connectedAt"`
}

type pendingInvoke struct {
	nodeID string
	ch     chan *protocol.InvokeResult
}

// Registry is the in-memory map of live nodes. Mutations happen only from the
// owning connection's handler (register on handshake, deregister on close);
// reads always observe fully constructed entries.
type Registry struct {
	logger         *slog.Logger
	defaultTimeout time.Duration

	mu         sync.RWMutex
	nodes      map[string]*LiveNode
	transports map[string]Transport
	pending    map[string]pendingInvoke
}

// NewRegistry creates an empty bridge registry.
func NewRegistry(logger *slog.Logger, defaultTimeout time.Duration) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultInvokeTimeout
	}
	return &Registry{
		logger:         logger.With("component", "bridge"),
		defaultTimeout: defaultTimeout,
		nodes:          make(map[string]*LiveNode),
		transports:     make(map[string]Transport),
		pending:        make(map[string]pendingInvoke),
	}
}

// Register adds a node session. A reconnecting node replaces its old entry.
func (r *Registry) Register(node LiveNode, t Transport) {
	if node.ConnectedAt == 0 {
		node.ConnectedAt = time.Now().UnixMilli()
	}
	if node.Caps == nil {
		node.Caps = []string{}
	}
	if node.Commands == nil {
		node.Commands = []string{}
	}
	r.mu.Lock()
	r.nodes[node.NodeID] = &node
	r.transports[node.NodeID] = t
	r.mu.Unlock()
	r.logger.Info("node bridged", "nodeId", node.NodeID, "commands", len(node.Commands))
}

// Deregister removes a node session and fails its in-flight invokes so no
// caller is left hanging on a vanished socket.
func (r *Registry) Deregister(nodeID string) {
	r.mu.Lock()
	delete(r.nodes, nodeID)
	delete(r.transports, nodeID)
	var orphaned []chan *protocol.InvokeResult
	for id, p := range r.pending {
		if p.nodeID == nodeID {
			orphaned = append(orphaned, p.ch)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, ch := range orphaned {
		ch <- &protocol.InvokeResult{OK: false, Error: protocol.Unavailable("node disconnected")}
	}
	if len(orphaned) > 0 {
		r.logger.Warn("node disconnected with invokes in flight", "nodeId", nodeID, "count", len(orphaned))
	}
}

// Connected returns the live nodes, sorted by display name then nodeId.
func (r *Registry) Connected() []LiveNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]LiveNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// Get returns one live node by id.
func (r *Registry) Get(nodeID string) (LiveNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return LiveNode{}, false
	}
	return *n, true
}

// Count returns the number of live nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// InvokeArgs describes one command invocation on a live node.
type InvokeArgs struct {
	NodeID     string
	Command    string
	ParamsJSON string
	Timeout    time.Duration
}

// InvokeOutcome is the node-side result of an invoke. A failed outcome is not
// a gateway fault; callers surface it nested so the requester can tell
// "gateway couldn't reach the node" apart from "node reported failure".
type InvokeOutcome struct {
	OK          bool
	PayloadJSON string
	Error       *protocol.Error
}

// Invoke serializes the command frame, sends it over the node's transport and
// waits for the correlated reply up to the timeout. It always resolves: on
// expiry the outcome carries ok:false rather than hanging the caller.
func (r *Registry) Invoke(ctx context.Context, args InvokeArgs) (InvokeOutcome, error) {
	timeout := args.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	r.mu.Lock()
	t, ok := r.transports[args.NodeID]
	if !ok {
		r.mu.Unlock()
		return InvokeOutcome{}, ErrNodeNotConnected
	}
	id := uuid.NewString()
	ch := make(chan *protocol.InvokeResult, 1)
	r.pending[id] = pendingInvoke{nodeID: args.NodeID, ch: ch}
	r.mu.Unlock()

	frame, err := protocol.EncodeInvoke(id, args.Command, args.ParamsJSON)
	if err != nil {
		r.unqueue(id)
		return InvokeOutcome{}, err
	}
	if err := t.Send(frame); err != nil {
		r.unqueue(id)
		return InvokeOutcome{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		out := InvokeOutcome{OK: res.OK, PayloadJSON: res.PayloadJSON, Error: res.Error}
		if !out.OK && out.Error == nil {
			out.Error = protocol.Unavailable("node returned no error detail")
		}
		return out, nil
	case <-timer.C:
		r.unqueue(id)
		r.logger.Warn("invoke timed out", "nodeId", args.NodeID, "command", args.Command, "timeout", timeout)
		return InvokeOutcome{OK: false, Error: protocol.Unavailable("invoke timed out")}, nil
	case <-ctx.Done():
		r.unqueue(id)
		return InvokeOutcome{OK: false, Error: protocol.Unavailable("invoke canceled")}, nil
	}
}

// Resolve routes a node's invoke-res frame to the waiting caller. Returns
// false for unknown (already timed out or bogus) correlation ids.
func (r *Registry) Resolve(res *protocol.InvokeResult) bool {
	r.mu.Lock()
	p, ok := r.pending[res.ID]
	if ok {
		delete(r.pending, res.ID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- res
	return true
}

func (r *Registry) unqueue(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// MergedNode is the read-only projection of PairedNode and LiveNode by
// nodeId: live capability data when connected, persisted values otherwise.
type MergedNode struct {
	NodeID          string   `json:"nodeId"`
	DisplayName     string   `json:"displayName,omitempty"`
	Platform        string   `json:"platform,omitempty"`
	Version         string   `json:"version,omitempty"`
	DeviceFamily    string   `json:"deviceFamily,omitempty"`
	ModelIdentifier string   `json:"modelIdentifier,omitempty"`
	Paired          bool     `json:"paired"`
	Connected       bool     `json:"connected"`
	Caps            []string `json:"caps"`
	Commands        []string `json:"commands"`
	ApprovedAt      int64    `json:"approvedAt,omitempty"`
	ConnectedAt     int64    `json:"connectedAt,omitempty"`
}

// Merge combines persisted and live node records. Connected nodes sort
// first, then by display name, with nodeId as the stable tiebreak.
func Merge(paired []trust.PairedNode, live []LiveNode) []MergedNode {
	byID := make(map[string]*MergedNode, len(paired)+len(live))
	order := make([]string, 0, len(paired)+len(live))

	for _, p := range paired {
		m := &MergedNode{
			NodeID:          p.NodeID,
			DisplayName:     p.DisplayName,
			Platform:        p.Platform,
			Version:         p.Version,
			DeviceFamily:    p.DeviceFamily,
			ModelIdentifier: p.ModelIdentifier,
			Paired:          true,
			Caps:            p.Caps,
			Commands:        p.Commands,
			ApprovedAt:      p.ApprovedAt,
		}
		byID[p.NodeID] = m
		order = append(order, p.NodeID)
	}
	for _, l := range live {
		m, ok := byID[l.NodeID]
		if !ok {
			m = &MergedNode{NodeID: l.NodeID}
			byID[l.NodeID] = m
			order = append(order, l.NodeID)
		}
		m.Connected = true
		m.ConnectedAt = l.ConnectedAt
		// Live session data wins over the persisted record.
		if l.DisplayName != "" {
			m.DisplayName = l.DisplayName
		}
		if l.Platform != "" {
			m.Platform = l.Platform
		}
		if l.Version != "" {
			m.Version = l.Version
		}
		if l.DeviceFamily != "" {
			m.DeviceFamily = l.DeviceFamily
		}
		if l.ModelIdentifier != "" {
			m.ModelIdentifier = l.ModelIdentifier
		}
		if len(l.Caps) > 0 {
			m.Caps = l.Caps
		}
		if len(l.Commands) > 0 {
			m.Commands = l.Commands
		}
	}

	out := make([]MergedNode, 0, len(order))
	for _, id := range order {
		n := byID[id]
		if n.Caps == nil {
			n.Caps = []string{}
		}
		if n.Commands == nil {
			n.Commands = []string{}
		}
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Connected != out[j].Connected {
			return out[i].Connected
		}
		ni, nj := strings.ToLower(out[i].DisplayName), strings.ToLower(out[j].DisplayName)
		if ni != nj {
			return ni < nj
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}
