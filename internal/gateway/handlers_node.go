package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/clawgate/clawgate/internal/gateway/bridge"
	"github.com/clawgate/clawgate/internal/gateway/protocol"
	"github.com/clawgate/clawgate/internal/security"
	"github.com/clawgate/clawgate/internal/system/audit"
	"github.com/clawgate/clawgate/internal/trust"
)

// Broadcaster fans an event out to every connected client.
type Broadcaster interface {
	Broadcast(event string, payload any)
}

// NodeHandlers is the node.* method group: pairing lifecycle, the live node
// directory, and command invocation over the bridge.
type NodeHandlers struct {
	logger      *slog.Logger
	trust       *trust.Store
	bridge      *bridge.Registry
	broadcaster Broadcaster
	pairLimiter *security.SlidingWindowLimiter
	audit       *audit.Store
}

// record appends to the audit trail when one is configured.
func (h *NodeHandlers) record(e *audit.Entry) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Log(e); err != nil {
		h.logger.Warn("audit write failed", "method", e.Method, "error", err)
	}
}

// Methods implements HandlerGroup.
func (h *NodeHandlers) Methods() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		"node.pair.request": h.pairRequest,
		"node.pair.list":    h.pairList,
		"node.pair.approve": h.pairApprove,
		"node.pair.reject":  h.pairReject,
		"node.pair.verify":  h.pairVerify,
		"node.rename":       h.rename,
		"node.list":         h.list,
		"node.describe":     h.describe,
		"node.invoke":       h.invoke,
	}
}

func (h *NodeHandlers) pairRequest(ctx context.Context, c *Conn, req *protocol.Request) (any, *protocol.Error) {
	p, verr := protocol.DecodePairRequestParams(req.Params)
	if verr != nil {
		return nil, verr.Protocol()
	}

	remoteIP := remoteIPOf(c)
	if !h.pairLimiter.Allow(remoteIP) {
		h.logger.Warn("pair request rate limited", "nodeId", p.NodeID, "remote", remoteIP)
		return nil, protocol.Unavailable("too many pairing requests, try again later")
	}

	pending, created, err := h.trust.Request(trust.RequestInput{
		NodeID:          p.NodeID,
		DisplayName:     p.DisplayName,
		Platform:        p.Platform,
		Version:         p.Version,
		DeviceFamily:    p.DeviceFamily,
		ModelIdentifier: p.ModelIdentifier,
		Caps:            p.Caps,
		Commands:        p.Commands,
		RemoteIP:        remoteIP,
	})
	if err != nil {
		h.logger.Error("pairing request failed", "nodeId", p.NodeID, "error", err)
		return nil, protocol.Unavailable("pairing request failed")
	}

	if created {
		h.record(&audit.Entry{
			Action:   audit.ActionPair,
			Method:   "node.pair.request",
			NodeID:   p.NodeID,
			ConnID:   c.ID(),
			RemoteIP: remoteIP,
			Detail:   string(req.Params),
		})
		if !p.Silent {
			h.broadcaster.Broadcast(protocol.EventPairRequested, map[string]any{
				"request": pending,
			})
		}
	}
	return map[string]any{
		"requestId": pending.RequestID,
		"status":    pending.Status,
		"created":   created,
	}, nil
}

func (h *NodeHandlers) pairList(ctx context.Context, c *Conn, req *protocol.Request) (any, *protocol.Error) {
	paired, pending, err := h.trust.List()
	if err != nil {
		h.logger.Error("trust list failed", "error", err)
		return nil, protocol.Unavailable("trust store unavailable")
	}
	if paired == nil {
		paired = []trust.PairedNode{}
	}
	if pending == nil {
		pending = []trust.PairingRequest{}
	}
	return map[string]any{"paired": paired, "pending": pending}, nil
}

func (h *NodeHandlers) pairApprove(ctx context.Context, c *Conn, req *protocol.Request) (any, *protocol.Error) {
	p, verr := protocol.DecodePairResolveParams("node.pair.approve", req.Params)
	if verr != nil {
		return nil, verr.Protocol()
	}
	approval, err := h.trust.Approve(p.RequestID)
	if errors.Is(err, trust.ErrUnknownRequest) {
		return nil, protocol.InvalidRequest("unknown requestId")
	}
	if err != nil {
		h.logger.Error("approve failed", "requestId", p.RequestID, "error", err)
		return nil, protocol.Unavailable("approve failed")
	}

	h.logger.Info("pairing approved", "requestId", p.RequestID, "nodeId", approval.Node.NodeID)
	h.record(&audit.Entry{
		Action: audit.ActionPair,
		Method: "node.pair.approve",
		NodeID: approval.Node.NodeID,
		ConnID: c.ID(),
		Detail: string(req.Params),
	})
	h.broadcaster.Broadcast(protocol.EventPairResolved, map[string]any{
		"requestId": p.RequestID,
		"nodeId":    approval.Node.NodeID,
		"decision":  trust.StatusApproved,
		"ts":        time.Now().UnixMilli(),
	})
	return map[string]any{
		"node":  approval.Node,
		"token": approval.Token,
	}, nil
}

func (h *NodeHandlers) pairReject(ctx context.Context, c *Conn, req *protocol.Request) (any, *protocol.Error) {
	p, verr := protocol.DecodePairResolveParams("node.pair.reject", req.Params)
	if verr != nil {
		return nil, verr.Protocol()
	}
	rejected, err := h.trust.Reject(p.RequestID)
	if errors.Is(err, trust.ErrUnknownRequest) {
		return nil, protocol.InvalidRequest("unknown requestId")
	}
	if err != nil {
		h.logger.Error("reject failed", "requestId", p.RequestID, "error", err)
		return nil, protocol.Unavailable("reject failed")
	}

	h.logger.Info("pairing rejected", "requestId", p.RequestID, "nodeId", rejected.NodeID)
	h.record(&audit.Entry{
		Action: audit.ActionPair,
		Method: "node.pair.reject",
		NodeID: rejected.NodeID,
		ConnID: c.ID(),
		Detail: string(req.Params),
	})
	h.broadcaster.Broadcast(protocol.EventPairResolved, map[string]any{
		"requestId": p.RequestID,
		"nodeId":    rejected.NodeID,
		"decision":  trust.StatusRejected,
		"ts":        time.Now().UnixMilli(),
	})
	return map[string]any{"requestId": p.RequestID, "status": rejected.Status}, nil
}

func (h *NodeHandlers) pairVerify(ctx context.Context, c *Conn, req *protocol.Request) (any, *protocol.Error) {
	p, verr := protocol.DecodePairVerifyParams(req.Params)
	if verr != nil {
		return nil, verr.Protocol()
	}
	ok, err := h.trust.VerifyToken(p.NodeID, p.Token)
	if err != nil {
		h.logger.Error("verify failed", "nodeId", p.NodeID, "error", err)
		return nil, protocol.Unavailable("trust store unavailable")
	}
	return map[string]any{"nodeId": p.NodeID, "valid": ok}, nil
}

func (h *NodeHandlers) rename(ctx context.Context, c *Conn, req *protocol.Request) (any, *protocol.Error) {
	p, verr := protocol.DecodeRenameParams(req.Params)
	if verr != nil {
		return nil, verr.Protocol()
	}
	ok, err := h.trust.Rename(p.NodeID, p.DisplayName)
	if err != nil {
		h.logger.Error("rename failed", "nodeId", p.NodeID, "error", err)
		return nil, protocol.Unavailable("rename failed")
	}
	if !ok {
		return nil, protocol.InvalidRequest("unknown nodeId")
	}
	h.record(&audit.Entry{
		Action: audit.ActionNode,
		Method: "node.rename",
		NodeID: p.NodeID,
		ConnID: c.ID(),
		Detail: string(req.Params),
	})
	return map[string]any{"nodeId": p.NodeID, "displayName": p.DisplayName}, nil
}

func (h *NodeHandlers) list(ctx context.Context, c *Conn, req *protocol.Request) (any, *protocol.Error) {
	paired, _, err := h.trust.List()
	if err != nil {
		h.logger.Error("trust list failed", "error", err)
		return nil, protocol.Unavailable("trust store unavailable")
	}
	merged := bridge.Merge(paired, h.bridge.Connected())
	return map[string]any{"nodes": merged}, nil
}

func (h *NodeHandlers) describe(ctx context.Context, c *Conn, req *protocol.Request) (any, *protocol.Error) {
	p, verr := protocol.DecodeDescribeParams(req.Params)
	if verr != nil {
		return nil, verr.Protocol()
	}
	paired, found, err := h.trust.GetPaired(p.NodeID)
	if err != nil {
		h.logger.Error("describe failed", "nodeId", p.NodeID, "error", err)
		return nil, protocol.Unavailable("trust store unavailable")
	}
	var pairedList []trust.PairedNode
	if found {
		pairedList = []trust.PairedNode{*paired}
	}
	var liveList []bridge.LiveNode
	if live, ok := h.bridge.Get(p.NodeID); ok {
		liveList = []bridge.LiveNode{live}
	}
	if len(pairedList) == 0 && len(liveList) == 0 {
		return nil, protocol.InvalidRequest("unknown nodeId")
	}
	merged := bridge.Merge(pairedList, liveList)
	return map[string]any{"node": merged[0]}, nil
}

func (h *NodeHandlers) invoke(ctx context.Context, c *Conn, req *protocol.Request) (any, *protocol.Error) {
	p, verr := protocol.DecodeInvokeParams(req.Params)
	if verr != nil {
		return nil, verr.Protocol()
	}

	started := time.Now()
	outcome, err := h.bridge.Invoke(ctx, bridge.InvokeArgs{
		NodeID:     p.NodeID,
		Command:    p.Command,
		ParamsJSON: string(p.Params),
		Timeout:    time.Duration(p.TimeoutMs) * time.Millisecond,
	})
	entry := &audit.Entry{
		Action:     audit.ActionInvoke,
		Method:     "node.invoke",
		NodeID:     p.NodeID,
		ConnID:     c.ID(),
		Detail:     string(req.Params),
		DurationMs: time.Since(started).Milliseconds(),
	}
	if errors.Is(err, bridge.ErrNodeNotConnected) {
		entry.Status = "error"
		entry.ErrorMessage = "node not connected"
		h.record(entry)
		return nil, protocol.Unavailable("node not connected")
	}
	if err != nil {
		h.logger.Error("invoke failed", "nodeId", p.NodeID, "command", p.Command, "error", err)
		entry.Status = "error"
		entry.ErrorMessage = err.Error()
		h.record(entry)
		return nil, protocol.Unavailable("invoke failed")
	}

	if !outcome.OK {
		entry.Status = "error"
		entry.ErrorMessage = outcome.Error.Error()
		h.record(entry)
		// Node-side failure: surface it nested so the caller can tell it
		// apart from a gateway fault.
		e := protocol.Unavailable("node reported failure")
		e.Details = map[string]any{"nodeError": outcome.Error}
		return nil, e
	}
	entry.Result = outcome.PayloadJSON
	h.record(entry)
	return map[string]any{
		"nodeId":      p.NodeID,
		"command":     p.Command,
		"payloadJSON": outcome.PayloadJSON,
	}, nil
}

// remoteIPOf keys the pair-request rate limit by the peer's IP, preferring
// the first X-Forwarded-For hop when a proxy sits in front.
func remoteIPOf(c *Conn) string {
	meta := c.Meta()
	if meta.ForwardedFor != "" {
		first := strings.TrimSpace(strings.Split(meta.ForwardedFor, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(meta.RemoteAddr)
	if err != nil {
		return meta.RemoteAddr
	}
	return host
}
