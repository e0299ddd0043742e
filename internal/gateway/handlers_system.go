package gateway

import (
	"context"
	"time"

	"github.com/clawgate/clawgate/internal/gateway/protocol"
)

// SystemHandlers exposes gateway self-inspection: the cached health snapshot
// and a lightweight status summary.
type SystemHandlers struct {
	server *Server
}

// Methods implements HandlerGroup.
func (h *SystemHandlers) Methods() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		"health": h.health,
		"status": h.status,
	}
}

func (h *SystemHandlers) health(ctx context.Context, c *Conn, req *protocol.Request) (any, *protocol.Error) {
	// Serve the cached snapshot and refresh behind the response, same as the
	// copy attached to hello-ok.
	snap := h.server.health.Snapshot()
	h.server.health.RefreshAsync()
	return snap, nil
}

func (h *SystemHandlers) status(ctx context.Context, c *Conn, req *protocol.Request) (any, *protocol.Error) {
	return map[string]any{
		"status":     "ok",
		"version":    h.server.version,
		"clients":    h.server.ConnCount(),
		"presence":   h.server.presence.Count(),
		"nodes":      h.server.bridge.Count(),
		"methods":    h.server.dispatcher.MethodNames(),
		"configHash": h.server.cfgCache.Hash(),
		"ts":         time.Now().UnixMilli(),
	}, nil
}
