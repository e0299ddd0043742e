package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/clawgate/clawgate/internal/gateway/protocol"
)

// HealthSources supplies the live counters a health snapshot is built from.
type HealthSources struct {
	Connections    func() int
	NodesConnected func() int
	NodesPaired    func() (int, error)
}

// HealthCache holds the most recent process health snapshot so the handshake
// can attach a world-view without paying for a fresh computation per
// connection. Refreshes run asynchronously.
type HealthCache struct {
	logger    *slog.Logger
	startedAt time.Time
	sources   HealthSources

	mu   sync.RWMutex
	snap protocol.HealthSnapshot
}

// NewHealthCache builds the cache and computes an initial snapshot.
func NewHealthCache(logger *slog.Logger, sources HealthSources) *HealthCache {
	h := &HealthCache{
		logger:    logger.With("component", "health"),
		startedAt: time.Now(),
		sources:   sources,
	}
	h.Refresh()
	return h
}

// Refresh recomputes the snapshot synchronously.
func (h *HealthCache) Refresh() {
	now := time.Now()
	snap := protocol.HealthSnapshot{
		Status:        "ok",
		StartedAt:     h.startedAt.UnixMilli(),
		UptimeSeconds: int64(now.Sub(h.startedAt).Seconds()),
		RefreshedAt:   now.UnixMilli(),
	}
	if h.sources.Connections != nil {
		snap.Connections = h.sources.Connections()
	}
	if h.sources.NodesConnected != nil {
		snap.NodesConnected = h.sources.NodesConnected()
	}
	if h.sources.NodesPaired != nil {
		n, err := h.sources.NodesPaired()
		if err != nil {
			h.logger.Warn("health refresh: paired count failed", "error", err)
			snap.Status = "degraded"
		} else {
			snap.NodesPaired = n
		}
	}
	h.mu.Lock()
	h.snap = snap
	h.mu.Unlock()
}

// RefreshAsync schedules a refresh without blocking the caller.
func (h *HealthCache) RefreshAsync() {
	go h.Refresh()
}

// Snapshot returns a copy of the cached health.
func (h *HealthCache) Snapshot() protocol.HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snap
}
