package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/clawgate/clawgate/internal/gateway/protocol"
)

// Presence is the process-wide record of connected clients, keyed by
// presenceKey (instanceId when supplied, connId otherwise). It is an
// explicitly owned state object injected into the server at construction,
// never a package singleton, so tests can run isolated gateways.
type Presence struct {
	mu      sync.RWMutex
	entries map[string]protocol.PresenceEntry
}

// NewPresence creates an empty presence registry.
func NewPresence() *Presence {
	return &Presence{entries: make(map[string]protocol.PresenceEntry)}
}

// Upsert registers or refreshes a client's presence.
func (p *Presence) Upsert(entry protocol.PresenceEntry) {
	now := time.Now().UnixMilli()
	if entry.ConnectedAt == 0 {
		entry.ConnectedAt = now
	}
	entry.LastSeenAt = now
	p.mu.Lock()
	p.entries[entry.Key] = entry
	p.mu.Unlock()
}

// Touch bumps a client's lastSeen timestamp.
func (p *Presence) Touch(key string) {
	p.mu.Lock()
	if entry, ok := p.entries[key]; ok {
		entry.LastSeenAt = time.Now().UnixMilli()
		p.entries[key] = entry
	}
	p.mu.Unlock()
}

// Remove retracts a client's presence. Returns false when the key was not
// registered.
func (p *Presence) Remove(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[key]; !ok {
		return false
	}
	delete(p.entries, key)
	return true
}

// Snapshot returns the current presence list, oldest connection first.
func (p *Presence) Snapshot() []protocol.PresenceEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]protocol.PresenceEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt != out[j].ConnectedAt {
			return out[i].ConnectedAt < out[j].ConnectedAt
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Count returns the number of registered clients.
func (p *Presence) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
