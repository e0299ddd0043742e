package gateway

import (
	"testing"

	"github.com/clawgate/clawgate/internal/gateway/protocol"
)

func TestPresenceUpsertAndSnapshot(t *testing.T) {
	p := NewPresence()
	p.Upsert(protocol.PresenceEntry{Key: "a", ClientID: "client-a", Mode: "ui", ConnectedAt: 100})
	p.Upsert(protocol.PresenceEntry{Key: "b", ClientID: "client-b", Mode: "node", ConnectedAt: 50})

	snap := p.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(snap) = %d; want 2", len(snap))
	}
	// Oldest connection first.
	if snap[0].Key != "b" || snap[1].Key != "a" {
		t.Errorf("snapshot order = [%s %s]; want [b a]", snap[0].Key, snap[1].Key)
	}
	if snap[0].LastSeenAt == 0 {
		t.Error("Upsert did not stamp lastSeenAt")
	}
}

func TestPresenceUpsertRefreshesExisting(t *testing.T) {
	p := NewPresence()
	p.Upsert(protocol.PresenceEntry{Key: "a", ClientID: "client-a", Version: "1.0"})
	p.Upsert(protocol.PresenceEntry{Key: "a", ClientID: "client-a", Version: "1.1"})

	if got := p.Count(); got != 1 {
		t.Fatalf("Count() = %d; want 1", got)
	}
	if snap := p.Snapshot(); snap[0].Version != "1.1" {
		t.Errorf("version = %q; want 1.1", snap[0].Version)
	}
}

func TestPresenceTouch(t *testing.T) {
	p := NewPresence()
	p.Upsert(protocol.PresenceEntry{Key: "a", ConnectedAt: 1, LastSeenAt: 1})
	p.Touch("a")
	p.Touch("missing") // no-op

	snap := p.Snapshot()
	if snap[0].LastSeenAt <= 1 {
		t.Errorf("Touch did not bump lastSeenAt: %d", snap[0].LastSeenAt)
	}
	if p.Count() != 1 {
		t.Errorf("Touch on unknown key must not create an entry")
	}
}

func TestPresenceRemove(t *testing.T) {
	p := NewPresence()
	p.Upsert(protocol.PresenceEntry{Key: "a"})

	if !p.Remove("a") {
		t.Error("Remove(a) = false; want true")
	}
	if p.Remove("a") {
		t.Error("second Remove(a) = true; want false")
	}
	if p.Count() != 0 {
		t.Errorf("Count() = %d; want 0", p.Count())
	}
}
