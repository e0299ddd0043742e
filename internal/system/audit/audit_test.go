package audit

import (
	"fmt"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLogAndGet(t *testing.T) {
	s := newTestStore(t)

	e := &Entry{
		Action: ActionInvoke,
		Method: "node.invoke",
		NodeID: "mac-1",
		Detail: `{"command":"camera.snap"}`,
		Result: `{"ok":true}`,
	}
	if err := s.Log(e); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if e.ID == 0 {
		t.Error("Log should assign an id")
	}
	if e.Status != "success" {
		t.Errorf("status = %q; want default success", e.Status)
	}
	if e.CreatedAt == "" {
		t.Error("Log should stamp createdAt")
	}

	got, err := s.Get(e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for an existing entry")
	}
	if got.NodeID != "mac-1" || got.Method != "node.invoke" {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	missing, err := s.Get(9999)
	if err != nil {
		t.Fatalf("Get missing: %v", err)
	}
	if missing != nil {
		t.Error("Get of unknown id should return nil")
	}
}

func TestQueryFilters(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		if err := s.Log(&Entry{Action: ActionInvoke, Method: "node.invoke", NodeID: "mac-1"}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
	if err := s.Log(&Entry{Action: ActionPair, Method: "node.pair.approve", NodeID: "ios-7"}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := s.Log(&Entry{Action: ActionInvoke, Method: "node.invoke", NodeID: "ios-7", Status: "error", ErrorMessage: "invoke timed out"}); err != nil {
		t.Fatalf("Log: %v", err)
	}

	tests := []struct {
		name string
		p    QueryParams
		want int
	}{
		{"all", QueryParams{}, 5},
		{"by action", QueryParams{Action: ActionPair}, 1},
		{"by node", QueryParams{NodeID: "ios-7"}, 2},
		{"by status", QueryParams{Status: "error"}, 1},
		{"search hits error text", QueryParams{Search: "timed"}, 1},
		{"combined", QueryParams{Action: ActionInvoke, NodeID: "mac-1"}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, total, err := s.Query(tt.p)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if total != tt.want {
				t.Errorf("total = %d; want %d", total, tt.want)
			}
			if len(entries) != tt.want {
				t.Errorf("len(entries) = %d; want %d", len(entries), tt.want)
			}
		})
	}
}

func TestQueryPaging(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 7; i++ {
		if err := s.Log(&Entry{Action: ActionSystem, Method: fmt.Sprintf("op-%d", i)}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	entries, total, err := s.Query(QueryParams{Limit: 3, Offset: 5})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 7 {
		t.Errorf("total = %d; want 7", total)
	}
	if len(entries) != 2 {
		t.Errorf("page len = %d; want 2", len(entries))
	}
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	if err := s.Log(&Entry{Action: ActionInvoke, Method: "node.invoke", DurationMs: 100}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := s.Log(&Entry{Action: ActionInvoke, Method: "node.invoke", DurationMs: 300, Status: "error"}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := s.Log(&Entry{Action: ActionPair, Method: "node.pair.request"}); err != nil {
		t.Fatalf("Log: %v", err)
	}

	st, err := s.GetStats()
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if st.TotalEntries != 3 {
		t.Errorf("TotalEntries = %d; want 3", st.TotalEntries)
	}
	if st.ByAction[ActionInvoke] != 2 || st.ByAction[ActionPair] != 1 {
		t.Errorf("ByAction = %v", st.ByAction)
	}
	if st.ByStatus["error"] != 1 {
		t.Errorf("ByStatus = %v", st.ByStatus)
	}
	if st.AvgDurationMs != 200 {
		t.Errorf("AvgDurationMs = %v; want 200", st.AvgDurationMs)
	}
}

func TestCleanupByCountAndAge(t *testing.T) {
	s := newTestStore(t)

	old := time.Now().AddDate(0, 0, -10).UTC().Format(time.RFC3339Nano)
	if err := s.Log(&Entry{Action: ActionSystem, Method: "old-op", CreatedAt: old}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := s.Log(&Entry{Action: ActionSystem, Method: "fresh-op"}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	deleted, err := s.Cleanup(7, 2)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d; want 3 (1 stale + 2 over cap)", deleted)
	}

	cnt, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if cnt != 2 {
		t.Errorf("Count = %d; want 2", cnt)
	}
}
