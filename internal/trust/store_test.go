package trust

import (
	"errors"
	"strings"
	"testing"
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

func TestRequestIdempotent(t *testing.T) {
	s := newTestStore(t)

	first, created, err := s.Request(RequestInput{NodeID: "mac-1", DisplayName: "Mac Studio", Caps: []string{"camera"}})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !created {
		t.Fatal("first request should report created=true")
	}
	if first.Status != StatusPending {
		t.Errorf("status = %q; want pending", first.Status)
	}

	second, created, err := s.Request(RequestInput{NodeID: "mac-1", DisplayName: "Mac Studio"})
	if err != nil {
		t.Fatalf("re-announce: %v", err)
	}
	if created {
		t.Error("re-announce while pending should report created=false")
	}
	if second.RequestID != first.RequestID {
		t.Errorf("re-announce returned a different request: %q vs %q", second.RequestID, first.RequestID)
	}

	_, pending, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending count = %d; want 1", len(pending))
	}
}

func TestApproveResolvesExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	req, _, err := s.Request(RequestInput{NodeID: "ios-7", Commands: []string{"camera.snap"}})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	approval, err := s.Approve(req.RequestID)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approval.Node.NodeID != "ios-7" {
		t.Errorf("approved node = %q", approval.Node.NodeID)
	}
	if !strings.HasPrefix(approval.Token, "cgn_") {
		t.Errorf("token %q missing prefix", approval.Token)
	}

	// Second approve and a late reject must both observe unknown requestId.
	if _, err := s.Approve(req.RequestID); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("second Approve error = %v; want ErrUnknownRequest", err)
	}
	if _, err := s.Reject(req.RequestID); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("Reject after Approve error = %v; want ErrUnknownRequest", err)
	}

	paired, pending, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(paired) != 1 || len(pending) != 0 {
		t.Errorf("after approve: paired=%d pending=%d; want 1/0", len(paired), len(pending))
	}
	if paired[0].Commands[0] != "camera.snap" {
		t.Errorf("persisted commands = %v", paired[0].Commands)
	}
}

func TestRejectLeavesNodeUnpaired(t *testing.T) {
	s := newTestStore(t)
	req, _, _ := s.Request(RequestInput{NodeID: "droid-2"})

	resolved, err := s.Reject(req.RequestID)
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if resolved.Status != StatusRejected {
		t.Errorf("status = %q; want rejected", resolved.Status)
	}
	paired, pending, _ := s.List()
	if len(paired) != 0 || len(pending) != 0 {
		t.Errorf("after reject: paired=%d pending=%d; want 0/0", len(paired), len(pending))
	}

	// A rejected node may ask again.
	_, created, err := s.Request(RequestInput{NodeID: "droid-2"})
	if err != nil || !created {
		t.Errorf("re-request after reject: created=%v err=%v", created, err)
	}
}

func TestVerifyToken(t *testing.T) {
	s := newTestStore(t)
	req, _, _ := s.Request(RequestInput{NodeID: "mac-1"})
	approval, err := s.Approve(req.RequestID)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}

	tests := []struct {
		name   string
		nodeID string
		token  string
		want   bool
	}{
		{"valid", "mac-1", approval.Token, true},
		{"wrong_token", "mac-1", "cgn_bogus", false},
		{"empty_token", "mac-1", "", false},
		{"unknown_node", "nope", approval.Token, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := s.VerifyToken(tc.nodeID, tc.token)
			if err != nil {
				t.Fatalf("VerifyToken: %v", err)
			}
			if ok != tc.want {
				t.Errorf("VerifyToken(%q, ...) = %v; want %v", tc.nodeID, ok, tc.want)
			}
		})
	}
}

func TestReapprovalReissuesCredential(t *testing.T) {
	s := newTestStore(t)
	req, _, _ := s.Request(RequestInput{NodeID: "mac-1"})
	first, _ := s.Approve(req.RequestID)

	req2, created, err := s.Request(RequestInput{NodeID: "mac-1", DisplayName: "Rebuilt Mac"})
	if err != nil || !created {
		t.Fatalf("second request: created=%v err=%v", created, err)
	}
	second, err := s.Approve(req2.RequestID)
	if err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	if second.Token == first.Token {
		t.Error("re-approval must mint a fresh token")
	}

	if ok, _ := s.VerifyToken("mac-1", first.Token); ok {
		t.Error("old token still verifies after re-pairing")
	}
	if ok, _ := s.VerifyToken("mac-1", second.Token); !ok {
		t.Error("new token does not verify")
	}

	paired, _, _ := s.List()
	if len(paired) != 1 || paired[0].DisplayName != "Rebuilt Mac" {
		t.Errorf("paired after re-approval = %+v", paired)
	}
}

func TestRename(t *testing.T) {
	s := newTestStore(t)
	req, _, _ := s.Request(RequestInput{NodeID: "mac-1", DisplayName: "Old Name"})
	s.Approve(req.RequestID)

	ok, err := s.Rename("mac-1", "Studio")
	if err != nil || !ok {
		t.Fatalf("Rename: ok=%v err=%v", ok, err)
	}
	node, found, _ := s.GetPaired("mac-1")
	if !found || node.DisplayName != "Studio" {
		t.Errorf("renamed node = %+v found=%v", node, found)
	}

	if ok, _ := s.Rename("ghost", "x"); ok {
		t.Error("renaming unknown node should return false")
	}
}
