package session

import (
	"testing"
	"time"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	return New("sess-1", "/work", "opus", "default")
}

func TestAppendMessage_DedupByID(t *testing.T) {
	s := newTestSession(t)

	if !s.AppendMessage(Message{ID: "m1", Role: "assistant", Text: "first"}) {
		t.Fatal("first append should store")
	}
	if s.AppendMessage(Message{ID: "m1", Role: "assistant", Text: "second"}) {
		t.Fatal("duplicate id should be dropped")
	}

	if len(s.Messages) != 1 {
		t.Fatalf("len(Messages) = %d, want 1", len(s.Messages))
	}
	if s.Messages[0].Text != "first" {
		t.Errorf("dedup must retain the first message, got %q", s.Messages[0].Text)
	}
}

func TestAppendMessage_BlankIDsCoexist(t *testing.T) {
	s := newTestSession(t)

	s.AppendMessage(Message{Role: "system", Text: "one"})
	s.AppendMessage(Message{Role: "system", Text: "two"})

	if len(s.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2 (blank ids never dedup)", len(s.Messages))
	}
}

func TestStreamingScratch(t *testing.T) {
	s := newTestSession(t)

	s.ApplyStreamDelta("hel", 0)
	s.ApplyStreamDelta("lo", 12)

	text, tokens, active := s.StreamingText()
	if !active || text != "hello" || tokens != 12 {
		t.Fatalf("scratch = (%q, %d, %v)", text, tokens, active)
	}

	s.ClearStreaming()
	text, tokens, active = s.StreamingText()
	if active || text != "" || tokens != 0 {
		t.Fatalf("scratch after clear = (%q, %d, %v)", text, tokens, active)
	}
}

func TestPermissionLifecycle(t *testing.T) {
	s := newTestSession(t)

	if !s.AddPermission(PermissionRequest{ID: "req-1", ToolName: "Bash"}) {
		t.Fatal("add should succeed")
	}
	if s.AddPermission(PermissionRequest{ID: "req-1", ToolName: "Bash"}) {
		t.Fatal("duplicate add should be rejected")
	}

	if !s.ResolvePermission("req-1") {
		t.Fatal("resolve of pending request should succeed")
	}
	if s.ResolvePermission("req-1") {
		t.Fatal("resolve of already-resolved request should fail")
	}
	if len(s.Pending) != 0 {
		t.Fatalf("Pending = %v, want empty", s.Pending)
	}
}

func TestPendingRequests_Ordered(t *testing.T) {
	s := newTestSession(t)
	base := time.Now().UTC()
	s.AddPermission(PermissionRequest{ID: "b", ToolName: "Edit", CreatedAt: base.Add(time.Second)})
	s.AddPermission(PermissionRequest{ID: "a", ToolName: "Bash", CreatedAt: base})

	reqs := s.PendingRequests()
	if len(reqs) != 2 || reqs[0].ID != "a" || reqs[1].ID != "b" {
		t.Fatalf("PendingRequests = %+v", reqs)
	}
}

func TestSnapshot_ExcludesStreamingScratch(t *testing.T) {
	s := newTestSession(t)
	s.AppendMessage(Message{Role: "user", Text: "go"})
	s.ApplyStreamDelta("in progress", 3)

	sn := s.Snapshot()
	restored := FromSnapshot(sn)

	if _, _, active := restored.StreamingText(); active {
		t.Error("streaming scratch must not survive a snapshot round trip")
	}
	if len(restored.Messages) != 1 || restored.Messages[0].Text != "go" {
		t.Errorf("Messages = %+v", restored.Messages)
	}
}

func TestSnapshot_RoundTripsInvocationIDs(t *testing.T) {
	s := newTestSession(t)
	s.ApplyTaskTool("toolu_1", "TaskCreate", []byte(`{"subject":"do the thing"}`))

	restored := FromSnapshot(s.Snapshot())

	// Replaying the same invocation id after restore must not duplicate.
	if restored.ApplyTaskTool("toolu_1", "TaskCreate", []byte(`{"subject":"do the thing"}`)) {
		t.Error("replayed invocation id mutated tasks after restore")
	}
	if len(restored.Tasks) != 1 {
		t.Errorf("len(Tasks) = %d, want 1", len(restored.Tasks))
	}
}
