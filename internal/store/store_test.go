package store

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/workspace/agent-relay/internal/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	sess := session.New("s1", "/work", "opus", "default")
	sess.AppendMessage(session.Message{ID: "m1", Role: "assistant", Text: "hello"})
	sess.AddPermission(session.PermissionRequest{ID: "r1", ToolName: "Bash", CreatedAt: time.Now()})

	if err := s.Save(sess.Snapshot()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	snaps, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	got := snaps[0]
	if got.ID != "s1" || got.Cwd != "/work" || got.Model != "opus" {
		t.Errorf("snapshot fields mismatch: %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Text != "hello" {
		t.Errorf("messages not round-tripped: %+v", got.Messages)
	}
	if len(got.Pending) != 1 || got.Pending[0].ID != "r1" {
		t.Errorf("pending requests not round-tripped: %+v", got.Pending)
	}
}

func TestSaveOverwritesPrevious(t *testing.T) {
	s := newTestStore(t)

	sess := session.New("s1", "/work", "", "")
	if err := s.Save(sess.Snapshot()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	sess.AppendMessage(session.Message{ID: "m1", Role: "user", Text: "later"})
	if err := s.Save(sess.Snapshot()); err != nil {
		t.Fatalf("Save again: %v", err)
	}

	snaps, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot after overwrite, got %d", len(snaps))
	}
	if len(snaps[0].Messages) != 1 {
		t.Errorf("expected latest snapshot, got %+v", snaps[0])
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	if err := s.Save(session.New("s1", "", "", "").Snapshot()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete("s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	snaps, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(snaps) != 0 {
		t.Errorf("expected no snapshots after delete, got %d", len(snaps))
	}
}

func TestLoadAllSkipsCorruptRows(t *testing.T) {
	s := newTestStore(t)

	if err := s.Save(session.New("good", "", "", "").Snapshot()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.insertRaw("bad", "{not json"); err != nil {
		t.Fatalf("insertRaw: %v", err)
	}

	snaps, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(snaps) != 1 || snaps[0].ID != "good" {
		t.Errorf("expected only the good snapshot, got %+v", snaps)
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.Save(session.New("s1", "/w", "", "").Snapshot()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	snaps, err := s2.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(snaps) != 1 || snaps[0].ID != "s1" {
		t.Errorf("expected session to survive reopen, got %+v", snaps)
	}
}

func TestDebouncedWriterCoalesces(t *testing.T) {
	var calls atomic.Int32
	w := NewDebouncedWriter(nil, 20*time.Millisecond)

	for i := 0; i < 10; i++ {
		w.Enqueue("s1", func() error {
			calls.Add(1)
			return nil
		})
	}

	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 coalesced write, got %d", got)
	}
}

func TestDebouncedWriterCloseFlushes(t *testing.T) {
	var calls atomic.Int32
	w := NewDebouncedWriter(nil, time.Hour)

	w.Enqueue("s1", func() error { calls.Add(1); return nil })
	w.Enqueue("s2", func() error { calls.Add(1); return nil })
	w.Close()

	if got := calls.Load(); got != 2 {
		t.Errorf("expected close to flush both writes, got %d", got)
	}

	w.Enqueue("s3", func() error { calls.Add(1); return nil })
	w.Flush()
	if got := calls.Load(); got != 2 {
		t.Errorf("enqueue after close should be dropped, got %d calls", got)
	}
}
