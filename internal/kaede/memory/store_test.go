package memory

import (
	"fmt"
	"testing"
	"time"
)

func newTestStore(t *testing.T, ttl time.Duration, maxTurns int) (*Store, *time.Time) {
	t.Helper()
	s, err := NewStore(ttl, maxTurns)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestNewStore_RejectsBadConfig(t *testing.T) {
	if _, err := NewStore(0, 50); err == nil {
		t.Error("expected error for zero TTL")
	}
	if _, err := NewStore(-time.Minute, 50); err == nil {
		t.Error("expected error for negative TTL")
	}
	if _, err := NewStore(time.Minute, 0); err == nil {
		t.Error("expected error for zero max turns")
	}
}

func TestStore_SlidingExpiry(t *testing.T) {
	s, now := newTestStore(t, 10*time.Minute, 50)
	key := Key{WorkspaceID: "ws1", ConversationID: "c1", UserID: "u1"}

	s.Append(key, RoleUser, "hello")

	// Touch within the TTL keeps the entry and slides the deadline.
	*now = now.Add(9 * time.Minute)
	e, expired := s.Touch(key)
	if expired {
		t.Fatal("entry expired despite touch within TTL")
	}
	if len(e.Turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(e.Turns))
	}

	// Another 9 minutes is still inside the slid window.
	*now = now.Add(9 * time.Minute)
	if _, expired := s.Touch(key); expired {
		t.Error("sliding deadline was not refreshed by previous touch")
	}
}

func TestStore_ExpiredEntryIsReplaced(t *testing.T) {
	s, now := newTestStore(t, 10*time.Minute, 50)
	key := Key{WorkspaceID: "ws1", ConversationID: "c1", UserID: "u1"}

	s.Append(key, RoleUser, "hello")
	*now = now.Add(11 * time.Minute)

	e, expired := s.Touch(key)
	if !expired {
		t.Error("expected expired=true for a stale entry")
	}
	if len(e.Turns) != 0 {
		t.Errorf("stale turns leaked into fresh entry: %d", len(e.Turns))
	}

	// A second touch right after must not report expiry again.
	if _, expired := s.Touch(key); expired {
		t.Error("fresh entry reported as expired")
	}
}

func TestStore_AppendAfterExpiryStartsFresh(t *testing.T) {
	s, now := newTestStore(t, 10*time.Minute, 50)
	key := Key{WorkspaceID: "ws1", ConversationID: "c1", UserID: "u1"}

	s.Append(key, RoleUser, "old context")
	*now = now.Add(time.Hour)
	s.Append(key, RoleUser, "new question")

	e, _ := s.Touch(key)
	if len(e.Turns) != 1 || e.Turns[0].Text != "new question" {
		t.Errorf("expected only the fresh turn, got %+v", e.Turns)
	}
}

func TestStore_WorkspaceIsolation(t *testing.T) {
	s, _ := newTestStore(t, 10*time.Minute, 50)

	a := Key{WorkspaceID: "ws1", ConversationID: "c1", UserID: "u1"}
	b := Key{WorkspaceID: "ws2", ConversationID: "c1", UserID: "u1"}
	s.Append(a, RoleUser, "workspace one")
	s.Append(b, RoleUser, "workspace two")

	ea, _ := s.Touch(a)
	eb, _ := s.Touch(b)
	if ea.Turns[0].Text != "workspace one" || eb.Turns[0].Text != "workspace two" {
		t.Error("same conversation ID in different workspaces must not share state")
	}

	s.Clear(a)
	if _, expired := s.Touch(b); expired {
		t.Error("clearing one workspace's conversation affected another")
	}
	eb, _ = s.Touch(b)
	if len(eb.Turns) != 1 {
		t.Errorf("ws2 turns = %d, want 1", len(eb.Turns))
	}
}

func TestStore_TruncatesOldestFirst(t *testing.T) {
	s, _ := newTestStore(t, 10*time.Minute, 3)
	key := Key{WorkspaceID: "ws1", ConversationID: "c1", UserID: "u1"}

	for i := 0; i < 5; i++ {
		s.Append(key, RoleUser, fmt.Sprintf("turn %d", i))
	}

	e, _ := s.Touch(key)
	if len(e.Turns) != 3 {
		t.Fatalf("turns = %d, want 3", len(e.Turns))
	}
	if e.Turns[0].Text != "turn 2" || e.Turns[2].Text != "turn 4" {
		t.Errorf("unexpected retained turns: %+v", e.Turns)
	}
}

func TestStore_Sweep(t *testing.T) {
	s, now := newTestStore(t, 10*time.Minute, 50)

	for i := 0; i < 8; i++ {
		s.Append(Key{WorkspaceID: "ws1", ConversationID: fmt.Sprintf("c%d", i), UserID: "u1"}, RoleUser, "hi")
	}
	*now = now.Add(5 * time.Minute)
	s.Append(Key{WorkspaceID: "ws1", ConversationID: "fresh", UserID: "u1"}, RoleUser, "hi")

	removed := s.Sweep(now.Add(6 * time.Minute))
	if removed != 8 {
		t.Errorf("Sweep removed %d, want 8", removed)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}
