// Package memory keeps short-lived conversation context in process memory.
//
// Each conversation is keyed by (workspace, conversation, user) and carries
// a sliding expiry: any touch pushes the deadline out by the configured TTL.
// Entries that age out are dropped wholesale; there is no partial decay.
package memory

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

// Role labels who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Key identifies one conversation. All three fields participate in
// identity, so the same conversation ID in two workspaces never collides.
type Key struct {
	WorkspaceID    string
	ConversationID string
	UserID         string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.WorkspaceID, k.ConversationID, k.UserID)
}

// Turn is one utterance in a conversation.
type Turn struct {
	Role Role
	Text string
	At   time.Time
}

// Entry is a snapshot of one conversation's state.
type Entry struct {
	Turns       []Turn
	LastTouched time.Time
	ExpiresAt   time.Time
}

type entry struct {
	turns       []Turn
	lastTouched time.Time
	expiresAt   time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// Store holds conversation entries across a fixed set of shards. Sharding
// keeps unrelated conversations from contending on one lock when many
// workspaces are active at once.
type Store struct {
	ttl      time.Duration
	maxTurns int
	shards   [shardCount]*shard

	// now is swappable in tests.
	now func() time.Time
}

// NewStore creates a Store. TTL must be positive; there is no implicit
// default because retention is an operator decision.
func NewStore(ttl time.Duration, maxTurns int) (*Store, error) {
	if ttl <= 0 {
		return nil, errors.New("memory: ttl must be positive")
	}
	if maxTurns <= 0 {
		return nil, errors.New("memory: max turns must be positive")
	}
	s := &Store{
		ttl:      ttl,
		maxTurns: maxTurns,
		now:      time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[Key]*entry)}
	}
	return s, nil
}

// TTL returns the sliding expiry window. Conversation-scoped state kept
// outside the store expires on the same clock.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

func (s *Store) shardFor(key Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.WorkspaceID))
	h.Write([]byte{0})
	h.Write([]byte(key.ConversationID))
	h.Write([]byte{0})
	h.Write([]byte(key.UserID))
	return s.shards[h.Sum32()%shardCount]
}

// Touch refreshes the conversation's expiry and returns a snapshot of its
// current state. The expired return is true when a stale entry existed and
// was discarded by this call, which is the signal for telling the user
// their earlier context is gone.
func (s *Store) Touch(key Key) (Entry, bool) {
	now := s.now()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	expired := false
	if ok && now.After(e.expiresAt) {
		delete(sh.entries, key)
		ok = false
		expired = true
	}
	if !ok {
		e = &entry{}
		sh.entries[key] = e
	}
	e.lastTouched = now
	e.expiresAt = now.Add(s.ttl)
	return snapshot(e), expired
}

// Append records a turn and refreshes the expiry. When the turn count
// exceeds the configured maximum, the oldest turns are dropped first.
func (s *Store) Append(key Key, role Role, text string) {
	now := s.now()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok || now.After(e.expiresAt) {
		e = &entry{}
		sh.entries[key] = e
	}
	e.turns = append(e.turns, Turn{Role: role, Text: text, At: now})
	if overflow := len(e.turns) - s.maxTurns; overflow > 0 {
		e.turns = append(e.turns[:0:0], e.turns[overflow:]...)
	}
	e.lastTouched = now
	e.expiresAt = now.Add(s.ttl)
}

// Clear removes the conversation immediately.
func (s *Store) Clear(key Key) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.entries, key)
}

// Len reports the number of live entries. Entries past their expiry but
// not yet swept still count.
func (s *Store) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total
}

// Sweep removes every entry whose expiry is before now and reports how many
// were removed. Sweeping is an optimization for idle conversations; Touch
// and Append already discard stale entries on access.
func (s *Store) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if now.After(e.expiresAt) {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Run sweeps periodically until done is closed. A non-positive interval
// derives one from the TTL so idle entries linger at most half a TTL past
// their deadline.
func (s *Store) Run(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = s.ttl / 2
	}
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

func snapshot(e *entry) Entry {
	turns := make([]Turn, len(e.turns))
	copy(turns, e.turns)
	return Entry{
		Turns:       turns,
		LastTouched: e.lastTouched,
		ExpiresAt:   e.expiresAt,
	}
}
