package dispatch

import (
	"container/list"
	"sync"
	"time"
)

// dedupeCache is a TTL-bounded, size-bounded set of seen event IDs.
// Homeservers redeliver events after reconnects; replying twice to the
// same message is worse than occasionally forgetting a very old one.
type dedupeCache struct {
	mu      sync.Mutex
	seen    map[string]*dedupeEntry
	order   *list.List
	ttl     time.Duration
	maxSize int
}

type dedupeEntry struct {
	at      time.Time
	element *list.Element
}

func newDedupeCache(ttl time.Duration, maxSize int) *dedupeCache {
	return &dedupeCache{
		seen:    make(map[string]*dedupeEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// checkAndMark reports whether key was already seen within the TTL, and
// marks it seen if not. The check and mark are one critical section so two
// concurrent deliveries of the same event cannot both pass.
func (c *dedupeCache) checkAndMark(key string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok && now.Sub(entry.at) < c.ttl {
		return true
	}

	if entry, ok := c.seen[key]; ok {
		entry.at = now
		c.order.MoveToBack(entry.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			delete(c.seen, front.Value.(string))
			c.order.Remove(front)
		}
	}
	c.seen[key] = &dedupeEntry{at: now, element: c.order.PushBack(key)}
	return false
}
