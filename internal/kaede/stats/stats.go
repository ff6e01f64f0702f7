// Package stats aggregates usage counters and feedback votes across
// workspaces. Counters accumulate in memory and flush to a bbolt bucket
// store on a bounded interval, so a crash loses at most one flush window.
package stats

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Intent classifies a call for counting purposes.
type Intent string

const (
	IntentAnalyze         Intent = "analyze"
	IntentAnalyzeFollowup Intent = "analyze_followup"
	IntentGeneral         Intent = "general"
	IntentGeneralFollowup Intent = "general_followup"
)

// Sentiment is the direction of a feedback vote.
type Sentiment string

const (
	SentimentUp   Sentiment = "up"
	SentimentDown Sentiment = "down"
)

// ErrAlreadyVoted is returned by RecordVote when the same user repeats the
// same vote on the same message. The caller turns this into a polite
// notice rather than a failure.
var ErrAlreadyVoted = errors.New("vote already recorded")

// Counters is a snapshot of the aggregate usage numbers.
type Counters struct {
	TotalCalls       int64 `json:"total_calls"`
	AnalyzeCalls     int64 `json:"analyze_calls"`
	AnalyzeFollowups int64 `json:"analyze_followups"`
	GeneralCalls     int64 `json:"general_calls"`
	GeneralFollowups int64 `json:"general_followups"`
	ThumbsUp         int64 `json:"thumbs_up"`
	ThumbsDown       int64 `json:"thumbs_down"`
	UniqueUsers      int64 `json:"unique_users"`
}

var (
	bucketCounters = []byte("counters")
	bucketVotes    = []byte("votes")
	bucketUsers    = []byte("users")

	countersKey = []byte("aggregate")
)

const (
	defaultFlushInterval = 5 * time.Second
	flushThreshold       = 32
)

// Aggregator tracks usage counters with write-behind persistence.
type Aggregator struct {
	db *bolt.DB

	mu       sync.Mutex
	counters Counters
	users    map[string]struct{}
	votes    map[string]struct{}
	dirty    int
	newUsers []string
	newVotes []string

	flushInterval time.Duration
}

// Open loads the aggregator state from the bbolt file at path, creating it
// if absent.
func Open(path string) (*Aggregator, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("stats: open %s: %w", path, err)
	}

	a := &Aggregator{
		db:            db,
		users:         make(map[string]struct{}),
		votes:         make(map[string]struct{}),
		flushInterval: defaultFlushInterval,
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCounters, bucketVotes, bucketUsers} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		if raw := tx.Bucket(bucketCounters).Get(countersKey); raw != nil {
			if err := json.Unmarshal(raw, &a.counters); err != nil {
				return fmt.Errorf("decode counters: %w", err)
			}
		}
		if err := tx.Bucket(bucketUsers).ForEach(func(k, _ []byte) error {
			a.users[string(k)] = struct{}{}
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketVotes).ForEach(func(k, _ []byte) error {
			a.votes[string(k)] = struct{}{}
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("stats: load state: %w", err)
	}
	return a, nil
}

// Record counts one call of the given intent by the given user.
func (a *Aggregator) Record(intent Intent, userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.counters.TotalCalls++
	switch intent {
	case IntentAnalyze:
		a.counters.AnalyzeCalls++
	case IntentAnalyzeFollowup:
		a.counters.AnalyzeFollowups++
	case IntentGeneralFollowup:
		a.counters.GeneralFollowups++
	default:
		a.counters.GeneralCalls++
	}
	if _, seen := a.users[userID]; !seen && userID != "" {
		a.users[userID] = struct{}{}
		a.counters.UniqueUsers++
		a.newUsers = append(a.newUsers, userID)
	}
	a.markDirtyLocked()
}

// RecordVote counts a feedback vote. A repeat of the same vote by the same
// user on the same message returns ErrAlreadyVoted and changes nothing.
func (a *Aggregator) RecordVote(messageID, userID string, sentiment Sentiment) error {
	key := messageID + "\x00" + userID + "\x00" + string(sentiment)

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, dup := a.votes[key]; dup {
		return fmt.Errorf("stats: vote by %s on %s: %w", userID, messageID, ErrAlreadyVoted)
	}
	a.votes[key] = struct{}{}
	a.newVotes = append(a.newVotes, key)
	switch sentiment {
	case SentimentUp:
		a.counters.ThumbsUp++
	case SentimentDown:
		a.counters.ThumbsDown++
	}
	a.markDirtyLocked()
	return nil
}

// Snapshot returns the current aggregate counters.
func (a *Aggregator) Snapshot() Counters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters
}

// markDirtyLocked flushes synchronously once enough mutations pile up so a
// burst of traffic is not exposed to the full flush window.
func (a *Aggregator) markDirtyLocked() {
	a.dirty++
	if a.dirty >= flushThreshold {
		if err := a.flushLocked(); err != nil {
			// Non-fatal; the periodic flush retries.
			a.dirty = flushThreshold
		}
	}
}

// Flush persists pending state immediately.
func (a *Aggregator) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked()
}

func (a *Aggregator) flushLocked() error {
	if a.dirty == 0 {
		return nil
	}
	raw, err := json.Marshal(a.counters)
	if err != nil {
		return fmt.Errorf("stats: encode counters: %w", err)
	}
	users := a.newUsers
	votes := a.newVotes

	err = a.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketCounters).Put(countersKey, raw); err != nil {
			return err
		}
		for _, u := range users {
			if err := tx.Bucket(bucketUsers).Put([]byte(u), []byte{1}); err != nil {
				return err
			}
		}
		for _, v := range votes {
			if err := tx.Bucket(bucketVotes).Put([]byte(v), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("stats: flush: %w", err)
	}
	a.dirty = 0
	a.newUsers = nil
	a.newVotes = nil
	return nil
}

// Run flushes periodically until done is closed.
func (a *Aggregator) Run(done <-chan struct{}) {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			a.Flush()
		}
	}
}

// Close flushes pending state and closes the store.
func (a *Aggregator) Close() error {
	flushErr := a.Flush()
	closeErr := a.db.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
