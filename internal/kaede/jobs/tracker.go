// Package jobs runs long analysis and ingestion work on a fixed worker
// pool and tracks each job's state for polling. Jobs run on the tracker's
// own context, so the user who asked for an analysis disconnecting does
// not cancel it.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a job's lifecycle phase.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Kind names what a job analyzes or ingests.
type Kind string

const (
	KindChannel Kind = "channel"
	KindThread  Kind = "thread"
	KindFile    Kind = "file"
)

var (
	// ErrScopeTooLarge rejects jobs whose scope exceeds the configured
	// item ceiling. The caller should tell the user to narrow the scope.
	ErrScopeTooLarge = errors.New("analysis scope exceeds item limit")

	// ErrQueueFull rejects submissions when every worker is busy and the
	// backlog is at capacity.
	ErrQueueFull = errors.New("job queue is full")
)

// Scope identifies what one job covers. Two submissions with the same
// scope key share a single job while it is in flight.
type Scope struct {
	WorkspaceID string
	Kind        Kind
	ChannelID   string
	ThreadID    string
	SourceID    string
	// SourceName and MimeType describe a file scope for the runner's
	// extraction step. They are not part of the scope identity.
	SourceName string
	MimeType   string
	ItemCount  int
}

// Key collapses the scope to its dedupe identity. ItemCount is excluded;
// asking for the same thread with a different window is still the same
// work in flight.
func (s Scope) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", s.WorkspaceID, s.Kind, s.ChannelID, s.ThreadID, s.SourceID)
}

// Job is a snapshot of one tracked job.
type Job struct {
	ID        string
	Scope     Scope
	State     State
	Progress  float64
	Result    string
	Err       string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Runner executes one job. It reports progress in [0,1] through the
// callback and returns the job's result text.
type Runner func(ctx context.Context, scope Scope, progress func(float64)) (string, error)

// Options tunes a Tracker.
type Options struct {
	Workers       int
	MaxScopeItems int
	Retention     time.Duration
	// Notify, when set, is called once per job on completion or failure.
	Notify func(Job)
}

// Tracker owns the worker pool and the job table.
type Tracker struct {
	db     *sql.DB
	runner Runner
	opts   Options

	mu      sync.Mutex
	jobs    map[string]*Job
	byScope map[string]string

	queue chan string
	done  chan struct{}
	wg    sync.WaitGroup

	now func() time.Time
}

const (
	defaultWorkers   = 4
	defaultRetention = 10 * time.Minute
	queueCapacity    = 128
)

// New creates a Tracker. Call Start to launch the workers.
func New(db *sql.DB, runner Runner, opts Options) *Tracker {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	return &Tracker{
		db:      db,
		runner:  runner,
		opts:    opts,
		jobs:    make(map[string]*Job),
		byScope: make(map[string]string),
		queue:   make(chan string, queueCapacity),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// MarkInterrupted fails every job the previous process left queued or
// running. Called once at startup before Start; in-memory state is empty
// at that point, so only the table needs fixing.
func (t *Tracker) MarkInterrupted(ctx context.Context) error {
	res, err := t.db.ExecContext(ctx, `
		UPDATE analysis_jobs
		SET state = ?, error = 'interrupted by restart', updated_at = ?
		WHERE state IN (?, ?)
	`, StateFailed, t.now().Unix(), StateQueued, StateRunning)
	if err != nil {
		return fmt.Errorf("jobs: mark interrupted: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("failed jobs left over from previous run", "count", n)
	}
	return nil
}

// Start launches the worker pool and the retention pruner. Jobs run until
// Stop even if the submitting caller goes away.
func (t *Tracker) Start(ctx context.Context) {
	for i := 0; i < t.opts.Workers; i++ {
		t.wg.Add(1)
		go t.worker(ctx)
	}
	t.wg.Add(1)
	go t.pruneLoop()
}

// Stop drains the workers. Safe to call once.
func (t *Tracker) Stop() {
	close(t.done)
	t.wg.Wait()
}

// Submit queues a job for the given scope. When a job for the same scope
// is already queued or running, the existing job is returned with
// duplicate=true and nothing new is started.
func (t *Tracker) Submit(scope Scope) (Job, bool, error) {
	if t.opts.MaxScopeItems > 0 && scope.ItemCount > t.opts.MaxScopeItems {
		return Job{}, false, fmt.Errorf("jobs: scope of %d items (limit %d): %w",
			scope.ItemCount, t.opts.MaxScopeItems, ErrScopeTooLarge)
	}

	now := t.now()
	t.mu.Lock()
	if id, ok := t.byScope[scope.Key()]; ok {
		existing := *t.jobs[id]
		t.mu.Unlock()
		return existing, true, nil
	}
	job := &Job{
		ID:        uuid.NewString(),
		Scope:     scope,
		State:     StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.jobs[job.ID] = job
	t.byScope[scope.Key()] = job.ID
	snapshot := *job
	t.mu.Unlock()

	t.persist(snapshot)

	select {
	case t.queue <- job.ID:
	default:
		t.update(job.ID, func(j *Job) {
			j.State = StateFailed
			j.Err = ErrQueueFull.Error()
		})
		t.mu.Lock()
		delete(t.byScope, scope.Key())
		t.mu.Unlock()
		return Job{}, false, fmt.Errorf("jobs: submit %s: %w", scope.Key(), ErrQueueFull)
	}
	return snapshot, false, nil
}

// Poll returns the job's current snapshot.
func (t *Tracker) Poll(id string) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

func (t *Tracker) worker(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case id := <-t.queue:
			t.run(ctx, id)
		}
	}
}

func (t *Tracker) run(ctx context.Context, id string) {
	job := t.update(id, func(j *Job) {
		j.State = StateRunning
	})
	if job.ID == "" {
		return
	}

	result, err := t.runner(ctx, job.Scope, func(p float64) {
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}
		t.update(id, func(j *Job) { j.Progress = p })
	})

	final := t.update(id, func(j *Job) {
		if err != nil {
			j.State = StateFailed
			j.Err = err.Error()
		} else {
			j.State = StateCompleted
			j.Progress = 1
			j.Result = result
		}
	})

	t.mu.Lock()
	delete(t.byScope, final.Scope.Key())
	t.mu.Unlock()

	if t.opts.Notify != nil {
		t.opts.Notify(final)
	}
}

// update mutates a job under the lock, persists the new state, and returns
// the snapshot. Returns a zero Job when the ID is unknown.
func (t *Tracker) update(id string, fn func(*Job)) Job {
	t.mu.Lock()
	job, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		return Job{}
	}
	fn(job)
	job.UpdatedAt = t.now()
	snapshot := *job
	t.mu.Unlock()

	t.persist(snapshot)
	return snapshot
}

// persist mirrors the job row to SQLite. Persistence is best-effort: a
// write failure degrades restart reporting but never stalls the job.
func (t *Tracker) persist(job Job) {
	if t.db == nil {
		return
	}
	_, err := t.db.Exec(`
		INSERT INTO analysis_jobs (id, workspace_id, scope_key, state, progress, result, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			progress = excluded.progress,
			result = excluded.result,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, job.ID, job.Scope.WorkspaceID, job.Scope.Key(), job.State, job.Progress,
		job.Result, job.Err, job.CreatedAt.Unix(), job.UpdatedAt.Unix())
	if err != nil {
		slog.Warn("job persistence failed, continuing in memory", "job", job.ID, "err", err)
	}
}

func (t *Tracker) pruneLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.prune()
		}
	}
}

// prune drops terminal jobs older than the retention window so Poll maps
// do not grow without bound.
func (t *Tracker) prune() {
	cutoff := t.now().Add(-t.opts.Retention)
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, job := range t.jobs {
		if job.State != StateCompleted && job.State != StateFailed {
			continue
		}
		if job.UpdatedAt.Before(cutoff) {
			delete(t.jobs, id)
		}
	}
}
