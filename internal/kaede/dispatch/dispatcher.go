// Package dispatch routes normalized workspace events through the
// conversation pipeline: dedupe, workspace resolution, intent
// classification, then the chat, command, or analysis path. Turns within
// one conversation are serialized; distinct conversations run in parallel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Kaede/common/trace"
	"github.com/bdobrica/Kaede/internal/kaede/jobs"
	"github.com/bdobrica/Kaede/internal/kaede/llm"
	"github.com/bdobrica/Kaede/internal/kaede/memory"
	"github.com/bdobrica/Kaede/internal/kaede/observability"
	"github.com/bdobrica/Kaede/internal/kaede/rag"
	"github.com/bdobrica/Kaede/internal/kaede/stats"
	"github.com/bdobrica/Kaede/internal/kaede/workspace"
)

const (
	dedupeTTL     = 10 * time.Minute
	dedupeMaxSize = 4096

	expiredNotice = "Our earlier conversation expired, so I'm starting fresh."

	systemPrompt = "You are Kaede, a support assistant embedded in this workspace. " +
		"Answer using the conversation so far and the reference excerpts when they are relevant. " +
		"Be concise and concrete. If you do not know, say so."
)

// Directory resolves workspace IDs. Satisfied by *workspace.Registry.
type Directory interface {
	Resolve(workspaceID string) (*workspace.Workspace, error)
}

// Config tunes the dispatcher's chat path.
type Config struct {
	TopK           int
	Model          string
	MaxTokens      int
	LLMTimeout     time.Duration
	EmbedTimeout   time.Duration
	AnalysisWindow int
}

// replyTarget remembers where an async job's outcome should be announced.
type replyTarget struct {
	workspaceID    string
	conversationID string
	kind           jobs.Kind
}

// Dispatcher is the event router.
type Dispatcher struct {
	cfg       Config
	directory Directory
	replier   Replier
	mem       *memory.Store
	cache     *rag.Cache
	embedder  rag.Embedder
	provider  llm.Provider
	tracker   *jobs.Tracker
	agg       *stats.Aggregator

	dedupe *dedupeCache
	locks  *keyedMutex
	seq    *sequencer

	// stateMu guards the four maps below as one unit. A finished job's
	// target lookup, pending pop, and analyzed flag move in a single
	// critical section so a concurrent turn either sees the analysis as
	// pending (and is queued for replay) or sees it fully resolved.
	stateMu   sync.Mutex
	pending   map[string][]InboundEvent
	analyzed  map[string]time.Time
	targets   map[string]replyTarget
	unclaimed map[string]jobs.Job

	now func() time.Time
}

// New creates a Dispatcher. The caller wires the returned dispatcher's
// OnJobDone into the job tracker's Notify option.
func New(cfg Config, directory Directory, replier Replier, mem *memory.Store,
	cache *rag.Cache, embedder rag.Embedder, provider llm.Provider,
	tracker *jobs.Tracker, agg *stats.Aggregator) *Dispatcher {

	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 60 * time.Second
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 30 * time.Second
	}
	if cfg.AnalysisWindow <= 0 {
		cfg.AnalysisWindow = 200
	}
	return &Dispatcher{
		cfg:       cfg,
		directory: directory,
		replier:   replier,
		mem:       mem,
		cache:     cache,
		embedder:  embedder,
		provider:  provider,
		tracker:   tracker,
		agg:       agg,
		dedupe:    newDedupeCache(dedupeTTL, dedupeMaxSize),
		locks:     newKeyedMutex(),
		seq:       newSequencer(),
		pending:   make(map[string][]InboundEvent),
		analyzed:  make(map[string]time.Time),
		targets:   make(map[string]replyTarget),
		unclaimed: make(map[string]jobs.Job),
		now:       time.Now,
	}
}

func convKey(workspaceID, conversationID string) string {
	return workspaceID + "|" + conversationID
}

// Enqueue hands an inbound message to its conversation's ordered worker
// and returns immediately. Turns within one conversation run in the order
// Enqueue was called; distinct conversations run in parallel. This is the
// transport entry point: the sync loop calls it sequentially, so a slow
// turn never stalls sync and arrival order is never inverted by goroutine
// scheduling.
func (d *Dispatcher) Enqueue(ctx context.Context, ev InboundEvent) {
	d.seq.submit(convKey(ev.WorkspaceID, ev.ConversationID), func() {
		d.HandleMessage(ctx, ev)
	})
}

// HandleMessage processes one inbound message end to end. It never returns
// an error to the transport; failures either produce a reply telling the
// user what went wrong or are logged and dropped.
func (d *Dispatcher) HandleMessage(ctx context.Context, ev InboundEvent) {
	if ev.MessageID != "" && d.dedupe.checkAndMark(convKey(ev.WorkspaceID, ev.MessageID)) {
		return
	}
	d.process(ctx, ev)
}

// process runs the post-dedupe pipeline. Replays of queued turns enter
// here directly; they already passed dedupe on first delivery.
func (d *Dispatcher) process(ctx context.Context, ev InboundEvent) {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	log := observability.WithTrace(ctx).With(
		"workspace", ev.WorkspaceID, "conversation", ev.ConversationID)

	if _, err := d.directory.Resolve(ev.WorkspaceID); err != nil {
		// Fail closed. Answering with another workspace's credentials or
		// index would cross a tenant boundary.
		log.Warn("dropping event for unresolvable workspace", "err", err)
		return
	}

	if len(ev.Attachments) > 0 {
		d.ingestAttachments(ctx, ev, log)
	}
	if strings.TrimSpace(ev.Text) == "" {
		return
	}

	key := convKey(ev.WorkspaceID, ev.ConversationID)
	unlock := d.locks.lock(key)
	defer unlock()

	if d.queueIfAnalysisPending(key, ev) {
		d.replier.Notice(ctx, ev.WorkspaceID, ev.ConversationID,
			"An analysis is still running here; I'll answer this once it finishes.")
		return
	}

	cls := Classify(ev.Text)
	switch cls.Kind {
	case IntentHelp:
		d.replier.Reply(ctx, ev.WorkspaceID, ev.ConversationID, helpText)
	case IntentStats:
		d.replier.Reply(ctx, ev.WorkspaceID, ev.ConversationID, formatStats(d.agg.Snapshot()))
	case IntentReset:
		d.mem.Clear(memory.Key{
			WorkspaceID:    ev.WorkspaceID,
			ConversationID: ev.ConversationID,
			UserID:         ev.UserID,
		})
		d.stateMu.Lock()
		delete(d.analyzed, key)
		d.stateMu.Unlock()
		d.replier.Reply(ctx, ev.WorkspaceID, ev.ConversationID,
			"Done. I've cleared our conversation context.")
	case IntentAnalyzeThread, IntentAnalyzeChannel:
		d.submitAnalysis(ctx, ev, cls, log)
	default:
		d.chat(ctx, ev, log)
	}
}

// HandleReaction records a feedback vote. Unknown emoji are ignored.
func (d *Dispatcher) HandleReaction(ctx context.Context, r Reaction) {
	var sentiment stats.Sentiment
	switch r.Emoji {
	case "👍", "+1", ":thumbsup:":
		sentiment = stats.SentimentUp
	case "👎", "-1", ":thumbsdown:":
		sentiment = stats.SentimentDown
	default:
		return
	}

	if _, err := d.directory.Resolve(r.WorkspaceID); err != nil {
		slog.Warn("dropping reaction for unresolvable workspace",
			"workspace", r.WorkspaceID, "err", err)
		return
	}

	err := d.agg.RecordVote(r.MessageID, r.UserID, sentiment)
	if errors.Is(err, stats.ErrAlreadyVoted) {
		d.replier.Notice(ctx, r.WorkspaceID, r.ConversationID,
			"You've already voted on that answer.")
		return
	}
	if err != nil {
		slog.Warn("vote not recorded", "err", err)
	}
}

// OnJobDone announces a finished job in the conversation that requested it
// and replays any turns queued behind it. Wire this into jobs.Options.Notify.
//
// A worker can finish a job before the submitter has registered its reply
// target. Such an outcome is parked in unclaimed for registerTarget to
// pick up; dropping it here would leave the result unannounced.
func (d *Dispatcher) OnJobDone(job jobs.Job) {
	d.stateMu.Lock()
	target, ok := d.targets[job.ID]
	if !ok {
		d.unclaimed[job.ID] = job
		d.stateMu.Unlock()
		return
	}
	delete(d.targets, job.ID)
	key := convKey(target.workspaceID, target.conversationID)
	queued := d.pending[key]
	delete(d.pending, key)
	if job.State == jobs.StateCompleted && target.kind != jobs.KindFile {
		d.markAnalyzedLocked(key)
	}
	d.stateMu.Unlock()

	d.finishJob(job, target, queued)
}

// registerTarget records where a submitted job's outcome should be
// announced. Registration happens after tracker.Submit returns, so the job
// may already have finished and parked its outcome; in that case the
// outcome is claimed and announced here instead of waiting forever.
func (d *Dispatcher) registerTarget(jobID string, target replyTarget) {
	d.stateMu.Lock()
	job, done := d.unclaimed[jobID]
	if !done {
		d.targets[jobID] = target
		d.stateMu.Unlock()
		return
	}
	delete(d.unclaimed, jobID)
	if job.State == jobs.StateCompleted && target.kind != jobs.KindFile {
		d.markAnalyzedLocked(convKey(target.workspaceID, target.conversationID))
	}
	d.stateMu.Unlock()

	// No turns can be queued behind this job: queueing requires a
	// registered target, and this is the registration.
	d.finishJob(job, target, nil)
}

// finishJob posts a finished job's outcome and replays queued turns.
func (d *Dispatcher) finishJob(job jobs.Job, target replyTarget, queued []InboundEvent) {
	ctx := trace.WithTraceID(context.Background(), trace.GenerateID())
	switch {
	case job.State == jobs.StateCompleted && target.kind == jobs.KindFile:
		d.replier.Notice(ctx, target.workspaceID, target.conversationID,
			"Finished indexing your file; you can ask about it now.")
	case job.State == jobs.StateCompleted:
		d.replier.Reply(ctx, target.workspaceID, target.conversationID, job.Result)
	default:
		d.replier.Reply(ctx, target.workspaceID, target.conversationID,
			fmt.Sprintf("Sorry, that analysis failed: %s", job.Err))
	}

	for _, ev := range queued {
		d.process(ctx, ev)
	}
}

// queueIfAnalysisPending queues the turn for replay when an analysis job
// targets its conversation. Check and append share one critical section
// with OnJobDone's pop, so a turn is either queued before the pop (and
// replayed) or processed directly after the target is gone; it can never
// land in a queue nobody will drain.
func (d *Dispatcher) queueIfAnalysisPending(key string, ev InboundEvent) bool {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	for _, t := range d.targets {
		if t.kind != jobs.KindFile && convKey(t.workspaceID, t.conversationID) == key {
			d.pending[key] = append(d.pending[key], ev)
			return true
		}
	}
	return false
}

// markAnalyzedLocked stamps the conversation as analyzed and drops stamps
// older than the memory TTL. Caller holds stateMu.
func (d *Dispatcher) markAnalyzedLocked(key string) {
	now := d.now()
	ttl := d.mem.TTL()
	for k, at := range d.analyzed {
		if now.Sub(at) > ttl {
			delete(d.analyzed, k)
		}
	}
	d.analyzed[key] = now
}

// followsAnalysis reports whether the conversation had a completed analysis
// within the memory TTL. The stamp expires with the conversation: a stale
// entry is removed on first read past the TTL.
func (d *Dispatcher) followsAnalysis(key string) bool {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	at, ok := d.analyzed[key]
	if !ok {
		return false
	}
	if d.now().Sub(at) > d.mem.TTL() {
		delete(d.analyzed, key)
		return false
	}
	return true
}

func (d *Dispatcher) ingestAttachments(ctx context.Context, ev InboundEvent, log *slog.Logger) {
	for _, att := range ev.Attachments {
		if !rag.SupportedAttachment(att.Name, att.MimeType) {
			d.replier.Notice(ctx, ev.WorkspaceID, ev.ConversationID,
				fmt.Sprintf("I can't read %s yet. I support plain text and source files "+
					"(.txt, .md, .csv, .py and the like) and Excel workbooks (.xlsx).", att.Name))
			continue
		}
		scope := jobs.Scope{
			WorkspaceID: ev.WorkspaceID,
			Kind:        jobs.KindFile,
			SourceID:    "file:" + att.SourceID,
			SourceName:  att.Name,
			MimeType:    att.MimeType,
			ItemCount:   1,
		}
		job, dup, err := d.tracker.Submit(scope)
		if err != nil {
			log.Error("attachment ingestion rejected", "source", scope.SourceID, "err", err)
			d.replier.Notice(ctx, ev.WorkspaceID, ev.ConversationID,
				fmt.Sprintf("I couldn't index %s right now.", att.Name))
			continue
		}
		if dup {
			continue
		}
		d.replier.Notice(ctx, ev.WorkspaceID, ev.ConversationID,
			fmt.Sprintf("Indexing %s, I'll let you know when it's searchable.", att.Name))
		d.registerTarget(job.ID, replyTarget{
			workspaceID:    ev.WorkspaceID,
			conversationID: ev.ConversationID,
			kind:           jobs.KindFile,
		})
	}
}

func (d *Dispatcher) submitAnalysis(ctx context.Context, ev InboundEvent, cls Classification, log *slog.Logger) {
	scope := jobs.Scope{
		WorkspaceID: ev.WorkspaceID,
		ItemCount:   d.cfg.AnalysisWindow,
	}
	switch cls.Kind {
	case IntentAnalyzeChannel:
		scope.Kind = jobs.KindChannel
		scope.ChannelID = cls.TargetRoom
		if scope.ChannelID == "" {
			scope.ChannelID = ev.ConversationID
		}
	default:
		scope.Kind = jobs.KindThread
		scope.ChannelID = cls.TargetRoom
		scope.ThreadID = cls.TargetThread
		if scope.ChannelID == "" {
			scope.ChannelID = ev.ConversationID
		}
		if scope.ThreadID == "" {
			scope.ThreadID = ev.ConversationID
		}
	}

	job, dup, err := d.tracker.Submit(scope)
	switch {
	case errors.Is(err, jobs.ErrScopeTooLarge):
		d.replier.Reply(ctx, ev.WorkspaceID, ev.ConversationID,
			"That scope is too large for one analysis. Try a single thread or a narrower time range.")
		return
	case err != nil:
		log.Error("analysis submit failed", "err", err)
		d.replier.Reply(ctx, ev.WorkspaceID, ev.ConversationID,
			"I couldn't start that analysis, please try again in a moment.")
		return
	case dup:
		d.replier.Notice(ctx, ev.WorkspaceID, ev.ConversationID,
			fmt.Sprintf("That analysis is already running (%.0f%% done).", job.Progress*100))
		return
	}

	d.agg.Record(stats.IntentAnalyze, ev.UserID)
	d.replier.Reply(ctx, ev.WorkspaceID, ev.ConversationID,
		"On it. I'll post the analysis here when it's ready.")
	d.registerTarget(job.ID, replyTarget{
		workspaceID:    ev.WorkspaceID,
		conversationID: ev.ConversationID,
		kind:           scope.Kind,
	})
}

func (d *Dispatcher) chat(ctx context.Context, ev InboundEvent, log *slog.Logger) {
	key := memory.Key{
		WorkspaceID:    ev.WorkspaceID,
		ConversationID: ev.ConversationID,
		UserID:         ev.UserID,
	}
	entry, expired := d.mem.Touch(key)

	ck := convKey(ev.WorkspaceID, ev.ConversationID)
	if expired {
		// The conversation restarted; it no longer follows an analysis.
		d.stateMu.Lock()
		delete(d.analyzed, ck)
		d.stateMu.Unlock()
	}

	intent := stats.IntentGeneral
	switch {
	case d.followsAnalysis(ck):
		intent = stats.IntentAnalyzeFollowup
	case len(entry.Turns) > 0:
		intent = stats.IntentGeneralFollowup
	}

	contextBlock := d.retrieve(ctx, ev, log)

	messages := make([]llm.Message, 0, len(entry.Turns)+2)
	system := systemPrompt
	if contextBlock != "" {
		system += "\n\nReference excerpts:\n" + contextBlock
	}
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, turn := range entry.Turns {
		role := llm.RoleUser
		if turn.Role == memory.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: turn.Text})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: ev.Text})

	llmCtx, cancel := context.WithTimeout(ctx, d.cfg.LLMTimeout)
	defer cancel()
	resp, err := d.provider.Complete(llmCtx, llm.CompletionRequest{
		Model:     d.cfg.Model,
		Messages:  messages,
		MaxTokens: d.cfg.MaxTokens,
	})
	if err != nil {
		// The turn is not recorded; the user can resend it and the
		// conversation picks up exactly where it was.
		log.Error("completion failed", "err", err)
		d.replier.Reply(ctx, ev.WorkspaceID, ev.ConversationID,
			"I'm having trouble answering right now. Your question wasn't lost, please try again.")
		return
	}

	answer := resp.Message.Content
	d.mem.Append(key, memory.RoleUser, ev.Text)
	d.mem.Append(key, memory.RoleAssistant, answer)
	d.agg.Record(intent, ev.UserID)

	if expired {
		answer = "_" + expiredNotice + "_\n\n" + answer
	}
	d.replier.Reply(ctx, ev.WorkspaceID, ev.ConversationID, answer)
}

// retrieve embeds the question and pulls the top matching chunks. Any
// failure here degrades to answering without references; retrieval is an
// enhancement, not a dependency.
func (d *Dispatcher) retrieve(ctx context.Context, ev InboundEvent, log *slog.Logger) string {
	embedCtx, cancel := context.WithTimeout(ctx, d.cfg.EmbedTimeout)
	defer cancel()
	vec, err := d.embedder.Embed(embedCtx, ev.Text)
	if err != nil {
		log.Warn("query embedding failed, answering without references", "err", err)
		return ""
	}
	if len(vec) == 0 {
		return ""
	}

	results, err := d.cache.Query(ev.WorkspaceID, vec, d.cfg.TopK)
	if err != nil {
		if !errors.Is(err, rag.ErrEmptyIndex) {
			log.Warn("retrieval failed, answering without references", "err", err)
		}
		return ""
	}

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] (%s)\n%s\n", i+1, r.SourceID, strings.TrimSpace(r.Text))
	}
	return b.String()
}

const helpText = "Here's what I can do:\n\n" +
	"- Ask me anything and I'll answer from this workspace's indexed documents.\n" +
	"- `analyze <matrix.to link>` summarizes a thread or channel.\n" +
	"- Share a file and I'll index it for retrieval.\n" +
	"- `stats` shows usage numbers, `reset` clears our conversation context.\n" +
	"- React with 👍 or 👎 on an answer to leave feedback."

func formatStats(c stats.Counters) string {
	return fmt.Sprintf(
		"**Usage so far**\n\n"+
			"- Total calls: %d\n"+
			"- Analyses: %d (+%d follow-ups)\n"+
			"- General questions: %d (+%d follow-ups)\n"+
			"- Feedback: %d 👍 / %d 👎\n"+
			"- Unique users: %d",
		c.TotalCalls, c.AnalyzeCalls, c.AnalyzeFollowups,
		c.GeneralCalls, c.GeneralFollowups,
		c.ThumbsUp, c.ThumbsDown, c.UniqueUsers)
}
