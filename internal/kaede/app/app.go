// Package app assembles the Kaede assistant: configuration, storage, the
// workspace registry, the retrieval index, conversation memory, the job
// tracker, usage stats, and the dispatcher that ties them together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/Kaede/common/environment"
	"github.com/bdobrica/Kaede/internal/kaede/config"
	"github.com/bdobrica/Kaede/internal/kaede/dispatch"
	"github.com/bdobrica/Kaede/internal/kaede/jobs"
	"github.com/bdobrica/Kaede/internal/kaede/llm"
	"github.com/bdobrica/Kaede/internal/kaede/memory"
	"github.com/bdobrica/Kaede/internal/kaede/observability"
	"github.com/bdobrica/Kaede/internal/kaede/rag"
	"github.com/bdobrica/Kaede/internal/kaede/stats"
	"github.com/bdobrica/Kaede/internal/kaede/store"
	"github.com/bdobrica/Kaede/internal/kaede/workspace"
)

// App is the assembled assistant.
type App struct {
	cfg        *config.Config
	store      *store.Store
	registry   *workspace.Registry
	cache      *rag.Cache
	mem        *memory.Store
	agg        *stats.Aggregator
	tracker    *jobs.Tracker
	provider   llm.Provider
	dispatcher *dispatch.Dispatcher

	done chan struct{}
}

// New wires the application from a validated configuration.
func New(cfg *config.Config) (*App, error) {
	observability.Setup(cfg.Logging.Level, cfg.Logging.Format)

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	entries := make([]workspace.Entry, 0, len(cfg.Workspaces))
	for _, ws := range cfg.Workspaces {
		entries = append(entries, workspace.Entry{
			ID:   ws.ID,
			Name: ws.Name,
			Credentials: workspace.Credentials{
				Homeserver:  ws.Homeserver,
				UserID:      ws.UserID,
				AccessToken: ws.AccessToken,
			},
		})
	}
	registry, err := workspace.New(entries)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: build workspace registry: %w", err)
	}
	for _, ws := range registry.All() {
		ws.Client().AttachDB(st.DB())
	}

	apiKey, err := environment.RequiredString(cfg.LLM.APIKeyEnv)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	provider := llm.NewOpenAI(llm.OpenAIConfig{
		APIKey:  apiKey,
		BaseURL: cfg.LLM.Endpoint,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout.Std(),
	})
	embedder := rag.NewOpenAIEmbedder(rag.OpenAIEmbedderConfig{
		APIKey:  environment.StringOr(cfg.Embedding.APIKeyEnv, apiKey),
		BaseURL: cfg.Embedding.Endpoint,
		Model:   cfg.Embedding.Model,
		Timeout: cfg.Embedding.Timeout.Std(),
	})

	cache := rag.NewCache(st.DB(), embedder, rag.DefaultChunker)

	mem, err := memory.NewStore(cfg.Memory.TTL.Std(), cfg.Memory.MaxTurns)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: conversation memory: %w", err)
	}

	agg, err := stats.Open(cfg.StatsPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: usage stats: %w", err)
	}

	a := &App{
		cfg:      cfg,
		store:    st,
		registry: registry,
		cache:    cache,
		mem:      mem,
		agg:      agg,
		provider: provider,
		done:     make(chan struct{}),
	}

	a.tracker = jobs.New(st.DB(), a.runJob, jobs.Options{
		Workers:       cfg.Jobs.Workers,
		MaxScopeItems: cfg.Jobs.MaxScopeItems,
		Notify: func(j jobs.Job) {
			a.dispatcher.OnJobDone(j)
		},
	})

	a.dispatcher = dispatch.New(dispatch.Config{
		TopK:         cfg.Retrieval.TopK,
		Model:        cfg.LLM.Model,
		LLMTimeout:   cfg.LLM.Timeout.Std(),
		EmbedTimeout: cfg.Embedding.Timeout.Std(),
	}, registry, &registryReplier{registry: registry}, mem, cache, embedder, provider, a.tracker, agg)

	return a, nil
}

// Run starts every subsystem and blocks until an interrupt arrives.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.tracker.MarkInterrupted(ctx); err != nil {
		slog.Warn("could not mark interrupted jobs", "err", err)
	}
	if err := a.cache.Load(ctx); err != nil {
		return fmt.Errorf("app: load document index: %w", err)
	}
	a.tracker.Start(ctx)

	go a.mem.Run(a.done, a.cfg.Memory.SweepInterval.Std())
	go a.agg.Run(a.done)

	for _, ws := range a.registry.All() {
		slog.Info("starting workspace sync", "workspace", ws.ID, "user", ws.UserID)
		err := ws.Client().Start(ctx,
			a.messageHandler(ws.ID),
			a.reactionHandler(ws.ID),
		)
		if err != nil {
			return fmt.Errorf("app: start workspace %q: %w", ws.ID, err)
		}
	}

	slog.Info("kaede is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	return nil
}

// Stop tears down in reverse start order.
func (a *App) Stop() {
	close(a.done)
	for _, ws := range a.registry.All() {
		ws.Client().Stop()
	}
	a.tracker.Stop()
	if err := a.agg.Close(); err != nil {
		slog.Warn("stats close", "err", err)
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("store close", "err", err)
	}
}

// messageHandler adapts one workspace's incoming room messages to inbound
// events.
func (a *App) messageHandler(workspaceID string) workspace.MessageHandler {
	return func(ctx context.Context, evt *event.Event) {
		content := evt.Content.AsMessage()
		if content == nil {
			return
		}
		ev := dispatch.InboundEvent{
			WorkspaceID:    workspaceID,
			ConversationID: evt.RoomID.String(),
			UserID:         evt.Sender.String(),
			MessageID:      evt.ID.String(),
			Timestamp:      time.UnixMilli(evt.Timestamp),
		}
		switch content.MsgType {
		case event.MsgFile, event.MsgImage:
			att := dispatch.Attachment{
				SourceID: string(content.URL),
				Name:     content.Body,
			}
			if content.Info != nil {
				att.MimeType = content.Info.MimeType
			}
			ev.Attachments = []dispatch.Attachment{att}
		default:
			ev.Text = content.Body
		}
		// Enqueue is called synchronously so turns keep their arrival
		// order within a conversation; the dispatcher's per-conversation
		// worker takes it from here without stalling the sync loop.
		a.dispatcher.Enqueue(context.WithoutCancel(ctx), ev)
	}
}

// reactionHandler adapts reaction events to feedback votes.
func (a *App) reactionHandler(workspaceID string) workspace.ReactionHandler {
	return func(ctx context.Context, evt *event.Event) {
		content := evt.Content.AsReaction()
		if content == nil || content.RelatesTo.EventID == "" {
			return
		}
		r := dispatch.Reaction{
			WorkspaceID:    workspaceID,
			ConversationID: evt.RoomID.String(),
			MessageID:      content.RelatesTo.EventID.String(),
			UserID:         evt.Sender.String(),
			Emoji:          content.RelatesTo.Key,
		}
		go a.dispatcher.HandleReaction(context.WithoutCancel(ctx), r)
	}
}

// registryReplier delivers dispatcher output through the owning
// workspace's client.
type registryReplier struct {
	registry *workspace.Registry
}

func (r *registryReplier) Reply(ctx context.Context, workspaceID, conversationID, markdown string) error {
	ws, err := r.registry.Resolve(workspaceID)
	if err != nil {
		return err
	}
	return ws.Client().SendMarkdown(ctx, conversationID, markdown)
}

func (r *registryReplier) Notice(ctx context.Context, workspaceID, conversationID, text string) error {
	ws, err := r.registry.Resolve(workspaceID)
	if err != nil {
		return err
	}
	return ws.Client().SendNotice(ctx, conversationID, text)
}

// runJob executes one tracked job: fetch the scope's content, feed it to
// the document cache, and for analysis scopes produce a summary.
func (a *App) runJob(ctx context.Context, scope jobs.Scope, progress func(float64)) (string, error) {
	ws, err := a.registry.Resolve(scope.WorkspaceID)
	if err != nil {
		return "", err
	}

	switch scope.Kind {
	case jobs.KindFile:
		return "", a.ingestFile(ctx, ws, scope, progress)
	case jobs.KindChannel, jobs.KindThread:
		return a.analyze(ctx, ws, scope, progress)
	default:
		return "", fmt.Errorf("app: unknown job kind %q", scope.Kind)
	}
}

func (a *App) ingestFile(ctx context.Context, ws *workspace.Workspace, scope jobs.Scope, progress func(float64)) error {
	uri := strings.TrimPrefix(scope.SourceID, "file:")
	raw, err := ws.Client().Download(ctx, uri)
	if err != nil {
		return fmt.Errorf("fetch attachment: %w", err)
	}
	progress(0.3)

	sections, err := rag.ExtractSections(scope.SourceName, scope.MimeType, raw)
	if err != nil {
		return fmt.Errorf("extract %s: %w", scope.SourceName, err)
	}
	progress(0.5)

	// Workbook sheets land as separate documents so a query can match one
	// sheet without dragging in the whole file.
	for _, sec := range sections {
		sourceID := scope.SourceID
		if sec.Name != "" {
			sourceID += "#" + sec.Name
		}
		if _, err := a.cache.Ingest(ctx, scope.WorkspaceID, sourceID, sec.Text); err != nil {
			return fmt.Errorf("index attachment: %w", err)
		}
	}
	return nil
}

func (a *App) analyze(ctx context.Context, ws *workspace.Workspace, scope jobs.Scope, progress func(float64)) (string, error) {
	var (
		msgs     []workspace.HistoryMessage
		sourceID string
		subject  string
		err      error
	)
	if scope.Kind == jobs.KindThread {
		msgs, err = ws.Client().FetchThread(ctx, scope.ChannelID, scope.ThreadID, scope.ItemCount)
		sourceID = "thread:" + scope.ThreadID
		subject = "thread"
	} else {
		msgs, err = ws.Client().FetchMessages(ctx, scope.ChannelID, scope.ItemCount)
		sourceID = "channel:" + scope.ChannelID
		subject = "channel"
	}
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("no messages found in the requested %s", subject)
	}
	progress(0.3)

	var transcript strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&transcript, "[%s] %s: %s\n",
			m.Timestamp.UTC().Format(time.RFC3339), m.Sender, m.Text)
	}

	// Refresh the index with the current transcript so follow-up questions
	// retrieve against what was just analyzed.
	a.cache.Invalidate(ctx, scope.WorkspaceID, sourceID)
	if _, err := a.cache.Ingest(ctx, scope.WorkspaceID, sourceID, transcript.String()); err != nil {
		slog.Warn("transcript indexing failed, analysis continues", "source", sourceID, "err", err)
	}
	progress(0.6)

	resp, err := a.provider.Complete(ctx, llm.CompletionRequest{
		Model: a.cfg.LLM.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Summarize the following " + subject +
				" transcript for someone who hasn't read it. Lead with the outcome, " +
				"then list open questions and action items with owners when stated."},
			{Role: llm.RoleUser, Content: transcript.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarize %s: %w", subject, err)
	}
	return resp.Message.Content, nil
}
