package workspace

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Kaede/common/retry"
	"github.com/bdobrica/Kaede/internal/kaede/observability"
)

// ClientConfig holds the connection settings for one workspace's client.
type ClientConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// DB is an optional SQLite connection used to persist the sync token
	// (next_batch) across restarts. When nil, an in-memory store is used
	// and room history will be replayed on every restart.
	DB *sql.DB
}

// Client wraps a mautrix client with the small surface the dispatcher and
// job runners need: send, fetch history, and a resilient sync loop.
type Client struct {
	client          *mautrix.Client
	config          ClientConfig
	stopCh          chan struct{}
	msgHandler      MessageHandler
	reactionHandler ReactionHandler
}

// MessageHandler processes incoming room messages.
type MessageHandler func(ctx context.Context, evt *event.Event)

// ReactionHandler processes incoming reaction events.
type ReactionHandler func(ctx context.Context, evt *event.Event)

// HistoryMessage is one message pulled from room or thread history,
// flattened to the fields the indexing and analysis paths consume.
type HistoryMessage struct {
	EventID   string
	Sender    string
	Text      string
	Timestamp time.Time
}

// NewClient creates a client for one workspace. No network traffic happens
// until Start is called.
func NewClient(config ClientConfig) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	c := &Client{
		client: client,
		config: config,
		stopCh: make(chan struct{}),
	}

	if config.DB != nil {
		client.Store = newDBSyncStore(config.DB, config.UserID)
	} else {
		slog.Warn("sync store: no DB configured, using in-memory store (history will replay on restart)")
	}

	return c, nil
}

// AttachDB attaches a persistent sync store after construction. Must be
// called before Start.
func (c *Client) AttachDB(db *sql.DB) {
	c.client.Store = newDBSyncStore(db, c.config.UserID)
}

// Start begins syncing with the homeserver and routes events to the given
// handlers. The sync loop reconnects with exponential back-off; without
// retries a transient homeserver error would silently kill the sync
// goroutine and leave the workspace deaf to new messages.
func (c *Client) Start(ctx context.Context, onMessage MessageHandler, onReaction ReactionHandler) error {
	c.msgHandler = onMessage
	c.reactionHandler = onReaction

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.EventReaction, c.handleReaction)

	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			if err := c.client.Sync(); err != nil {
				select {
				case <-c.stopCh:
					return
				default:
				}
				slog.Error("sync stopped; reconnecting",
					"user", c.config.UserID,
					"err", observability.RedactSecrets(err.Error(), c.config.AccessToken),
					"backoff", backoff)
				select {
				case <-c.stopCh:
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			// Sync returned nil, which only happens on a clean StopSync.
			return
		}
	}()

	return nil
}

// Stop terminates the sync loop.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// UserID returns the bot's own user ID in this workspace.
func (c *Client) UserID() string {
	return c.config.UserID
}

// SendMarkdown renders the given Markdown to HTML and sends it as a
// formatted message with a plain-text fallback body. Delivery is retried
// once; a delivery that still fails is logged and dropped so a flaky
// homeserver cannot wedge the conversation pipeline.
func (c *Client) SendMarkdown(ctx context.Context, roomID, markdown string) error {
	content := event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          markdown,
		Format:        event.FormatHTML,
		FormattedBody: renderMarkdown(markdown),
	}
	return c.send(ctx, roomID, &content)
}

// SendThreadMarkdown sends a formatted message as a reply inside the thread
// rooted at parentID.
func (c *Client) SendThreadMarkdown(ctx context.Context, roomID, parentID, markdown string) error {
	content := event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          markdown,
		Format:        event.FormatHTML,
		FormattedBody: renderMarkdown(markdown),
		RelatesTo: &event.RelatesTo{
			Type:    event.RelThread,
			EventID: id.EventID(parentID),
		},
	}
	return c.send(ctx, roomID, &content)
}

// SendNotice sends a notice message (less intrusive than normal messages).
// Notices are used for system-level information such as expiry warnings.
func (c *Client) SendNotice(ctx context.Context, roomID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}
	return c.send(ctx, roomID, &content)
}

func (c *Client) send(ctx context.Context, roomID string, content *event.MessageEventContent) error {
	err := retry.Do(ctx, retry.Once, func() error {
		_, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content)
		return err
	})
	if err != nil {
		slog.Error("message delivery failed after retry",
			"user", c.config.UserID, "room", roomID,
			"err", observability.RedactSecrets(err.Error(), c.config.AccessToken))
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Download fetches a content URI (mxc://...) and returns its raw bytes.
// Text extraction is the caller's job; the transport does not know the
// file's format.
func (c *Client) Download(ctx context.Context, uri string) ([]byte, error) {
	parsed, err := id.ParseContentURI(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid content uri %q: %w", uri, err)
	}
	data, err := c.client.DownloadBytes(ctx, parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", uri, err)
	}
	return data, nil
}

// FetchMessages pulls up to limit recent text messages from a room, oldest
// first. Non-text events are skipped but still count against the paginated
// window, so callers asking for large scopes should size limit generously.
func (c *Client) FetchMessages(ctx context.Context, roomID string, limit int) ([]HistoryMessage, error) {
	resp, err := c.client.Messages(ctx, id.RoomID(roomID), "", "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages for room %s: %w", roomID, err)
	}
	return collectHistory(resp.Chunk, func(*event.MessageEventContent) bool { return true }), nil
}

// FetchThread pulls up to limit text messages belonging to the thread rooted
// at parentID, oldest first. The root message itself is included.
func (c *Client) FetchThread(ctx context.Context, roomID, parentID string, limit int) ([]HistoryMessage, error) {
	resp, err := c.client.Messages(ctx, id.RoomID(roomID), "", "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch thread %s in room %s: %w", parentID, roomID, err)
	}
	root := id.EventID(parentID)
	msgs := collectHistory(resp.Chunk, func(content *event.MessageEventContent) bool {
		rel := content.RelatesTo
		return rel != nil && rel.GetThreadParent() == root
	})
	for _, evt := range resp.Chunk {
		if evt.ID != root {
			continue
		}
		if content := parseMessage(evt); content != nil {
			msgs = append([]HistoryMessage{historyFromEvent(evt, content)}, msgs...)
		}
		break
	}
	return msgs, nil
}

// collectHistory converts a backward-paginated chunk into an oldest-first
// slice of text messages matching the given filter.
func collectHistory(chunk []*event.Event, keep func(*event.MessageEventContent) bool) []HistoryMessage {
	var msgs []HistoryMessage
	// Chunk is newest-first; walk it in reverse to restore reading order.
	for i := len(chunk) - 1; i >= 0; i-- {
		evt := chunk[i]
		content := parseMessage(evt)
		if content == nil || !keep(content) {
			continue
		}
		msgs = append(msgs, historyFromEvent(evt, content))
	}
	return msgs
}

// parseMessage extracts text message content from a paginated event.
// Events from /messages arrive with raw content, so parsing happens here
// rather than in the syncer.
func parseMessage(evt *event.Event) *event.MessageEventContent {
	if evt.Type != event.EventMessage {
		return nil
	}
	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			return nil
		}
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText {
		return nil
	}
	return content
}

func historyFromEvent(evt *event.Event, content *event.MessageEventContent) HistoryMessage {
	return HistoryMessage{
		EventID:   evt.ID.String(),
		Sender:    evt.Sender.String(),
		Text:      content.Body,
		Timestamp: time.UnixMilli(evt.Timestamp),
	}
}

// handleMessage filters incoming messages before handing them to the
// registered handler. The bot's own messages and notices are dropped to
// avoid reply loops.
func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType == event.MsgNotice {
		return
	}
	switch content.MsgType {
	case event.MsgText, event.MsgFile, event.MsgImage:
	default:
		return
	}
	if c.msgHandler != nil {
		c.msgHandler(ctx, evt)
	}
}

// handleReaction forwards reactions from other users to the reaction handler.
func (c *Client) handleReaction(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}
	if c.reactionHandler != nil {
		c.reactionHandler(ctx, evt)
	}
}

var markdown = goldmark.New()

// renderMarkdown converts Markdown to HTML for the formatted message body.
// On conversion failure the raw text is returned so the message still goes
// out as its own fallback.
func renderMarkdown(text string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return text
	}
	return strings.TrimSpace(buf.String())
}
