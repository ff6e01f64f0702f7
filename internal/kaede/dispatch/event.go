package dispatch

import (
	"context"
	"time"
)

// Attachment is one file shared on an inbound event. The bytes stay on the
// transport until an ingestion job downloads them; the dispatcher only sees
// the identity and type needed to gate and route the file.
type Attachment struct {
	SourceID string
	Name     string
	MimeType string
}

// InboundEvent is a normalized incoming message. The transport adapter
// flattens its wire format into this shape before dispatch.
type InboundEvent struct {
	WorkspaceID    string
	ConversationID string
	UserID         string
	MessageID      string
	Text           string
	Attachments    []Attachment
	Timestamp      time.Time
}

// Reaction is a feedback vote on an earlier assistant message.
type Reaction struct {
	WorkspaceID    string
	ConversationID string
	MessageID      string
	UserID         string
	Emoji          string
}

// Replier delivers replies back into a workspace conversation. The
// transport adapter implements it over the workspace registry.
type Replier interface {
	// Reply sends a Markdown-formatted answer.
	Reply(ctx context.Context, workspaceID, conversationID, markdown string) error
	// Notice sends low-priority system text such as expiry warnings.
	Notice(ctx context.Context, workspaceID, conversationID, text string) error
}
