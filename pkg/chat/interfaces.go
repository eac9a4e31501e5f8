package chat

import (
	"context"
	"encoding/json"
)

// SendParams is the server write for one message. Attachments must already
// carry durable URLs.
type SendParams struct {
	ConversationID string
	Text           string
	Attachments    []Attachment
	ReplyToID      string
	ClientID       string
}

// HistoryBackend is the read side of the hosted store.
type HistoryBackend interface {
	// GetMessages returns a page newest-first, excluding soft-deleted rows.
	GetMessages(ctx context.Context, conversationID string, limit, offset int) (*Page, error)
	// GetMessage returns the canonical denormalized record for one message.
	GetMessage(ctx context.Context, messageID string) (*Message, error)
}

// Backend is everything the core invokes on the hosted store.
type Backend interface {
	HistoryBackend
	SendMessage(ctx context.Context, params SendParams) (*Message, error)
	AddReaction(ctx context.Context, messageID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, emoji string) error
	MarkRead(ctx context.Context, conversationID, userID string) error
}

// Storage is durable object storage for attachments.
type Storage interface {
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error)
	PublicURL(bucket, path string) string
}

// CredentialRefresher refreshes the caller's auth credential.
type CredentialRefresher interface {
	RefreshCredentials(ctx context.Context) error
}

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change is a raw change-feed notification. Record and OldRecord are kept
// as raw JSON because the transport decides which columns it includes.
type Change struct {
	Type      ChangeType
	Table     string
	Record    json.RawMessage
	OldRecord json.RawMessage
}

type ChangeHandlers struct {
	OnInsert func(Change)
	OnUpdate func(Change)
	OnDelete func(Change)
}

// TypingSignal is one user's presence broadcast.
type TypingSignal struct {
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// Unsubscriber tears down one push channel.
type Unsubscriber interface {
	Unsubscribe() error
}

// UnsubscribeFunc adapts a plain function to Unsubscriber.
type UnsubscribeFunc func() error

func (f UnsubscribeFunc) Unsubscribe() error {
	return f()
}

// FeedSource is the push-delivery capability.
type FeedSource interface {
	SubscribeToConversation(ctx context.Context, conversationID string, handlers ChangeHandlers) (Unsubscriber, error)
	SubscribeToReactions(ctx context.Context, conversationID string, onChange func()) (Unsubscriber, error)
	SubscribeToTyping(ctx context.Context, conversationID string, onSignal func(TypingSignal)) (Unsubscriber, error)
	SendTyping(ctx context.Context, conversationID string, isTyping bool) error
}
