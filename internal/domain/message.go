package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ChatMessage is a persisted chat message. Persistence belongs to the store
// adapters; the hub only routes these.
type ChatMessage struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel"`
	Sender    string          `json:"sender"`
	Body      json.RawMessage `json:"body"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ReadReceipt tells Recipient that Reader has read MessageID.
type ReadReceipt struct {
	Reader    string    `json:"reader"`
	Recipient string    `json:"recipient"`
	MessageID string    `json:"messageId"`
	ReadAt    time.Time `json:"readAt"`
}

// MessageProcessor is the message-processing collaborator that domain
// payloads are forwarded to. Persisting a chat message is what makes the
// store emit a change event on the channel's feed.
type MessageProcessor interface {
	SubmitChat(ctx context.Context, msg ChatMessage) (ChatMessage, error)
	SubmitReadReceipt(ctx context.Context, receipt ReadReceipt) error
}

// HistoryStore serves recent messages for subscribe-with-history.
type HistoryStore interface {
	RecentMessages(ctx context.Context, channel string, limit int) ([]ChatMessage, error)
}

// Authenticator resolves a connect-time token to an identity. It returns
// ErrAuthRequired for a missing token and ErrAuthInvalid for a bad one.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}
