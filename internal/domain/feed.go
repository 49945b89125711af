package domain

import (
	"context"
	"encoding/json"
	"time"
)

// FeedStatus is the lifecycle state of one channel's change feed.
type FeedStatus string

const (
	FeedClosed  FeedStatus = "closed"
	FeedOpening FeedStatus = "opening"
	FeedOpen    FeedStatus = "open"
	FeedError   FeedStatus = "error"
)

// ChangeKind classifies a change event emitted by a store.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent is one write observed on a channel's change feed.
type ChangeEvent struct {
	ID      string          `json:"id"`
	Channel string          `json:"channel"`
	Kind    ChangeKind      `json:"kind"`
	Data    json.RawMessage `json:"data"`
	At      time.Time       `json:"at"`
}

// FeedProvider opens change feeds scoped to a single channel.
// Implementations must honour ctx deadlines on every call.
type FeedProvider interface {
	// Name identifies the backing store in diagnostics.
	Name() string
	// CheckSupport returns ErrUnsupportedFeedTopology (possibly wrapped) when the
	// store cannot serve change feeds at all.
	CheckSupport(ctx context.Context) error
	OpenFeed(ctx context.Context, channel string) (FeedStream, error)
}

// FeedStream is an open cursor over one channel's changes. Next is only called
// from the stream's delivery task.
type FeedStream interface {
	// Next blocks until the next change, ctx expiry, or a cursor failure.
	// An expired ctx with no change returns ctx.Err().
	Next(ctx context.Context) (ChangeEvent, error)
	// Close releases the remote cursor. It may be called while Next is
	// blocked and must unblock it.
	Close(ctx context.Context) error
}

// FeedSnapshot is the read-only diagnostic view of one tracked feed.
type FeedSnapshot struct {
	Channel   string     `json:"channel"`
	Status    FeedStatus `json:"status"`
	OpenedAt  *time.Time `json:"openedAt,omitempty"`
	ChangedAt time.Time  `json:"changedAt"`
	LastError string     `json:"lastError,omitempty"`
	Attempts  int        `json:"attempts"`
}

// FeedSupport is the overall change-feed capability of the configured store.
type FeedSupport struct {
	Provider  string    `json:"provider"`
	Supported bool      `json:"supported"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}
