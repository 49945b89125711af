package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAuthRequired            = errors.New("authentication required")
	ErrAuthInvalid             = errors.New("authentication invalid")
	ErrInvalidTarget           = errors.New("outbound message needs exactly one of target channel or target identity")
	ErrUnsupportedFeedTopology = errors.New("store does not support change feeds in this topology")
	ErrConnectionNotFound      = errors.New("connection not found")
	ErrHubShuttingDown         = errors.New("hub is shutting down")
	ErrNotSubscribed           = errors.New("not subscribed to channel")
	ErrInvalidChannel          = errors.New("invalid channel name")
)

// FeedOpenError reports that a change feed could not be opened for a channel.
// It is transient; the feed manager retries after its backoff.
type FeedOpenError struct {
	Channel string
	Err     error
}

func (e *FeedOpenError) Error() string {
	return fmt.Sprintf("open feed for channel %q: %v", e.Channel, e.Err)
}

func (e *FeedOpenError) Unwrap() error { return e.Err }

// FeedDeliveryError reports that an open feed broke while delivering changes.
type FeedDeliveryError struct {
	Channel string
	Err     error
}

func (e *FeedDeliveryError) Error() string {
	return fmt.Sprintf("feed delivery for channel %q: %v", e.Channel, e.Err)
}

func (e *FeedDeliveryError) Unwrap() error { return e.Err }
