// Package memory is an in-process store. It persists chat messages, serves
// history and emits per-channel change feeds, which makes it the default
// provider for single-instance deployments and tests.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
)

const (
	feedBufferSize  = 256
	maxPerChannel   = 1000
	maxReceipts     = 100
	providerName    = "memory"
	providerDegrade = "memory store configured without change feeds"
)

var errSubscriberOverflow = errors.New("feed subscriber fell behind")

// Store keeps messages in memory. With feeds disabled it behaves like a store
// that cannot serve change feeds, so callers fall back to local broadcast.
type Store struct {
	mu       sync.RWMutex
	messages map[string][]domain.ChatMessage
	receipts []domain.ReadReceipt
	streams  map[string]map[*stream]struct{}
	feeds    bool
	clock    clockwork.Clock
}

func NewStore(clock clockwork.Clock, feedsEnabled bool) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		messages: make(map[string][]domain.ChatMessage),
		streams:  make(map[string]map[*stream]struct{}),
		feeds:    feedsEnabled,
		clock:    clock,
	}
}

func (s *Store) Name() string { return providerName }

func (s *Store) CheckSupport(context.Context) error {
	if !s.feeds {
		return fmt.Errorf("%s: %w", providerDegrade, domain.ErrUnsupportedFeedTopology)
	}
	return nil
}

// SubmitChat stores msg and emits an insert on the channel's feed.
func (s *Store) SubmitChat(_ context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.clock.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("encode message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.messages[msg.Channel], msg)
	if len(history) > maxPerChannel {
		history = history[len(history)-maxPerChannel:]
	}
	s.messages[msg.Channel] = history

	ev := domain.ChangeEvent{ID: msg.ID, Channel: msg.Channel, Kind: domain.ChangeInsert, Data: data, At: msg.CreatedAt}
	for st := range s.streams[msg.Channel] {
		st.push(ev)
	}
	return msg, nil
}

func (s *Store) SubmitReadReceipt(_ context.Context, receipt domain.ReadReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, receipt)
	return nil
}

// Receipts returns the latest read receipts recorded for recipient, newest first.
func (s *Store) Receipts(_ context.Context, recipient string) ([]domain.ReadReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []domain.ReadReceipt{}
	for i := len(s.receipts) - 1; i >= 0 && len(out) < maxReceipts; i-- {
		if r := s.receipts[i]; r.Recipient == recipient {
			out = append(out, r)
		}
	}
	return out, nil
}

// RecentMessages returns up to limit messages, oldest first.
func (s *Store) RecentMessages(_ context.Context, channel string, limit int) ([]domain.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.messages[channel]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return append([]domain.ChatMessage(nil), history...), nil
}

func (s *Store) OpenFeed(ctx context.Context, channel string) (domain.FeedStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.feeds {
		return nil, domain.ErrUnsupportedFeedTopology
	}

	st := &stream{
		store:   s,
		channel: channel,
		events:  make(chan domain.ChangeEvent, feedBufferSize),
		broken:  make(chan struct{}),
		closed:  make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.streams[channel]
	if !ok {
		subs = make(map[*stream]struct{})
		s.streams[channel] = subs
	}
	subs[st] = struct{}{}
	return st, nil
}

// OpenFeeds returns how many feed cursors are open for channel.
func (s *Store) OpenFeeds(channel string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams[channel])
}

func (s *Store) detach(st *stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams[st.channel], st)
	if len(s.streams[st.channel]) == 0 {
		delete(s.streams, st.channel)
	}
}

type stream struct {
	store     *Store
	channel   string
	events    chan domain.ChangeEvent
	broken    chan struct{}
	closed    chan struct{}
	breakOnce sync.Once
	closeOnce sync.Once
}

// push is called with the store lock held. A subscriber that cannot keep up
// is broken instead of blocking writers; the feed manager reopens it.
func (st *stream) push(ev domain.ChangeEvent) {
	select {
	case st.events <- ev:
	default:
		st.breakOnce.Do(func() { close(st.broken) })
	}
}

func (st *stream) Next(ctx context.Context) (domain.ChangeEvent, error) {
	select {
	case ev := <-st.events:
		return ev, nil
	default:
	}

	select {
	case ev := <-st.events:
		return ev, nil
	case <-st.broken:
		return domain.ChangeEvent{}, errSubscriberOverflow
	case <-st.closed:
		return domain.ChangeEvent{}, errors.New("feed closed")
	case <-ctx.Done():
		return domain.ChangeEvent{}, ctx.Err()
	}
}

func (st *stream) Close(context.Context) error {
	st.closeOnce.Do(func() {
		close(st.closed)
		st.store.detach(st)
	})
	return nil
}
