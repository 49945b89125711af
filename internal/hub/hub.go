package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/adapter/metrics"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
	"golang.org/x/time/rate"
)

const maxChannelLength = 128

// FeedController keeps a channel's change feed in line with its membership.
type FeedController interface {
	// Reconcile opens the channel's feed when it has members and closes it
	// when it has none.
	Reconcile(ctx context.Context, channel string) error
	// Supported reports whether the store can serve change feeds at all.
	Supported() bool
}

// Options tunes the hub. Zero values fall back to defaults.
type Options struct {
	DefaultChannel string
	HistoryLimit   int
	MaxFrameSize   int64
	FrameRate      rate.Limit
	FrameBurst     int

	// StoreTimeout bounds each processor and history call.
	StoreTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.DefaultChannel == "" {
		o.DefaultChannel = "lobby"
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = 64 << 10
	}
	if o.FrameRate <= 0 {
		o.FrameRate = 20
	}
	if o.FrameBurst <= 0 {
		o.FrameBurst = 40
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	return o
}

// Hub ties the registry, membership, dispatcher and feed controller together
// and implements the connection lifecycle.
type Hub struct {
	registry     *Registry
	membership   *Membership
	dispatcher   *Dispatcher
	feeds        FeedController
	processor    domain.MessageProcessor
	history      domain.HistoryStore
	clock        clockwork.Clock
	opts         Options
	metrics      *metrics.HubMetrics
	shuttingDown atomic.Bool
}

// Deps are the collaborators a Hub is built from. Processor, History and
// Metrics are optional.
type Deps struct {
	Feeds     FeedController
	Processor domain.MessageProcessor
	History   domain.HistoryStore
	Clock     clockwork.Clock
	Metrics   *metrics.HubMetrics
}

func New(deps Deps, opts Options) *Hub {
	opts = opts.withDefaults()
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	membership := NewMembership()
	if deps.Metrics != nil {
		gauge := deps.Metrics.ActiveChannels
		membership.OnChannelCountChange(func(n int) { gauge.Set(float64(n)) })
	}
	registry := NewRegistry(membership, opts.DefaultChannel, clock, deps.Metrics)

	return &Hub{
		registry:   registry,
		membership: membership,
		dispatcher: NewDispatcher(registry, membership, clock, deps.Metrics),
		feeds:      deps.Feeds,
		processor:  deps.Processor,
		history:    deps.History,
		clock:      clock,
		opts:       opts,
		metrics:    deps.Metrics,
	}
}

func (h *Hub) Registry() *Registry       { return h.registry }
func (h *Hub) Membership() *Membership   { return h.membership }
func (h *Hub) Dispatcher() *Dispatcher   { return h.dispatcher }
func (h *Hub) DefaultChannel() string    { return h.opts.DefaultChannel }
func (h *Hub) SetFeeds(f FeedController) { h.feeds = f }

// Draining reports whether shutdown has started and new connections are refused.
func (h *Hub) Draining() bool { return h.shuttingDown.Load() }

// Connect registers an authenticated socket, joins it to the default channel
// and greets it with a connection_established frame.
func (h *Hub) Connect(ctx context.Context, identity string, socket Socket) (string, error) {
	if h.shuttingDown.Load() {
		return "", domain.ErrHubShuttingDown
	}
	id, first, err := h.registry.Register(identity, socket)
	if err != nil {
		return "", err
	}
	if first {
		h.reconcile(ctx, h.opts.DefaultChannel)
	}

	h.dispatcher.SendTo(socket, domain.OutboundFrame{
		Type:         domain.FrameConnectionEstablished,
		ConnectionID: id,
		Channel:      h.opts.DefaultChannel,
		Identity:     identity,
		Timestamp:    h.clock.Now(),
	})
	slog.Debug("Connection registered", "connection_id", id, "identity", identity)
	return id, nil
}

// Subscribe joins the connection to channel. When withHistory is set it also
// returns the channel's recent messages, oldest first.
func (h *Hub) Subscribe(ctx context.Context, connectionID, channel string, withHistory bool) ([]domain.ChatMessage, error) {
	if err := ValidateChannel(channel); err != nil {
		return nil, err
	}
	_, first, err := h.registry.Join(connectionID, channel)
	if err != nil {
		return nil, err
	}
	if first {
		h.reconcile(ctx, channel)
	}
	if !withHistory || h.history == nil {
		return nil, nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, h.opts.StoreTimeout)
	defer cancel()
	msgs, err := h.history.RecentMessages(storeCtx, channel, h.opts.HistoryLimit)
	if err != nil {
		// Subscription stands; history is best effort.
		slog.Warn("Failed to load channel history", "channel", channel, "error", err)
		return nil, nil
	}
	return msgs, nil
}

// Unsubscribe removes the connection from channel.
func (h *Hub) Unsubscribe(ctx context.Context, connectionID, channel string) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	_, last, err := h.registry.Leave(connectionID, channel)
	if err != nil {
		return err
	}
	if last {
		h.reconcile(ctx, channel)
	}
	return nil
}

// Evict removes the connection and closes the feeds of every channel that lost
// its last member as a result. Safe to call more than once.
func (h *Hub) Evict(ctx context.Context, connectionID, reason string) {
	vacated, ok := h.registry.Evict(connectionID, reason)
	if !ok {
		return
	}
	for _, channel := range vacated {
		h.reconcile(ctx, channel)
	}
	slog.Debug("Connection evicted", "connection_id", connectionID, "reason", reason, "vacated", len(vacated))
}

func (h *Hub) MarkAlive(connectionID string) {
	h.registry.MarkAlive(connectionID)
}

// Dispatch stamps msg and routes it to its single target. Typing indicators
// and read receipts go out through here.
func (h *Hub) Dispatch(msg domain.OutboundMessage) (int, error) {
	if msg.ProducedAt.IsZero() {
		msg.ProducedAt = h.clock.Now()
	}
	return h.dispatcher.Dispatch(msg)
}

// SubmitChat hands a chat message to the processor. When the store cannot
// serve change feeds the hub broadcasts the accepted message itself.
func (h *Hub) SubmitChat(ctx context.Context, connectionID, channel string, body json.RawMessage) error {
	info, err := h.memberConnection(connectionID, channel)
	if err != nil {
		return err
	}

	msg := domain.ChatMessage{
		Channel:   channel,
		Sender:    info.Identity,
		Body:      body,
		CreatedAt: h.clock.Now(),
	}
	if h.processor != nil {
		storeCtx, cancel := context.WithTimeout(ctx, h.opts.StoreTimeout)
		msg, err = h.processor.SubmitChat(storeCtx, msg)
		cancel()
		if err != nil {
			return fmt.Errorf("submit chat: %w", err)
		}
	}
	if h.processor == nil || h.feeds == nil || !h.feeds.Supported() {
		h.broadcastLocal(ctx, msg)
	}
	return nil
}

func (h *Hub) broadcastLocal(ctx context.Context, msg domain.ChatMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to encode chat message", "channel", msg.Channel, "error", err)
		return
	}
	h.dispatcher.DeliverChange(ctx, msg.Channel, domain.ChangeEvent{
		ID:      msg.ID,
		Channel: msg.Channel,
		Kind:    domain.ChangeInsert,
		Data:    data,
		At:      msg.CreatedAt,
	})
}

// Typing relays an ephemeral typing indicator to the channel's members.
func (h *Hub) Typing(connectionID, channel string) error {
	info, err := h.memberConnection(connectionID, channel)
	if err != nil {
		return err
	}
	now := h.clock.Now()
	_, err = h.Dispatch(domain.OutboundMessage{
		TargetChannel: channel,
		Payload: domain.OutboundFrame{
			Type:      domain.FrameTyping,
			Channel:   channel,
			Identity:  info.Identity,
			Timestamp: now,
		},
		ProducedAt: now,
	})
	return err
}

// ReadReceipt records that the connection's identity read messageID and tells
// the recipient.
func (h *Hub) ReadReceipt(ctx context.Context, connectionID, recipient, messageID string) error {
	info, ok := h.registry.Get(connectionID)
	if !ok {
		return domain.ErrConnectionNotFound
	}
	if recipient == "" || messageID == "" {
		return domain.ErrInvalidTarget
	}

	receipt := domain.ReadReceipt{
		Reader:    info.Identity,
		Recipient: recipient,
		MessageID: messageID,
		ReadAt:    h.clock.Now(),
	}
	if h.processor != nil {
		storeCtx, cancel := context.WithTimeout(ctx, h.opts.StoreTimeout)
		err := h.processor.SubmitReadReceipt(storeCtx, receipt)
		cancel()
		if err != nil {
			return fmt.Errorf("submit read receipt: %w", err)
		}
	}
	_, err := h.Dispatch(domain.OutboundMessage{
		TargetIdentity: recipient,
		Payload: domain.OutboundFrame{
			Type:      domain.FrameReadReceipt,
			Identity:  receipt.Reader,
			MessageID: messageID,
			Timestamp: receipt.ReadAt,
		},
		ProducedAt: receipt.ReadAt,
	})
	return err
}

func (h *Hub) memberConnection(connectionID, channel string) (ConnectionInfo, error) {
	info, ok := h.registry.Get(connectionID)
	if !ok {
		return ConnectionInfo{}, domain.ErrConnectionNotFound
	}
	if !h.registry.Holds(connectionID, channel) {
		return ConnectionInfo{}, domain.ErrNotSubscribed
	}
	return info, nil
}

func (h *Hub) reconcile(ctx context.Context, channel string) {
	if h.feeds == nil {
		return
	}
	err := h.feeds.Reconcile(ctx, channel)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrUnsupportedFeedTopology):
		slog.Debug("Feed not opened, store has no change feeds", "channel", channel)
	default:
		slog.Warn("Feed reconcile failed", "channel", channel, "error", err)
	}
}

// Stats is a point-in-time summary for diagnostics.
type Stats struct {
	Connections int      `json:"connections"`
	Channels    []string `json:"channels"`
}

func (h *Hub) Stats() Stats {
	return Stats{Connections: h.registry.Count(), Channels: h.membership.Channels()}
}

// ValidateChannel rejects empty, oversized and non-printable channel names.
func ValidateChannel(channel string) error {
	if channel == "" || len(channel) > maxChannelLength || !utf8.ValidString(channel) {
		return domain.ErrInvalidChannel
	}
	for _, r := range channel {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return domain.ErrInvalidChannel
		}
	}
	return nil
}
