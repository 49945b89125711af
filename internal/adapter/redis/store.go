package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
)

const (
	streamPrefix   = "hub:chat:"
	receiptsPrefix = "hub:receipts:"
	maxStreamLen   = 1000
	maxReceipts    = 100
	readBatch      = 16
	maxBlock       = time.Second
	minStreamsVer  = 5

	fieldID      = "id"
	fieldSender  = "sender"
	fieldBody    = "body"
	fieldCreated = "created_at"
)

var errFeedClosed = errors.New("redis feed closed")

func streamKey(channel string) string { return streamPrefix + channel }

// Store persists chat messages in capped per-channel streams, keeps read
// receipts in per-recipient lists, and tails the streams as change feeds.
type Store struct {
	client *goredis.Client
	clock  clockwork.Clock
	feeds  *feedReader
}

func NewStore(client *goredis.Client, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{client: client, clock: clock, feeds: newFeedReader(client, maxBlock)}
}

// Close stops the shared feed reader. Streams still open fail with errFeedClosed.
func (s *Store) Close() {
	s.feeds.close()
}

func (s *Store) Name() string { return backendName }

// CheckSupport requires a server with streams (Redis 5 or newer).
func (s *Store) CheckSupport(ctx context.Context) error {
	info, err := s.client.Info(ctx, "server").Result()
	if err != nil {
		return fmt.Errorf("redis info: %w", err)
	}
	major, ok := serverMajorVersion(info)
	if ok && major < minStreamsVer {
		return fmt.Errorf("redis %d has no streams: %w", major, domain.ErrUnsupportedFeedTopology)
	}
	return nil
}

// serverMajorVersion extracts the major number from the redis_version line of INFO.
func serverMajorVersion(info string) (int, bool) {
	for _, line := range strings.Split(info, "\n") {
		v, found := strings.CutPrefix(strings.TrimSpace(line), "redis_version:")
		if !found {
			continue
		}
		major, _, _ := strings.Cut(v, ".")
		n, err := strconv.Atoi(major)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func (s *Store) SubmitChat(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.clock.Now().UTC()
	}

	err := s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: streamKey(msg.Channel),
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]any{
			fieldID:      msg.ID,
			fieldSender:  msg.Sender,
			fieldBody:    string(msg.Body),
			fieldCreated: msg.CreatedAt.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("append chat message to %s: %w", msg.Channel, err)
	}
	return msg, nil
}

func (s *Store) SubmitReadReceipt(ctx context.Context, receipt domain.ReadReceipt) error {
	if receipt.ReadAt.IsZero() {
		receipt.ReadAt = s.clock.Now().UTC()
	}
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("encode read receipt: %w", err)
	}

	key := receiptsPrefix + receipt.Recipient
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, maxReceipts-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store read receipt: %w", err)
	}
	return nil
}

// Receipts returns the latest read receipts for recipient, newest first.
func (s *Store) Receipts(ctx context.Context, recipient string) ([]domain.ReadReceipt, error) {
	raw, err := s.client.LRange(ctx, receiptsPrefix+recipient, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load read receipts: %w", err)
	}
	out := make([]domain.ReadReceipt, 0, len(raw))
	for _, r := range raw {
		var receipt domain.ReadReceipt
		if err := json.Unmarshal([]byte(r), &receipt); err != nil {
			continue
		}
		out = append(out, receipt)
	}
	return out, nil
}

// RecentMessages returns up to limit messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, channel string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = maxStreamLen
	}
	entries, err := s.client.XRevRangeN(ctx, streamKey(channel), "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("read history for %s: %w", channel, err)
	}

	out := make([]domain.ChatMessage, 0, len(entries))
	for _, e := range entries {
		msg, err := decodeMessage(channel, e)
		if err != nil {
			slog.Warn("Skipping malformed stream entry", "channel", channel, "entry", e.ID, "error", err)
			continue
		}
		out = append(out, msg)
	}
	slices.Reverse(out)
	return out, nil
}

func decodeMessage(channel string, e goredis.XMessage) (domain.ChatMessage, error) {
	field := func(name string) string {
		v, _ := e.Values[name].(string)
		return v
	}

	id := field(fieldID)
	if id == "" {
		return domain.ChatMessage{}, errors.New("missing message id")
	}
	created, err := time.Parse(time.RFC3339Nano, field(fieldCreated))
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("bad %s: %w", fieldCreated, err)
	}

	msg := domain.ChatMessage{
		ID:        id,
		Channel:   channel,
		Sender:    field(fieldSender),
		CreatedAt: created,
	}
	if body := field(fieldBody); body != "" {
		if !json.Valid([]byte(body)) {
			return domain.ChatMessage{}, errors.New("body is not json")
		}
		msg.Body = json.RawMessage(body)
	}
	return msg, nil
}

