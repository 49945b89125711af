package postgres

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
)

const defaultHistory = 1000

var errFeedClosed = errors.New("postgres feed closed")

// topic is the notification channel the messages trigger uses for a chat channel.
func topic(channel string) string {
	sum := md5.Sum([]byte(channel))
	return "hub_" + hex.EncodeToString(sum[:])
}

type Store struct {
	pool     *pgxpool.Pool
	clock    clockwork.Clock
	listener *listener
}

// NewStore serves queries from pool. Feeds share one extra connection, opened
// with the pool's settings on the first OpenFeed.
func NewStore(pool *pgxpool.Pool, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		pool:     pool,
		clock:    clock,
		listener: newListener(pool.Config().ConnConfig.Copy()),
	}
}

// Close drops the listener connection. Open feeds fail with errFeedClosed.
func (s *Store) Close() {
	s.listener.close()
}

func (s *Store) Name() string { return backendName }

// CheckSupport rejects hot standbys, which cannot LISTEN.
func (s *Store) CheckSupport(ctx context.Context) error {
	var inRecovery bool
	if err := s.pool.QueryRow(ctx, "select pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return fmt.Errorf("check recovery state: %w", err)
	}
	if inRecovery {
		return fmt.Errorf("connected to a read-only standby: %w", domain.ErrUnsupportedFeedTopology)
	}
	return nil
}

func (s *Store) SubmitChat(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.clock.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`insert into messages (id, channel, sender, body, created_at) values ($1, $2, $3, $4, $5)`,
		msg.ID, msg.Channel, msg.Sender, nullableJSON(msg.Body), msg.CreatedAt)
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("insert chat message: %w", err)
	}
	return msg, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (s *Store) SubmitReadReceipt(ctx context.Context, r domain.ReadReceipt) error {
	if r.ReadAt.IsZero() {
		r.ReadAt = s.clock.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`insert into read_receipts (reader, recipient, message_id, read_at) values ($1, $2, $3, $4)
		 on conflict (reader, recipient, message_id) do update set read_at = excluded.read_at`,
		r.Reader, r.Recipient, r.MessageID, r.ReadAt)
	if err != nil {
		return fmt.Errorf("upsert read receipt: %w", err)
	}
	return nil
}

// Receipts returns read receipts addressed to recipient, newest first.
func (s *Store) Receipts(ctx context.Context, recipient string) ([]domain.ReadReceipt, error) {
	rows, err := s.pool.Query(ctx,
		`select reader, recipient, message_id, read_at from read_receipts
		 where recipient = $1 order by read_at desc limit 100`, recipient)
	if err != nil {
		return nil, fmt.Errorf("query read receipts: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ReadReceipt, error) {
		var r domain.ReadReceipt
		err := row.Scan(&r.Reader, &r.Recipient, &r.MessageID, &r.ReadAt)
		return r, err
	})
}

func scanMessage(row pgx.CollectableRow) (domain.ChatMessage, error) {
	var (
		msg  domain.ChatMessage
		body []byte
	)
	if err := row.Scan(&msg.ID, &msg.Channel, &msg.Sender, &body, &msg.CreatedAt); err != nil {
		return domain.ChatMessage{}, err
	}
	if len(body) > 0 {
		msg.Body = json.RawMessage(body)
	}
	return msg, nil
}

// RecentMessages returns up to limit messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, channel string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = defaultHistory
	}
	rows, err := s.pool.Query(ctx,
		`select id, channel, sender, body, created_at from messages
		 where channel = $1 order by created_at desc, id desc limit $2`, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// OpenFeed subscribes to the channel's topic on the shared listener. Changed
// rows are loaded through the pool.
func (s *Store) OpenFeed(ctx context.Context, channel string) (domain.FeedStream, error) {
	st := &stream{
		listener: s.listener,
		pool:     s.pool,
		channel:  channel,
		topic:    topic(channel),
		notes:    make(chan string, noteBuffer),
		done:     make(chan struct{}),
		failed:   make(chan struct{}),
	}
	if err := s.listener.subscribe(ctx, st); err != nil {
		return nil, fmt.Errorf("listen %s: %w", st.topic, err)
	}
	return st, nil
}

type notification struct {
	ID string `json:"id"`
	Op string `json:"op"`
}

type stream struct {
	listener *listener
	pool     *pgxpool.Pool
	channel  string
	topic    string
	notes    chan string

	done      chan struct{}
	closeOnce sync.Once

	failed   chan struct{}
	failOnce sync.Once
	err      error
}

func (st *stream) push(payload string) bool {
	select {
	case st.notes <- payload:
		return true
	default:
		return false
	}
}

func (st *stream) fail(err error) {
	st.failOnce.Do(func() {
		st.err = err
		close(st.failed)
	})
}

func (st *stream) Next(ctx context.Context) (domain.ChangeEvent, error) {
	for {
		select {
		case <-st.done:
			return domain.ChangeEvent{}, errFeedClosed
		default:
		}

		var payload string
		select {
		case <-st.done:
			return domain.ChangeEvent{}, errFeedClosed
		case <-st.failed:
			return domain.ChangeEvent{}, fmt.Errorf("listen %s: %w", st.topic, st.err)
		case <-ctx.Done():
			return domain.ChangeEvent{}, ctx.Err()
		case payload = <-st.notes:
		}

		var note notification
		if err := json.Unmarshal([]byte(payload), &note); err != nil || note.ID == "" {
			continue
		}
		ev, found, err := st.load(ctx, note)
		if err != nil {
			return domain.ChangeEvent{}, err
		}
		if found {
			return ev, nil
		}
	}
}

// load turns a notification into a change event. An insert or update whose
// row is already gone is skipped; its delete notification follows.
func (st *stream) load(ctx context.Context, note notification) (domain.ChangeEvent, bool, error) {
	ev := domain.ChangeEvent{ID: note.ID, Channel: st.channel}

	switch note.Op {
	case "delete":
		ev.Kind = domain.ChangeDelete
		data, _ := json.Marshal(map[string]string{"id": note.ID, "channel": st.channel})
		ev.Data = data
		return ev, true, nil
	case "update":
		ev.Kind = domain.ChangeUpdate
	default:
		ev.Kind = domain.ChangeInsert
	}

	rows, err := st.pool.Query(ctx,
		`select id, channel, sender, body, created_at from messages where id = $1`, note.ID)
	if err != nil {
		return ev, false, fmt.Errorf("load changed message %s: %w", note.ID, err)
	}
	msg, err := pgx.CollectExactlyOneRow(rows, scanMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return ev, false, nil
	}
	if err != nil {
		return ev, false, fmt.Errorf("scan changed message %s: %w", note.ID, err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return ev, false, fmt.Errorf("encode change: %w", err)
	}
	ev.Data = data
	ev.At = msg.CreatedAt
	return ev, true, nil
}

func (st *stream) Close(context.Context) error {
	st.closeOnce.Do(func() {
		close(st.done)
		st.listener.unsubscribe(st)
	})
	return nil
}
