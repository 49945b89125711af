package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
)

const feedBuffer = 256

var errFeedOverflow = errors.New("redis feed fell behind")

// OpenFeed starts tailing the channel's stream after its current last entry.
func (s *Store) OpenFeed(ctx context.Context, channel string) (domain.FeedStream, error) {
	key := streamKey(channel)
	last, err := s.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("resolve stream position for %s: %w", channel, err)
	}

	cursor := "0-0"
	if len(last) > 0 {
		cursor = last[0].ID
	}
	st := &stream{
		reader:  s.feeds,
		channel: channel,
		key:     key,
		after:   cursor,
		entries: make(chan goredis.XMessage, feedBuffer),
		done:    make(chan struct{}),
		failed:  make(chan struct{}),
	}
	if err := s.feeds.register(st); err != nil {
		return nil, err
	}
	return st, nil
}

// feedReader tails every open stream key with a single multi-key XREAD BLOCK,
// so all feeds together hold one pooled connection. Keys opened while a read
// is blocked join the next read, at most block later.
type feedReader struct {
	client *goredis.Client
	block  time.Duration

	mu      sync.Mutex
	tails   map[string]*tail
	running bool
	closed  bool
	cancel  context.CancelFunc
	stopped chan struct{}
	wake    chan struct{}
}

type tail struct {
	cursor  string
	streams map[*stream]struct{}
}

func newFeedReader(client *goredis.Client, block time.Duration) *feedReader {
	return &feedReader{
		client: client,
		block:  block,
		tails:  make(map[string]*tail),
		wake:   make(chan struct{}, 1),
	}
}

func (r *feedReader) register(st *stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errFeedClosed
	}

	t, ok := r.tails[st.key]
	if !ok {
		t = &tail{cursor: st.after, streams: make(map[*stream]struct{})}
		r.tails[st.key] = t
	}
	t.streams[st] = struct{}{}

	if !r.running {
		ctx, cancel := context.WithCancel(context.Background())
		r.running = true
		r.cancel = cancel
		r.stopped = make(chan struct{})
		go r.run(ctx, r.stopped)
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

func (r *feedReader) unregister(st *stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(st)
}

func (r *feedReader) dropLocked(st *stream) {
	t, ok := r.tails[st.key]
	if !ok {
		return
	}
	delete(t.streams, st)
	if len(t.streams) == 0 {
		delete(r.tails, st.key)
	}
}

// openFeeds reports how many streams the reader currently serves.
func (r *feedReader) openFeeds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tails {
		n += len(t.streams)
	}
	return n
}

func (r *feedReader) close() {
	r.mu.Lock()
	r.closed = true
	cancel, stopped := r.cancel, r.stopped
	streams := r.takeAllLocked()
	r.mu.Unlock()

	for _, st := range streams {
		st.fail(errFeedClosed)
	}
	if cancel != nil {
		cancel()
		<-stopped
	}
}

func (r *feedReader) takeAllLocked() []*stream {
	var out []*stream
	for key, t := range r.tails {
		for st := range t.streams {
			out = append(out, st)
		}
		delete(r.tails, key)
	}
	return out
}

// readArgs lists every tailed key followed by its cursor, the XREAD STREAMS layout.
func (r *feedReader) readArgs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tails) == 0 {
		return nil
	}
	keys := make([]string, 0, len(r.tails))
	cursors := make([]string, 0, len(r.tails))
	for key, t := range r.tails {
		keys = append(keys, key)
		cursors = append(cursors, t.cursor)
	}
	return append(keys, cursors...)
}

func (r *feedReader) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	for {
		args := r.readArgs()
		if args == nil {
			select {
			case <-r.wake:
				continue
			case <-ctx.Done():
				return
			}
		}

		res, err := r.client.XRead(ctx, &goredis.XReadArgs{
			Streams: args,
			Count:   readBatch,
			Block:   r.block,
		}).Result()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			r.failAll(fmt.Errorf("xread: %w", err))
			continue
		}
		r.route(res)
	}
}

func (r *feedReader) failAll(err error) {
	r.mu.Lock()
	streams := r.takeAllLocked()
	r.mu.Unlock()

	slog.Warn("Redis feed read failed", "feeds", len(streams), "error", err)
	for _, st := range streams {
		st.fail(err)
	}
}

func (r *feedReader) route(res []goredis.XStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range res {
		t, ok := r.tails[s.Stream]
		if !ok || len(s.Messages) == 0 {
			continue
		}
		t.cursor = s.Messages[len(s.Messages)-1].ID
		for st := range t.streams {
			for _, msg := range s.Messages {
				if !st.push(msg) {
					r.dropLocked(st)
					st.fail(errFeedOverflow)
					break
				}
			}
		}
	}
}

// stream is one channel's view of the shared reader.
type stream struct {
	reader  *feedReader
	channel string
	key     string
	after   string
	entries chan goredis.XMessage

	done      chan struct{}
	closeOnce sync.Once

	failed   chan struct{}
	failOnce sync.Once
	err      error
}

func (st *stream) push(msg goredis.XMessage) bool {
	select {
	case st.entries <- msg:
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

		select {
		case <-st.done:
			return domain.ChangeEvent{}, errFeedClosed
		case <-st.failed:
			return domain.ChangeEvent{}, st.err
		case <-ctx.Done():
			return domain.ChangeEvent{}, ctx.Err()
		case entry := <-st.entries:
			if !idAfter(entry.ID, st.after) {
				continue
			}
			st.after = entry.ID

			msg, err := decodeMessage(st.channel, entry)
			if err != nil {
				slog.Warn("Skipping malformed stream entry", "channel", st.channel, "entry", entry.ID, "error", err)
				continue
			}
			data, err := json.Marshal(msg)
			if err != nil {
				return domain.ChangeEvent{}, fmt.Errorf("encode change: %w", err)
			}
			return domain.ChangeEvent{
				ID:      msg.ID,
				Channel: st.channel,
				Kind:    domain.ChangeInsert,
				Data:    data,
				At:      msg.CreatedAt,
			}, nil
		}
	}
}

func (st *stream) Close(context.Context) error {
	st.closeOnce.Do(func() {
		close(st.done)
		st.reader.unregister(st)
	})
	return nil
}

// idAfter compares stream entry ids of the form <ms>-<seq>.
func idAfter(id, cursor string) bool {
	ms, seq := splitID(id)
	cms, cseq := splitID(cursor)
	if ms != cms {
		return ms > cms
	}
	return seq > cseq
}

func splitID(id string) (uint64, uint64) {
	msPart, seqPart, _ := strings.Cut(id, "-")
	ms, _ := strconv.ParseUint(msPart, 10, 64)
	seq, _ := strconv.ParseUint(seqPart, 10, 64)
	return ms, seq
}
