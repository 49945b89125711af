package feed

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
)

var errStreamClosed = errors.New("stream closed")

type fakeStream struct {
	channel  string
	events   chan domain.ChangeEvent
	fail     chan error
	closedCh chan struct{}
	once     sync.Once
	closeErr error
}

func newFakeStream(channel string) *fakeStream {
	return &fakeStream{
		channel:  channel,
		events:   make(chan domain.ChangeEvent, 16),
		fail:     make(chan error, 1),
		closedCh: make(chan struct{}),
	}
}

func (s *fakeStream) Next(ctx context.Context) (domain.ChangeEvent, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case err := <-s.fail:
		return domain.ChangeEvent{}, err
	case <-s.closedCh:
		return domain.ChangeEvent{}, errStreamClosed
	case <-ctx.Done():
		return domain.ChangeEvent{}, ctx.Err()
	}
}

func (s *fakeStream) Close(context.Context) error {
	s.once.Do(func() { close(s.closedCh) })
	return s.closeErr
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closedCh:
		return true
	default:
		return false
	}
}

// fakeProvider hands out fakeStreams. openErr, when set, fails every open.
type fakeProvider struct {
	mu         sync.Mutex
	openErr    error
	supportErr error
	closeErr   error
	gate       chan struct{}
	streams    map[string][]*fakeStream
	opens      atomic.Int32
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{streams: make(map[string][]*fakeStream)}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) CheckSupport(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.supportErr
}

func (p *fakeProvider) OpenFeed(ctx context.Context, channel string) (domain.FeedStream, error) {
	p.opens.Add(1)
	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openErr != nil {
		return nil, p.openErr
	}
	s := newFakeStream(channel)
	s.closeErr = p.closeErr
	p.streams[channel] = append(p.streams[channel], s)
	return s, nil
}

func (p *fakeProvider) setOpenErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openErr = err
}

func (p *fakeProvider) setSupportErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.supportErr = err
}

func (p *fakeProvider) streamsFor(channel string) []*fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakeStream(nil), p.streams[channel]...)
}

func (p *fakeProvider) latest(t *testing.T, channel string) *fakeStream {
	t.Helper()
	streams := p.streamsFor(channel)
	require.NotEmpty(t, streams)
	return streams[len(streams)-1]
}

func (p *fakeProvider) openStreams(channel string) int {
	n := 0
	for _, s := range p.streamsFor(channel) {
		if !s.isClosed() {
			n++
		}
	}
	return n
}

type fakeMembers struct {
	mu       sync.Mutex
	channels map[string]int
}

func newFakeMembers() *fakeMembers {
	return &fakeMembers{channels: make(map[string]int)}
}

func (m *fakeMembers) join(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[channel]++
}

func (m *fakeMembers) leave(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channels[channel] > 0 {
		m.channels[channel]--
	}
	if m.channels[channel] == 0 {
		delete(m.channels, channel)
	}
}

func (m *fakeMembers) HasMembers(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[channel] > 0
}

func (m *fakeMembers) Channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.channels))
	for ch := range m.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

type recordingSink struct {
	events chan domain.ChangeEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{events: make(chan domain.ChangeEvent, 64)}
}

func (s *recordingSink) DeliverChange(_ context.Context, channel string, ev domain.ChangeEvent) {
	ev.Channel = channel
	s.events <- ev
}

func (s *recordingSink) next(t *testing.T) domain.ChangeEvent {
	t.Helper()
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
		return domain.ChangeEvent{}
	}
}

type managerEnv struct {
	manager  *Manager
	provider *fakeProvider
	members  *fakeMembers
	sink     *recordingSink
	clock    *clockwork.FakeClock
}

const testBackoff = 5 * time.Second

func newManagerEnv(t *testing.T) *managerEnv {
	t.Helper()
	env := &managerEnv{
		provider: newFakeProvider(),
		members:  newFakeMembers(),
		sink:     newRecordingSink(),
		clock:    clockwork.NewFakeClock(),
	}
	env.manager = NewManager(env.provider, env.members, env.sink, env.clock, Options{
		RetryBackoff: testBackoff,
		CallTimeout:  time.Second,
		ReadTimeout:  20 * time.Millisecond,
	}, nil)
	t.Cleanup(func() { _ = env.manager.CloseAll(context.Background()) })
	return env
}

func (e *managerEnv) join(t *testing.T, channel string) error {
	t.Helper()
	e.members.join(channel)
	return e.manager.Reconcile(t.Context(), channel)
}

func (e *managerEnv) leave(t *testing.T, channel string) error {
	t.Helper()
	e.members.leave(channel)
	return e.manager.Reconcile(t.Context(), channel)
}

func (e *managerEnv) waitStatus(t *testing.T, channel string, want domain.FeedStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return e.manager.Status(channel) == want },
		2*time.Second, 5*time.Millisecond, "channel %s never reached %s", channel, want)
}
