package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
)

// fakeSocket records frames instead of writing them.
type fakeSocket struct {
	mu     sync.Mutex
	frames [][]byte
	probes int
	closed bool
	reason string
	full   bool
}

func (s *fakeSocket) Send(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.full {
		return false
	}
	s.frames = append(s.frames, data)
	return true
}

func (s *fakeSocket) Probe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes++
}

func (s *fakeSocket) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.reason = reason
}

func (s *fakeSocket) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *fakeSocket) isClosed() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.reason
}

func (s *fakeSocket) probeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probes
}

func (s *fakeSocket) decoded(t *testing.T) []domain.OutboundFrame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.OutboundFrame, 0, len(s.frames))
	for _, raw := range s.frames {
		var f domain.OutboundFrame
		require.NoError(t, json.Unmarshal(raw, &f))
		out = append(out, f)
	}
	return out
}

func (s *fakeSocket) types(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, f := range s.decoded(t) {
		out = append(out, f.Type)
	}
	return out
}

func (s *fakeSocket) last(t *testing.T) domain.OutboundFrame {
	t.Helper()
	frames := s.decoded(t)
	require.NotEmpty(t, frames)
	return frames[len(frames)-1]
}

func (s *fakeSocket) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
}

// fakeFeeds records reconcile calls and mirrors membership like the real
// manager would.
type fakeFeeds struct {
	mu          sync.Mutex
	supported   bool
	reconciled  []string
	closeAllErr error
	closeAllFn  func(ctx context.Context) error
	closedAll   bool
}

func (f *fakeFeeds) Reconcile(_ context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled = append(f.reconciled, channel)
	return nil
}

func (f *fakeFeeds) Supported() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.supported
}

func (f *fakeFeeds) CloseAll(ctx context.Context) error {
	if f.closeAllFn != nil {
		return f.closeAllFn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedAll = true
	return f.closeAllErr
}

func (f *fakeFeeds) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reconciled...)
}

// fakeProcessor assigns sequential ids to accepted chat messages. A stalled
// processor blocks until the call's context ends.
type fakeProcessor struct {
	mu       sync.Mutex
	chats    []domain.ChatMessage
	receipts []domain.ReadReceipt
	err      error
	stalled  bool
}

func (p *fakeProcessor) SubmitChat(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	if p.stalled {
		<-ctx.Done()
		return domain.ChatMessage{}, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return domain.ChatMessage{}, p.err
	}
	msg.ID = fmt.Sprintf("m-%d", len(p.chats)+1)
	p.chats = append(p.chats, msg)
	return msg, nil
}

func (p *fakeProcessor) SubmitReadReceipt(ctx context.Context, receipt domain.ReadReceipt) error {
	if p.stalled {
		<-ctx.Done()
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.receipts = append(p.receipts, receipt)
	return nil
}

type fakeHistory struct {
	msgs    []domain.ChatMessage
	err     error
	stalled bool
}

func (h *fakeHistory) RecentMessages(ctx context.Context, channel string, limit int) ([]domain.ChatMessage, error) {
	if h.stalled {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if h.err != nil {
		return nil, h.err
	}
	var out []domain.ChatMessage
	for _, m := range h.msgs {
		if m.Channel == channel {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type testEnv struct {
	hub       *Hub
	feeds     *fakeFeeds
	processor *fakeProcessor
	history   *fakeHistory
	clock     *clockwork.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{clock: clockwork.NewFakeClock()}
	env.build(env.clock)
	return env
}

// newWireTestEnv uses a real clock because socket deadlines are derived from it.
func newWireTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{}
	env.build(clockwork.NewRealClock())
	return env
}

func (e *testEnv) build(clock clockwork.Clock) {
	e.feeds = &fakeFeeds{supported: true}
	e.processor = &fakeProcessor{}
	e.history = &fakeHistory{}
	e.hub = New(Deps{
		Feeds:     e.feeds,
		Processor: e.processor,
		History:   e.history,
		Clock:     clock,
	}, Options{DefaultChannel: "lobby", HistoryLimit: 2})
}

func (e *testEnv) connect(t *testing.T, identity string) (string, *fakeSocket) {
	t.Helper()
	socket := &fakeSocket{}
	id, err := e.hub.Connect(context.Background(), identity, socket)
	require.NoError(t, err)
	return id, socket
}
