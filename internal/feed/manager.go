package feed

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/adapter/metrics"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
)

const (
	defaultRetryBackoff = 5 * time.Second
	defaultCallTimeout  = 5 * time.Second
	defaultReadTimeout  = 2 * time.Second
)

// MembershipView answers whether a channel currently has any members.
type MembershipView interface {
	HasMembers(channel string) bool
}

// ChangeSink receives insert events from open feeds.
type ChangeSink interface {
	DeliverChange(ctx context.Context, channel string, ev domain.ChangeEvent)
}

// Options tunes the manager. Zero values fall back to defaults.
type Options struct {
	// RetryBackoff is the fixed wait before reopening a failed feed.
	RetryBackoff time.Duration
	// CallTimeout bounds every open and close call to the provider.
	CallTimeout time.Duration
	// ReadTimeout bounds each wait for the next change. Expiry while idle
	// is not a failure.
	ReadTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = defaultRetryBackoff
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	return o
}

// channelFeed is the state of one channel's feed. gen changes whenever a
// transition invalidates outstanding work, so a delivery task, an in-flight
// open or a retry timer that observes a different gen drops its result.
type channelFeed struct {
	mu        sync.Mutex
	channel   string
	status    domain.FeedStatus
	gen       uint64
	stream    domain.FeedStream
	cancel    context.CancelFunc
	retry     clockwork.Timer
	openedAt  time.Time
	changedAt time.Time
	lastError error
	attempts  int
	removed   bool
}

// Manager owns one change feed per channel with members. Transitions for a
// channel are serialized by that channel's lock; different channels proceed
// independently.
type Manager struct {
	provider domain.FeedProvider
	members  MembershipView
	sink     ChangeSink
	clock    clockwork.Clock
	opts     Options
	metrics  *metrics.FeedMetrics

	mu      sync.Mutex
	feeds   map[string]*channelFeed
	closed  bool
	support domain.FeedSupport

	wg sync.WaitGroup
}

func NewManager(provider domain.FeedProvider, members MembershipView, sink ChangeSink, clock clockwork.Clock, opts Options, m *metrics.FeedMetrics) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		provider: provider,
		members:  members,
		sink:     sink,
		clock:    clock,
		opts:     opts.withDefaults(),
		metrics:  m,
		feeds:    make(map[string]*channelFeed),
		support:  domain.FeedSupport{Provider: provider.Name(), Supported: true},
	}
}

// ProbeSupport asks the provider whether change feeds are available and
// records the answer. It returns true when the store went from unsupported to
// supported, which means channels with members need their feeds opened.
func (m *Manager) ProbeSupport(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()

	err := m.provider.CheckSupport(ctx)
	if err != nil && !errors.Is(err, domain.ErrUnsupportedFeedTopology) {
		// Could not tell; keep the previous verdict.
		slog.Warn("Feed support probe failed", "provider", m.provider.Name(), "error", err)
		return false
	}
	return m.setSupport(err)
}

func (m *Manager) setSupport(err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	was := m.support.Supported
	m.support.Supported = err == nil
	m.support.CheckedAt = m.clock.Now()
	m.support.Reason = ""
	if err != nil {
		m.support.Reason = err.Error()
	}
	if m.metrics != nil {
		if m.support.Supported {
			m.metrics.Supported.Set(1)
		} else {
			m.metrics.Supported.Set(0)
		}
	}

	switch {
	case was && !m.support.Supported:
		slog.Warn("Change feeds unsupported, falling back to local broadcast",
			"provider", m.provider.Name(), "reason", m.support.Reason)
	case !was && m.support.Supported:
		slog.Info("Change feeds available again", "provider", m.provider.Name())
	}
	return !was && m.support.Supported
}

func (m *Manager) Supported() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.support.Supported
}

func (m *Manager) Support() domain.FeedSupport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.support
}

// Reconcile brings the channel's feed in line with its membership: it opens a
// feed for a channel with members and closes the feed of a channel without
// any. Calls for an already matching state are no-ops.
func (m *Manager) Reconcile(ctx context.Context, channel string) error {
	return m.reconcile(ctx, channel, false)
}

// Repair is Reconcile that also reopens a feed stuck in ERROR right away
// instead of waiting for its retry timer.
func (m *Manager) Repair(ctx context.Context, channel string) error {
	return m.reconcile(ctx, channel, true)
}

func (m *Manager) reconcile(ctx context.Context, channel string, force bool) error {
	cf := m.lockFeed(channel, m.members.HasMembers(channel))
	if cf == nil {
		return nil
	}
	defer cf.mu.Unlock()

	// Read again under the channel lock; the last transition to take the
	// lock must see the final membership.
	if !m.members.HasMembers(channel) {
		m.closeLocked(ctx, cf, "no members")
		m.removeLocked(cf)
		return nil
	}

	switch cf.status {
	case domain.FeedOpen, domain.FeedOpening:
		return nil
	case domain.FeedError:
		if !force {
			return nil
		}
		if m.metrics != nil {
			m.metrics.Repairs.Inc()
		}
	}
	return m.openLocked(ctx, cf)
}

// lockFeed returns the channel's feed with its lock held, creating it when
// create is set. A nil result means there is no feed and none was wanted.
func (m *Manager) lockFeed(channel string, create bool) *channelFeed {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil
		}
		cf, ok := m.feeds[channel]
		if !ok {
			if !create {
				m.mu.Unlock()
				return nil
			}
			cf = &channelFeed{channel: channel, status: domain.FeedClosed, changedAt: m.clock.Now()}
			m.feeds[channel] = cf
		}
		m.mu.Unlock()

		cf.mu.Lock()
		if !cf.removed {
			return cf
		}
		cf.mu.Unlock()
	}
}

// openLocked drops cf's lock around the provider call. Anything that changes
// gen meanwhile wins and the freshly opened stream is released.
func (m *Manager) openLocked(ctx context.Context, cf *channelFeed) error {
	if !m.Supported() {
		cf.lastError = domain.ErrUnsupportedFeedTopology
		m.setStatusLocked(cf, domain.FeedClosed)
		return domain.ErrUnsupportedFeedTopology
	}

	m.stopRetryLocked(cf)
	cf.gen++
	gen := cf.gen
	cf.attempts++
	m.setStatusLocked(cf, domain.FeedOpening)
	cf.mu.Unlock()

	openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.CallTimeout)
	stream, err := m.provider.OpenFeed(openCtx, cf.channel)
	cancel()

	cf.mu.Lock()
	if cf.gen != gen || cf.removed {
		if stream != nil {
			m.releaseStream(cf.channel, stream)
		}
		return nil
	}

	if err != nil {
		if errors.Is(err, domain.ErrUnsupportedFeedTopology) {
			m.setSupport(err)
			cf.lastError = err
			m.setStatusLocked(cf, domain.FeedClosed)
			return err
		}
		openErr := &domain.FeedOpenError{Channel: cf.channel, Err: err}
		cf.lastError = openErr
		m.setStatusLocked(cf, domain.FeedError)
		if m.metrics != nil {
			m.metrics.OpenFailures.Inc()
		}
		slog.Warn("Feed open failed, will retry",
			"channel", cf.channel, "attempt", cf.attempts, "backoff", m.opts.RetryBackoff, "error", err)
		m.scheduleRetryLocked(cf)
		return openErr
	}

	deliverCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	cf.stream = stream
	cf.cancel = stop
	cf.openedAt = m.clock.Now()
	m.setStatusLocked(cf, domain.FeedOpen)
	if m.metrics != nil {
		m.metrics.Open.Inc()
	}

	m.wg.Add(1)
	go m.deliver(deliverCtx, cf, stream, gen)
	slog.Info("Feed opened", "channel", cf.channel, "attempt", cf.attempts)
	return nil
}

// deliver is the stream's delivery task. It exits when its context is
// cancelled by a close, or after reporting a cursor failure.
func (m *Manager) deliver(ctx context.Context, cf *channelFeed, stream domain.FeedStream, gen uint64) {
	defer m.wg.Done()

	for {
		readCtx, cancel := context.WithTimeout(ctx, m.opts.ReadTimeout)
		ev, err := stream.Next(readCtx)
		cancel()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			m.deliveryFailed(cf, gen, err)
			return
		}

		if ev.Kind != "" && ev.Kind != domain.ChangeInsert {
			slog.Debug("Ignoring non-insert change", "channel", cf.channel, "kind", ev.Kind, "event_id", ev.ID)
			continue
		}
		if ev.Channel == "" {
			ev.Channel = cf.channel
		}
		m.sink.DeliverChange(ctx, cf.channel, ev)
		if m.metrics != nil {
			m.metrics.Events.Inc()
		}
	}
}

func (m *Manager) deliveryFailed(cf *channelFeed, gen uint64, err error) {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.gen != gen || cf.status != domain.FeedOpen {
		return
	}

	stream := cf.stream
	cf.stream = nil
	if cf.cancel != nil {
		cf.cancel()
		cf.cancel = nil
	}
	cf.lastError = &domain.FeedDeliveryError{Channel: cf.channel, Err: err}
	m.setStatusLocked(cf, domain.FeedError)
	if m.metrics != nil {
		m.metrics.Open.Dec()
		m.metrics.DeliveryFails.Inc()
	}
	slog.Warn("Feed broke, will reopen", "channel", cf.channel, "backoff", m.opts.RetryBackoff, "error", err)

	if stream != nil {
		m.releaseStream(cf.channel, stream)
	}
	m.scheduleRetryLocked(cf)
}

func (m *Manager) scheduleRetryLocked(cf *channelFeed) {
	m.stopRetryLocked(cf)
	channel, gen := cf.channel, cf.gen
	cf.retry = m.clock.AfterFunc(m.opts.RetryBackoff, func() {
		m.retry(channel, gen)
	})
}

func (m *Manager) stopRetryLocked(cf *channelFeed) {
	if cf.retry != nil {
		cf.retry.Stop()
		cf.retry = nil
	}
}

// retry fires after the backoff. The membership may have changed since the
// failure, so it re-checks before reopening.
func (m *Manager) retry(channel string, gen uint64) {
	cf := m.lockFeed(channel, false)
	if cf == nil {
		return
	}
	defer cf.mu.Unlock()

	if cf.gen != gen || cf.status != domain.FeedError {
		return
	}
	cf.retry = nil

	ctx := context.Background()
	if !m.members.HasMembers(channel) {
		m.closeLocked(ctx, cf, "no members")
		m.removeLocked(cf)
		return
	}
	_ = m.openLocked(ctx, cf)
}

// closeLocked moves cf to CLOSED. The remote close is attempted once; if it
// fails the local state still wins and the failure is only logged.
func (m *Manager) closeLocked(ctx context.Context, cf *channelFeed, reason string) {
	cf.gen++
	m.stopRetryLocked(cf)
	if cf.cancel != nil {
		cf.cancel()
		cf.cancel = nil
	}
	wasOpen := cf.status == domain.FeedOpen
	stream := cf.stream
	cf.stream = nil
	if cf.status != domain.FeedClosed {
		m.setStatusLocked(cf, domain.FeedClosed)
	}
	if wasOpen && m.metrics != nil {
		m.metrics.Open.Dec()
	}
	if stream == nil {
		return
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.CallTimeout)
	defer cancel()
	if err := stream.Close(closeCtx); err != nil {
		slog.Warn("Feed close failed, remote cursor may linger", "channel", cf.channel, "error", err)
	}
	slog.Info("Feed closed", "channel", cf.channel, "reason", reason)
}

func (m *Manager) releaseStream(channel string, stream domain.FeedStream) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.CallTimeout)
	defer cancel()
	if err := stream.Close(ctx); err != nil {
		slog.Warn("Failed to release feed stream", "channel", channel, "error", err)
	}
}

// removeLocked forgets cf. Absence from the map reads as CLOSED.
func (m *Manager) removeLocked(cf *channelFeed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.feeds[cf.channel] == cf {
		delete(m.feeds, cf.channel)
	}
	cf.removed = true
}

func (m *Manager) setStatusLocked(cf *channelFeed, status domain.FeedStatus) {
	cf.status = status
	cf.changedAt = m.clock.Now()
	if m.metrics != nil {
		m.metrics.Transitions.WithLabelValues(string(status)).Inc()
	}
}

// Status returns the channel's feed state; untracked channels are CLOSED.
func (m *Manager) Status(channel string) domain.FeedStatus {
	m.mu.Lock()
	cf, ok := m.feeds[channel]
	m.mu.Unlock()
	if !ok {
		return domain.FeedClosed
	}
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.status
}

// Snapshot returns the state of every tracked feed, sorted by channel.
func (m *Manager) Snapshot() []domain.FeedSnapshot {
	m.mu.Lock()
	feeds := make([]*channelFeed, 0, len(m.feeds))
	for _, cf := range m.feeds {
		feeds = append(feeds, cf)
	}
	m.mu.Unlock()

	out := make([]domain.FeedSnapshot, 0, len(feeds))
	for _, cf := range feeds {
		cf.mu.Lock()
		snap := domain.FeedSnapshot{
			Channel:   cf.channel,
			Status:    cf.status,
			ChangedAt: cf.changedAt,
			Attempts:  cf.attempts,
		}
		if cf.status == domain.FeedOpen {
			openedAt := cf.openedAt
			snap.OpenedAt = &openedAt
		}
		if cf.lastError != nil {
			snap.LastError = cf.lastError.Error()
		}
		removed := cf.removed
		cf.mu.Unlock()
		if !removed {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// CloseAll closes every feed and refuses further opens. It waits for delivery
// tasks to exit or ctx to expire.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	feeds := make([]*channelFeed, 0, len(m.feeds))
	for _, cf := range m.feeds {
		feeds = append(feeds, cf)
	}
	m.mu.Unlock()

	for _, cf := range feeds {
		cf.mu.Lock()
		if !cf.removed {
			m.closeLocked(ctx, cf, "shutdown")
			m.removeLocked(cf)
		}
		cf.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
