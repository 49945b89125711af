package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/adapter/metrics"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
)

func TestManager_OpensOnFirstMemberOnly(t *testing.T) {
	env := newManagerEnv(t)

	require.NoError(t, env.join(t, "general"))
	require.NoError(t, env.join(t, "general"))

	assert.Equal(t, domain.FeedOpen, env.manager.Status("general"))
	assert.Equal(t, int32(1), env.provider.opens.Load())
	assert.Equal(t, 1, env.provider.openStreams("general"))
}

func TestManager_ClosesWhenLastMemberLeaves(t *testing.T) {
	env := newManagerEnv(t)
	require.NoError(t, env.join(t, "general"))
	require.NoError(t, env.join(t, "general"))

	require.NoError(t, env.leave(t, "general"))
	assert.Equal(t, domain.FeedOpen, env.manager.Status("general"))

	require.NoError(t, env.leave(t, "general"))
	assert.Equal(t, domain.FeedClosed, env.manager.Status("general"))
	assert.True(t, env.provider.latest(t, "general").isClosed())
	assert.Empty(t, env.manager.Snapshot())
}

func TestManager_ReconcileWithoutMembersIsNoop(t *testing.T) {
	env := newManagerEnv(t)

	require.NoError(t, env.manager.Reconcile(t.Context(), "nobody"))

	assert.Equal(t, domain.FeedClosed, env.manager.Status("nobody"))
	assert.Zero(t, env.provider.opens.Load())
}

func TestManager_DeliversInsertsOnly(t *testing.T) {
	env := newManagerEnv(t)
	require.NoError(t, env.join(t, "general"))
	stream := env.provider.latest(t, "general")

	stream.events <- domain.ChangeEvent{ID: "u1", Kind: domain.ChangeUpdate}
	stream.events <- domain.ChangeEvent{ID: "d1", Kind: domain.ChangeDelete}
	stream.events <- domain.ChangeEvent{ID: "i1", Kind: domain.ChangeInsert}
	stream.events <- domain.ChangeEvent{ID: "i2", Kind: domain.ChangeInsert}

	assert.Equal(t, "i1", env.sink.next(t).ID)
	ev := env.sink.next(t)
	assert.Equal(t, "i2", ev.ID)
	assert.Equal(t, "general", ev.Channel)
}

func TestManager_IdleReadTimeoutIsNotAFailure(t *testing.T) {
	env := newManagerEnv(t)
	require.NoError(t, env.join(t, "general"))

	// Several read timeouts elapse with no changes.
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, domain.FeedOpen, env.manager.Status("general"))
	assert.Equal(t, int32(1), env.provider.opens.Load())

	env.provider.latest(t, "general").events <- domain.ChangeEvent{ID: "late", Kind: domain.ChangeInsert}
	assert.Equal(t, "late", env.sink.next(t).ID)
}

func TestManager_OpenFailureRetriesAfterBackoff(t *testing.T) {
	env := newManagerEnv(t)
	env.provider.setOpenErr(errors.New("connection refused"))

	err := env.join(t, "general")
	var openErr *domain.FeedOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "general", openErr.Channel)
	assert.Equal(t, domain.FeedError, env.manager.Status("general"))

	env.provider.setOpenErr(nil)
	env.clock.Advance(testBackoff - time.Millisecond)
	assert.Equal(t, domain.FeedError, env.manager.Status("general"))

	env.clock.Advance(time.Millisecond)
	env.waitStatus(t, "general", domain.FeedOpen)
	assert.Equal(t, int32(2), env.provider.opens.Load())

	snap := env.manager.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 2, snap[0].Attempts)
	assert.NotNil(t, snap[0].OpenedAt)
	assert.Contains(t, snap[0].LastError, "connection refused")
}

func TestManager_RetrySkippedWhenChannelAbandoned(t *testing.T) {
	env := newManagerEnv(t)
	env.provider.setOpenErr(errors.New("timeout"))
	_ = env.join(t, "general")

	// Membership drops without a reconcile reaching the manager.
	env.members.leave("general")
	env.provider.setOpenErr(nil)
	env.clock.Advance(testBackoff)

	require.Eventually(t, func() bool { return len(env.manager.Snapshot()) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), env.provider.opens.Load())
}

func TestManager_LeaveDuringBackoffCancelsRetry(t *testing.T) {
	env := newManagerEnv(t)
	env.provider.setOpenErr(errors.New("timeout"))
	_ = env.join(t, "general")

	require.NoError(t, env.leave(t, "general"))
	env.provider.setOpenErr(nil)
	env.clock.Advance(2 * testBackoff)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, domain.FeedClosed, env.manager.Status("general"))
	assert.Equal(t, int32(1), env.provider.opens.Load())
}

func TestManager_DeliveryFailureReopensAfterBackoff(t *testing.T) {
	env := newManagerEnv(t)
	require.NoError(t, env.join(t, "general"))
	first := env.provider.latest(t, "general")

	first.fail <- errors.New("cursor invalidated")
	env.waitStatus(t, "general", domain.FeedError)
	assert.True(t, first.isClosed(), "broken stream is released before retrying")

	snap := env.manager.Snapshot()
	require.Len(t, snap, 1)
	assert.Contains(t, snap[0].LastError, "cursor invalidated")

	env.clock.Advance(testBackoff)
	env.waitStatus(t, "general", domain.FeedOpen)

	second := env.provider.latest(t, "general")
	require.NotSame(t, first, second)
	second.events <- domain.ChangeEvent{ID: "after", Kind: domain.ChangeInsert}
	assert.Equal(t, "after", env.sink.next(t).ID)
}

func TestManager_CloseFailureStillClosesLocally(t *testing.T) {
	env := newManagerEnv(t)
	env.provider.closeErr = errors.New("network down")
	require.NoError(t, env.join(t, "general"))

	require.NoError(t, env.leave(t, "general"))

	assert.Equal(t, domain.FeedClosed, env.manager.Status("general"))
	assert.Empty(t, env.manager.Snapshot())
}

func TestManager_UnsupportedTopologyDegradesWithoutRetry(t *testing.T) {
	env := newManagerEnv(t)
	env.provider.setOpenErr(domain.ErrUnsupportedFeedTopology)

	err := env.join(t, "general")
	require.ErrorIs(t, err, domain.ErrUnsupportedFeedTopology)
	assert.False(t, env.manager.Supported())
	assert.Equal(t, domain.FeedClosed, env.manager.Status("general"))

	env.clock.Advance(10 * testBackoff)
	require.ErrorIs(t, env.join(t, "design"), domain.ErrUnsupportedFeedTopology)
	assert.Equal(t, int32(1), env.provider.opens.Load(), "no further opens while degraded")

	env.provider.setOpenErr(nil)
	assert.True(t, env.manager.ProbeSupport(t.Context()))
	assert.True(t, env.manager.Supported())
}

func TestManager_ProbeSupportKeepsVerdictOnProbeError(t *testing.T) {
	env := newManagerEnv(t)

	env.provider.setSupportErr(errors.New("i/o timeout"))
	assert.False(t, env.manager.ProbeSupport(t.Context()))
	assert.True(t, env.manager.Supported())

	env.provider.setSupportErr(domain.ErrUnsupportedFeedTopology)
	assert.False(t, env.manager.ProbeSupport(t.Context()))
	assert.False(t, env.manager.Supported())
	assert.NotEmpty(t, env.manager.Support().Reason)
}

func TestManager_CloseWhileOpeningReleasesStream(t *testing.T) {
	env := newManagerEnv(t)
	gate := make(chan struct{})
	env.provider.gate = gate

	env.members.join("general")
	opened := make(chan error, 1)
	go func() { opened <- env.manager.Reconcile(context.Background(), "general") }()
	env.waitStatus(t, "general", domain.FeedOpening)

	require.NoError(t, env.leave(t, "general"))
	close(gate)
	require.NoError(t, <-opened)

	assert.Equal(t, domain.FeedClosed, env.manager.Status("general"))
	assert.Zero(t, env.provider.openStreams("general"))
}

func TestManager_ConcurrentChurnLeavesOneFeed(t *testing.T) {
	env := newManagerEnv(t)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = env.join(t, "general")
			_ = env.leave(t, "general")
		}()
	}
	wg.Wait()

	assert.Equal(t, domain.FeedClosed, env.manager.Status("general"))
	assert.Zero(t, env.provider.openStreams("general"))

	require.NoError(t, env.join(t, "general"))
	assert.Equal(t, 1, env.provider.openStreams("general"))
}

func TestManager_CloseAllRefusesNewFeeds(t *testing.T) {
	env := newManagerEnv(t)
	require.NoError(t, env.join(t, "a"))
	require.NoError(t, env.join(t, "b"))

	require.NoError(t, env.manager.CloseAll(t.Context()))

	assert.Zero(t, env.provider.openStreams("a"))
	assert.Zero(t, env.provider.openStreams("b"))
	require.NoError(t, env.join(t, "c"))
	assert.Equal(t, domain.FeedClosed, env.manager.Status("c"))
	assert.Empty(t, env.manager.Snapshot())
}

func TestManager_SnapshotSortedByChannel(t *testing.T) {
	env := newManagerEnv(t)
	require.NoError(t, env.join(t, "zeta"))
	require.NoError(t, env.join(t, "alpha"))

	snap := env.manager.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "alpha", snap[0].Channel)
	assert.Equal(t, "zeta", snap[1].Channel)
	assert.Equal(t, domain.FeedOpen, snap[0].Status)
}

func TestManager_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	fm := metrics.NewFeedMetrics(reg)
	env := newManagerEnv(t)
	env.manager.metrics = fm

	require.NoError(t, env.join(t, "general"))
	assert.Equal(t, 1.0, testutil.ToFloat64(fm.Open))

	require.NoError(t, env.leave(t, "general"))
	assert.Equal(t, 0.0, testutil.ToFloat64(fm.Open))
	assert.Equal(t, 1.0, testutil.ToFloat64(fm.Transitions.WithLabelValues(string(domain.FeedOpening))))
	assert.Equal(t, 1.0, testutil.ToFloat64(fm.Transitions.WithLabelValues(string(domain.FeedClosed))))
}
