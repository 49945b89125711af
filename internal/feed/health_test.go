package feed

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
)

func problems(r Report) []string {
	var out []string
	for _, f := range r.Findings {
		out = append(out, f.Problem)
	}
	return out
}

func TestHealth_HealthyFeedsProduceNoFindings(t *testing.T) {
	env := newManagerEnv(t)
	require.NoError(t, env.join(t, "general"))
	monitor := NewHealthMonitor(env.manager, env.members, env.clock, time.Minute)

	report := monitor.Tick(t.Context())

	assert.True(t, report.Supported)
	assert.Equal(t, 1, report.Checked)
	assert.Empty(t, report.Findings)
	assert.Equal(t, report, monitor.LastReport())
}

func TestHealth_OpensMissingFeed(t *testing.T) {
	env := newManagerEnv(t)
	env.members.join("general")
	monitor := NewHealthMonitor(env.manager, env.members, env.clock, time.Minute)

	report := monitor.Tick(t.Context())

	assert.Equal(t, []string{ProblemMissing}, problems(report))
	assert.Equal(t, domain.FeedOpen, env.manager.Status("general"))
}

func TestHealth_ClosesOrphanedFeed(t *testing.T) {
	env := newManagerEnv(t)
	require.NoError(t, env.join(t, "general"))
	env.members.leave("general")
	monitor := NewHealthMonitor(env.manager, env.members, env.clock, time.Minute)

	report := monitor.Tick(t.Context())

	assert.Equal(t, []string{ProblemOrphaned}, problems(report))
	assert.Equal(t, domain.FeedClosed, env.manager.Status("general"))
	assert.Zero(t, env.provider.openStreams("general"))
}

func TestHealth_RepairsFeedStuckInError(t *testing.T) {
	env := newManagerEnv(t)
	env.provider.setOpenErr(errors.New("refused"))
	_ = env.join(t, "general")

	// Lose the retry timer so only the audit can bring the feed back.
	cf := env.manager.lockFeed("general", false)
	require.NotNil(t, cf)
	env.manager.stopRetryLocked(cf)
	cf.mu.Unlock()

	monitor := NewHealthMonitor(env.manager, env.members, env.clock, time.Minute)
	env.provider.setOpenErr(nil)

	report := monitor.Tick(t.Context())
	assert.Empty(t, report.Findings, "a fresh error is left to the retry")

	env.clock.Advance(2 * testBackoff)
	report = monitor.Tick(t.Context())

	require.Equal(t, []string{ProblemStuckInError}, problems(report))
	assert.Contains(t, report.Findings[0].LastError, "refused")
	assert.Equal(t, domain.FeedOpen, env.manager.Status("general"))
}

func TestHealth_ReportsUnsupportedAndRecovers(t *testing.T) {
	env := newManagerEnv(t)
	env.provider.setSupportErr(domain.ErrUnsupportedFeedTopology)
	env.members.join("general")
	monitor := NewHealthMonitor(env.manager, env.members, env.clock, time.Minute)

	report := monitor.Tick(t.Context())
	assert.False(t, report.Supported)
	assert.Equal(t, []string{ProblemUnsupported}, problems(report))
	assert.Equal(t, domain.FeedClosed, env.manager.Status("general"))

	env.provider.setSupportErr(nil)
	report = monitor.Tick(t.Context())

	assert.True(t, report.Supported)
	assert.Empty(t, report.Findings)
	assert.Equal(t, domain.FeedOpen, env.manager.Status("general"))
}

func TestHealth_LoopRunsOnClock(t *testing.T) {
	env := newManagerEnv(t)
	env.members.join("general")
	monitor := NewHealthMonitor(env.manager, env.members, env.clock, time.Minute)

	monitor.Start(t.Context())
	t.Cleanup(monitor.Stop)
	require.NoError(t, env.clock.BlockUntilContext(t.Context(), 1))

	env.clock.Advance(time.Minute)

	env.waitStatus(t, "general", domain.FeedOpen)
	monitor.Stop()
	monitor.Stop()
}
