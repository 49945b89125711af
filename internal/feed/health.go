package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
)

// ChannelLister lists channels that currently have members.
type ChannelLister interface {
	MembershipView
	Channels() []string
}

// Problems reported by the health monitor.
const (
	ProblemUnsupported     = "change feeds unsupported"
	ProblemStuckInError    = "stuck in error"
	ProblemClosedByMembers = "closed while channel has members"
	ProblemMissing         = "no feed for channel with members"
	ProblemOrphaned        = "open without members"
)

// Finding is one inconsistency the monitor found and acted on.
type Finding struct {
	Channel   string            `json:"channel,omitempty"`
	Status    domain.FeedStatus `json:"status,omitempty"`
	Problem   string            `json:"problem"`
	Age       time.Duration     `json:"age,omitempty"`
	LastError string            `json:"lastError,omitempty"`
}

// Report is the outcome of one audit.
type Report struct {
	CheckedAt time.Time `json:"checkedAt"`
	Supported bool      `json:"supported"`
	Checked   int       `json:"checked"`
	Findings  []Finding `json:"findings"`
}

// HealthMonitor periodically audits feed state against membership and repairs
// what the normal transitions missed. It is a safety net; the manager's own
// retry handles the common failures.
type HealthMonitor struct {
	manager    *Manager
	members    ChannelLister
	clock      clockwork.Clock
	period     time.Duration
	staleAfter time.Duration

	mu      sync.Mutex
	last    Report
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewHealthMonitor audits every period. A feed in ERROR for longer than twice
// the retry backoff is considered stuck.
func NewHealthMonitor(manager *Manager, members ChannelLister, clock clockwork.Clock, period time.Duration) *HealthMonitor {
	return &HealthMonitor{
		manager:    manager,
		members:    members,
		clock:      clock,
		period:     period,
		staleAfter: 2 * manager.opts.RetryBackoff,
	}
}

// Tick runs one audit.
func (h *HealthMonitor) Tick(ctx context.Context) Report {
	report := Report{CheckedAt: h.clock.Now()}

	recovered := h.manager.ProbeSupport(ctx)
	report.Supported = h.manager.Supported()
	if !report.Supported {
		report.Findings = append(report.Findings, Finding{
			Problem:   ProblemUnsupported,
			LastError: h.manager.Support().Reason,
		})
		h.store(report)
		return report
	}
	if recovered {
		for _, channel := range h.members.Channels() {
			h.repair(ctx, channel)
		}
	}

	snaps := h.manager.Snapshot()
	tracked := make(map[string]struct{}, len(snaps))
	for _, snap := range snaps {
		tracked[snap.Channel] = struct{}{}
		report.Checked++

		hasMembers := h.members.HasMembers(snap.Channel)
		age := report.CheckedAt.Sub(snap.ChangedAt)
		finding := Finding{Channel: snap.Channel, Status: snap.Status, Age: age, LastError: snap.LastError}

		switch {
		case !hasMembers && snap.Status != domain.FeedClosed:
			finding.Problem = ProblemOrphaned
		case hasMembers && snap.Status == domain.FeedError && age >= h.staleAfter:
			finding.Problem = ProblemStuckInError
		case hasMembers && snap.Status == domain.FeedClosed:
			finding.Problem = ProblemClosedByMembers
		default:
			continue
		}
		report.Findings = append(report.Findings, finding)
		h.repair(ctx, snap.Channel)
	}

	for _, channel := range h.members.Channels() {
		if _, ok := tracked[channel]; ok {
			continue
		}
		report.Checked++
		report.Findings = append(report.Findings, Finding{Channel: channel, Status: domain.FeedClosed, Problem: ProblemMissing})
		h.repair(ctx, channel)
	}

	if len(report.Findings) > 0 {
		slog.Warn("Feed audit repaired inconsistencies", "findings", len(report.Findings), "checked", report.Checked)
	}
	h.store(report)
	return report
}

func (h *HealthMonitor) repair(ctx context.Context, channel string) {
	if err := h.manager.Repair(ctx, channel); err != nil {
		slog.Warn("Feed repair failed", "channel", channel, "error", err)
	}
}

func (h *HealthMonitor) store(r Report) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = r
}

// LastReport returns the most recent audit.
func (h *HealthMonitor) LastReport() Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Start launches the audit loop. Calling Start on a running monitor is a no-op.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil || h.stopped {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.run(ctx, h.done)
}

func (h *HealthMonitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := h.clock.NewTicker(h.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			h.Tick(ctx)
		}
	}
}

// Stop cancels the loop and waits for it to exit.
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel = nil
	h.stopped = true
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
