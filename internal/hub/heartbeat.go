package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Evictor tears down a connection together with everything it holds.
type Evictor interface {
	Evict(ctx context.Context, connectionID, reason string)
}

const reasonHeartbeat = "heartbeat timeout"

// HeartbeatMonitor probes every connection once per period. A connection that
// has not answered by the next tick is evicted.
type HeartbeatMonitor struct {
	registry *Registry
	evictor  Evictor
	clock    clockwork.Clock
	period   time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func NewHeartbeatMonitor(registry *Registry, evictor Evictor, clock clockwork.Clock, period time.Duration) *HeartbeatMonitor {
	return &HeartbeatMonitor{registry: registry, evictor: evictor, clock: clock, period: period}
}

// Tick runs one heartbeat round and returns how many connections were evicted
// and how many were probed.
func (h *HeartbeatMonitor) Tick(ctx context.Context) (evicted, probed int) {
	stale, probe := h.registry.Sweep()
	for _, id := range stale {
		h.evictor.Evict(ctx, id, reasonHeartbeat)
	}
	for _, s := range probe {
		s.Probe()
	}
	if len(stale) > 0 {
		slog.Info("Evicted unresponsive connections", "count", len(stale))
	}
	return len(stale), len(probe)
}

// Start launches the ticker loop. Calling Start on a running monitor is a no-op.
func (h *HeartbeatMonitor) Start(ctx context.Context) {
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

func (h *HeartbeatMonitor) run(ctx context.Context, done chan struct{}) {
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
func (h *HeartbeatMonitor) Stop() {
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
