package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
	"golang.org/x/sync/errgroup"
)

const (
	reasonShutdown    = "server shutdown"
	closeConcurrency  = 64
	defaultStepBudget = 5 * time.Second
)

// FeedCloser closes every open change feed and refuses to open new ones.
type FeedCloser interface {
	CloseAll(ctx context.Context) error
}

// Stopper is a background loop that can be halted.
type Stopper interface {
	Stop()
}

// ShutdownCoordinator drains the hub in a fixed order: notify clients, close
// feeds, close sockets, stop timers. Each step gets its own time budget and no
// step starts before the previous one finished or ran out of time.
type ShutdownCoordinator struct {
	hub        *Hub
	feeds      FeedCloser
	timers     []Stopper
	stepBudget time.Duration
}

func NewShutdownCoordinator(h *Hub, feeds FeedCloser, stepBudget time.Duration, timers ...Stopper) *ShutdownCoordinator {
	if stepBudget <= 0 {
		stepBudget = defaultStepBudget
	}
	return &ShutdownCoordinator{hub: h, feeds: feeds, timers: timers, stepBudget: stepBudget}
}

// Drain runs every step and returns the errors of those that failed or timed out.
func (s *ShutdownCoordinator) Drain(ctx context.Context) error {
	s.hub.shuttingDown.Store(true)

	var errs []error
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"notify clients", s.notify},
		{"close feeds", s.closeFeeds},
		{"close connections", s.closeConnections},
		{"stop timers", s.stopTimers},
	}
	for _, step := range steps {
		start := s.hub.clock.Now()
		if err := s.runStep(ctx, step.run); err != nil {
			slog.Error("Shutdown step failed", "step", step.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		slog.Info("Shutdown step complete", "step", step.name, "duration", s.hub.clock.Since(start))
	}
	return errors.Join(errs...)
}

func (s *ShutdownCoordinator) runStep(ctx context.Context, run func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, s.stepBudget)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(stepCtx) }()

	select {
	case err := <-done:
		return err
	case <-stepCtx.Done():
		return stepCtx.Err()
	}
}

func (s *ShutdownCoordinator) notify(context.Context) error {
	n, err := s.hub.dispatcher.BroadcastAll(domain.OutboundFrame{
		Type:      domain.FrameServerShutdown,
		Message:   "server is shutting down",
		Timestamp: s.hub.clock.Now(),
	})
	slog.Info("Shutdown notice sent", "connections", n)
	return err
}

func (s *ShutdownCoordinator) closeFeeds(ctx context.Context) error {
	if s.feeds == nil {
		return nil
	}
	return s.feeds.CloseAll(ctx)
}

func (s *ShutdownCoordinator) closeConnections(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(closeConcurrency)
	for _, id := range s.hub.registry.IDs() {
		g.Go(func() error {
			s.hub.Evict(gctx, id, reasonShutdown)
			return nil
		})
	}
	return g.Wait()
}

func (s *ShutdownCoordinator) stopTimers(context.Context) error {
	for _, t := range s.timers {
		t.Stop()
	}
	return nil
}
