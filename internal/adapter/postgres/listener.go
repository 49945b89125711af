package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgconn/ctxwatch"
)

const (
	listenTimeout = 5 * time.Second
	noteBuffer    = 256
)

var errFeedOverflow = errors.New("postgres feed fell behind")

// listener runs LISTEN for every open feed on one connection held outside the
// pool, and hands each notification to the streams of its topic. Once started,
// only run touches the connection; others ask it to reconcile by setting dirty
// and interrupting the current wait.
type listener struct {
	config *pgx.ConnConfig

	startMu sync.Mutex

	mu        sync.Mutex
	subs      map[string]map[*stream]struct{}
	waiters   []chan error
	dirty     bool
	interrupt context.CancelFunc
	running   bool
	closed    bool
	cancel    context.CancelFunc
	stopped   chan struct{}
}

func newListener(config *pgx.ConnConfig) *listener {
	// Interrupting a wait must only time out the read; a cancel request could
	// land on the LISTEN that follows it.
	config.BuildContextWatcherHandler = func(pgConn *pgconn.PgConn) ctxwatch.Handler {
		return &pgconn.DeadlineContextWatcherHandler{Conn: pgConn.Conn()}
	}
	return &listener{
		config: config,
		subs:   make(map[string]map[*stream]struct{}),
	}
}

// subscribe returns once the server is listening on st's topic.
func (l *listener) subscribe(ctx context.Context, st *stream) error {
	for {
		if err := l.start(ctx); err != nil {
			return err
		}

		done := make(chan error, 1)
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return errFeedClosed
		}
		if !l.running {
			l.mu.Unlock()
			continue
		}
		set, ok := l.subs[st.topic]
		if !ok {
			set = make(map[*stream]struct{})
			l.subs[st.topic] = set
		}
		set[st] = struct{}{}
		l.waiters = append(l.waiters, done)
		l.wakeLocked()
		l.mu.Unlock()

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			l.unsubscribe(st)
			return ctx.Err()
		}
	}
}

func (l *listener) unsubscribe(st *stream) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dropLocked(st) {
		l.wakeLocked()
	}
}

// dropLocked reports whether the topic lost its last stream.
func (l *listener) dropLocked(st *stream) bool {
	set, ok := l.subs[st.topic]
	if !ok {
		return false
	}
	delete(set, st)
	if len(set) > 0 {
		return false
	}
	delete(l.subs, st.topic)
	return true
}

func (l *listener) wakeLocked() {
	l.dirty = true
	if l.interrupt != nil {
		l.interrupt()
	}
}

// topics reports how many topics have at least one open stream.
func (l *listener) topics() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

func (l *listener) start(ctx context.Context) error {
	l.startMu.Lock()
	defer l.startMu.Unlock()

	l.mu.Lock()
	running, closed := l.running, l.closed
	l.mu.Unlock()
	if closed {
		return errFeedClosed
	}
	if running {
		return nil
	}

	conn, err := pgx.ConnectConfig(ctx, l.config.Copy())
	if err != nil {
		return fmt.Errorf("connect listener: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		cancel()
		_ = conn.Close(ctx)
		return errFeedClosed
	}
	l.running, l.cancel, l.stopped = true, cancel, stopped
	l.mu.Unlock()

	go l.run(runCtx, conn, stopped)
	return nil
}

// close stops the listener for good. Open streams fail with errFeedClosed.
func (l *listener) close() {
	l.mu.Lock()
	l.closed = true
	cancel, stopped := l.cancel, l.stopped
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
}

func (l *listener) run(ctx context.Context, conn *pgx.Conn, stopped chan struct{}) {
	defer close(stopped)

	err := l.loop(ctx, conn)
	if ctx.Err() != nil {
		err = errFeedClosed
	} else {
		slog.Warn("Postgres listener connection lost", "error", err)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	_ = conn.Close(closeCtx)
	cancel()

	l.mu.Lock()
	l.running = false
	l.interrupt = nil
	waiters := l.waiters
	l.waiters = nil
	var streams []*stream
	for name, set := range l.subs {
		for st := range set {
			streams = append(streams, st)
		}
		delete(l.subs, name)
	}
	l.mu.Unlock()

	for _, w := range waiters {
		w <- err
	}
	for _, st := range streams {
		st.fail(err)
	}
}

func (l *listener) loop(ctx context.Context, conn *pgx.Conn) error {
	listened := make(map[string]bool)
	for {
		l.mu.Lock()
		l.dirty = false
		waiters := l.waiters
		l.waiters = nil
		var add, drop []string
		for name := range l.subs {
			if !listened[name] {
				add = append(add, name)
			}
		}
		for name := range listened {
			if _, ok := l.subs[name]; !ok {
				drop = append(drop, name)
			}
		}
		l.mu.Unlock()

		err := reconcile(ctx, conn, listened, add, drop)
		if err != nil && ctx.Err() != nil {
			err = errFeedClosed
		}
		for _, w := range waiters {
			w <- err
		}
		if err != nil {
			return err
		}

		l.mu.Lock()
		if l.dirty {
			l.mu.Unlock()
			continue
		}
		waitCtx, interrupt := context.WithCancel(ctx)
		l.interrupt = interrupt
		l.mu.Unlock()

		n, err := conn.WaitForNotification(waitCtx)

		l.mu.Lock()
		l.interrupt = nil
		l.mu.Unlock()
		interrupted := waitCtx.Err() != nil
		interrupt()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if interrupted {
				continue
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.route(n)
	}
}

func reconcile(ctx context.Context, conn *pgx.Conn, listened map[string]bool, add, drop []string) error {
	exec := func(verb, name string) error {
		cmdCtx, cancel := context.WithTimeout(ctx, listenTimeout)
		defer cancel()
		if _, err := conn.Exec(cmdCtx, verb+" "+pgx.Identifier{name}.Sanitize()); err != nil {
			return fmt.Errorf("%s %s: %w", verb, name, err)
		}
		return nil
	}

	for _, name := range add {
		if err := exec("listen", name); err != nil {
			return err
		}
		listened[name] = true
	}
	for _, name := range drop {
		if err := exec("unlisten", name); err != nil {
			return err
		}
		delete(listened, name)
	}
	return nil
}

func (l *listener) route(n *pgconn.Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for st := range l.subs[n.Channel] {
		if st.push(n.Payload) {
			continue
		}
		l.dropLocked(st)
		st.fail(errFeedOverflow)
	}
}
