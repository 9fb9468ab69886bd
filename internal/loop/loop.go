// Package loop provides the main execution context: a mailbox that callbacks
// from any goroutine post work onto, drained sequentially by one goroutine.
package loop

import (
	"context"
	"log/slog"
	"sync"
)

// Loop is an unbounded FIFO mailbox. Post never blocks, so stack callbacks
// cannot stall on a busy loop, and functions run in the order they were
// posted.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
}

// New creates an idle loop. Call Run to start draining it.
func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post queues fn. It returns false if the loop has shut down, in which case
// fn will never run.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default: // already signalled
	}
	return true
}

// Len returns the number of queued functions.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Run drains the mailbox until ctx is cancelled. Work already queued when
// ctx is cancelled still runs; work posted afterwards is rejected.
// This function blocks. Run it in a goroutine.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.Drain()
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.closed = true
			l.mu.Unlock()
			if n := l.Drain(); n > 0 {
				slog.Debug("[LOOP] drained on shutdown", "count", n)
			}
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Drain runs queued functions in order until the mailbox is empty, including
// functions posted while draining, and returns how many ran. It must not be
// called concurrently with Run; tests use it to step the loop by hand.
func (l *Loop) Drain() int {
	n := 0
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return n
		}
		for _, fn := range batch {
			fn()
			n++
		}
	}
}

// Call runs fn on the loop and waits for it to finish or for ctx to end.
// It must not be called from the loop itself.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
