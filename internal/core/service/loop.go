package service

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by commands issued after the loop has exited.
var ErrStopped = errors.New("session loop stopped")

// loop runs every piece of core work on a single goroutine, in post
// order. Tasks may post further tasks; the queue is unbounded so a task
// never blocks on its own loop.
type loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool

	// after runs once every drained batch, on the loop goroutine.
	after func()
}

func newLoop() *loop {
	return &loop{wake: make(chan struct{}, 1)}
}

// post enqueues fn. It reports false once the loop has stopped.
func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// drain runs queued tasks until the queue is empty.
func (l *loop) drain() int {
	n := 0
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		if len(batch) == 0 {
			if n > 0 && l.after != nil {
				l.after()
			}
			return n
		}
		for _, fn := range batch {
			fn()
			n++
		}
	}
}

func (l *loop) run(ctx context.Context) {
	defer l.stop()
	for {
		l.drain()
		select {
		case <-l.wake:
		case <-ctx.Done():
			return
		}
	}
}

func (l *loop) stop() {
	l.mu.Lock()
	l.closed = true
	l.queue = nil
	l.mu.Unlock()
}
