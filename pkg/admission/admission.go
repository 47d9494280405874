// Package admission bounds concurrent handshake sessions. Waiters are
// admitted strictly in arrival order; a waiter is rejected only when no slot
// opened within its deadline.
package admission

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueTimeout means no session slot opened within the queue timeout.
var ErrQueueTimeout = errors.New("admission queue timeout")

const (
	DefaultMaxConcurrent = 10
	DefaultQueueTimeout  = 30 * time.Second
)

type waiter struct {
	ready chan struct{}
}

// Limiter is the FIFO admission gate. Acquire blocks until a slot is free,
// the per-entry deadline passes, or ctx is cancelled.
type Limiter struct {
	mu      sync.Mutex
	max     int
	timeout time.Duration
	active  int
	queue   []*waiter
}

// NewLimiter builds a limiter; non-positive arguments take the defaults.
func NewLimiter(maxConcurrent int, queueTimeout time.Duration) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if queueTimeout <= 0 {
		queueTimeout = DefaultQueueTimeout
	}
	return &Limiter{max: maxConcurrent, timeout: queueTimeout}
}

// Acquire claims a session slot. On success the caller must Release exactly
// once.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.active < l.max {
		l.active++
		l.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.mu.Unlock()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return nil
	case <-timer.C:
		return l.abandon(w, ErrQueueTimeout)
	case <-ctx.Done():
		return l.abandon(w, ctx.Err())
	}
}

// abandon withdraws w from the queue. If a slot was granted concurrently it
// is handed straight to the next waiter.
func (l *Limiter) abandon(w *waiter, cause error) error {
	l.mu.Lock()
	for i, queued := range l.queue {
		if queued == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			l.mu.Unlock()
			return cause
		}
	}
	// Not in the queue: the grant raced the deadline. The slot is ours to
	// give back.
	l.releaseLocked()
	l.mu.Unlock()
	return cause
}

// Release returns a slot. If someone is queued, the slot transfers to the
// head waiter without dropping below the limit.
func (l *Limiter) Release() {
	l.mu.Lock()
	l.releaseLocked()
	l.mu.Unlock()
}

func (l *Limiter) releaseLocked() {
	if len(l.queue) > 0 {
		head := l.queue[0]
		l.queue = l.queue[1:]
		close(head.ready)
		return
	}
	if l.active > 0 {
		l.active--
	}
}

// Active reports the number of held slots.
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Queued reports the number of waiters.
func (l *Limiter) Queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
