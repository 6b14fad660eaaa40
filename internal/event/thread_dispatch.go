package event

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Liveness is checked when a queued event is drained. Handles, receivers and
// dispatchers all implement it.
type Liveness interface {
	IsValid() bool
}

type queuedEvent struct {
	target     Liveness
	dispatcher *Dispatcher
	name       string
	data       any
}

// ThreadDispatch carries events from any goroutine to one consumer goroutine.
// Producers enqueue under a lock; the consumer swaps the queue out and
// dispatches without holding the lock, so handlers may enqueue again.
//
// Invariant: each queued event is delivered at most once.
type ThreadDispatch struct {
	logger *zap.Logger

	mu      sync.Mutex
	pending []queuedEvent
	spare   []queuedEvent
}

// NewThreadDispatch returns an empty queue.
//
// Precondition: logger must not be nil; capacity must be >= 0.
func NewThreadDispatch(capacity int, logger *zap.Logger) *ThreadDispatch {
	if logger == nil {
		panic("event.NewThreadDispatch: logger must not be nil")
	}
	if capacity < 0 {
		panic("event.NewThreadDispatch: capacity must be >= 0")
	}
	return &ThreadDispatch{
		logger:  logger,
		pending: make([]queuedEvent, 0, capacity),
		spare:   make([]queuedEvent, 0, capacity),
	}
}

// DispatchOn queues name for delivery through d on the consumer goroutine.
// target is checked at drain time; a nil target is always alive.
//
// Precondition: d must not be nil.
func (t *ThreadDispatch) DispatchOn(target Liveness, d *Dispatcher, name string, data any) {
	if d == nil {
		panic("event.ThreadDispatch.DispatchOn: dispatcher must not be nil")
	}
	t.mu.Lock()
	t.pending = append(t.pending, queuedEvent{target: target, dispatcher: d, name: name, data: data})
	t.mu.Unlock()
}

// DispatchEvents drains the queue and returns how many events were delivered.
// Events whose target or dispatcher has been destroyed are dropped.
func (t *ThreadDispatch) DispatchEvents() int {
	t.mu.Lock()
	batch := t.pending
	t.pending = t.spare[:0]
	t.spare = nil
	t.mu.Unlock()

	delivered, dropped := 0, 0
	for i := range batch {
		q := &batch[i]
		if (q.target != nil && !q.target.IsValid()) || !q.dispatcher.IsValid() {
			dropped++
		} else {
			q.dispatcher.Dispatch(q.name, q.data)
			delivered++
		}
		*q = queuedEvent{}
	}
	if dropped > 0 {
		t.logger.Debug("dropped events for destroyed targets", zap.Int("dropped", dropped))
	}

	t.mu.Lock()
	if t.spare == nil {
		t.spare = batch[:0]
	}
	t.mu.Unlock()
	return delivered
}

// ClearEvents discards every queued event and returns how many were discarded.
func (t *ThreadDispatch) ClearEvents() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.pending)
	clear(t.pending)
	t.pending = t.pending[:0]
	return n
}

// Pending returns the number of queued events.
func (t *ThreadDispatch) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Run drains the queue once per interval until ctx is cancelled, then drains
// a final time so nothing queued before shutdown is lost.
//
// Precondition: interval must be > 0.
func (t *ThreadDispatch) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		panic("event.ThreadDispatch.Run: interval must be > 0")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.DispatchEvents()
			return nil
		case <-ticker.C:
			t.DispatchEvents()
		}
	}
}
