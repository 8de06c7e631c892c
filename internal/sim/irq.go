package sim

import (
	"context"
	"sync"
	"sync/atomic"
)

// IRQ is a level-triggered interrupt line served by a dispatcher goroutine.
//
// The attached handler runs with mu held, and Disable/Enable take the same
// lock, so the handler never overlaps a critical section. Raise never blocks.
type IRQ struct {
	mu      sync.Mutex
	handler atomic.Pointer[func()]
	pending chan struct{}
	// asserted reports whether the line is still active when the dispatcher
	// gets to it. Spurious raises are dropped.
	asserted func() bool
	served   atomic.Uint64
}

func newIRQ(asserted func() bool) *IRQ {
	return &IRQ{pending: make(chan struct{}, 1), asserted: asserted}
}

// Attach installs the handler. A nil handler masks the line.
func (q *IRQ) Attach(h func()) {
	if h == nil {
		q.handler.Store(nil)
		return
	}
	q.handler.Store(&h)
}

func (q *IRQ) Disable() { q.mu.Lock() }

func (q *IRQ) Enable() { q.mu.Unlock() }

// Raise marks the line pending.
func (q *IRQ) Raise() {
	select {
	case q.pending <- struct{}{}:
	default:
	}
}

// Served returns how many times the handler ran.
func (q *IRQ) Served() uint64 { return q.served.Load() }

func (q *IRQ) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.pending:
		}
		q.mu.Lock()
		if h := q.handler.Load(); h != nil && q.asserted() {
			(*h)()
			q.served.Add(1)
		}
		q.mu.Unlock()
	}
}
