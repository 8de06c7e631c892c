package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrAsyncTxClosed is returned by Send after Close.
var ErrAsyncTxClosed = errors.New("async tx closed")

// AsyncTx funnels writes of F through one worker goroutine. Send never blocks:
// when the queue is full the OnDrop hook decides the returned error.
//
//	a := NewAsyncTx(ctx, 64, write, Hooks{...})
//	_ = a.Send(v)
//	a.Close()
type AsyncTx[F any] struct {
	mu     sync.Mutex
	ch     chan F
	cancel context.CancelFunc
	wg     sync.WaitGroup
	write  func(context.Context, F) error
	hooks  Hooks
	closed atomic.Bool
	queued atomic.Int64
}

// Hooks customize AsyncTx behavior. All are optional.
type Hooks struct {
	// OnError runs when write fails.
	OnError func(error)
	// OnAfter runs after each successful write.
	OnAfter func()
	// OnDrop runs when the queue is full; its error is returned from Send.
	OnDrop func() error
}

// NewAsyncTx starts the worker with a queue of size buf. write receives the
// worker context, cancelled by Close.
func NewAsyncTx[F any](parent context.Context, buf int, write func(context.Context, F) error, hooks Hooks) *AsyncTx[F] {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx[F]{
		ch:     make(chan F, buf),
		cancel: cancel,
		write:  write,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop(ctx)
	return a
}

func (a *AsyncTx[F]) loop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-a.ch:
			if !ok {
				return
			}
			a.queued.Add(-1)
			if err := a.write(ctx, v); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		}
	}
}

// Send queues v, or returns the OnDrop error when the queue is full.
func (a *AsyncTx[F]) Send(v F) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- v:
		a.queued.Add(1)
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Queued returns the number of values waiting for the worker.
func (a *AsyncTx[F]) Queued() int { return int(a.queued.Load()) }

// Close stops the worker and waits for it. Queued values are discarded.
func (a *AsyncTx[F]) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
