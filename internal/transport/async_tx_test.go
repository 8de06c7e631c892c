package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.einride.tech/can"
)

var (
	errOverflow = errors.New("overflow")
	errSendFail = errors.New("send fail")
)

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestAsyncTx_Delivers(t *testing.T) {
	var sent, after atomic.Int64
	ax := NewAsyncTx(context.Background(), 4, func(_ context.Context, fr can.Frame) error {
		sent.Add(1)
		return nil
	}, Hooks{OnAfter: func() { after.Add(1) }})
	defer ax.Close()
	for i := 0; i < 3; i++ {
		if err := ax.Send(can.Frame{ID: uint32(i)}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	eventually(t, func() bool { return sent.Load() == 3 && after.Load() == 3 })
	if ax.Queued() != 0 {
		t.Fatalf("queued=%d", ax.Queued())
	}
}

func TestAsyncTx_Overflow(t *testing.T) {
	release := make(chan struct{})
	var drops atomic.Int64
	ax := NewAsyncTx(context.Background(), 1, func(ctx context.Context, _ can.Frame) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, Hooks{OnDrop: func() error { drops.Add(1); return errOverflow }})
	defer ax.Close()
	defer close(release)

	// One in the worker, one queued, the third overflows.
	if err := ax.Send(can.Frame{}); err != nil {
		t.Fatalf("first: %v", err)
	}
	eventually(t, func() bool { return ax.Queued() == 0 })
	if err := ax.Send(can.Frame{}); err != nil {
		t.Fatalf("second: %v", err)
	}
	if err := ax.Send(can.Frame{}); !errors.Is(err, errOverflow) {
		t.Fatalf("err=%v want overflow", err)
	}
	if drops.Load() != 1 {
		t.Fatalf("drops=%d", drops.Load())
	}
}

func TestAsyncTx_ErrorHook(t *testing.T) {
	var errs atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, func(context.Context, int) error { return errSendFail },
		Hooks{OnError: func(error) { errs.Add(1) }})
	defer ax.Close()
	_ = ax.Send(1)
	eventually(t, func() bool { return errs.Load() == 1 })
}

func TestAsyncTx_SendAfterClose(t *testing.T) {
	var sent atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, func(context.Context, can.Frame) error { sent.Add(1); return nil }, Hooks{})
	ax.Close()
	ax.Close()
	if err := ax.Send(can.Frame{ID: 0x123}); !errors.Is(err, ErrAsyncTxClosed) {
		t.Fatalf("err=%v want ErrAsyncTxClosed", err)
	}
	time.Sleep(20 * time.Millisecond)
	if sent.Load() != 0 {
		t.Fatalf("frame written after close")
	}
}

func TestAsyncTx_CloseRacesSend(t *testing.T) {
	for i := 0; i < 100; i++ {
		ax := NewAsyncTx(context.Background(), 1, func(context.Context, can.Frame) error { return nil }, Hooks{})
		done := make(chan error, 1)
		go func() { done <- ax.Send(can.Frame{}) }()
		time.Sleep(time.Millisecond)
		ax.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrAsyncTxClosed) {
			t.Fatalf("iteration %d: %v", i, err)
		}
	}
}
