// Package socketcan bridges the virtual bus to a Linux SocketCAN interface.
package socketcan

import (
	"context"
	"errors"

	"go.einride.tech/can"

	"github.com/kstaniek/go-mscan/internal/metrics"
	"github.com/kstaniek/go-mscan/internal/transport"
)

var (
	ErrTxOverflow = errors.New("socketcan tx overflow")
	// ErrErrorFrame is returned by ReadFrame for controller error frames.
	ErrErrorFrame = errors.New("socketcan: error frame")
)

// Dev is what the bridge needs from a device; fakes implement it in tests.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

var _ Dev = (*Device)(nil)

// TXWriter funnels all device writes through one goroutine.
type TXWriter struct{ q *transport.AsyncTx[can.Frame] }

// NewTXWriter creates a writer with a queue of buf frames.
func NewTXWriter(parent context.Context, dev Dev, buf int) *TXWriter {
	write := func(_ context.Context, fr can.Frame) error { return dev.WriteFrame(fr) }
	hooks := transport.Hooks{
		OnError: func(error) { metrics.IncError(metrics.ErrSocketCANWrite) },
		OnAfter: func() { metrics.IncBridgeTx(metrics.BackendSocketCAN) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSocketCANOver)
			return ErrTxOverflow
		},
	}
	return &TXWriter{q: transport.NewAsyncTx(parent, buf, write, hooks)}
}

// SendFrame queues fr; ErrTxOverflow when the queue is full.
func (w *TXWriter) SendFrame(fr can.Frame) error { return w.q.Send(fr) }

func (w *TXWriter) Close() { w.q.Close() }
