package serial

import (
	"context"
	"errors"

	"go.einride.tech/can"

	"github.com/kstaniek/go-mscan/internal/logging"
	"github.com/kstaniek/go-mscan/internal/metrics"
	"github.com/kstaniek/go-mscan/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// TXWriter funnels all adapter writes through one goroutine.
type TXWriter struct{ q *transport.AsyncTx[can.Frame] }

// NewTXWriter creates a writer with a queue of buf frames.
func NewTXWriter(parent context.Context, sp Port, codec Codec, buf int) *TXWriter {
	write := func(_ context.Context, fr can.Frame) error {
		_, err := sp.Write(codec.Encode(fr))
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncBridgeTx(metrics.BackendSerial) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{q: transport.NewAsyncTx(parent, buf, write, hooks)}
}

// SendFrame queues fr; ErrTxOverflow when the queue is full.
func (w *TXWriter) SendFrame(fr can.Frame) error { return w.q.Send(fr) }

func (w *TXWriter) Close() { w.q.Close() }
