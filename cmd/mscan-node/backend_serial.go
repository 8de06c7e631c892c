package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"go.einride.tech/can"

	"github.com/kstaniek/go-mscan/internal/hub"
	"github.com/kstaniek/go-mscan/internal/metrics"
	"github.com/kstaniek/go-mscan/internal/serial"
)

// openSerialPort is a hook for tests.
var openSerialPort = serial.Open

// initSerialBackend bridges a USB-CAN adapter onto the bus.
func initSerialBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (func(), error) {
	sp, err := openSerialPort(cfg.SerialDev, cfg.Baud, cfg.SerialReadTO)
	if err != nil {
		return func() {}, fmt.Errorf("open serial: %w", err)
	}
	l.Info("bridge_open", "backend", metrics.BackendSerial, "device", cfg.SerialDev, "baud", cfg.Baud)
	codec := serial.Codec{}
	w := serial.NewTXWriter(ctx, sp, codec, txQueueSize)
	port := h.Attach(metrics.BackendSerial)
	pumpPort(ctx, port, w, l, wg)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("serial_rx_end")
		buf := make([]byte, serialReadBufSize)
		acc := bytes.NewBuffer(nil)
		backoff := rxBackoffMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, err := sp.Read(buf)
			if n > 0 {
				acc.Write(buf[:n])
				_ = codec.DecodeStream(acc, func(fr can.Frame) {
					metrics.IncBridgeRx(metrics.BackendSerial)
					h.Publish(port, fr)
				})
				if acc.Len() == 0 && cap(acc.Bytes()) > largeBufferReclaimThreshold {
					acc = bytes.NewBuffer(nil)
				}
				backoff = rxBackoffMin
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				var perr *os.PathError
				if errors.As(err, &perr) {
					return // device removed
				}
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					continue
				}
				metrics.IncError(metrics.ErrSerialRead)
				l.Warn("serial_read_error", "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff = nextBackoff(backoff)
			}
		}
	}()
	return func() { h.Remove(port); _ = sp.Close(); w.Close() }, nil
}
