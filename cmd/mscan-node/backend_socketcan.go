package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.einride.tech/can"

	"github.com/kstaniek/go-mscan/internal/hub"
	"github.com/kstaniek/go-mscan/internal/metrics"
	"github.com/kstaniek/go-mscan/internal/socketcan"
)

// openSocketCANDevice is a hook for tests.
var openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }

// initSocketCANBackend bridges a SocketCAN interface onto the bus.
func initSocketCANBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (func(), error) {
	dev, err := openSocketCANDevice(cfg.CANIf)
	if err != nil {
		return func() {}, fmt.Errorf("socketcan open %s: %w", cfg.CANIf, err)
	}
	l.Info("bridge_open", "backend", metrics.BackendSocketCAN, "if", cfg.CANIf)
	tw := socketcan.NewTXWriter(ctx, dev, txQueueSize)
	port := h.Attach(metrics.BackendSocketCAN)
	pumpPort(ctx, port, tw, l, wg)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("socketcan_rx_end")
		backoff := rxBackoffMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var fr can.Frame
			if err := dev.ReadFrame(&fr); err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, socketcan.ErrErrorFrame) {
					l.Debug("socketcan_error_frame")
					continue
				}
				metrics.IncError(metrics.ErrSocketCANRead)
				l.Warn("socketcan_read_error", "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff = nextBackoff(backoff)
				continue
			}
			metrics.IncBridgeRx(metrics.BackendSocketCAN)
			h.Publish(port, fr)
			backoff = rxBackoffMin
		}
	}()
	return func() { h.Remove(port); _ = dev.Close(); tw.Close() }, nil
}
