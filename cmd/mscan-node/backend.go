package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-mscan/internal/hub"
	"github.com/kstaniek/go-mscan/internal/transport"
)

const (
	txQueueSize       = 1024 // bridge writer queue
	serialReadBufSize = 4096
	// largeBufferReclaimThreshold drops the serial accumulator once drained
	// if noise grew it beyond this.
	largeBufferReclaimThreshold = 16 * 1024
	rxBackoffMin                = 20 * time.Millisecond
	rxBackoffMax                = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > rxBackoffMax {
		d = rxBackoffMax
	}
	return d
}

// initBackend attaches the configured external bus to h and returns its cleanup.
func initBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (func(), error) {
	switch cfg.Backend {
	case "none", "":
		return func() {}, nil
	case "serial":
		return initSerialBackend(ctx, cfg, h, l, wg)
	case "socketcan":
		return initSocketCANBackend(ctx, cfg, h, l, wg)
	default:
		return func() {}, fmt.Errorf("unknown backend %q (use none|serial|socketcan)", cfg.Backend)
	}
}

// pumpPort forwards frames other bus members publish to the bridge writer.
func pumpPort(ctx context.Context, port *hub.Port, sink transport.FrameSink, l *slog.Logger, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-port.Closed:
				return
			case fr := <-port.Out:
				if err := sink.SendFrame(fr); err != nil {
					l.Debug("bridge_tx_dropped", "port", port.Name, "error", err)
				}
			}
		}
	}()
}
