package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-mscan/internal/metrics"
)

func logMetrics(l *slog.Logger) {
	snap := metrics.Snap()
	l.Info("metrics_snapshot",
		"tx_frames", snap.TxFrames,
		"tx_buffers_full", snap.TxBuffersFull,
		"rx_interrupts", snap.RxInterrupts,
		"rx_overwritten", snap.RxOverwritten,
		"rx_consumed", snap.RxConsumed,
		"sim_overruns", snap.SimOverruns,
		"sim_rejects", snap.SimRejects,
		"serial_rx", snap.SerialRx,
		"socketcan_rx", snap.SocketCANRx,
		"tcp_rx", snap.TCPRx,
		"tcp_tx", snap.TCPTx,
		"hub_drops", snap.HubDrops,
		"errors", snap.Errors,
	)
}

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logMetrics(l)
			case <-ctx.Done():
				return
			}
		}
	}()
}
