package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kstaniek/go-mscan/internal/metrics"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "mscan-node: %v\n", err)
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Printf("mscan-node %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	l := setupLogger(cfg.LogFormat, cfg.LogLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	metrics.InitBuildInfo(version, commit, date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	a, err := newApp(ctx, cfg, l)
	if err != nil {
		l.Error("startup_failed", "error", err)
		os.Exit(1)
	}
	metrics.SetReadinessFunc(func() bool { return a.ready(ctx) })
	startMetricsLogger(ctx, cfg.LogMetricsEvery, l, &wg)

	cleanupBackend, err := initBackend(ctx, cfg, a.hub, l, &wg)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		a.close()
		os.Exit(1)
	}
	a.start(ctx, cancel, &wg)

	if cfg.HTTPAddr != "" {
		srv := metrics.StartHTTP(cfg.HTTPAddr, a.handler())
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}
	if cfg.Console {
		sh := startConsole(&console{node: a.node, drv: a.drv, history: historyOf(a), timeout: cfg.SendTimeout}, cancel)
		defer sh.Close()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
		l.Info("shutdown_requested")
	}
	cancel()
	cleanupBackend()
	wg.Wait()
	a.close()
	logMetrics(l)
}
