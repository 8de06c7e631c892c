package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/kstaniek/go-mscan/internal/api"
	"github.com/kstaniek/go-mscan/internal/capture"
	"github.com/kstaniek/go-mscan/internal/hub"
	"github.com/kstaniek/go-mscan/internal/metrics"
	"github.com/kstaniek/go-mscan/internal/mscan"
	"github.com/kstaniek/go-mscan/internal/node"
	"github.com/kstaniek/go-mscan/internal/server"
	"github.com/kstaniek/go-mscan/internal/sim"
)

// app holds the wired components of one node process.
type app struct {
	cfg    *appConfig
	l      *slog.Logger
	hub    *hub.Hub
	ctrl   *sim.Controller
	drv    *mscan.Driver
	node   *node.Node
	store  *capture.Store
	tap    *server.Server
	api    *api.Server
	detach func()
}

// newApp builds the simulated controller on the bus and initializes the driver.
// The controller lives until close, independent of ctx.
func newApp(ctx context.Context, cfg *appConfig, l *slog.Logger) (*app, error) {
	dc, err := cfg.driverConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, l: l, hub: initHub(cfg, l)}
	a.ctrl = sim.New(context.Background(), sim.WithLogger(l), sim.WithClock(cfg.ClockHz), sim.WithFIFODepth(cfg.FIFODepth))
	a.detach = node.AttachBus(ctx, a.ctrl, a.hub, "mscan")
	a.drv = mscan.New(a.ctrl, a.ctrl.Interrupts(), mscan.WithLogger(l), mscan.WithWaitTimeout(cfg.WaitTimeout))
	if err := a.drv.Init(dc); err != nil {
		a.close()
		return nil, fmt.Errorf("driver init: %w", err)
	}

	opts := []node.Option{
		node.WithLogger(l),
		node.WithPollInterval(cfg.PollInterval),
		node.WithTxQueue(cfg.TxQueue),
		node.WithRetry(cfg.RetryMin, cfg.RetryMax, cfg.RetryLimit),
	}
	if cfg.CaptureDB != "" {
		st, err := capture.Open(cfg.CaptureDB)
		if err != nil {
			a.close()
			return nil, err
		}
		a.store = st
		opts = append(opts, node.WithRecorder(st))
		l.Info("capture_open", "path", cfg.CaptureDB)
	}
	if cfg.Heartbeat != "" {
		hb, err := node.ParseFrame(cfg.Heartbeat)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("heartbeat: %w", err)
		}
		opts = append(opts, node.WithHeartbeat(hb, cfg.HeartbeatTO))
	}
	a.node = node.New(a.drv, opts...)

	apiOpts := []api.Option{
		api.WithLogger(l),
		api.WithControllerState(func() any { return a.state() }),
		api.WithSendTimeout(cfg.SendTimeout),
	}
	if a.store != nil {
		apiOpts = append(apiOpts, api.WithHistory(a.store))
	}
	a.api = api.New(a.node, apiOpts...)

	if cfg.Listen != "" {
		a.tap = server.New(a.hub,
			server.WithListenAddr(cfg.Listen),
			server.WithLogger(l),
			server.WithMaxClients(cfg.MaxClients),
			server.WithHandshakeTimeout(cfg.HandshakeTO),
			server.WithReadDeadline(cfg.ClientReadTO),
		)
	}
	return a, nil
}

// ready reports whether the driver is up and the tap, if any, is listening.
func (a *app) ready(ctx context.Context) bool {
	if ctx.Err() != nil || !a.drv.Stats().Initialized {
		return false
	}
	if a.tap != nil {
		select {
		case <-a.tap.Ready():
		default:
			return false
		}
	}
	return true
}

// start launches the node loop, the tap and its mDNS advertisement.
func (a *app) start(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = a.node.Run(ctx)
	}()
	if a.tap == nil {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.tap.Serve(ctx); err != nil {
			a.l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()
	if !a.cfg.MDNSEnable {
		return
	}
	go func() {
		select {
		case <-a.tap.Ready():
		case <-ctx.Done():
			return
		}
		port, err := listenPort(a.tap.Addr())
		if err != nil {
			a.l.Warn("mdns_port_unknown", "addr", a.tap.Addr(), "error", err)
			return
		}
		cleanup, err := startMDNS(ctx, a.cfg, port)
		if err != nil {
			a.l.Warn("mdns_start_failed", "error", err)
			return
		}
		a.l.Info("mdns_started", "service", mdnsServiceType, "port", port)
		go func() { <-ctx.Done(); cleanup() }()
	}()
}

func (a *app) handler() http.Handler { return a.api.Router() }

// controllerState is the controller section of the status response.
type controllerState struct {
	Registers sim.State `json:"registers"`
	BusPorts  []string  `json:"bus_ports"`
}

func (a *app) state() controllerState {
	ports := a.hub.Snapshot()
	names := make([]string, 0, len(ports))
	for _, p := range ports {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return controllerState{Registers: a.ctrl.State(), BusPorts: names}
}

func (a *app) close() {
	if a.tap != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.tap.Shutdown(ctx)
		cancel()
	}
	// Stopping the controller first aborts any transmit the node worker waits on.
	if a.ctrl != nil {
		_ = a.ctrl.Close()
	}
	if a.node != nil {
		a.node.Close()
	}
	if a.detach != nil {
		a.detach()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			metrics.IncError(metrics.ErrCapture)
		}
	}
}
