package main

import (
	"log/slog"

	"github.com/kstaniek/go-mscan/internal/hub"
)

func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	h := hub.New()
	h.OutBufSize = cfg.HubBuffer
	p, ok := hub.ParsePolicy(cfg.HubPolicy)
	if !ok {
		l.Warn("unknown_hub_policy", "policy", cfg.HubPolicy, "used", p.String())
	}
	h.Policy = p
	l.Info("hub_config", "policy", h.Policy.String(), "buffer", h.OutBufSize)
	return h
}
