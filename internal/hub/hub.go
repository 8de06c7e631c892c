// Package hub is the virtual CAN bus: every frame published by one port is
// fanned out to all other ports.
package hub

import (
	"sync"

	"go.einride.tech/can"

	"github.com/kstaniek/go-mscan/internal/logging"
	"github.com/kstaniek/go-mscan/internal/metrics"
)

type BackpressurePolicy int

const (
	// PolicyDrop discards frames for a port whose queue is full.
	PolicyDrop BackpressurePolicy = iota
	// PolicyKick closes a port whose queue is full.
	PolicyKick
)

// ParsePolicy maps "drop" or "kick" to a policy.
func ParsePolicy(s string) (BackpressurePolicy, bool) {
	switch s {
	case "drop":
		return PolicyDrop, true
	case "kick":
		return PolicyKick, true
	}
	return PolicyDrop, false
}

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// Port is one attachment to the bus. The owner drains Out until Closed.
type Port struct {
	Name      string
	Out       chan can.Frame
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewPort returns a port with a queue of buf frames.
func NewPort(name string, buf int) *Port {
	if buf <= 0 {
		buf = 1
	}
	return &Port{Name: name, Out: make(chan can.Frame, buf), Closed: make(chan struct{})}
}

// Close signals the port is closed (idempotent).
func (p *Port) Close() {
	p.closeOnce.Do(func() { close(p.Closed) })
}

type Hub struct {
	mu         sync.RWMutex
	ports      map[*Port]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{ports: make(map[*Port]struct{}), OutBufSize: 256} }

// Attach creates a port sized by OutBufSize and adds it.
func (h *Hub) Attach(name string) *Port {
	p := NewPort(name, h.OutBufSize)
	h.Add(p)
	return p
}

// Add registers a port.
func (h *Hub) Add(p *Port) {
	h.mu.Lock()
	h.ports[p] = struct{}{}
	n := len(h.ports)
	h.mu.Unlock()
	metrics.SetHubPorts(n)
	logging.L().Debug("hub_port_attached", "port", p.Name, "ports", n)
}

// Remove unregisters and closes a port; safe to call multiple times.
func (h *Hub) Remove(p *Port) {
	h.mu.Lock()
	_, existed := h.ports[p]
	delete(h.ports, p)
	n := len(h.ports)
	h.mu.Unlock()
	p.Close()
	metrics.SetHubPorts(n)
	if existed {
		logging.L().Debug("hub_port_detached", "port", p.Name, "ports", n)
	}
}

// Publish delivers fr to every port except src, honouring the backpressure
// policy. A nil src reaches all ports.
func (h *Hub) Publish(src *Port, fr can.Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for p := range h.ports {
		if p == src {
			continue
		}
		select {
		case <-p.Closed:
			continue
		default:
		}
		select {
		case p.Out <- fr:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				logging.L().Warn("hub_port_kicked", "port", p.Name)
				p.Close()
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

// Snapshot returns a copy of the current ports.
func (h *Hub) Snapshot() []*Port {
	h.mu.RLock()
	ports := make([]*Port, 0, len(h.ports))
	for p := range h.ports {
		ports = append(ports, p)
	}
	h.mu.RUnlock()
	return ports
}

// Count returns the number of attached ports.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.ports); h.mu.RUnlock(); return n }
