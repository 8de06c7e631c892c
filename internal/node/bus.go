package node

import (
	"context"
	"sync"

	"go.einride.tech/can"

	"github.com/kstaniek/go-mscan/internal/hub"
)

// Wire is a controller that can be attached to a bus.
type Wire interface {
	SetWire(func(can.Frame))
	Deliver(can.Frame)
}

// AttachBus connects ctrl to h: frames it transmits are published to the
// other ports and frames published by others are delivered to it. The
// returned function detaches it.
func AttachBus(ctx context.Context, ctrl Wire, h *hub.Hub, name string) func() {
	port := h.Attach(name)
	ctrl.SetWire(func(f can.Frame) { h.Publish(port, f) })
	var wg sync.WaitGroup
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
				ctrl.Deliver(fr)
			}
		}
	}()
	return func() {
		ctrl.SetWire(nil)
		h.Remove(port)
		wg.Wait()
	}
}
