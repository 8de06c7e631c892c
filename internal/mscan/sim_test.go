package mscan_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.einride.tech/can"

	"github.com/kstaniek/go-mscan/internal/hal"
	"github.com/kstaniek/go-mscan/internal/logging"
	"github.com/kstaniek/go-mscan/internal/mscan"
	"github.com/kstaniek/go-mscan/internal/sim"
)

func newSimDriver(t *testing.T, simOpts []sim.Option, opts ...mscan.Option) (*mscan.Driver, *sim.Controller) {
	t.Helper()
	ctrl := sim.New(context.Background(), append([]sim.Option{sim.WithLogger(logging.Discard())}, simOpts...)...)
	t.Cleanup(func() { _ = ctrl.Close() })
	d := mscan.New(ctrl, ctrl.Interrupts(), append([]mscan.Option{mscan.WithLogger(logging.Discard())}, opts...)...)
	return d, ctrl
}

func waitAvailable(d *mscan.Driver, within time.Duration) bool {
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if d.DataAvailable() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func TestLoopbackRoundTrip(t *testing.T) {
	d, ctrl := newSimDriver(t, nil)
	if err := d.Init(mscan.Config{BaseID: 0x123, Loopback: true}); err != nil {
		t.Fatalf("init: %v", err)
	}
	st := ctrl.State()
	if st.InitMode || !st.RxIE || st.Mode != hal.Accept4x16 || st.Bitrate != 1_000_000 {
		t.Fatalf("controller state after init: %+v", st)
	}

	if err := d.Send(mscan.NewFrame(0x123, 0, 1, 2, 3)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !waitAvailable(d, 2*time.Second) {
		t.Fatalf("looped frame never arrived")
	}
	var m mscan.Message
	d.ReceiveCopy(&m)
	if m != (mscan.Message{1, 2, 3}) {
		t.Fatalf("received % X", m)
	}
	var fr mscan.RxFrame
	if !d.Take(&fr) || fr.Len != 3 {
		t.Fatalf("take: %+v", fr)
	}
	if d.DataAvailable() {
		t.Fatalf("flag still set after take")
	}
}

func TestLoopbackFilterRejectsOtherIdentifiers(t *testing.T) {
	d, _ := newSimDriver(t, nil)
	if err := d.Init(mscan.Config{BaseID: 0x123, Loopback: true}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := d.Send(mscan.NewFrame(0x124, 0, 1)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if waitAvailable(d, 50*time.Millisecond) {
		t.Fatalf("frame 0x124 passed a 0x123 filter")
	}
}

func TestNormalModeTransmitsToWireAndReceivesFromBus(t *testing.T) {
	wired := make(chan can.Frame, 1)
	d, ctrl := newSimDriver(t, []sim.Option{sim.WithWire(func(f can.Frame) { wired <- f })})
	if err := d.Init(mscan.Config{BaseID: 0x100, ExtraIDs: []uint16{0x200}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := d.Send(mscan.NewFrame(0x42, 0, 0xCA, 0xFE)); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case f := <-wired:
		if f.ID != 0x42 || f.Length != 2 || f.Data[1] != 0xFE {
			t.Fatalf("wire frame %v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("frame not on wire")
	}

	ctrl.Deliver(can.Frame{ID: 0x200, Length: 1, Data: can.Data{0x55}})
	if !waitAvailable(d, 2*time.Second) {
		t.Fatalf("bus frame not received")
	}
	var fr mscan.RxFrame
	d.ReceiveFrame(&fr)
	if fr.Len != 1 || fr.Data[0] != 0x55 {
		t.Fatalf("frame=%+v", fr)
	}
}

func TestBuffersFullWhileControllerHoldsSlots(t *testing.T) {
	d, ctrl := newSimDriver(t, []sim.Option{sim.WithInstantTx()})
	if err := d.Init(mscan.Config{BaseID: 0x123, Loopback: true}); err != nil {
		t.Fatalf("init: %v", err)
	}
	ctrl.HoldTx(true)

	var wg sync.WaitGroup
	errs := make(chan error, hal.TxSlots)
	for i := 0; i < hal.TxSlots; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- d.Send(mscan.NewFrame(0x123, uint8(i), byte(i)))
		}(i)
	}
	deadline := time.Now().Add(2 * time.Second)
	for ctrl.TxEmpty() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("slots never filled: %03b", ctrl.TxEmpty())
		}
		time.Sleep(time.Millisecond)
	}
	if err := d.Send(mscan.NewFrame(0x123, 0)); !errors.Is(err, mscan.ErrBuffersFull) {
		t.Fatalf("err=%v want ErrBuffersFull", err)
	}

	ctrl.HoldTx(false)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("held send: %v", err)
		}
	}
	if err := d.Send(mscan.NewFrame(0x123, 0, 0xFF)); err != nil {
		t.Fatalf("send after release: %v", err)
	}
}

func TestInitTimesOutOnUnresponsiveController(t *testing.T) {
	d, ctrl := newSimDriver(t, nil, mscan.WithWaitTimeout(20*time.Millisecond))
	ctrl.SetUnresponsive(true)
	err := d.Init(mscan.Config{BaseID: 0x123})
	if !errors.Is(err, mscan.ErrHardwareNotResponding) {
		t.Fatalf("err=%v want ErrHardwareNotResponding", err)
	}
}
