package mscan

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-mscan/internal/hal"
	"github.com/kstaniek/go-mscan/internal/logging"
	"github.com/kstaniek/go-mscan/internal/metrics"
)

func newTestDriver(t *testing.T, opts ...Option) (*Driver, *fakeDevice, *fakeIRQ) {
	t.Helper()
	dev := newFakeDevice()
	irq := &fakeIRQ{}
	d := New(dev, irq, append([]Option{WithLogger(logging.Discard())}, opts...)...)
	return d, dev, irq
}

func mustInit(t *testing.T, d *Driver, cfg Config) {
	t.Helper()
	if err := d.Init(cfg); err != nil {
		t.Fatalf("init: %v", err)
	}
}

func TestInit_Sequence(t *testing.T) {
	d, dev, irq := newTestDriver(t)
	mustInit(t, d, Config{BaseID: 0x123})

	want := "enable,init_on,timing,control,accept_mode,filter,filter,filter,filter,init_off,rx_ie"
	if got := strings.Join(dev.calls, ","); got != want {
		t.Fatalf("call order\n got: %s\nwant: %s", got, want)
	}
	if dev.timing != hal.DefaultTiming {
		t.Fatalf("timing=%+v want default", dev.timing)
	}
	if dev.control != (hal.Control{Timestamps: true}) {
		t.Fatalf("control=%+v", dev.control)
	}
	if dev.mode != hal.Accept4x16 {
		t.Fatalf("mode=%s", dev.mode)
	}
	for i, f := range dev.filters {
		if f.ID != 0x2460 || f.Mask != 0xDB9F {
			t.Fatalf("filter %d = %04X/%04X want 2460/DB9F", i, f.ID, f.Mask)
		}
	}
	if !dev.rxIE || irq.handler == nil {
		t.Fatalf("receive interrupt not armed")
	}
	if !d.Stats().Initialized {
		t.Fatalf("stats not initialized")
	}
}

func TestInit_ExtraFiltersAndLoopback(t *testing.T) {
	d, dev, _ := newTestDriver(t)
	mustInit(t, d, Config{BaseID: 0x100, ExtraIDs: []uint16{0x200, 0x300}, Loopback: true})
	want := []hal.Filter{hal.StdFilter(0x100), hal.StdFilter(0x200), hal.StdFilter(0x300), hal.StdFilter(0x100)}
	for i := range want {
		if dev.filters[i] != want[i] {
			t.Fatalf("filter %d = %+v want %+v", i, dev.filters[i], want[i])
		}
	}
	if !dev.control.Loopback || !dev.control.Timestamps || dev.control.ListenOnly {
		t.Fatalf("control=%+v", dev.control)
	}
}

func TestInit_ConfigErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want error
	}{
		{"bad_timing", Config{Timing: hal.BusTiming{Prescaler: 1, Seg1: 2, Seg2: 1, JumpWidth: 1}}, hal.ErrInvalidTiming},
		{"base_too_large", Config{BaseID: 0x800}, ErrInvalidIdentifier},
		{"extra_too_large", Config{ExtraIDs: []uint16{0x1000}}, ErrInvalidIdentifier},
		{"too_many_filters", Config{ExtraIDs: []uint16{1, 2, 3, 4}}, ErrTooManyFilters},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, dev, _ := newTestDriver(t)
			err := d.Init(tc.cfg)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
			if len(dev.calls) != 0 {
				t.Fatalf("hardware touched on invalid config: %v", dev.calls)
			}
			// A rejected config does not consume the one-shot Init.
			mustInit(t, d, Config{BaseID: 0x001})
		})
	}
}

func TestInit_Twice(t *testing.T) {
	d, dev, _ := newTestDriver(t)
	mustInit(t, d, Config{BaseID: 0x123})
	n := len(dev.calls)
	if err := d.Init(Config{BaseID: 0x123}); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("err=%v want ErrAlreadyInitialized", err)
	}
	if len(dev.calls) != n {
		t.Fatalf("second init touched hardware")
	}
}

func TestInit_TimeoutWhenInitNeverAcknowledged(t *testing.T) {
	d, dev, _ := newTestDriver(t, WithWaitTimeout(10*time.Millisecond))
	dev.stuckInit = true
	err := d.Init(Config{BaseID: 0x123})
	if !errors.Is(err, ErrHardwareNotResponding) {
		t.Fatalf("err=%v want ErrHardwareNotResponding", err)
	}
}

func TestSend_BeforeInit(t *testing.T) {
	d, _, _ := newTestDriver(t)
	if err := d.Send(NewFrame(0x123, 0, 1)); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err=%v want ErrNotInitialized", err)
	}
}

func TestSend_InvalidIdentifier(t *testing.T) {
	d, _, _ := newTestDriver(t)
	mustInit(t, d, Config{})
	if err := d.Send(Frame{ID: 0x800}); !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("err=%v want ErrInvalidIdentifier", err)
	}
}

func TestSend_LoadsLowestFreeSlot(t *testing.T) {
	d, dev, _ := newTestDriver(t)
	mustInit(t, d, Config{})
	dev.txEmpty = 0b110
	if err := d.Send(NewFrame(0x123, 7, 1, 2, 3)); err != nil {
		t.Fatalf("send: %v", err)
	}
	s := dev.loaded[1]
	if s.id != 0x123<<21 || s.n != 3 || s.prio != 7 {
		t.Fatalf("slot 1 = %+v", s)
	}
	if s.data[0] != 1 || s.data[1] != 2 || s.data[2] != 3 {
		t.Fatalf("payload = % X", s.data)
	}
	if st := d.Stats(); st.TxFrames != 1 {
		t.Fatalf("tx frames=%d", st.TxFrames)
	}
}

func TestSend_ClampIsIdempotent(t *testing.T) {
	payload := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	var got [2]struct {
		data [8]byte
		n    uint8
	}
	for i, n := range []uint8{200, 8} {
		d, dev, _ := newTestDriver(t)
		mustInit(t, d, Config{})
		if err := d.Send(Frame{ID: 0x10, Data: payload, Len: n}); err != nil {
			t.Fatalf("send: %v", err)
		}
		got[i].data, got[i].n = dev.loaded[0].data, dev.loaded[0].n
	}
	if got[0] != got[1] || got[0].n != 8 {
		t.Fatalf("clamped=%+v exact=%+v", got[0], got[1])
	}
}

func TestNewFrame_Truncates(t *testing.T) {
	f := NewFrame(0x1, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	if f.Len != 8 || f.Data[7] != 8 {
		t.Fatalf("frame=%v", f)
	}
	if s := f.String(); s != "001#01 02 03 04 05 06 07 08" {
		t.Fatalf("String()=%q", s)
	}
}

func TestSend_BuffersFullAndRecovery(t *testing.T) {
	d, dev, _ := newTestDriver(t, WithPause(func() { time.Sleep(100 * time.Microsecond) }))
	mustInit(t, d, Config{})
	dev.mu.Lock()
	dev.autoComplete = false
	dev.mu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, hal.TxSlots)
	for i := 0; i < hal.TxSlots; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- d.Send(NewFrame(uint16(0x100+i), 0, byte(i)))
		}(i)
	}
	deadline := time.Now().Add(2 * time.Second)
	for dev.busy() != hal.TxSlotMask {
		if time.Now().After(deadline) {
			t.Fatalf("slots never all busy: %03b", dev.busy())
		}
		time.Sleep(time.Millisecond)
	}

	if err := d.Send(NewFrame(0x200, 0)); !errors.Is(err, ErrBuffersFull) {
		t.Fatalf("err=%v want ErrBuffersFull", err)
	}
	if st := d.Stats(); st.TxFull != 1 || st.SlotsBusy != hal.TxSlotMask {
		t.Fatalf("stats=%+v", st)
	}

	dev.complete(hal.TxSlotMask)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("in-flight send: %v", err)
		}
	}

	dev.mu.Lock()
	dev.autoComplete = true
	dev.mu.Unlock()
	if err := d.Send(NewFrame(0x200, 0)); err != nil {
		t.Fatalf("send after recovery: %v", err)
	}
}

func TestSend_ReservedSlotNotReused(t *testing.T) {
	d, dev, _ := newTestDriver(t)
	mustInit(t, d, Config{})
	// Slot 0 is empty in hardware but its sender has not observed completion yet.
	d.reserved = 0b001
	if err := d.Send(NewFrame(0x321, 0, 9)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if dev.loaded[0].id != 0 || dev.loaded[1].id != 0x321<<21 {
		t.Fatalf("reserved slot reused: %+v", dev.loaded)
	}
}

func TestSend_TimeoutReleasesReservation(t *testing.T) {
	d, dev, _ := newTestDriver(t, WithWaitTimeout(10*time.Millisecond))
	mustInit(t, d, Config{})
	dev.autoComplete = false
	err := d.Send(NewFrame(0x10, 0))
	if !errors.Is(err, ErrHardwareNotResponding) {
		t.Fatalf("err=%v want ErrHardwareNotResponding", err)
	}
	if d.reserved != 0 {
		t.Fatalf("reservation leaked: %03b", d.reserved)
	}
}

func TestReceive_HandlerCopiesAndFlags(t *testing.T) {
	d, dev, irq := newTestDriver(t)
	mustInit(t, d, Config{BaseID: 0x123})
	if d.DataAvailable() {
		t.Fatalf("available before any frame")
	}
	dev.setRx(0x1234, 1, 2, 3)
	irq.fire()

	if !d.DataAvailable() {
		t.Fatalf("flag not set")
	}
	if dev.rxCleared != 1 {
		t.Fatalf("receive-full not acknowledged")
	}
	var m Message
	d.ReceiveCopy(&m)
	if m != (Message{1, 2, 3}) {
		t.Fatalf("copy=% X", m)
	}
	if !d.DataAvailable() {
		t.Fatalf("ReceiveCopy cleared the flag")
	}
	var fr RxFrame
	d.ReceiveFrame(&fr)
	if fr.Len != 3 || fr.Timestamp != 0x1234 || fr.Data != m {
		t.Fatalf("frame=%+v", fr)
	}
	d.ClearDataAvailable()
	if d.DataAvailable() {
		t.Fatalf("flag not cleared")
	}
	if irq.disabled != irq.enabled || irq.disabled != 3 {
		t.Fatalf("critical sections unbalanced: disable=%d enable=%d", irq.disabled, irq.enabled)
	}
}

func TestReceive_ShortFrameZeroesTail(t *testing.T) {
	d, dev, irq := newTestDriver(t)
	mustInit(t, d, Config{})
	dev.setRx(0, 1, 2, 3, 4, 5, 6, 7, 8)
	irq.fire()
	dev.setRx(0, 9, 9)
	irq.fire()
	var m Message
	d.ReceiveCopy(&m)
	if m != (Message{9, 9}) {
		t.Fatalf("copy=% X", m)
	}
}

func TestReceive_LengthCodeClamped(t *testing.T) {
	d, dev, irq := newTestDriver(t)
	mustInit(t, d, Config{})
	dev.setRx(0, 1, 2, 3, 4, 5, 6, 7, 8)
	dev.rxLen = 0x0F
	irq.fire()
	var fr RxFrame
	d.ReceiveFrame(&fr)
	if fr.Len != 8 || len(fr.Payload()) != 8 {
		t.Fatalf("len=%d", fr.Len)
	}
}

func TestReceive_OverwriteCounted(t *testing.T) {
	d, dev, irq := newTestDriver(t)
	mustInit(t, d, Config{})
	dev.setRx(0, 1)
	irq.fire()
	dev.setRx(0, 2)
	irq.fire()
	st := d.Stats()
	if st.RxFrames != 2 || st.RxOverwrite != 1 || !st.Available {
		t.Fatalf("stats=%+v", st)
	}
	var m Message
	d.ReceiveCopy(&m)
	if m[0] != 2 {
		t.Fatalf("latest frame not kept: % X", m)
	}
}

func TestReceive_OverwriteLoggedOnConsume(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, nil))
	d, dev, irq := newTestDriver(t, WithLogger(l))
	mustInit(t, d, Config{})
	for i := byte(1); i <= 3; i++ {
		dev.setRx(0, i)
		irq.fire()
	}
	if strings.Contains(buf.String(), "rx_overwrite") {
		t.Fatalf("handler logged: %s", buf.String())
	}
	var fr RxFrame
	if !d.Take(&fr) {
		t.Fatalf("take missed frame")
	}
	if !strings.Contains(buf.String(), "msg=rx_overwrite lost=2 total=2") {
		t.Fatalf("log=%q", buf.String())
	}

	buf.Reset()
	dev.setRx(0, 4)
	irq.fire()
	d.ClearDataAvailable()
	if strings.Contains(buf.String(), "rx_overwrite") {
		t.Fatalf("overwrite reported twice: %s", buf.String())
	}
}

func TestClearDataAvailable_CountsOnlyPendingMessage(t *testing.T) {
	d, dev, irq := newTestDriver(t)
	mustInit(t, d, Config{})
	before := metrics.Snap().RxConsumed
	d.ClearDataAvailable()
	if got := metrics.Snap().RxConsumed; got != before {
		t.Fatalf("empty clear counted: %d -> %d", before, got)
	}
	dev.setRx(0, 1)
	irq.fire()
	d.ClearDataAvailable()
	d.ClearDataAvailable()
	if got := metrics.Snap().RxConsumed; got != before+1 {
		t.Fatalf("consumed=%d want %d", got, before+1)
	}
}

func TestTake(t *testing.T) {
	d, dev, irq := newTestDriver(t)
	mustInit(t, d, Config{})
	fr := RxFrame{Len: 99}
	if d.Take(&fr) {
		t.Fatalf("take on empty buffer")
	}
	if fr.Len != 99 {
		t.Fatalf("dst modified on empty take")
	}
	dev.setRx(7, 0xAA, 0xBB)
	irq.fire()
	if !d.Take(&fr) {
		t.Fatalf("take missed frame")
	}
	if fr.Len != 2 || fr.Timestamp != 7 || fr.Payload()[1] != 0xBB {
		t.Fatalf("frame=%+v", fr)
	}
	if d.DataAvailable() {
		t.Fatalf("take did not clear the flag")
	}
}

func TestReceive_NoTornReads(t *testing.T) {
	d, dev, irq := newTestDriver(t)
	mustInit(t, d, Config{})

	const rounds = 5000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for k := 0; k < rounds; k++ {
			b := byte(k)
			dev.setRx(uint16(b)<<8|uint16(b), b, b, b, b, b, b, b, b)
			irq.fire()
		}
	}()

	var m Message
	var fr RxFrame
	for {
		select {
		case <-done:
			return
		default:
		}
		d.ReceiveCopy(&m)
		for i := 1; i < len(m); i++ {
			if m[i] != m[0] {
				t.Fatalf("torn copy: % X", m)
			}
		}
		if d.Take(&fr) {
			if fr.Len != 8 || byte(fr.Timestamp) != fr.Data[0] || byte(fr.Timestamp>>8) != fr.Data[7] {
				t.Fatalf("flag and buffer out of step: %+v", fr)
			}
		}
	}
}
