// Package sim is a software model of an MSCAN-style controller attached to a
// virtual CAN bus. It implements hal.Device and, through IRQ, hal.Interrupts.
//
// Modelled behaviour: init-mode handshake with init-only registers, three
// transmit slots scheduled by local priority, internal loopback, 4x16
// acceptance filtering, a receive FIFO with overrun counting and a 16-bit
// free-running timestamp clocked at the bit rate.
package sim

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.einride.tech/can"

	"github.com/kstaniek/go-mscan/internal/hal"
	"github.com/kstaniek/go-mscan/internal/logging"
	"github.com/kstaniek/go-mscan/internal/metrics"
)

const (
	// DefaultClockHz is the bus clock the default timing is designed for.
	DefaultClockHz = 8_000_000
	// DefaultFIFODepth matches the four background buffers plus the foreground one.
	DefaultFIFODepth = 5
	// frameOverheadBits approximates the non-payload bits of a standard data frame.
	frameOverheadBits = 47
)

type txSlot struct {
	id   uint32
	data [hal.MaxPayload]byte
	n    uint8
	prio uint8
}

type rxEntry struct {
	frame can.Frame
	stamp uint16
}

// Controller is the simulated peripheral. All register accessors are safe for
// concurrent use.
type Controller struct {
	mu     sync.Mutex
	logger *slog.Logger

	clockHz   uint32
	fifoDepth int
	wire      func(can.Frame)
	latency   func(bits int, bitrate uint32) time.Duration
	start     time.Time

	enabled      bool
	initReq      bool
	initAck      bool
	unresponsive bool
	holdTx       bool
	stopped      bool

	btr0, btr1 uint8

	timing  hal.BusTiming
	control hal.Control
	mode    hal.AcceptanceMode
	filters [hal.FilterCount]hal.Filter

	txEmpty uint8
	sel     uint8
	slots   [hal.TxSlots]txSlot

	rxIE bool
	fifo []rxEntry

	irq    *IRQ
	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Controller)

// WithLogger sets the logger (default logging.L()).
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock sets the controller clock in Hz, used for bit time and timestamps.
func WithClock(hz uint32) Option {
	return func(c *Controller) {
		if hz > 0 {
			c.clockHz = hz
		}
	}
}

// WithFIFODepth sets the number of receive buffers.
func WithFIFODepth(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.fifoDepth = n
		}
	}
}

// WithWire sets the function receiving frames the controller puts on the bus.
// It is called outside the controller lock.
func WithWire(fn func(can.Frame)) Option {
	return func(c *Controller) { c.wire = fn }
}

// WithInstantTx removes the simulated frame transmission time.
func WithInstantTx() Option {
	return func(c *Controller) {
		c.latency = func(int, uint32) time.Duration { return 0 }
	}
}

func frameTime(bits int, bitrate uint32) time.Duration {
	if bitrate == 0 {
		return 0
	}
	return time.Duration(int64(bits) * int64(time.Second) / int64(bitrate))
}

// New starts a controller in reset state: disabled, all transmit slots empty,
// receive interrupt off. Close stops its goroutines.
func New(ctx context.Context, opts ...Option) *Controller {
	c := &Controller{
		logger:    logging.L(),
		clockHz:   DefaultClockHz,
		fifoDepth: DefaultFIFODepth,
		latency:   frameTime,
		start:     time.Now(),
		timing:    hal.DefaultTiming,
		mode:      hal.AcceptClosed,
		txEmpty:   hal.TxSlotMask,
		kick:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	c.btr0, c.btr1 = c.timing.Registers()
	c.irq = newIRQ(c.rxAsserted)

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(2)
	go func() { defer c.wg.Done(); c.irq.run(ctx) }()
	go func() { defer c.wg.Done(); c.txLoop(ctx) }()
	return c
}

// SetWire replaces the bus output function set by WithWire.
func (c *Controller) SetWire(fn func(can.Frame)) {
	c.mu.Lock()
	c.wire = fn
	c.mu.Unlock()
}

// Close stops the scheduler and the interrupt dispatcher. Pending and later
// transmit requests are aborted, so their slots read empty.
func (c *Controller) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

// Interrupts returns the controller's interrupt line.
func (c *Controller) Interrupts() *IRQ { return c.irq }

func (c *Controller) rxAsserted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rxIE && len(c.fifo) > 0
}

func (c *Controller) Enable() {
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
}

func (c *Controller) RequestInit(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initReq = on
	if c.unresponsive || !c.enabled {
		return
	}
	c.setInitAckLocked(on)
}

func (c *Controller) setInitAckLocked(on bool) {
	if c.initAck == on {
		return
	}
	c.initAck = on
	if on {
		// Entering init mode aborts pending transmissions and flushes reception.
		c.txEmpty = hal.TxSlotMask
		c.fifo = c.fifo[:0]
		c.logger.Debug("sim_init_enter")
		return
	}
	c.logger.Debug("sim_init_leave",
		"mode", c.mode.String(),
		"loopback", c.control.Loopback,
		"bitrate", c.timing.Bitrate(c.clockHz))
	c.signalTx()
}

func (c *Controller) InitAck() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initAck
}

// initOnly reports whether an init-only register write is honoured.
func (c *Controller) initOnlyLocked(reg string) bool {
	if c.initAck {
		return true
	}
	c.logger.Debug("sim_write_ignored", "register", reg)
	return false
}

func (c *Controller) SetTiming(t hal.BusTiming) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initOnlyLocked("timing") {
		c.btr0, c.btr1 = t.Registers()
		c.timing = hal.TimingFromRegisters(t.Clock, c.btr0, c.btr1)
	}
}

func (c *Controller) SetControl(ctl hal.Control) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initOnlyLocked("control") {
		c.control = ctl
	}
}

func (c *Controller) SetAcceptanceMode(m hal.AcceptanceMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initOnlyLocked("acceptance_mode") {
		c.mode = m
	}
}

func (c *Controller) SetFilter(i int, f hal.Filter) {
	if i < 0 || i >= hal.FilterCount {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initOnlyLocked("filter") {
		c.filters[i] = f
	}
}

func (c *Controller) TxEmpty() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txEmpty
}

func (c *Controller) SelectTx(mask uint8) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sel = hal.LowestSlot(mask & hal.TxSlotMask)
	return c.sel
}

// selectedLocked returns the slot being loaded. Writes are ignored when no
// slot is selected or the selected slot is already scheduled.
func (c *Controller) selectedLocked() *txSlot {
	i := hal.SlotIndex(c.sel)
	if i < 0 || c.txEmpty&c.sel == 0 {
		return nil
	}
	return &c.slots[i]
}

func (c *Controller) SetTxID(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.selectedLocked(); s != nil {
		s.id = id
	}
}

func (c *Controller) SetTxData(i int, b byte) {
	if i < 0 || i >= hal.MaxPayload {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.selectedLocked(); s != nil {
		s.data[i] = b
	}
}

func (c *Controller) SetTxLength(n uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.selectedLocked(); s != nil {
		s.n = n
	}
}

func (c *Controller) SetTxPriority(p uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.selectedLocked(); s != nil {
		s.prio = p
	}
}

func (c *Controller) ReleaseTx(mask uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		c.logger.Debug("sim_tx_aborted", "slots", mask&hal.TxSlotMask)
		return
	}
	c.txEmpty &^= mask & hal.TxSlotMask
	c.signalTx()
}

func (c *Controller) RxLength() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.fifo) == 0 {
		return 0
	}
	return c.fifo[0].frame.Length
}

func (c *Controller) RxData(i int) byte {
	if i < 0 || i >= hal.MaxPayload {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.fifo) == 0 {
		return 0
	}
	return c.fifo[0].frame.Data[i]
}

func (c *Controller) RxTimestamp() (hi, lo uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.fifo) == 0 {
		return 0, 0
	}
	ts := c.fifo[0].stamp
	return uint8(ts >> 8), uint8(ts)
}

func (c *Controller) ClearRxFull() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.fifo) == 0 {
		return
	}
	copy(c.fifo, c.fifo[1:])
	c.fifo = c.fifo[:len(c.fifo)-1]
	if len(c.fifo) > 0 && c.rxIE {
		c.irq.Raise()
	}
}

func (c *Controller) SetRxInterrupt(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rxIE = on
	if on && len(c.fifo) > 0 {
		c.irq.Raise()
	}
}

// HoldTx stops (or resumes) the transmit scheduler. Held slots stay busy until Close.
func (c *Controller) HoldTx(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holdTx = on
	if !on {
		c.signalTx()
	}
}

// SetUnresponsive freezes the init handshake and the transmit scheduler.
func (c *Controller) SetUnresponsive(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unresponsive = on
	if !on {
		if c.enabled {
			c.setInitAckLocked(c.initReq)
		}
		c.signalTx()
	}
}

// Deliver offers a frame arriving from the bus. It is ignored while the
// controller is disabled, in init mode or in loopback.
func (c *Controller) Deliver(f can.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.control.Loopback {
		return
	}
	c.receiveLocked(f)
}

// State is a read-only view of the controller registers for diagnostics.
type State struct {
	Enabled   bool
	InitMode  bool
	BTR0      uint8
	BTR1      uint8
	Timing    hal.BusTiming
	Control   hal.Control
	Mode      hal.AcceptanceMode
	Filters   [hal.FilterCount]hal.Filter
	TxEmpty   uint8
	RxPending int
	RxIE      bool
	Bitrate   uint32
	// Interrupts counts receive handler runs.
	Interrupts uint64
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Enabled:   c.enabled,
		InitMode:  c.initAck,
		BTR0:      c.btr0,
		BTR1:      c.btr1,
		Timing:    c.timing,
		Control:   c.control,
		Mode:      c.mode,
		Filters:   c.filters,
		TxEmpty:   c.txEmpty,
		RxPending: len(c.fifo),
		RxIE:      c.rxIE,
		Bitrate:   c.timing.Bitrate(c.clockHz),

		Interrupts: c.irq.Served(),
	}
}

// stampLocked returns the free-running timer, one tick per bit time.
func (c *Controller) stampLocked() uint16 {
	elapsed := time.Since(c.start)
	rate := c.timing.Bitrate(c.clockHz)
	if rate == 0 {
		return uint16(elapsed / time.Microsecond)
	}
	return uint16(uint64(elapsed) * uint64(rate) / uint64(time.Second))
}

func (c *Controller) acceptLocked(f can.Frame) bool {
	switch c.mode {
	case hal.AcceptClosed:
		return false
	case hal.Accept4x16:
		var word uint16
		if f.IsExtended {
			word = hal.PackExt16(f.ID)
		} else {
			word = hal.PackStd16(uint16(f.ID), f.IsRemote)
		}
		for _, flt := range c.filters {
			if flt.Match(word) {
				return true
			}
		}
		return false
	default:
		// 2x32 and 8x8 layouts are not modelled; they accept everything.
		return true
	}
}

func (c *Controller) receiveLocked(f can.Frame) {
	if !c.enabled || c.initAck {
		return
	}
	if !c.acceptLocked(f) {
		metrics.IncSimFilterReject()
		return
	}
	if len(c.fifo) >= c.fifoDepth {
		metrics.IncSimOverrun()
		c.logger.Debug("sim_rx_overrun", "id", f.ID)
		return
	}
	if f.IsRemote {
		f.Data = can.Data{}
	}
	var ts uint16
	if c.control.Timestamps {
		ts = c.stampLocked()
	}
	c.fifo = append(c.fifo, rxEntry{frame: f, stamp: ts})
	if len(c.fifo) == 1 && c.rxIE {
		c.irq.Raise()
	}
}

func (c *Controller) signalTx() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// nextTxLocked picks the scheduled slot with the lowest priority value; ties
// go to the lowest slot index.
func (c *Controller) nextTxLocked() (uint8, bool) {
	if !c.enabled || c.initAck || c.unresponsive || c.holdTx || c.control.ListenOnly {
		return 0, false
	}
	busy := ^c.txEmpty & hal.TxSlotMask
	best := -1
	for i := 0; i < hal.TxSlots; i++ {
		if busy&(1<<i) == 0 {
			continue
		}
		if best < 0 || c.slots[i].prio < c.slots[best].prio {
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}
	return uint8(1) << best, true
}

func (c *Controller) txLoop(ctx context.Context) {
	defer c.stopTx()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.kick:
		}
		for ctx.Err() == nil && c.transmitOne(ctx) {
		}
	}
}

// stopTx aborts every scheduled slot once the scheduler is gone.
func (c *Controller) stopTx() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if busy := ^c.txEmpty & hal.TxSlotMask; busy != 0 {
		c.txEmpty = hal.TxSlotMask
		c.logger.Debug("sim_tx_aborted", "slots", busy)
	}
}

// transmitOne sends the winning slot, if any, and reports whether it did.
func (c *Controller) transmitOne(ctx context.Context) bool {
	c.mu.Lock()
	slot, ok := c.nextTxLocked()
	if !ok {
		c.mu.Unlock()
		return false
	}
	s := c.slots[hal.SlotIndex(slot)]
	rate := c.timing.Bitrate(c.clockHz)
	c.mu.Unlock()

	n := hal.ClampLength(s.n)
	f := can.Frame{ID: uint32(hal.UnpackTxID(s.id)), Length: n}
	copy(f.Data[:], s.data[:n])

	if d := c.latency(frameOverheadBits+8*int(n), rate); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}

	c.mu.Lock()
	// Init mode may have aborted the slot while it was on the wire.
	if c.initAck || c.txEmpty&slot != 0 {
		c.mu.Unlock()
		return true
	}
	c.txEmpty |= slot
	loop := c.control.Loopback
	if loop {
		c.receiveLocked(f)
	}
	wire := c.wire
	c.mu.Unlock()

	if !loop && wire != nil {
		wire(f)
	}
	return true
}
