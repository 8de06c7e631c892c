// Package mscan drives an MSCAN-style CAN controller through the hal interfaces.
//
// The driver has three parts: one-shot controller configuration (Init), a
// blocking transmit path over the hardware's transmit slots (Send) and an
// interrupt-fed single receive buffer drained by ordinary code (ReceiveCopy,
// DataAvailable, ClearDataAvailable).
//
// Only one received message is held. A frame arriving before the previous one
// was consumed overwrites it.
package mscan

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-mscan/internal/hal"
	"github.com/kstaniek/go-mscan/internal/logging"
	"github.com/kstaniek/go-mscan/internal/metrics"
)

// Config is the one-shot controller configuration.
type Config struct {
	// BaseID is the standard identifier accepted by filter 0.
	BaseID uint16
	// ExtraIDs populate filters 1..3. Unused filters repeat filter 0.
	ExtraIDs []uint16
	// Timing is the bit timing. The zero value selects hal.DefaultTiming.
	Timing hal.BusTiming
	// Loopback routes transmitted frames straight back to the receiver.
	Loopback bool
	// ClockHz is the controller clock, used only to report the bit rate.
	ClockHz uint32
}

func (c *Config) normalize() error {
	if c.Timing == (hal.BusTiming{}) {
		c.Timing = hal.DefaultTiming
	}
	if err := c.Timing.Validate(); err != nil {
		return err
	}
	if c.BaseID > hal.MaxStdID {
		return fmt.Errorf("%w: base 0x%X", ErrInvalidIdentifier, c.BaseID)
	}
	if len(c.ExtraIDs) > hal.FilterCount-1 {
		return fmt.Errorf("%w: %d extra identifiers (max %d)", ErrTooManyFilters, len(c.ExtraIDs), hal.FilterCount-1)
	}
	for _, id := range c.ExtraIDs {
		if id > hal.MaxStdID {
			return fmt.Errorf("%w: 0x%X", ErrInvalidIdentifier, id)
		}
	}
	return nil
}

// Filters returns the four acceptance filters Init programs for this config.
func (c Config) Filters() [hal.FilterCount]hal.Filter {
	var fs [hal.FilterCount]hal.Filter
	fs[0] = hal.StdFilter(c.BaseID)
	for i := 1; i < hal.FilterCount; i++ {
		if i-1 < len(c.ExtraIDs) {
			fs[i] = hal.StdFilter(c.ExtraIDs[i-1])
		} else {
			fs[i] = fs[0]
		}
	}
	return fs
}

// Stats is a point-in-time view of the driver counters.
type Stats struct {
	Initialized bool
	TxFrames    uint64
	TxFull      uint64
	RxFrames    uint64
	RxOverwrite uint64
	Available   bool
	SlotsBusy   uint8
}

// Driver owns the controller and the shared receive state.
type Driver struct {
	dev    hal.Device
	irq    hal.Interrupts
	logger *slog.Logger
	bound  time.Duration
	pause  func()

	initialized atomic.Bool

	// txMu serializes use of the slot-select window. reserved holds slots
	// released by a sender that has not yet observed their completion.
	txMu     sync.Mutex
	reserved uint8

	// Receive state. buf, length and stamp are written by the interrupt handler
	// and read by consumers only with interrupts disabled.
	buf       Message
	length    uint8
	stamp     uint16
	available atomic.Bool

	txFrames    atomic.Uint64
	txFull      atomic.Uint64
	rxFrames    atomic.Uint64
	rxOverwrite atomic.Uint64
	// overwriteSeen is the rxOverwrite value last reported by a consumer.
	overwriteSeen atomic.Uint64
}

type Option func(*Driver)

// WithLogger sets the driver logger (default logging.L()).
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithWaitTimeout bounds every hardware wait. Zero keeps the unconditional
// waits; a positive bound makes expired waits return ErrHardwareNotResponding.
func WithWaitTimeout(bound time.Duration) Option {
	return func(d *Driver) {
		if bound >= 0 {
			d.bound = bound
		}
	}
}

// WithPause replaces the function run between hardware polls.
func WithPause(fn func()) Option {
	return func(d *Driver) {
		if fn != nil {
			d.pause = fn
		}
	}
}

// New returns a driver for dev. Nothing touches the hardware until Init.
func New(dev hal.Device, irq hal.Interrupts, opts ...Option) *Driver {
	d := &Driver{
		dev:    dev,
		irq:    irq,
		logger: logging.L(),
		pause:  defaultPause,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Driver) wait(cond func() bool) error { return waitUntil(cond, d.bound, d.pause) }

// Init configures the controller and leaves it in normal mode with the receive
// interrupt enabled. It must be called once, before any other operation.
func (d *Driver) Init(cfg Config) error {
	if err := cfg.normalize(); err != nil {
		return err
	}
	if !d.initialized.CompareAndSwap(false, true) {
		return ErrAlreadyInitialized
	}
	// A failed Init leaves the driver unusable; the module enable is write-once anyway.
	d.dev.Enable()

	d.dev.RequestInit(true)
	if err := d.wait(d.dev.InitAck); err != nil {
		metrics.IncError(metrics.ErrInitTimeout)
		return fmt.Errorf("enter init mode: %w", err)
	}

	d.dev.SetTiming(cfg.Timing)
	d.dev.SetControl(hal.Control{
		Timestamps: true,
		ListenOnly: false,
		Loopback:   cfg.Loopback,
	})
	d.dev.SetAcceptanceMode(hal.Accept4x16)
	for i, f := range cfg.Filters() {
		d.dev.SetFilter(i, f)
	}

	d.dev.RequestInit(false)
	if err := d.wait(func() bool { return !d.dev.InitAck() }); err != nil {
		metrics.IncError(metrics.ErrInitTimeout)
		return fmt.Errorf("leave init mode: %w", err)
	}

	d.irq.Attach(d.handleReceive)
	d.dev.SetRxInterrupt(true)

	attrs := []any{
		"base_id", fmt.Sprintf("0x%03X", cfg.BaseID),
		"filters", 1 + len(cfg.ExtraIDs),
		"quanta", cfg.Timing.Quanta(),
		"sample_point", cfg.Timing.SamplePoint(),
		"clock", cfg.Timing.Clock.String(),
		"loopback", cfg.Loopback,
	}
	if cfg.ClockHz > 0 {
		attrs = append(attrs, "bitrate", cfg.Timing.Bitrate(cfg.ClockHz))
	}
	d.logger.Info("mscan_init", attrs...)
	return nil
}

// Send transmits f through the lowest free transmit slot and blocks until the
// controller reports the transmission complete. It returns ErrBuffersFull at
// once when no slot is free.
func (d *Driver) Send(f Frame) error {
	if !d.initialized.Load() {
		return ErrNotInitialized
	}
	if f.ID > hal.MaxStdID {
		return fmt.Errorf("%w: 0x%X", ErrInvalidIdentifier, f.ID)
	}

	d.txMu.Lock()
	free := d.dev.TxEmpty() & hal.TxSlotMask &^ d.reserved
	if free == 0 {
		d.txMu.Unlock()
		d.txFull.Add(1)
		metrics.IncTxBuffersFull()
		d.logger.Debug("tx_buffers_full", "id", fmt.Sprintf("0x%03X", f.ID))
		return ErrBuffersFull
	}
	slot := d.dev.SelectTx(free)
	d.dev.SetTxID(hal.PackTxID(f.ID))
	n := hal.ClampLength(f.Len)
	for i := 0; i < int(n); i++ {
		d.dev.SetTxData(i, f.Data[i])
	}
	d.dev.SetTxLength(n)
	d.dev.SetTxPriority(f.Priority)
	d.reserved |= slot
	d.dev.ReleaseTx(slot)
	d.txMu.Unlock()

	err := d.wait(func() bool { return d.dev.TxEmpty()&slot == slot })

	d.txMu.Lock()
	d.reserved &^= slot
	d.txMu.Unlock()

	if err != nil {
		metrics.IncError(metrics.ErrTxTimeout)
		d.logger.Warn("tx_timeout", "id", fmt.Sprintf("0x%03X", f.ID), "slot", hal.SlotIndex(slot))
		return fmt.Errorf("transmit slot %d: %w", hal.SlotIndex(slot), err)
	}
	d.txFrames.Add(1)
	metrics.IncTx()
	d.logger.Debug("tx_done", "id", fmt.Sprintf("0x%03X", f.ID), "len", n, "slot", hal.SlotIndex(slot))
	return nil
}

// handleReceive runs in interrupt context. It copies the foreground receive
// buffer into the shared state, raises the available flag and releases the
// hardware buffer.
func (d *Driver) handleReceive() {
	n := hal.RxDLC(d.dev.RxLength())
	var msg Message
	for i := 0; i < int(n); i++ {
		msg[i] = d.dev.RxData(i)
	}
	hi, lo := d.dev.RxTimestamp()

	d.buf = msg
	d.length = n
	d.stamp = uint16(hi)<<8 | uint16(lo)
	if d.available.Swap(true) {
		d.rxOverwrite.Add(1)
		metrics.IncRxOverwritten()
	}
	d.rxFrames.Add(1)
	metrics.IncRxInterrupt()

	d.dev.ClearRxFull()
}

// critical runs fn with the receive interrupt excluded.
func (d *Driver) critical(fn func()) {
	d.irq.Disable()
	defer d.irq.Enable()
	fn()
}

// ReceiveCopy copies the whole receive buffer into dst. It neither reads nor
// clears the available flag; check DataAvailable first to know if the content
// is fresh.
func (d *Driver) ReceiveCopy(dst *Message) {
	d.critical(func() { *dst = d.buf })
}

// ReceiveFrame is ReceiveCopy plus the received length and timestamp, taken
// in the same critical section.
func (d *Driver) ReceiveFrame(dst *RxFrame) {
	d.critical(func() {
		dst.Data = d.buf
		dst.Len = d.length
		dst.Timestamp = d.stamp
	})
}

// Take copies the pending message into dst and clears the available flag in a
// single critical section. It reports false, leaving dst untouched, when no
// message is pending.
func (d *Driver) Take(dst *RxFrame) bool {
	var ok bool
	d.critical(func() {
		if !d.available.Load() {
			return
		}
		dst.Data = d.buf
		dst.Len = d.length
		dst.Timestamp = d.stamp
		d.available.Store(false)
		ok = true
	})
	if ok {
		metrics.IncRxConsumed()
		d.reportOverwrites()
	}
	return ok
}

// reportOverwrites logs messages lost to overwrites since the last report.
// The handler only counts them; logging happens here, outside interrupt context.
func (d *Driver) reportOverwrites() {
	total := d.rxOverwrite.Load()
	if prev := d.overwriteSeen.Swap(total); total > prev {
		d.logger.Warn("rx_overwrite", "lost", total-prev, "total", total)
	}
}

// DataAvailable reports whether a message arrived since the last clear.
func (d *Driver) DataAvailable() bool { return d.available.Load() }

// ClearDataAvailable resets the available flag so the next arrival can be told
// apart from the current one.
func (d *Driver) ClearDataAvailable() {
	var was bool
	d.critical(func() { was = d.available.Swap(false) })
	if was {
		metrics.IncRxConsumed()
		d.reportOverwrites()
	}
}

// Stats returns the driver counters.
func (d *Driver) Stats() Stats {
	s := Stats{
		Initialized: d.initialized.Load(),
		TxFrames:    d.txFrames.Load(),
		TxFull:      d.txFull.Load(),
		RxFrames:    d.rxFrames.Load(),
		RxOverwrite: d.rxOverwrite.Load(),
		Available:   d.available.Load(),
	}
	if s.Initialized {
		s.SlotsBusy = ^d.dev.TxEmpty() & hal.TxSlotMask
	}
	return s
}
