package mscan

import (
	"sync"

	"github.com/kstaniek/go-mscan/internal/hal"
)

// fakeDevice records register writes. Released slots complete when the test
// calls complete, or on the next TxEmpty poll when autoComplete is set.
type fakeDevice struct {
	mu sync.Mutex

	calls        []string
	enabled      bool
	initReq      bool
	stuckInit    bool
	timing       hal.BusTiming
	control      hal.Control
	mode         hal.AcceptanceMode
	filters      [hal.FilterCount]hal.Filter
	txEmpty      uint8
	sel          uint8
	inflight     uint8
	autoComplete bool
	loaded       [hal.TxSlots]struct {
		id   uint32
		data [8]byte
		n    uint8
		prio uint8
	}

	rxLen     uint8
	rxData    [8]byte
	rxStamp   uint16
	rxCleared int
	rxIE      bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{txEmpty: hal.TxSlotMask, autoComplete: true}
}

func (f *fakeDevice) record(s string) { f.calls = append(f.calls, s) }

func (f *fakeDevice) Enable() { f.mu.Lock(); f.enabled = true; f.record("enable"); f.mu.Unlock() }

func (f *fakeDevice) RequestInit(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initReq = on
	if on {
		f.record("init_on")
	} else {
		f.record("init_off")
	}
}

func (f *fakeDevice) InitAck() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stuckInit {
		return !f.initReq
	}
	return f.initReq
}

func (f *fakeDevice) SetTiming(t hal.BusTiming) {
	f.mu.Lock()
	f.timing = t
	f.record("timing")
	f.mu.Unlock()
}

func (f *fakeDevice) SetControl(c hal.Control) {
	f.mu.Lock()
	f.control = c
	f.record("control")
	f.mu.Unlock()
}

func (f *fakeDevice) SetAcceptanceMode(m hal.AcceptanceMode) {
	f.mu.Lock()
	f.mode = m
	f.record("accept_mode")
	f.mu.Unlock()
}

func (f *fakeDevice) SetFilter(i int, flt hal.Filter) {
	f.mu.Lock()
	f.filters[i] = flt
	f.record("filter")
	f.mu.Unlock()
}

func (f *fakeDevice) TxEmpty() uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.autoComplete && f.inflight != 0 {
		f.txEmpty |= f.inflight
		f.inflight = 0
	}
	return f.txEmpty
}

func (f *fakeDevice) SelectTx(mask uint8) uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sel = hal.LowestSlot(mask)
	return f.sel
}

func (f *fakeDevice) SetTxID(id uint32) {
	f.mu.Lock()
	f.loaded[hal.SlotIndex(f.sel)].id = id
	f.mu.Unlock()
}

func (f *fakeDevice) SetTxData(i int, b byte) {
	f.mu.Lock()
	f.loaded[hal.SlotIndex(f.sel)].data[i] = b
	f.mu.Unlock()
}

func (f *fakeDevice) SetTxLength(n uint8) {
	f.mu.Lock()
	f.loaded[hal.SlotIndex(f.sel)].n = n
	f.mu.Unlock()
}

func (f *fakeDevice) SetTxPriority(p uint8) {
	f.mu.Lock()
	f.loaded[hal.SlotIndex(f.sel)].prio = p
	f.mu.Unlock()
}

func (f *fakeDevice) ReleaseTx(mask uint8) {
	f.mu.Lock()
	f.txEmpty &^= mask
	f.inflight |= mask
	f.mu.Unlock()
}

// complete marks the released slots in mask as transmitted.
func (f *fakeDevice) complete(mask uint8) {
	f.mu.Lock()
	f.txEmpty |= mask & f.inflight
	f.inflight &^= mask
	f.mu.Unlock()
}

func (f *fakeDevice) busy() uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight
}

func (f *fakeDevice) RxLength() uint8 { f.mu.Lock(); defer f.mu.Unlock(); return f.rxLen }

func (f *fakeDevice) RxData(i int) byte { f.mu.Lock(); defer f.mu.Unlock(); return f.rxData[i] }

func (f *fakeDevice) RxTimestamp() (hi, lo uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint8(f.rxStamp >> 8), uint8(f.rxStamp)
}

func (f *fakeDevice) ClearRxFull() { f.mu.Lock(); f.rxCleared++; f.mu.Unlock() }

func (f *fakeDevice) SetRxInterrupt(on bool) {
	f.mu.Lock()
	f.rxIE = on
	f.record("rx_ie")
	f.mu.Unlock()
}

// setRx loads the foreground receive buffer.
func (f *fakeDevice) setRx(stamp uint16, data ...byte) {
	f.mu.Lock()
	f.rxLen = uint8(len(data))
	f.rxData = [8]byte{}
	copy(f.rxData[:], data)
	f.rxStamp = stamp
	f.mu.Unlock()
}

// fakeIRQ runs the handler synchronously from fire, excluded by Disable.
type fakeIRQ struct {
	mu       sync.Mutex
	handler  func()
	disabled int
	enabled  int
}

func (q *fakeIRQ) Attach(h func()) { q.handler = h }

func (q *fakeIRQ) Disable() { q.mu.Lock(); q.disabled++ }

func (q *fakeIRQ) Enable() { q.enabled++; q.mu.Unlock() }

func (q *fakeIRQ) fire() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.handler != nil {
		q.handler()
	}
}
