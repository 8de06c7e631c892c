// Package hal is the register-level abstraction of an MSCAN-style CAN
// controller. Register fields are exposed by role (identifier, mask, slot
// select, per-slot data bytes) instead of by address, so the packing math in
// this package can be tested without hardware.
package hal

const (
	// TxSlots is the number of hardware transmit buffers.
	TxSlots = 3
	// TxSlotMask covers the transmit-empty flag bits of all slots.
	TxSlotMask uint8 = 1<<TxSlots - 1
	// FilterCount is the number of 16-bit filters in 4x16 acceptance mode.
	FilterCount = 4
	// MaxPayload is the classic CAN payload limit.
	MaxPayload = 8
	// MaxStdID is the largest 11-bit identifier.
	MaxStdID = 0x7FF
	// dlcMask selects the 4-bit data length code.
	dlcMask = 0x0F
)

// Control holds the operating mode bits written during initialization.
type Control struct {
	Timestamps bool // stamp every received/transmitted frame with the free-running timer
	ListenOnly bool // receive only; the controller never drives the bus
	Loopback   bool // route transmitted frames back to the receiver internally
}

// AcceptanceMode selects how the identifier acceptance registers are grouped.
type AcceptanceMode uint8

const (
	Accept2x32   AcceptanceMode = 0
	Accept4x16   AcceptanceMode = 1
	Accept8x8    AcceptanceMode = 2
	AcceptClosed AcceptanceMode = 3
)

func (m AcceptanceMode) String() string {
	switch m {
	case Accept2x32:
		return "2x32"
	case Accept4x16:
		return "4x16"
	case Accept8x8:
		return "8x8"
	case AcceptClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Device is the controller's register surface as seen by the driver.
//
// Init-only registers (timing, control, acceptance) are honoured by hardware
// only while initialization mode is acknowledged.
type Device interface {
	// Enable latches the module enable bit. Write-once on real silicon.
	Enable()
	// RequestInit sets or clears the initialization-mode request.
	RequestInit(on bool)
	// InitAck reports the initialization-mode acknowledge bit.
	InitAck() bool

	SetTiming(t BusTiming)
	SetControl(c Control)
	SetAcceptanceMode(m AcceptanceMode)
	// SetFilter writes the identifier/mask register pair of filter i (0..FilterCount-1).
	SetFilter(i int, f Filter)

	// TxEmpty returns the transmit-empty flags, one bit per slot; set means free.
	TxEmpty() uint8
	// SelectTx writes the slot-select register with mask and returns the read-back,
	// which holds only the lowest set bit of mask.
	SelectTx(mask uint8) uint8
	// SetTxID, SetTxData, SetTxLength and SetTxPriority write the selected slot.
	SetTxID(id uint32)
	SetTxData(i int, b byte)
	SetTxLength(n uint8)
	SetTxPriority(p uint8)
	// ReleaseTx clears the empty flags in mask, scheduling those slots for transmission.
	ReleaseTx(mask uint8)

	// RxLength returns the data length code of the foreground receive buffer.
	RxLength() uint8
	// RxData returns payload byte i of the foreground receive buffer.
	RxData(i int) byte
	// RxTimestamp returns the timer value captured with the received frame.
	RxTimestamp() (hi, lo uint8)
	// ClearRxFull acknowledges the receive-full flag, releasing the buffer.
	ClearRxFull()
	// SetRxInterrupt enables or disables the receive-full interrupt.
	SetRxInterrupt(on bool)
}

// Interrupts is the CPU-side interrupt control the driver relies on.
//
// Disable and Enable bracket a critical section; the attached handler never runs
// between them. Calls do not nest.
type Interrupts interface {
	Attach(handler func())
	Disable()
	Enable()
}

// LowestSlot returns the lowest set bit of mask, or 0 when mask is empty.
func LowestSlot(mask uint8) uint8 { return mask & -mask }

// SlotIndex converts a one-hot slot mask to its index; -1 if mask is not one-hot.
func SlotIndex(mask uint8) int {
	for i := 0; i < TxSlots; i++ {
		if mask == 1<<i {
			return i
		}
	}
	return -1
}

// ClampLength limits a data length code to the payload size.
func ClampLength(n uint8) uint8 {
	if n > MaxPayload {
		return MaxPayload
	}
	return n
}

// RxDLC extracts the length from a raw length register value and clamps it.
func RxDLC(raw uint8) uint8 { return ClampLength(raw & dlcMask) }
