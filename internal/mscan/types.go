package mscan

import (
	"fmt"

	"github.com/kstaniek/go-mscan/internal/hal"
)

// PayloadSize is the fixed capacity of a received message.
const PayloadSize = hal.MaxPayload

// Frame is an outbound standard-identifier data frame.
//
// Len is the payload length; values above PayloadSize are clamped by Send.
// Priority is the local transmit priority used when several slots are pending;
// lower values win.
type Frame struct {
	ID       uint16
	Data     [PayloadSize]byte
	Len      uint8
	Priority uint8
}

// NewFrame builds a frame from a payload, truncating it to PayloadSize bytes.
func NewFrame(id uint16, priority uint8, payload ...byte) Frame {
	f := Frame{ID: id, Priority: priority}
	f.Len = uint8(copy(f.Data[:], payload))
	return f
}

// Payload returns the valid part of Data after clamping Len.
func (f Frame) Payload() []byte { return f.Data[:hal.ClampLength(f.Len)] }

func (f Frame) String() string {
	return fmt.Sprintf("%03X#% X", f.ID, f.Payload())
}

// Message is the fixed-size payload of the most recently received frame.
type Message [PayloadSize]byte

// RxFrame is a received message together with its length and the controller
// timestamp captured on reception.
type RxFrame struct {
	Data      Message
	Len       uint8
	Timestamp uint16
}

// Payload returns the valid bytes of the message.
func (r RxFrame) Payload() []byte { return r.Data[:hal.ClampLength(r.Len)] }
