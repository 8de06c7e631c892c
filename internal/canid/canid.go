// Package canid maps bus frames to and from the 32-bit identifier word used by
// SocketCAN and the cannelloni wire format: the identifier in the low bits and
// EFF/RTR/ERR flags in the top three.
package canid

import "go.einride.tech/can"

// Flag bits and masks, same values as <linux/can.h>.
const (
	EFFFlag uint32 = 0x80000000
	RTRFlag uint32 = 0x40000000
	ERRFlag uint32 = 0x20000000
	SFFMask uint32 = 0x000007FF
	EFFMask uint32 = 0x1FFFFFFF
)

// Encode returns the identifier word for f.
func Encode(f can.Frame) uint32 {
	var w uint32
	if f.IsExtended {
		w = f.ID&EFFMask | EFFFlag
	} else {
		w = f.ID & SFFMask
	}
	if f.IsRemote {
		w |= RTRFlag
	}
	return w
}

// Decode fills the identifier and flag fields of a frame from w. Length and
// data are left zero.
func Decode(w uint32) can.Frame {
	f := can.Frame{
		IsExtended: w&EFFFlag != 0,
		IsRemote:   w&RTRFlag != 0,
	}
	if f.IsExtended {
		f.ID = w & EFFMask
	} else {
		f.ID = w & SFFMask
	}
	return f
}

// IsError reports whether w carries the error-frame flag.
func IsError(w uint32) bool { return w&ERRFlag != 0 }

// Std builds a standard data frame. Payloads longer than 8 bytes are truncated.
func Std(id uint32, payload ...byte) can.Frame {
	f := can.Frame{ID: id & SFFMask}
	f.Length = uint8(copy(f.Data[:], payload))
	return f
}

// Ext builds an extended data frame. Payloads longer than 8 bytes are truncated.
func Ext(id uint32, payload ...byte) can.Frame {
	f := can.Frame{ID: id & EFFMask, IsExtended: true}
	f.Length = uint8(copy(f.Data[:], payload))
	return f
}
