package hal

// Identifier packing.
//
// In 16-bit filter mode a standard frame is seen as one word:
//
//	ID10..ID0 [15:5]  RTR [4]  IDE [3]  unused [2:0]
//
// In the 32-bit transmit identifier register the 11-bit identifier occupies
// bits 31..21; the low bits carry frame-type flags left at zero here.

const (
	stdShift16 = 5
	stdShift32 = 21
	rtrBit16   = 1 << 4
	ideBit16   = 1 << 3
	// dontCare16 marks the three unused low bits as "don't care" in a mask.
	dontCare16 uint16 = 0x0007
)

// Filter is one identifier/mask acceptance register pair. A set mask bit means
// "don't care".
type Filter struct {
	ID   uint16
	Mask uint16
}

// StdFilter builds the filter for a standard identifier: the identifier is
// aligned to the packed layout and the mask is 0x0007 | ^(id<<5).
func StdFilter(id uint16) Filter {
	packed := (id & MaxStdID) << stdShift16
	return Filter{ID: packed, Mask: dontCare16 | ^packed}
}

// Match reports whether a packed identifier word passes the filter.
func (f Filter) Match(word uint16) bool {
	return (word^f.ID)&^f.Mask == 0
}

// PackStd16 packs a standard identifier into the 16-bit filter layout.
func PackStd16(id uint16, rtr bool) uint16 {
	w := (id & MaxStdID) << stdShift16
	if rtr {
		w |= rtrBit16
	}
	return w
}

// PackExt16 packs the upper 14 bits of an extended identifier into the 16-bit
// filter layout (ID28..ID18, SRR, IDE, ID17..ID15).
func PackExt16(id uint32) uint16 {
	w := uint16(id>>18&0x7FF) << stdShift16
	w |= rtrBit16 | ideBit16 // SRR occupies the RTR position and is always recessive
	w |= uint16(id >> 15 & 0x07)
	return w
}

// PackTxID packs a standard identifier into the 32-bit transmit identifier register.
func PackTxID(id uint16) uint32 { return uint32(id&MaxStdID) << stdShift32 }

// UnpackTxID recovers the standard identifier from a transmit identifier register.
func UnpackTxID(v uint32) uint16 { return uint16(v>>stdShift32) & MaxStdID }
