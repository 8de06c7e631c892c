package hal

import (
	"errors"
	"fmt"
)

// ErrInvalidTiming is returned for bit-timing parameters the controller cannot represent.
var ErrInvalidTiming = errors.New("hal: invalid bit timing")

// ClockSource selects the controller clock.
type ClockSource uint8

const (
	ClockOscillator ClockSource = iota
	ClockBus
)

func (c ClockSource) String() string {
	if c == ClockBus {
		return "bus"
	}
	return "oscillator"
}

// Timing limits in time quanta.
const (
	MinSeg1      = 4
	MaxSeg1      = 16
	MinSeg2      = 2
	MaxSeg2      = 8
	MinQuanta    = 8
	MaxQuanta    = 25
	MinJumpWidth = 1
	MaxJumpWidth = 4
	MinPrescaler = 1
	MaxPrescaler = 64
)

// BusTiming is the bit-timing configuration. A bit is 1 + Seg1 + Seg2 quanta,
// each quantum lasting Prescaler clock periods.
type BusTiming struct {
	Clock        ClockSource
	Prescaler    uint8
	Seg1         uint8
	Seg2         uint8
	JumpWidth    uint8
	TripleSample bool
}

// DefaultTiming gives 1 Mbit/s from an 8 MHz bus clock: 8 quanta (1+4+3), SJW 4,
// one sample per bit.
var DefaultTiming = BusTiming{
	Clock:     ClockBus,
	Prescaler: 1,
	Seg1:      4,
	Seg2:      3,
	JumpWidth: 4,
}

// Quanta returns the number of time quanta per bit.
func (t BusTiming) Quanta() int { return 1 + int(t.Seg1) + int(t.Seg2) }

// Validate checks every field against the controller limits.
func (t BusTiming) Validate() error {
	switch {
	case t.Seg1 < MinSeg1 || t.Seg1 > MaxSeg1:
		return fmt.Errorf("%w: segment1 %d outside [%d,%d]", ErrInvalidTiming, t.Seg1, MinSeg1, MaxSeg1)
	case t.Seg2 < MinSeg2 || t.Seg2 > MaxSeg2:
		return fmt.Errorf("%w: segment2 %d outside [%d,%d]", ErrInvalidTiming, t.Seg2, MinSeg2, MaxSeg2)
	case t.Quanta() < MinQuanta || t.Quanta() > MaxQuanta:
		return fmt.Errorf("%w: %d quanta per bit outside [%d,%d]", ErrInvalidTiming, t.Quanta(), MinQuanta, MaxQuanta)
	case t.JumpWidth < MinJumpWidth || t.JumpWidth > MaxJumpWidth:
		return fmt.Errorf("%w: jump width %d outside [%d,%d]", ErrInvalidTiming, t.JumpWidth, MinJumpWidth, MaxJumpWidth)
	case t.Prescaler < MinPrescaler || t.Prescaler > MaxPrescaler:
		return fmt.Errorf("%w: prescaler %d outside [%d,%d]", ErrInvalidTiming, t.Prescaler, MinPrescaler, MaxPrescaler)
	}
	return nil
}

// Registers encodes the timing into the two bus timing registers.
//
//	BTR0: SJW[7:6] BRP[5:0]        (values stored minus one)
//	BTR1: SAMP[7] TSEG2[6:4] TSEG1[3:0]
func (t BusTiming) Registers() (btr0, btr1 uint8) {
	btr0 = (t.JumpWidth-1)&0x03<<6 | (t.Prescaler-1)&0x3F
	btr1 = (t.Seg2-1)&0x07<<4 | (t.Seg1-1)&0x0F
	if t.TripleSample {
		btr1 |= 0x80
	}
	return btr0, btr1
}

// TimingFromRegisters decodes BTR0/BTR1 back into a BusTiming.
func TimingFromRegisters(clock ClockSource, btr0, btr1 uint8) BusTiming {
	return BusTiming{
		Clock:        clock,
		Prescaler:    btr0&0x3F + 1,
		JumpWidth:    btr0>>6&0x03 + 1,
		Seg1:         btr1&0x0F + 1,
		Seg2:         btr1>>4&0x07 + 1,
		TripleSample: btr1&0x80 != 0,
	}
}

// Bitrate returns the resulting bit rate for a controller clock of clockHz.
func (t BusTiming) Bitrate(clockHz uint32) uint32 {
	if t.Prescaler == 0 {
		return 0
	}
	return clockHz / (uint32(t.Prescaler) * uint32(t.Quanta()))
}

// SamplePoint returns the sample point as a fraction of the bit time.
func (t BusTiming) SamplePoint() float64 {
	return float64(1+int(t.Seg1)) / float64(t.Quanta())
}
