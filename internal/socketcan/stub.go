//go:build !linux

package socketcan

import (
	"errors"

	"go.einride.tech/can"
)

var errUnsupported = errors.New("socketcan: only supported on linux")

// Device is unavailable off linux; Open always fails.
type Device struct{}

func Open(string) (*Device, error) { return nil, errUnsupported }

func (*Device) Close() error               { return errUnsupported }
func (*Device) ReadFrame(*can.Frame) error { return errUnsupported }
func (*Device) WriteFrame(can.Frame) error { return errUnsupported }
