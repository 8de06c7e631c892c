//go:build linux

package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"

	"go.einride.tech/can"
	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-mscan/internal/canid"
)

// Device is a raw CAN_RAW socket bound to one interface.
type Device struct {
	fd int
}

// Open binds a raw CAN socket to iface (can0, vcan0, ...). CAN FD frames are
// disabled so every read is a classic 16-byte struct can_frame.
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil && err != unix.ENOPROTOOPT {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("disable CAN FD: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrame reads one frame. Error frames are returned as ErrErrorFrame.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return err
	}
	return unmarshalFrame(buf[:n], fr)
}

// WriteFrame writes one classic frame.
func (d *Device) WriteFrame(fr can.Frame) error {
	var buf [unix.CAN_MTU]byte
	marshalFrame(fr, buf[:])
	_, err := unix.Write(d.fd, buf[:])
	return err
}

// struct can_frame, host byte order (little-endian on supported targets):
//
//	can_id u32 [0:4]  can_dlc u8 [4]  pad [5:8]  data [8:16]
func marshalFrame(fr can.Frame, buf []byte) {
	n := fr.Length
	if n > 8 {
		n = 8
	}
	binary.LittleEndian.PutUint32(buf[0:4], canid.Encode(fr))
	buf[4] = n
	copy(buf[8:16], fr.Data[:n])
}

func unmarshalFrame(buf []byte, fr *can.Frame) error {
	if len(buf) != unix.CAN_MTU {
		return fmt.Errorf("short read: %d", len(buf))
	}
	w := binary.LittleEndian.Uint32(buf[0:4])
	if canid.IsError(w) {
		return ErrErrorFrame
	}
	*fr = canid.Decode(w)
	n := buf[4]
	if n > 8 {
		n = 8
	}
	fr.Length = n
	if !fr.IsRemote {
		copy(fr.Data[:], buf[8:8+n])
	}
	return nil
}
