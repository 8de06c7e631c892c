package serial

import (
	"time"

	"github.com/tarm/serial"
)

// Port is the byte stream of an opened adapter. *serial.Port satisfies it.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens the adapter's serial device. A read timeout lets the reader loop
// notice cancellation.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	return serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout})
}
