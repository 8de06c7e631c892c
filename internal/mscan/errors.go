package mscan

import "errors"

var (
	// ErrBuffersFull means every transmit slot was busy. Retry later.
	ErrBuffersFull = errors.New("mscan: all transmit buffers full")
	// ErrHardwareNotResponding is returned when a bounded wait expires.
	ErrHardwareNotResponding = errors.New("mscan: hardware not responding")
	ErrAlreadyInitialized    = errors.New("mscan: already initialized")
	ErrNotInitialized        = errors.New("mscan: not initialized")
	ErrInvalidIdentifier     = errors.New("mscan: identifier exceeds 11 bits")
	ErrTooManyFilters        = errors.New("mscan: too many acceptance identifiers")
)
