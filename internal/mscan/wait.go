package mscan

import (
	"runtime"
	"time"
)

// waitUntil polls cond until it reports true. A zero bound waits forever;
// otherwise ErrHardwareNotResponding is returned once bound has elapsed.
// pause runs between polls.
func waitUntil(cond func() bool, bound time.Duration, pause func()) error {
	if cond() {
		return nil
	}
	var deadline time.Time
	if bound > 0 {
		deadline = now().Add(bound)
	}
	for !cond() {
		if bound > 0 && !now().Before(deadline) {
			return ErrHardwareNotResponding
		}
		pause()
	}
	return nil
}

// Hooks for tests.
var (
	now          = time.Now
	defaultPause = runtime.Gosched
)
