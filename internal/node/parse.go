package node

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kstaniek/go-mscan/internal/hal"
	"github.com/kstaniek/go-mscan/internal/mscan"
)

var ErrBadFrame = errors.New("node: malformed frame")

// ParseFrame parses cansend notation: "123#0102FF". Dots between bytes are
// ignored and an optional "@p" suffix sets the transmit priority.
func ParseFrame(s string) (mscan.Frame, error) {
	s = strings.TrimSpace(s)
	var prio uint64
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		p, err := strconv.ParseUint(s[i+1:], 10, 8)
		if err != nil {
			return mscan.Frame{}, fmt.Errorf("%w: priority %q", ErrBadFrame, s[i+1:])
		}
		prio, s = p, s[:i]
	}
	idStr, dataStr, ok := strings.Cut(s, "#")
	if !ok {
		return mscan.Frame{}, fmt.Errorf("%w: missing '#' in %q", ErrBadFrame, s)
	}
	id, err := strconv.ParseUint(idStr, 16, 16)
	if err != nil || id > hal.MaxStdID {
		return mscan.Frame{}, fmt.Errorf("%w: identifier %q", ErrBadFrame, idStr)
	}
	data, err := hex.DecodeString(strings.ReplaceAll(dataStr, ".", ""))
	if err != nil {
		return mscan.Frame{}, fmt.Errorf("%w: payload %q", ErrBadFrame, dataStr)
	}
	if len(data) > mscan.PayloadSize {
		return mscan.Frame{}, fmt.Errorf("%w: %d payload bytes", ErrBadFrame, len(data))
	}
	return mscan.NewFrame(uint16(id), uint8(prio), data...), nil
}
