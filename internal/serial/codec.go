// Package serial bridges the virtual bus to a USB-CAN adapter speaking the
// Ampio UART framing:
//
//	2D D4 LEN body... SUM
//
// LEN counts the body plus the checksum byte and SUM is 0x2D + LEN + sum(body)
// modulo 256. Outbound bodies are INS(0x02) FLAGS(0x80|dlc) ID(4, BE) payload;
// inbound bodies are ID(4, BE) payload.
package serial

import (
	"bytes"
	"encoding/binary"

	"go.einride.tech/can"

	"github.com/kstaniek/go-mscan/internal/canid"
	"github.com/kstaniek/go-mscan/internal/metrics"
)

const (
	preamble0 = 0x2D
	preamble1 = 0xD4
	insSend   = 0x02
	flagDLC   = 0x80

	// Inbound LEN bounds: ID(4) + payload(0..8) + checksum(1).
	minRxLen = 4 + 0 + 1
	maxRxLen = 4 + 8 + 1

	compactFloor = 1024
)

// Codec is stateless; DecodeStream keeps its state in the caller's buffer.
type Codec struct{}

// CompactBuffer moves the unread bytes of b into fresh storage once the
// consumed prefix dominates its capacity. It reports whether it compacted.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < compactFloor || len(data)*4 >= cap(data) {
		return false
	}
	clone := append([]byte(nil), data...)
	*b = bytes.Buffer{}
	_, _ = b.Write(clone)
	return true
}

// envelope wraps body in preamble, length and checksum.
func envelope(body []byte) []byte {
	out := make([]byte, 0, len(body)+4)
	ln := byte(len(body) + 1)
	out = append(out, preamble0, preamble1, ln)
	sum := byte(preamble0) + ln
	for _, b := range body {
		sum += b
	}
	out = append(out, body...)
	return append(out, sum)
}

// Encode returns the UART bytes that make the adapter transmit f.
func (Codec) Encode(f can.Frame) []byte {
	n := f.Length
	if n > 8 {
		n = 8
	}
	id := f.ID & canid.SFFMask
	if f.IsExtended {
		id = f.ID & canid.EFFMask
	}
	body := make([]byte, 6, 6+n)
	body[0] = insSend
	body[1] = flagDLC | n
	binary.BigEndian.PutUint32(body[2:6], id)
	body = append(body, f.Data[:n]...)
	return envelope(body)
}

// DecodeStream emits every complete frame buffered in in and leaves partial
// input in place for the next call. Garbage and frames with a bad length or
// checksum are skipped one byte at a time and counted as malformed.
//
// Identifiers above 0x7FF are reported as extended frames.
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	header := []byte{preamble0, preamble1}
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		if len(data) < 3 {
			return nil
		}
		i := bytes.Index(data, header)
		if i < 0 {
			// The last byte may be the first half of a preamble.
			last := data[len(data)-1]
			in.Reset()
			if last == preamble0 {
				_ = in.WriteByte(last)
			}
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}

		ln := int(data[2])
		if ln < minRxLen || ln > maxRxLen {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		total := 3 + ln
		if len(data) < total {
			return nil
		}
		sum := byte(preamble0) + data[2]
		for _, b := range data[3 : total-1] {
			sum += b
		}
		if sum != data[total-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		id := binary.BigEndian.Uint32(data[3:7])
		payload := data[7 : total-1]
		var f can.Frame
		if id > canid.SFFMask {
			f = canid.Ext(id, payload...)
		} else {
			f = canid.Std(id, payload...)
		}
		out(f)
		in.Next(total)
	}
}
