// Package transport holds the frame plumbing shared by the bus bridges: the
// single-writer AsyncTx queue and the codec capability interfaces.
package transport

import (
	"io"

	"go.einride.tech/can"

	"github.com/kstaniek/go-mscan/internal/cnl"
)

// FrameDecoder decodes a single CAN frame from a stream.
type FrameDecoder interface {
	Decode(r io.Reader) (can.Frame, error)
}

// MultiFrameDecoder drains several frames from a stream.
type MultiFrameDecoder interface {
	DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error)
}

// FrameBatchEncoder encodes batches either to bytes or directly to a writer.
type FrameBatchEncoder interface {
	Encode([]can.Frame) []byte
	EncodeTo(w io.Writer, frames []can.Frame) (int, error)
}

// StreamCodec is the codec a stream server needs: batched reads and writes.
type StreamCodec interface {
	MultiFrameDecoder
	FrameBatchEncoder
}

// FrameSink is a bus frame transmission target.
type FrameSink interface {
	SendFrame(can.Frame) error
}

var (
	_ FrameDecoder      = (*cnl.Codec)(nil)
	_ MultiFrameDecoder = (*cnl.Codec)(nil)
	_ FrameBatchEncoder = (*cnl.Codec)(nil)
	_ StreamCodec       = (*cnl.Codec)(nil)
)
