package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// HeaderSize is the size of the big-endian length prefix in front of every frame.
const HeaderSize = 4

// DefaultMaxFrameSize bounds the payload of a single frame (1 MiB).
const DefaultMaxFrameSize = 1 << 20

// ErrFrameTooLarge is reported for a frame whose declared length exceeds the limit.
var ErrFrameTooLarge = errors.New("frame too large")

// Frame is one unit produced by a Framer: either a complete payload or
// the error that caused a frame to be discarded.
type Frame struct {
	Payload []byte
	Err     error
}

// Framer reassembles length-prefixed frames from arbitrarily split chunks
// of a byte stream.
//
// Wire layout of a frame:
//
//	+----------------+---------------------------+
//	| length: uint32 | payload: length bytes     |
//	| big-endian     | (UTF-8 JSON object)       |
//	+----------------+---------------------------+
//
// Partial headers and payloads are buffered until the rest arrives. A frame
// declaring more than the configured maximum is reported once as
// ErrFrameTooLarge and its body is skipped as it streams in, so the framer
// stays aligned on the next header without ever buffering the oversized body.
//
// A Framer is not safe for concurrent use; each connection owns one.
type Framer struct {
	buf     []byte
	max     int
	discard uint64
}

// NewFramer creates a Framer enforcing maxSize (DefaultMaxFrameSize when <= 0).
func NewFramer(maxSize int) *Framer {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Framer{max: maxSize}
}

// Push consumes chunk and returns every frame completed by it, in stream order.
// An empty chunk yields no frames.
func (f *Framer) Push(chunk []byte) []Frame {
	if len(chunk) == 0 {
		return nil
	}
	data := append(f.buf, chunk...)
	var frames []Frame

	for {
		if f.discard > 0 {
			n := len(data)
			if uint64(n) > f.discard {
				n = int(f.discard)
			}
			data = data[n:]
			f.discard -= uint64(n)
			if f.discard > 0 {
				break
			}
		}
		if len(data) < HeaderSize {
			break
		}
		declared := binary.BigEndian.Uint32(data[:HeaderSize])
		if uint64(declared) > uint64(f.max) {
			frames = append(frames, Frame{
				Err: errors.Wrapf(ErrFrameTooLarge, "%d bytes exceeds limit of %d", declared, f.max),
			})
			data = data[HeaderSize:]
			f.discard = uint64(declared)
			continue
		}
		size := int(declared)
		if len(data) < HeaderSize+size {
			break
		}
		payload := make([]byte, size)
		copy(payload, data[HeaderSize:HeaderSize+size])
		frames = append(frames, Frame{Payload: payload})
		data = data[HeaderSize+size:]
	}

	// Keep only the unconsumed tail, reusing the buffer's storage.
	f.buf = append(f.buf[:0], data...)
	return frames
}

// Buffered returns the number of bytes held while waiting for a frame to complete.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// AppendFrame appends the length prefix and payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	dst = append(dst, header[:]...)
	return append(dst, payload...)
}

// WriteFrame writes payload as one frame using a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if _, err := w.Write(AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload)); err != nil {
		return errors.Wrap(err, "write frame failed")
	}
	return nil
}

// ReadFrame blocks until one complete frame has been read from r.
// It returns io.EOF only when the stream ends cleanly on a frame boundary.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "read frame header failed")
	}
	size := binary.BigEndian.Uint32(header[:])
	if uint64(size) > uint64(maxSize) {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes exceeds limit of %d", size, maxSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "read frame payload failed")
	}
	return payload, nil
}
