// Package frame implements the duplex message framing used on raw byte
// streams: the upgrade handshake and the binary frame format.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcode identifies the kind of a frame.
type Opcode uint8

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether op is a control opcode (close, ping, pong).
func (op Opcode) IsControl() bool { return op&0x8 != 0 }

func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	}
	return fmt.Sprintf("opcode(%d)", uint8(op))
}

// Length tier markers carried in the 7-bit length field.
const (
	len16Marker = 126
	len64Marker = 127

	maxLen7  = 125
	maxLen16 = 0xFFFF
)

var (
	// ErrIncomplete means the buffer does not yet hold a whole frame (or
	// handshake); the caller should wait for more bytes.
	ErrIncomplete = errors.New("frame: incomplete")
	// ErrProtocol marks a frame that violates the framing rules.
	ErrProtocol = errors.New("frame: protocol violation")
	// ErrFrameTooLarge marks a frame (or reassembled message) above the cap.
	ErrFrameTooLarge = errors.New("frame: payload too large")
)

// Frame is one decoded unit of the wire format, payload already unmasked.
type Frame struct {
	Fin     bool
	Op      Opcode
	Masked  bool
	Payload []byte
}

// Decode parses a single frame from the start of buf. It returns the frame
// and the number of bytes consumed. If buf holds only part of a frame it
// returns ErrIncomplete and consumes nothing. A non-positive limit disables
// the payload cap.
func Decode(buf []byte, limit int) (Frame, int, error) {
	if len(buf) < 2 {
		return Frame{}, 0, ErrIncomplete
	}

	b0, b1 := buf[0], buf[1]
	if b0&0x70 != 0 {
		return Frame{}, 0, fmt.Errorf("%w: reserved bits set", ErrProtocol)
	}

	f := Frame{
		Fin: b0&0x80 != 0,
		Op:  Opcode(b0 & 0x0F),
	}
	masked := b1&0x80 != 0
	f.Masked = masked
	length := uint64(b1 & 0x7F)
	off := 2

	switch length {
	case len16Marker:
		if len(buf) < off+2 {
			return Frame{}, 0, ErrIncomplete
		}
		length = uint64(binary.BigEndian.Uint16(buf[off:]))
		off += 2
	case len64Marker:
		if len(buf) < off+8 {
			return Frame{}, 0, ErrIncomplete
		}
		length = binary.BigEndian.Uint64(buf[off:])
		if length>>63 != 0 {
			return Frame{}, 0, fmt.Errorf("%w: length high bit set", ErrProtocol)
		}
		off += 8
	}

	if f.Op.IsControl() && (length > maxLen7 || !f.Fin) {
		return Frame{}, 0, fmt.Errorf("%w: fragmented or oversized %s frame", ErrProtocol, f.Op)
	}
	if limit > 0 && length > uint64(limit) {
		return Frame{}, 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, limit)
	}

	var mask [4]byte
	if masked {
		if len(buf) < off+4 {
			return Frame{}, 0, ErrIncomplete
		}
		copy(mask[:], buf[off:off+4])
		off += 4
	}

	if uint64(len(buf)-off) < length {
		return Frame{}, 0, ErrIncomplete
	}

	end := off + int(length)
	f.Payload = make([]byte, length)
	copy(f.Payload, buf[off:end])
	if masked {
		for i := range f.Payload {
			f.Payload[i] ^= mask[i%4]
		}
	}
	return f, end, nil
}

// Split decodes every complete frame in buf. The unconsumed tail is returned
// as the second result (aliasing buf) so the caller can prepend it to the next read.
func Split(buf []byte, limit int) ([]Frame, []byte, error) {
	var frames []Frame
	for {
		f, n, err := Decode(buf, limit)
		if errors.Is(err, ErrIncomplete) {
			return frames, buf, nil
		}
		if err != nil {
			return frames, buf, err
		}
		frames = append(frames, f)
		buf = buf[n:]
	}
}

// Encode builds an unmasked, final frame carrying payload. Server-to-client
// frames are never masked.
func Encode(op Opcode, payload []byte) []byte {
	head := header(op, len(payload), false)
	out := make([]byte, len(head), len(head)+len(payload))
	copy(out, head)
	return append(out, payload...)
}

// EncodeText is Encode for a text payload.
func EncodeText(payload string) []byte { return Encode(OpText, []byte(payload)) }

// EncodeMasked builds a masked, final frame the way a client sends it.
func EncodeMasked(op Opcode, payload []byte, mask [4]byte) []byte {
	head := header(op, len(payload), true)
	out := make([]byte, len(head)+4+len(payload))
	n := copy(out, head)
	n += copy(out[n:], mask[:])
	for i, b := range payload {
		out[n+i] = b ^ mask[i%4]
	}
	return out
}

// EncodeClose builds a close frame with the given status code.
func EncodeClose(code uint16) []byte {
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], code)
	return Encode(OpClose, p[:])
}

func header(op Opcode, n int, masked bool) []byte {
	var maskBit byte
	if masked {
		maskBit = 0x80
	}
	b0 := 0x80 | byte(op)

	switch {
	case n <= maxLen7:
		return []byte{b0, maskBit | byte(n)}
	case n <= maxLen16:
		h := []byte{b0, maskBit | len16Marker, 0, 0}
		binary.BigEndian.PutUint16(h[2:], uint16(n))
		return h
	default:
		h := make([]byte, 10)
		h[0], h[1] = b0, maskBit|len64Marker
		binary.BigEndian.PutUint64(h[2:], uint64(n))
		return h
	}
}
