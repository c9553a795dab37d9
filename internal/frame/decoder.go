package frame

import "fmt"

// Message is one logical message: a single final frame, or the concatenated
// payload of a fragment run, tagged with the opcode of its first fragment.
type Message struct {
	Op      Opcode
	Payload []byte
}

// Decoder turns a client's raw byte stream into messages. Every client frame
// must be masked; an unmasked one is a protocol error. It owns the
// per-connection read buffer and fragment state and must not be shared
// between connections.
type Decoder struct {
	// MaxSize caps a single frame. Zero means no cap.
	MaxSize int
	// MaxMessage caps a reassembled message. Zero means MaxSize.
	MaxMessage int

	buf         []byte
	fragmenting bool
	fragOp      Opcode
	frag        []byte
}

// NewDecoder creates a Decoder with the given size cap.
func NewDecoder(maxSize int) *Decoder {
	return &Decoder{MaxSize: maxSize}
}

// Feed appends data to the buffer and returns every message completed by it.
// Partial frames stay buffered until a later Feed supplies the rest. After a
// non-nil error the decoder is unusable and the connection should be closed.
func (d *Decoder) Feed(data []byte) ([]Message, error) {
	d.buf = append(d.buf, data...)

	frames, rest, err := Split(d.buf, d.MaxSize)
	d.buf = compact(d.buf, rest)
	if err != nil {
		return nil, err
	}

	var out []Message
	for _, f := range frames {
		if !f.Masked {
			return out, fmt.Errorf("%w: unmasked %s frame from client", ErrProtocol, f.Op)
		}
		msg, ok, err := d.assemble(f)
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (d *Decoder) Buffered() int { return len(d.buf) }

func (d *Decoder) assemble(f Frame) (Message, bool, error) {
	if f.Op.IsControl() {
		// Control frames may arrive between fragments of a data message.
		return Message{Op: f.Op, Payload: f.Payload}, true, nil
	}

	if f.Op == OpContinuation {
		if !d.fragmenting {
			return Message{}, false, fmt.Errorf("%w: continuation without a first fragment", ErrProtocol)
		}
		if limit := d.messageLimit(); limit > 0 && len(d.frag)+len(f.Payload) > limit {
			return Message{}, false, fmt.Errorf("%w: reassembled message", ErrFrameTooLarge)
		}
		d.frag = append(d.frag, f.Payload...)
		if !f.Fin {
			return Message{}, false, nil
		}
		msg := Message{Op: d.fragOp, Payload: d.frag}
		d.fragmenting, d.frag = false, nil
		return msg, true, nil
	}

	if d.fragmenting {
		return Message{}, false, fmt.Errorf("%w: new %s frame inside a fragment run", ErrProtocol, f.Op)
	}
	if limit := d.messageLimit(); limit > 0 && len(f.Payload) > limit {
		return Message{}, false, fmt.Errorf("%w: %d byte message", ErrFrameTooLarge, len(f.Payload))
	}
	if !f.Fin {
		d.fragmenting = true
		d.fragOp = f.Op
		d.frag = append([]byte(nil), f.Payload...)
		return Message{}, false, nil
	}
	return Message{Op: f.Op, Payload: f.Payload}, true, nil
}

func (d *Decoder) messageLimit() int {
	if d.MaxMessage > 0 {
		return d.MaxMessage
	}
	return d.MaxSize
}

// compact moves the unconsumed tail to the front of buf so the backing array
// is reused instead of growing with every read.
func compact(buf, rest []byte) []byte {
	if len(rest) == 0 {
		return buf[:0]
	}
	n := copy(buf, rest)
	return buf[:n]
}
