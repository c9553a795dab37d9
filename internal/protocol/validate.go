package protocol

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/goccy/go-json"
)

var (
	// ErrMalformed marks a payload that is not a JSON envelope.
	ErrMalformed = errors.New("protocol: malformed envelope")
	// ErrUnknownType marks an envelope whose type is not in the vocabulary.
	ErrUnknownType = errors.New("protocol: unknown envelope type")
	// ErrMissingField marks an envelope lacking a field its type requires.
	ErrMissingField = errors.New("protocol: missing field")
)

type field int

const (
	fieldNone field = iota
	fieldData
	fieldDetails
)

// required lists the field each known type must carry.
var required = map[Type]field{
	TypeRegister:  fieldData,
	TypeHost:      fieldNone,
	TypeClient:    fieldNone,
	TypeOffer:     fieldData,
	TypeAnswer:    fieldData,
	TypeCandidate: fieldData,
	TypeRelay:     fieldData,
	TypeMessage:   fieldData,
	TypeUpdate:    fieldDetails,
	TypePing:      fieldNone,
	TypePong:      fieldNone,
	TypeClose:     fieldNone,
	TypeError:     fieldNone,
}

// Known reports whether t is part of the envelope vocabulary.
func Known(t Type) bool {
	_, ok := required[t]
	return ok
}

// Decode parses and validates an inbound envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := Validate(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks that the type is known and its required field is present.
func Validate(e *Envelope) error {
	f, ok := required[e.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	switch f {
	case fieldData:
		if isEmpty(e.Data) {
			return fmt.Errorf("%w: %s requires data", ErrMissingField, e.Type)
		}
	case fieldDetails:
		if isEmpty(e.Details) {
			return fmt.Errorf("%w: %s requires details", ErrMissingField, e.Type)
		}
	}
	return nil
}

// IsViolation reports whether err means the sender broke the protocol and
// its connection should be closed.
func IsViolation(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnknownType) || errors.Is(err, ErrMissingField)
}

func isEmpty(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// JoinHostPort renders an address/port pair as a dial target.
func JoinHostPort(address string, port int) string {
	return net.JoinHostPort(address, strconv.Itoa(port))
}
