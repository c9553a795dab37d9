// Package protocol defines the signaling envelope exchanged between hosts,
// clients and the broker, and the validation applied to inbound envelopes.
package protocol

import (
	"strconv"

	"github.com/goccy/go-json"
)

// Type identifies the kind of an envelope.
type Type string

const (
	TypeRegister  Type = "register"
	TypeHost      Type = "host"
	TypeClient    Type = "client"
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "candidate"
	TypeRelay     Type = "relay"
	TypeMessage   Type = "message"
	TypeUpdate    Type = "update"
	TypePing      Type = "ping"
	TypePong      Type = "pong"
	TypeClose     Type = "close"
	TypeError     Type = "error"
)

// Error codes carried in the code field of error envelopes.
const (
	CodeNotReachable  = "not_reachable"
	CodeRelayDisabled = "relay_disabled"

	// StatusNotFound is the numeric error sent for unknown or destroyed sessions.
	StatusNotFound = 404

	MsgClientNotFound = "Client does not exist."
)

// Envelope is the unit of signaling exchange. Only the fields relevant to
// Type are set; the rest are omitted on the wire.
type Envelope struct {
	Type    Type            `json:"type,omitempty"`
	Client  int             `json:"client,omitempty"`
	Host    string          `json:"host,omitempty"`
	Relay   *bool           `json:"relay,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
	Error   int             `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Encode serializes an envelope for a text message.
func Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// MustData marshals v into a raw payload. It panics only for values that
// cannot be represented in JSON, which is a programming error.
func MustData(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// Forward returns the copy of e that is delivered to the other side of a
// session, addressed to client (zero when the recipient is a client).
func Forward(e *Envelope, client int) *Envelope {
	return &Envelope{
		Type:    e.Type,
		Client:  client,
		Data:    e.Data,
		Details: e.Details,
	}
}

// Broker replies.

func HostCreated(session string, relay bool) *Envelope {
	return &Envelope{Type: TypeHost, Host: session, Relay: &relay}
}

func ClientArrived(client int) *Envelope {
	return &Envelope{Type: TypeClient, Client: client}
}

func SessionNotFound() *Envelope {
	return &Envelope{Type: TypeError, Error: StatusNotFound}
}

func ClientNotFound(client int) *Envelope {
	return &Envelope{Type: TypeError, Client: client, Message: MsgClientNotFound}
}

// NotReachable reports a registered address the broker could not dial. The
// address is written as registered, without brackets for IPv6.
func NotReachable(address string, port int) *Envelope {
	return &Envelope{
		Type:    TypeError,
		Code:    CodeNotReachable,
		Details: MustData(address + ":" + strconv.Itoa(port) + " is not connectable"),
	}
}

func RelayDisabled(client int) *Envelope {
	return &Envelope{Type: TypeError, Client: client, Code: CodeRelayDisabled}
}

func Ping() *Envelope { return &Envelope{Type: TypePing} }

func Pong() *Envelope { return &Envelope{Type: TypePong} }

func ClientClosed(client int) *Envelope {
	return &Envelope{Type: TypeClose, Client: client}
}
