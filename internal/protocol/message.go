package protocol

import (
	"github.com/goccy/go-json"
)

// WrapPayload encodes an application payload (already JSON) as the string
// carried in the data field of a relayed message envelope.
func WrapPayload(payload []byte) json.RawMessage {
	return MustData(string(payload))
}

// UnwrapPayload reverses WrapPayload. Peers that put the payload in data
// directly instead of as a string are accepted as is.
func UnwrapPayload(data json.RawMessage) []byte {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return append([]byte(nil), data...)
	}
	return []byte(s)
}

// Flag reports whether data holds the JSON literal true.
func Flag(data json.RawMessage) bool {
	var b bool
	return json.Unmarshal(data, &b) == nil && b
}
