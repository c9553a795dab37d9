package frame

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// acceptGUID is the fixed protocol constant mixed into the accept token.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// maxHandshakeSize bounds how much header text is buffered before giving up.
const maxHandshakeSize = 8 * 1024

// ErrBadHandshake marks an upgrade request that cannot be accepted.
var ErrBadHandshake = errors.New("frame: bad handshake")

var headerEnd = []byte("\r\n\r\n")

// Request is a parsed upgrade request. Header keys are lower-cased.
type Request struct {
	Method string
	Path   string
	Header map[string]string
}

// Get returns the value of a header, case-insensitively.
func (r *Request) Get(key string) string { return r.Header[strings.ToLower(key)] }

// Protocols returns the comma separated subprotocols offered by the client.
func (r *Request) Protocols() []string {
	var out []string
	for _, p := range strings.Split(r.Get("Sec-WebSocket-Protocol"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ReadRequest parses an upgrade request from the start of buf. It returns
// ErrIncomplete until the blank line ending the header block has arrived,
// and the number of bytes consumed once it has.
func ReadRequest(buf []byte) (*Request, int, error) {
	end := bytes.Index(buf, headerEnd)
	if end < 0 {
		if len(buf) > maxHandshakeSize {
			return nil, 0, fmt.Errorf("%w: header block exceeds %d bytes", ErrBadHandshake, maxHandshakeSize)
		}
		return nil, 0, ErrIncomplete
	}

	lines := strings.Split(string(buf[:end]), "\r\n")
	parts := strings.Fields(lines[0])
	if len(parts) != 3 {
		return nil, 0, fmt.Errorf("%w: malformed request line %q", ErrBadHandshake, lines[0])
	}

	req := &Request{Method: parts[0], Path: parts[1], Header: make(map[string]string, len(lines))}
	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		req.Header[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return req, end + len(headerEnd), nil
}

// AcceptKey derives the accept token for a client key:
// base64(SHA-1(key + GUID)).
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Negotiate validates an upgrade request and builds the switching-protocols
// response. The first offered subprotocol found in supported is chosen; an
// empty supported list accepts the first one offered.
func Negotiate(req *Request, supported []string) (response []byte, protocol string, err error) {
	if !strings.EqualFold(req.Get("Upgrade"), "websocket") {
		return nil, "", fmt.Errorf("%w: missing upgrade header", ErrBadHandshake)
	}
	key := req.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, "", fmt.Errorf("%w: missing key", ErrBadHandshake)
	}
	offered := req.Protocols()
	if len(offered) == 0 {
		return nil, "", fmt.Errorf("%w: missing subprotocol", ErrBadHandshake)
	}

	protocol = pick(offered, supported)
	if protocol == "" {
		return nil, "", fmt.Errorf("%w: no supported subprotocol in %v", ErrBadHandshake, offered)
	}

	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n")
	b.WriteString("Sec-WebSocket-Protocol: " + protocol + "\r\n")
	b.WriteString("\r\n")
	return []byte(b.String()), protocol, nil
}

func pick(offered, supported []string) string {
	if len(supported) == 0 {
		return offered[0]
	}
	for _, o := range offered {
		for _, s := range supported {
			if o == s {
				return o
			}
		}
	}
	return ""
}
