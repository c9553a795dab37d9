// Package signaling is the peer side of a session: a Host accepting clients
// and a Client joining a host, each exposing per-peer Channels that carry
// application messages over a direct data channel or relayed through the
// broker, whichever was established.
package signaling

import (
	"errors"
	"strings"
	"time"

	"github.com/1ureka/gamelink/internal/transport"
)

var (
	// ErrNoChannel is returned by Send before the channel opened or after it closed.
	ErrNoChannel = errors.New("signaling: no channel established")
	// ErrSessionNotFound means the broker does not know the session, or its
	// host went away.
	ErrSessionNotFound = errors.New("signaling: session not found")
	// ErrBadAnnouncement means the broker's first message was not a session
	// announcement.
	ErrBadAnnouncement = errors.New("signaling: unexpected session announcement")
)

const (
	defaultSubprotocol   = "gamelink"
	defaultDirectTimeout = 15 * time.Second
)

// Options configures a Host or Client.
type Options struct {
	// URL is the broker's base WebSocket URL, e.g. ws://localhost:8080.
	URL         string
	Subprotocol string
	Transport   transport.Options

	// Relay makes a Client skip the direct channel and ask for relay at once.
	Relay bool
	// DirectTimeout bounds how long a Client waits for its direct channel
	// before asking for relay. Zero uses the default, negative never falls back.
	DirectTimeout time.Duration
}

func (o Options) target(path string) string {
	return strings.TrimSuffix(o.URL, "/") + "/" + strings.TrimPrefix(path, "/")
}

func (o Options) subprotocol() string {
	if o.Subprotocol == "" {
		return defaultSubprotocol
	}
	return o.Subprotocol
}

func (o Options) directTimeout() time.Duration {
	if o.DirectTimeout == 0 {
		return defaultDirectTimeout
	}
	return o.DirectTimeout
}
