// Package registry owns sessions and their client connections and routes
// signaling envelopes between a session's host and its clients.
package registry

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/1ureka/gamelink/internal/protocol"
)

var (
	ErrSessionNotFound  = errors.New("registry: session not found")
	ErrClientNotFound   = errors.New("registry: client not found")
	ErrRelayDisabled    = errors.New("registry: relay disabled")
	ErrIDSpaceExhausted = errors.New("registry: session id space exhausted")
)

// Conn is a duplex connection as seen by the registry. Send must not block
// on the network: implementations queue the envelope and write it in order.
// Close must flush envelopes already queued before closing.
type Conn interface {
	ID() string
	Send(*protocol.Envelope) error
	Close() error
}

// State is the lifecycle state of a client connection.
type State int

const (
	StateNegotiating State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ClientConnection is one client's link within a session.
type ClientConnection struct {
	ID    int
	Relay bool
	State State

	conn Conn
}

type session struct {
	id         string
	host       Conn
	clients    map[int]*ClientConnection
	lastClient int
	allowRelay bool
}

// Registry maps session ids to sessions. All mutations and the sends they
// cause happen under one mutex, so a session's client map is never observed
// mid-mutation and envelopes from one connection keep their order.
type Registry struct {
	allowRelay bool

	mu          sync.Mutex
	lastSession uint64
	sessions    map[string]*session
}

// New creates an empty Registry. allowRelay is advertised to every host.
func New(allowRelay bool) *Registry {
	return &Registry{
		allowRelay: allowRelay,
		sessions:   make(map[string]*session),
	}
}

// CreateSession allocates a fresh session id for host and announces it.
func (r *Registry) CreateSession(host Conn) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastSession == math.MaxUint64 {
		return "", ErrIDSpaceExhausted
	}
	r.lastSession++
	id := strconv.FormatUint(r.lastSession, 10)

	r.sessions[id] = &session{
		id:         id,
		host:       host,
		clients:    make(map[int]*ClientConnection),
		allowRelay: r.allowRelay,
	}
	_ = host.Send(protocol.HostCreated(id, r.allowRelay))
	return id, nil
}

// Connect registers conn as a new client of the session. For an unknown
// session it sends the not-found error, closes conn and returns
// ErrSessionNotFound.
func (r *Registry) Connect(sessionID string, conn Conn) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		_ = conn.Send(protocol.SessionNotFound())
		_ = conn.Close()
		return 0, fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}

	s.lastClient++
	c := &ClientConnection{ID: s.lastClient, State: StateNegotiating, conn: conn}
	s.clients[c.ID] = c
	_ = s.host.Send(protocol.ClientArrived(c.ID))
	return c.ID, nil
}

// RouteFromHost delivers an envelope from the session's host to the client
// it names. A missing client is reported back to the host and returned as
// ErrClientNotFound; the host connection stays open.
func (r *Registry) RouteFromHost(sessionID string, e *protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	c, ok := s.clients[e.Client]
	if !ok {
		_ = s.host.Send(protocol.ClientNotFound(e.Client))
		return fmt.Errorf("%w: %d in session %s", ErrClientNotFound, e.Client, sessionID)
	}

	if e.Type == protocol.TypeRelay {
		if !s.allowRelay {
			_ = s.host.Send(protocol.RelayDisabled(c.ID))
			return ErrRelayDisabled
		}
		if protocol.Flag(e.Data) {
			c.Relay, c.State = true, StateOpen
		}
	}

	_ = c.conn.Send(protocol.Forward(e, 0))

	if e.Type == protocol.TypeClose {
		s.drop(c)
		_ = c.conn.Close()
	}
	return nil
}

// RouteFromClient delivers an envelope from a client to its session's host,
// tagged with the client id.
func (r *Registry) RouteFromClient(sessionID string, clientID int, e *protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	c, ok := s.clients[clientID]
	if !ok {
		return fmt.Errorf("%w: %d in session %s", ErrClientNotFound, clientID, sessionID)
	}

	switch e.Type {
	case protocol.TypeRelay:
		if !s.allowRelay {
			_ = c.conn.Send(protocol.RelayDisabled(0))
			return ErrRelayDisabled
		}
		if protocol.Flag(e.Data) {
			c.Relay = true
		}
	case protocol.TypeUpdate:
		if c.State == StateNegotiating {
			c.State = StateOpen
		}
	}

	_ = s.host.Send(protocol.Forward(e, clientID))

	if e.Type == protocol.TypeClose {
		s.drop(c)
		_ = c.conn.Close()
	}
	return nil
}

// RemoveHost tears a session down after its host disconnected: every client
// receives the not-found error and is closed. Unknown ids are ignored.
func (r *Registry) RemoveHost(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)

	for _, id := range s.clientIDs() {
		c := s.clients[id]
		_ = c.conn.Send(protocol.SessionNotFound())
		_ = c.conn.Close()
		s.drop(c)
	}
}

// RemoveClient forgets a disconnected client and tells the host. Clients
// already removed by a close envelope or a host teardown are ignored.
func (r *Registry) RemoveClient(sessionID string, clientID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	c, ok := s.clients[clientID]
	if !ok {
		return
	}
	s.drop(c)
	_ = s.host.Send(protocol.ClientClosed(clientID))
}

func (s *session) drop(c *ClientConnection) {
	c.State = StateClosed
	delete(s.clients, c.ID)
}

func (s *session) clientIDs() []int {
	ids := make([]int, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
