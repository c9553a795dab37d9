// Package broker binds duplex connections to the session registry, the game
// directory and the reachability prober.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/1ureka/gamelink/internal/config"
	"github.com/1ureka/gamelink/internal/directory"
	"github.com/1ureka/gamelink/internal/probe"
	"github.com/1ureka/gamelink/internal/protocol"
	"github.com/1ureka/gamelink/internal/registry"
	"github.com/1ureka/gamelink/internal/util"
)

// Connection targets.
const (
	PathHost     = "/host"
	PathRegister = "/register"
)

// ErrViolation marks an envelope that is valid JSON but not acceptable from
// the sending connection's role.
var ErrViolation = errors.New("broker: protocol violation")

// Role is what a connection is to the broker, decided by its target path.
type Role int

const (
	RoleHost Role = iota
	RoleClient
	RoleRegistrant
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleClient:
		return "client"
	case RoleRegistrant:
		return "registrant"
	}
	return "unknown"
}

// Broker is shared by every transport of one process.
type Broker struct {
	cfg     config.Broker
	reg     *registry.Registry
	dir     *directory.Directory
	prober  *probe.Prober
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	links map[*Link]struct{}
}

// New creates a Broker. A nil prober leaves every directory entry's
// visibility unknown.
func New(cfg config.Broker, prober *probe.Prober, metrics *Metrics) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		cfg:     cfg,
		reg:     registry.New(cfg.AllowRelay()),
		dir:     directory.New(),
		prober:  prober,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		links:   make(map[*Link]struct{}),
	}
}

// Registry returns the broker's session registry.
func (b *Broker) Registry() *registry.Registry { return b.reg }

// Directory returns the broker's game directory.
func (b *Broker) Directory() *directory.Directory { return b.dir }

// Open attaches a freshly upgraded connection. target is the request path:
// /host creates a session, /register a directory-only registrant, and
// anything else names the session to join. When the session does not exist
// the not-found error has already been sent and conn closed.
func (b *Broker) Open(conn registry.Conn, target, transport string) (*Link, error) {
	path, _, _ := strings.Cut(target, "?")
	l := &Link{b: b, conn: conn, transport: transport}

	switch path {
	case PathHost:
		id, err := b.reg.CreateSession(conn)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		l.role, l.session = RoleHost, id
	case PathRegister:
		l.role = RoleRegistrant
	default:
		id := strings.TrimPrefix(path, "/")
		cid, err := b.reg.Connect(id, conn)
		if err != nil {
			util.LogDebug("[%s] connect to %q refused: %v", conn.ID(), id, err)
			return nil, err
		}
		l.role, l.session, l.client = RoleClient, id, cid
	}

	b.mu.Lock()
	b.links[l] = struct{}{}
	b.mu.Unlock()

	util.Stats.AddConn()
	b.metrics.Links.WithLabelValues(l.role.String()).Inc()
	b.refresh()
	util.LogDebug("[%s] opened %s", conn.ID(), l)
	return l, nil
}

// Run pings registered games every ping interval until ctx is done, then
// closes every open connection.
func (b *Broker) Run(ctx context.Context) error {
	defer b.Shutdown()

	interval := b.cfg.PingInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if n := b.dir.Tick(now); n > 0 {
				util.LogDebug("pinged %d games", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Shutdown cancels outstanding probes and closes every open connection;
// sessions are torn down through the normal disconnect path.
func (b *Broker) Shutdown() {
	b.cancel()

	b.mu.Lock()
	conns := make([]registry.Conn, 0, len(b.links))
	for l := range b.links {
		conns = append(conns, l.conn)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (b *Broker) refresh() {
	sessions, clients := b.reg.Counts()
	b.metrics.Sessions.Set(float64(sessions))
	b.metrics.Clients.Set(float64(clients))
	b.metrics.Games.Set(float64(b.dir.Len()))
}

func (b *Broker) probe(l *Link, reg directory.Registration) {
	if b.prober == nil {
		return
	}

	// One probe per connection: a newer registration supersedes the last.
	ctx := l.resetProbe()
	id := l.conn.ID()
	err := b.prober.Submit(ctx, reg.Address, reg.Port, func(err error) {
		if ctx.Err() != nil {
			return
		}
		vis := directory.VisibilityPublic
		if err != nil {
			vis = directory.VisibilityPrivate
		}
		if !b.dir.SetVisibility(id, reg.Address, reg.Port, vis) {
			return
		}
		b.metrics.Probes.WithLabelValues(string(vis)).Inc()
		if err != nil {
			_ = l.conn.Send(protocol.NotReachable(reg.Address, reg.Port))
		}
	})
	if err != nil {
		// The entry stays unknown until the connection registers again.
		util.LogWarning("[%s] probe not scheduled: %v", id, err)
	}
}

// Link is one connection's binding to the broker. Receive and Close are
// called by the owning transport from a single goroutine.
type Link struct {
	b         *Broker
	conn      registry.Conn
	transport string

	role    Role
	session string
	client  int

	probeMu     sync.Mutex
	probeCancel context.CancelFunc

	closeOnce sync.Once
}

func (l *Link) Role() Role          { return l.role }
func (l *Link) Session() string     { return l.session }
func (l *Link) Client() int         { return l.client }
func (l *Link) Conn() registry.Conn { return l.conn }

func (l *Link) String() string {
	switch l.role {
	case RoleHost:
		return fmt.Sprintf("host of session %s", l.session)
	case RoleClient:
		return fmt.Sprintf("client %d of session %s", l.client, l.session)
	}
	return l.role.String()
}

// Receive handles one inbound text message. A non-nil error is a protocol
// violation and the transport must close the connection.
func (l *Link) Receive(data []byte) error {
	e, err := protocol.Decode(data)
	if err == nil {
		err = l.dispatch(e)
	}
	if err != nil {
		l.b.metrics.Violations.WithLabelValues(l.transport).Inc()
		return err
	}
	return nil
}

func (l *Link) dispatch(e *protocol.Envelope) error {
	b := l.b
	b.metrics.Envelopes.WithLabelValues(string(e.Type)).Inc()
	util.Stats.AddEnvelope()

	switch e.Type {
	case protocol.TypePing:
		_ = l.conn.Send(protocol.Pong())
		return nil
	case protocol.TypePong:
		if rtt, ok := b.dir.Pong(l.conn.ID(), time.Now()); ok {
			b.metrics.Ping.Observe(rtt.Seconds())
		}
		return nil
	}

	switch l.role {
	case RoleHost:
		return l.fromHost(e)
	case RoleClient:
		return l.fromClient(e)
	default:
		return l.fromRegistrant(e)
	}
}

func (l *Link) fromHost(e *protocol.Envelope) error {
	switch e.Type {
	case protocol.TypeRegister, protocol.TypeUpdate:
		return l.directory(e)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeCandidate,
		protocol.TypeRelay, protocol.TypeMessage, protocol.TypeClose:
	default:
		return l.violation(e)
	}

	err := l.b.reg.RouteFromHost(l.session, e)
	if err == nil && e.Type == protocol.TypeMessage {
		util.Stats.AddRelayed(len(e.Data))
	}
	if e.Type == protocol.TypeClose {
		l.b.refresh()
	}
	return l.addressing(err)
}

func (l *Link) fromClient(e *protocol.Envelope) error {
	switch e.Type {
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeCandidate,
		protocol.TypeRelay, protocol.TypeMessage, protocol.TypeUpdate, protocol.TypeClose:
	default:
		return l.violation(e)
	}

	err := l.b.reg.RouteFromClient(l.session, l.client, e)
	if err == nil && e.Type == protocol.TypeMessage {
		util.Stats.AddRelayed(len(e.Data))
	}
	if e.Type == protocol.TypeClose {
		l.b.refresh()
	}
	return l.addressing(err)
}

func (l *Link) fromRegistrant(e *protocol.Envelope) error {
	switch e.Type {
	case protocol.TypeRegister, protocol.TypeUpdate:
		return l.directory(e)
	}
	return l.violation(e)
}

func (l *Link) directory(e *protocol.Envelope) error {
	b := l.b
	id := l.conn.ID()

	if e.Type == protocol.TypeUpdate {
		if _, err := b.dir.Update(id, e.Details); err != nil {
			util.LogDebug("[%s] update ignored: %v", id, err)
		}
		return nil
	}

	reg, err := directory.ParseRegistration(e.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrViolation, err)
	}
	b.dir.Register(id, l.conn, reg, l.session)
	b.refresh()
	util.LogInfo("[%s] registered game at %s", id, protocol.JoinHostPort(reg.Address, reg.Port))
	b.probe(l, reg)
	return nil
}

// addressing swallows routing errors that were already reported to the
// sender; they never close the connection.
func (l *Link) addressing(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, registry.ErrClientNotFound),
		errors.Is(err, registry.ErrSessionNotFound),
		errors.Is(err, registry.ErrRelayDisabled):
		util.LogDebug("[%s] %v", l.conn.ID(), err)
		return nil
	}
	return err
}

func (l *Link) violation(e *protocol.Envelope) error {
	return fmt.Errorf("%w: %s may not send %s", ErrViolation, l.role, e.Type)
}

// resetProbe cancels the link's outstanding probe and returns the context
// for the next one.
func (l *Link) resetProbe() context.Context {
	l.probeMu.Lock()
	defer l.probeMu.Unlock()
	if l.probeCancel != nil {
		l.probeCancel()
	}
	ctx, cancel := context.WithCancel(l.b.ctx)
	l.probeCancel = cancel
	return ctx
}

func (l *Link) cancelProbe() {
	l.probeMu.Lock()
	defer l.probeMu.Unlock()
	if l.probeCancel != nil {
		l.probeCancel()
		l.probeCancel = nil
	}
}

// Close detaches the link after its connection closed for any reason.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		b := l.b
		l.cancelProbe()
		switch l.role {
		case RoleHost:
			b.reg.RemoveHost(l.session)
		case RoleClient:
			b.reg.RemoveClient(l.session, l.client)
		}
		b.dir.Remove(l.conn.ID())

		b.mu.Lock()
		delete(b.links, l)
		b.mu.Unlock()

		util.Stats.RemoveConn()
		b.metrics.Links.WithLabelValues(l.role.String()).Dec()
		b.refresh()
		util.LogDebug("[%s] closed %s", l.conn.ID(), l)
	})
}
