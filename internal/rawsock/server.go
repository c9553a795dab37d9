// Package rawsock serves the signaling protocol over plain TCP, doing the
// upgrade handshake and framing itself on top of a gnet event loop.
package rawsock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/panjf2000/gnet/v2"
	"github.com/rs/xid"

	"github.com/1ureka/gamelink/internal/broker"
	"github.com/1ureka/gamelink/internal/config"
	"github.com/1ureka/gamelink/internal/frame"
	"github.com/1ureka/gamelink/internal/protocol"
	"github.com/1ureka/gamelink/internal/util"
)

const transportName = "raw"

var (
	errConnClosed = errors.New("rawsock: connection closed")
	// errPeerClosed ends a connection after the close handshake; not a failure.
	errPeerClosed = errors.New("rawsock: closed by peer")
)

// Server implements gnet.EventHandler. Every callback for one connection
// runs on that connection's event loop, so per-connection state needs no
// locking.
type Server struct {
	gnet.BuiltinEventEngine

	broker       *broker.Broker
	addr         string
	subprotocols []string
	maxFrame     int
	maxMessage   int

	engine gnet.Engine
	booted chan struct{}
}

func New(b *broker.Broker, cfg config.Broker) *Server {
	var protos []string
	if cfg.Subprotocol != "" {
		protos = []string{cfg.Subprotocol}
	}
	return &Server{
		broker:       b,
		addr:         cfg.RawAddress,
		subprotocols: protos,
		maxFrame:     cfg.MaxFrameSize,
		maxMessage:   cfg.MaxMessageSize,
		booted:       make(chan struct{}),
	}
}

// Run serves until ctx is done or the engine fails.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- gnet.Run(s, "tcp://"+s.addr,
			gnet.WithMulticore(true),
			gnet.WithReuseAddr(true),
			gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	select {
	case <-s.booted:
		if err := s.engine.Stop(context.Background()); err != nil {
			util.LogWarning("raw listener stop: %v", err)
		}
	case err := <-errCh:
		return err
	}
	return <-errCh
}

func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	close(s.booted)
	util.LogInfo("raw listener on %s", s.addr)
	return gnet.None
}

func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	dec := frame.NewDecoder(s.maxFrame)
	dec.MaxMessage = s.maxMessage
	c.SetContext(&rawConn{
		id:  xid.New().String(),
		c:   c,
		srv: s,
		dec: dec,
	})
	return nil, gnet.None
}

func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	rc, ok := c.Context().(*rawConn)
	if !ok {
		return gnet.Close
	}

	data, _ := c.Next(-1)
	if err := rc.feed(data); err != nil {
		if !errors.Is(err, errPeerClosed) {
			util.LogWarning("[%s] %v, closing", rc.id, err)
		}
		return gnet.Close
	}
	return gnet.None
}

func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	rc, ok := c.Context().(*rawConn)
	if !ok {
		return gnet.None
	}
	rc.closed.Store(true)
	if rc.link != nil {
		rc.link.Close()
	}
	if err != nil {
		util.LogDebug("[%s] closed: %v", rc.id, err)
	}
	return gnet.None
}

type connState int

const (
	stateHandshake connState = iota
	stateOpen
	// stateRejected: upgraded, but the target session did not exist; the
	// not-found reply and close are queued.
	stateRejected
)

// rawConn is one TCP connection. It implements registry.Conn; Send and
// Close may be called from any goroutine and are queued onto the event loop
// in call order.
type rawConn struct {
	id  string
	c   gnet.Conn
	srv *Server

	state connState
	hs    []byte
	dec   *frame.Decoder
	link  *broker.Link

	closed atomic.Bool
}

func (rc *rawConn) ID() string { return rc.id }

func (rc *rawConn) Send(e *protocol.Envelope) error {
	if rc.closed.Load() {
		return errConnClosed
	}
	data, err := protocol.Encode(e)
	if err != nil {
		return err
	}
	return rc.c.AsyncWrite(frame.Encode(frame.OpText, data), nil)
}

// Close sends a close frame after everything already queued, then closes.
func (rc *rawConn) Close() error {
	if rc.closed.Swap(true) {
		return nil
	}
	return rc.c.AsyncWrite(frame.EncodeClose(1000), func(c gnet.Conn, _ error) error {
		return c.Close()
	})
}

func (rc *rawConn) feed(data []byte) error {
	if rc.state != stateHandshake {
		return rc.frames(data)
	}

	rc.hs = append(rc.hs, data...)
	req, n, err := frame.ReadRequest(rc.hs)
	if errors.Is(err, frame.ErrIncomplete) {
		return nil
	}
	if err != nil {
		return err
	}
	resp, proto, err := frame.Negotiate(req, rc.srv.subprotocols)
	if err != nil {
		return err
	}
	if _, err := rc.c.Write(resp); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}

	rest := rc.hs[n:]
	rc.hs = nil
	util.LogDebug("[%s] upgraded %s (%s)", rc.id, req.Path, proto)

	link, err := rc.srv.broker.Open(rc, req.Path, transportName)
	if err != nil {
		// The broker already queued its reply and close; frames pipelined
		// behind the handshake are still read so a peer close ends it at once.
		rc.state = stateRejected
	} else {
		rc.link = link
		rc.state = stateOpen
	}

	if len(rest) > 0 {
		return rc.frames(rest)
	}
	return nil
}

func (rc *rawConn) frames(data []byte) error {
	msgs, err := rc.dec.Feed(data)
	for _, m := range msgs {
		if herr := rc.handle(m); herr != nil {
			return herr
		}
	}
	return err
}

func (rc *rawConn) handle(m frame.Message) error {
	switch m.Op {
	case frame.OpText:
		if rc.state != stateOpen || rc.closed.Load() {
			return nil
		}
		return rc.link.Receive(m.Payload)
	case frame.OpClose:
		if rc.state != stateOpen || rc.closed.Swap(true) {
			return errPeerClosed
		}
		_ = rc.c.AsyncWrite(frame.Encode(frame.OpClose, m.Payload), func(c gnet.Conn, _ error) error {
			return c.Close()
		})
		return nil
	case frame.OpPing:
		_ = rc.c.AsyncWrite(frame.Encode(frame.OpPong, m.Payload), nil)
		return nil
	case frame.OpPong:
		return nil
	}
	return fmt.Errorf("%w: %s frames not supported", frame.ErrProtocol, m.Op)
}
