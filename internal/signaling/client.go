package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/1ureka/gamelink/internal/event"
	"github.com/1ureka/gamelink/internal/protocol"
	"github.com/1ureka/gamelink/internal/transport"
	"github.com/1ureka/gamelink/internal/util"
)

// Client joins a host's session. The embedded Channel is its link to the host.
type Client struct {
	*Channel

	opts    Options
	session string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	relayOnce sync.Once

	open event.Emitter[*Channel]
	errs event.Emitter[*protocol.Envelope]
}

func NewClient(opts Options) *Client {
	return &Client{
		Channel: newChannel(0, nil),
		opts:    opts,
		done:    make(chan struct{}),
	}
}

// OnOpen registers fn for the moment the channel to the host opens.
func (c *Client) OnOpen(fn func(*Channel)) (off func()) { return c.open.On(fn) }

// OnError registers fn for error envelopes from the broker.
func (c *Client) OnError(fn func(*protocol.Envelope)) (off func()) { return c.errs.On(fn) }

// Join connects to session and starts negotiating with its host, or asks
// for relay at once when Options.Relay is set. It returns once the request
// is on its way; OnOpen and OnClose report the outcome.
func (c *Client) Join(ctx context.Context, session string) error {
	sig, err := dial(ctx, c.opts.target(session), c.opts.subprotocol())
	if err != nil {
		return err
	}

	c.session = session
	c.sig = sig
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.OnClose(func(error) { c.cancel() })

	go func() {
		<-c.ctx.Done()
		sig.close()
	}()
	go c.readLoop()

	if c.opts.Relay {
		c.negotiating()
		// A failed write surfaces through the read loop as the close cause.
		if err := c.requestRelay(); err != nil {
			util.LogWarning("relay request failed: %v", err)
		}
		return nil
	}
	if err := c.offer(); err != nil {
		c.cancel()
		return err
	}
	return nil
}

// Session returns the id the client joined.
func (c *Client) Session() string { return c.session }

// Done is closed once the client has left the session.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close ends the channel and leaves the broker.
func (c *Client) Close() error {
	if c.cancel == nil {
		return nil
	}
	err := c.Channel.Close()
	c.cancel()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	var cause error
	defer func() {
		c.cancel()
		c.finish(cause)
		close(c.done)
	}()

	for {
		e, err := c.sig.read()
		switch {
		case err == nil:
		case c.ctx.Err() != nil:
			return
		case protocol.IsViolation(err):
			util.LogWarning("dropping malformed envelope: %v", err)
			continue
		default:
			// Once direct, the peer link no longer depends on the broker.
			if c.State() == StateDirect {
				util.LogWarning("broker connection lost: %v", err)
				<-c.transport().Done()
				return
			}
			cause = err
			return
		}

		if done, err := c.handle(e); done {
			cause = err
			return
		}
	}
}

// handle applies one envelope. done ends the client with cause err.
func (c *Client) handle(e *protocol.Envelope) (done bool, err error) {
	switch e.Type {
	case protocol.TypePing:
		_ = c.sig.send(protocol.Pong())
	case protocol.TypeAnswer:
		c.applyAnswer(e.Data)
	case protocol.TypeCandidate:
		c.addCandidate(e.Data)
	case protocol.TypeRelay:
		if protocol.Flag(e.Data) && c.openRelay() {
			util.LogSuccess("relay channel to session %s open", c.session)
			c.open.Emit(c.Channel)
		}
	case protocol.TypeMessage:
		c.deliver(e.Data)
	case protocol.TypeClose:
		util.LogInfo("host closed the channel")
		return true, nil
	case protocol.TypeError:
		if e.Error == protocol.StatusNotFound {
			if c.State() == StateDirect {
				return false, nil
			}
			return true, ErrSessionNotFound
		}
		util.LogWarning("broker error: %s %s", e.Code, e.Message)
		c.errs.Emit(e)
	}
	return false, nil
}

// offer starts direct negotiation and arms the relay fallback.
func (c *Client) offer() error {
	tr, err := transport.NewTransport(c.ctx, c.opts.Transport)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	c.attach(tr)
	c.trickle(tr)

	offer, err := tr.Offer()
	if err != nil {
		_ = tr.Close()
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := c.sig.send(&protocol.Envelope{Type: protocol.TypeOffer, Data: protocol.MustData(offer)}); err != nil {
		_ = tr.Close()
		return err
	}

	go c.watch(tr, func() {
		_ = c.sig.send(&protocol.Envelope{
			Type:    protocol.TypeUpdate,
			Details: protocol.MustData(map[string]string{"channel": "direct"}),
		})
		util.LogSuccess("direct channel to session %s open", c.session)
		c.open.Emit(c.Channel)
	})

	if timeout := c.opts.directTimeout(); timeout > 0 {
		go c.fallback(tr, timeout)
	}
	return nil
}

// fallback asks for relay when tr has not opened within timeout.
func (c *Client) fallback(tr *transport.Transport, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tr.Ready():
	case <-c.ctx.Done():
	case <-timer.C:
		if c.State() == StateNegotiating {
			util.LogWarning("direct channel not open after %s, requesting relay", timeout)
			if err := c.requestRelay(); err != nil {
				util.LogWarning("relay request failed: %v", err)
			}
		}
	}
}

func (c *Client) requestRelay() (err error) {
	c.relayOnce.Do(func() {
		err = c.sig.send(&protocol.Envelope{Type: protocol.TypeRelay, Data: json.RawMessage("true")})
	})
	return err
}

func (c *Client) applyAnswer(data json.RawMessage) {
	tr := c.transport()
	if tr == nil {
		return
	}
	answer, err := decodeSDP(data)
	if err != nil {
		util.LogWarning("bad answer: %v", err)
		return
	}
	if err := tr.Accept(answer); err != nil {
		util.LogWarning("failed to apply answer: %v", err)
	}
}
