package signaling

import (
	"errors"
	"sync"

	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/gamelink/internal/event"
	"github.com/1ureka/gamelink/internal/protocol"
	"github.com/1ureka/gamelink/internal/transport"
	"github.com/1ureka/gamelink/internal/util"
)

// State is a channel's position in its lifecycle:
// idle → negotiating → (direct | relay) → closed.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateDirect
	StateRelay
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateDirect:
		return "direct-open"
	case StateRelay:
		return "relay-open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Channel is the application's handle on one peer. Its Send and events are
// the same whether messages travel over a direct data channel or through
// the broker.
type Channel struct {
	client int // peer's client id on the host side, 0 on the client side
	sig    *sigConn

	mu    sync.Mutex
	state State
	tr    *transport.Transport

	message event.Emitter[json.RawMessage]
	closed  event.Emitter[error]
}

func newChannel(client int, sig *sigConn) *Channel {
	return &Channel{client: client, sig: sig, state: StateIdle}
}

// Client returns the peer's client id (host side only).
func (c *Channel) Client() int { return c.client }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Relayed reports whether messages go through the broker.
func (c *Channel) Relayed() bool { return c.State() == StateRelay }

// OnMessage registers fn for every inbound application payload.
func (c *Channel) OnMessage(fn func(json.RawMessage)) (off func()) { return c.message.On(fn) }

// OnClose registers fn for the channel's end; err is nil for an orderly close.
func (c *Channel) OnClose(fn func(error)) (off func()) { return c.closed.On(fn) }

// Send delivers one JSON payload to the peer. It fails with ErrNoChannel
// unless the channel is open.
func (c *Channel) Send(payload []byte) error {
	c.mu.Lock()
	state, tr := c.state, c.tr
	c.mu.Unlock()

	switch state {
	case StateDirect:
		return tr.Send(payload)
	case StateRelay:
		util.Stats.AddRelayed(len(payload))
		return c.sig.send(&protocol.Envelope{
			Type:   protocol.TypeMessage,
			Client: c.client,
			Data:   protocol.WrapPayload(payload),
		})
	}
	return ErrNoChannel
}

// SendJSON marshals v and sends it.
func (c *Channel) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// Close ends the channel. A relayed channel tells the peer through the
// broker; a direct one closes its data channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	state, tr := c.state, c.tr
	if state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.mu.Unlock()

	var err error
	if tr != nil {
		err = tr.Close()
	}
	if state == StateRelay {
		err = errors.Join(err, c.sig.send(&protocol.Envelope{Type: protocol.TypeClose, Client: c.client}))
	}
	c.closed.Emit(nil)
	return err
}

// attach binds the transport negotiating the direct path.
func (c *Channel) attach(tr *transport.Transport) {
	c.mu.Lock()
	c.tr = tr
	if c.state == StateIdle {
		c.state = StateNegotiating
	}
	c.mu.Unlock()

	tr.OnMessage(func(data []byte) { c.message.Emit(json.RawMessage(data)) })
}

func (c *Channel) transport() *transport.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tr
}

// negotiating marks the start of negotiation without a transport yet.
func (c *Channel) negotiating() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.state = StateNegotiating
	}
	c.mu.Unlock()
}

// openDirect moves to the direct state once tr is ready. It reports false
// when relay won the race or the channel ended.
func (c *Channel) openDirect(tr *transport.Transport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tr != tr || (c.state != StateIdle && c.state != StateNegotiating) {
		return false
	}
	c.state = StateDirect
	return true
}

// openRelay switches to relay. A transport still negotiating is abandoned.
func (c *Channel) openRelay() bool {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateNegotiating {
		c.mu.Unlock()
		return false
	}
	c.state = StateRelay
	tr := c.tr
	c.tr = nil
	c.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	return true
}

// finish ends the channel on the peer's behalf.
func (c *Channel) finish(err error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	tr := c.tr
	c.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	c.closed.Emit(err)
}

// deliver hands a relayed payload to the application.
func (c *Channel) deliver(data json.RawMessage) {
	c.message.Emit(protocol.UnwrapPayload(data))
}

// watch waits for tr to open, calls opened if it did so first, and ends the
// channel when an open direct path goes away.
func (c *Channel) watch(tr *transport.Transport, opened func()) {
	select {
	case <-tr.Ready():
	case <-tr.Done():
		return
	}
	if !c.openDirect(tr) {
		return
	}
	opened()

	<-tr.Done()
	if c.transport() == tr {
		c.finish(nil)
	}
}

// trickle forwards local ICE candidates to the peer through the broker.
func (c *Channel) trickle(tr *transport.Transport) {
	tr.OnCandidate(func(cand webrtc.ICECandidateInit) {
		// Best-effort: a lost candidate only narrows the paths ICE can try.
		_ = c.sig.send(&protocol.Envelope{
			Type:   protocol.TypeCandidate,
			Client: c.client,
			Data:   protocol.MustData(cand),
		})
	})
}

func (c *Channel) addCandidate(data json.RawMessage) {
	tr := c.transport()
	if tr == nil {
		return
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(data, &init); err != nil {
		util.LogWarning("bad ICE candidate: %v", err)
		return
	}
	if err := tr.AddCandidate(init); err != nil {
		util.LogWarning("failed to add ICE candidate: %v", err)
	}
}

func decodeSDP(data json.RawMessage) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	err := json.Unmarshal(data, &sd)
	return sd, err
}
