package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"github.com/1ureka/gamelink/internal/directory"
	"github.com/1ureka/gamelink/internal/event"
	"github.com/1ureka/gamelink/internal/protocol"
	"github.com/1ureka/gamelink/internal/transport"
	"github.com/1ureka/gamelink/internal/util"
)

// Host owns a session on the broker and accepts clients into it.
type Host struct {
	opts Options
	sig  *sigConn

	session string
	relay   bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	channels map[int]*Channel
	emitted  map[int]bool

	connection event.Emitter[*Channel]
	errs       event.Emitter[*protocol.Envelope]
	closed     event.Emitter[error]
}

func NewHost(opts Options) *Host {
	return &Host{
		opts:     opts,
		done:     make(chan struct{}),
		channels: make(map[int]*Channel),
		emitted:  make(map[int]bool),
	}
}

// OnConnection registers fn for every client whose channel opened, direct or relayed.
func (h *Host) OnConnection(fn func(*Channel)) (off func()) { return h.connection.On(fn) }

// OnError registers fn for error envelopes from the broker.
func (h *Host) OnError(fn func(*protocol.Envelope)) (off func()) { return h.errs.On(fn) }

// OnClose registers fn for the end of the session.
func (h *Host) OnClose(fn func(error)) (off func()) { return h.closed.On(fn) }

// Start creates the session and serves it in the background until ctx is
// cancelled, Close is called or the broker connection drops.
func (h *Host) Start(ctx context.Context) error {
	sig, err := dial(ctx, h.opts.target("/host"), h.opts.subprotocol())
	if err != nil {
		return err
	}

	e, err := sig.read()
	if err != nil {
		sig.close()
		return fmt.Errorf("failed to read session announcement: %w", err)
	}
	if e.Type != protocol.TypeHost || e.Host == "" {
		sig.close()
		return fmt.Errorf("%w: %s", ErrBadAnnouncement, e.Type)
	}

	h.sig = sig
	h.session = e.Host
	h.relay = e.Relay == nil || *e.Relay
	h.ctx, h.cancel = context.WithCancel(ctx)
	util.LogSuccess("session %s created (relay allowed: %t)", h.session, h.relay)

	go func() {
		<-h.ctx.Done()
		sig.close()
	}()
	go h.readLoop()
	return nil
}

// Session returns the id clients use to join.
func (h *Host) Session() string { return h.session }

// RelayAllowed reports whether the broker offered relay for this session.
func (h *Host) RelayAllowed() bool { return h.relay }

// Channel returns the channel of client id, if it exists.
func (h *Host) Channel(id int) (*Channel, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[id]
	return ch, ok
}

// Send delivers payload to one client.
func (h *Host) Send(client int, payload []byte) error {
	ch, ok := h.Channel(client)
	if !ok {
		return ErrNoChannel
	}
	return ch.Send(payload)
}

// ForceRelay moves a client that has not opened yet onto the broker relay.
func (h *Host) ForceRelay(client int) error {
	ch, ok := h.Channel(client)
	if !ok {
		return ErrNoChannel
	}
	return h.grantRelay(ch)
}

// Register lists the host's game in the broker's directory.
func (h *Host) Register(reg directory.Registration) error {
	return h.sig.send(&protocol.Envelope{Type: protocol.TypeRegister, Data: protocol.MustData(reg)})
}

// Update changes the directory entry; a nil value deletes a metadata key.
func (h *Host) Update(details map[string]any) error {
	return h.sig.send(&protocol.Envelope{Type: protocol.TypeUpdate, Details: protocol.MustData(details)})
}

// Close ends every channel and leaves the broker, which destroys the session.
func (h *Host) Close() error {
	if h.cancel == nil {
		return nil
	}
	h.cancel()
	<-h.done
	return nil
}

// Done is closed once the session has ended.
func (h *Host) Done() <-chan struct{} { return h.done }

func (h *Host) readLoop() {
	var cause error
	defer func() {
		h.cancel()
		h.mu.Lock()
		channels := make([]*Channel, 0, len(h.channels))
		for _, ch := range h.channels {
			channels = append(channels, ch)
		}
		h.channels = make(map[int]*Channel)
		h.mu.Unlock()

		for _, ch := range channels {
			ch.finish(cause)
		}
		h.closed.Emit(cause)
		close(h.done)
	}()

	for {
		e, err := h.sig.read()
		switch {
		case err == nil:
		case h.ctx.Err() != nil:
			return
		case protocol.IsViolation(err):
			util.LogWarning("dropping malformed envelope: %v", err)
			continue
		default:
			cause = err
			util.LogWarning("broker connection lost: %v", err)
			return
		}
		h.handle(e)
	}
}

func (h *Host) handle(e *protocol.Envelope) {
	switch e.Type {
	case protocol.TypePing:
		_ = h.sig.send(protocol.Pong())
		return
	case protocol.TypePong:
		return
	case protocol.TypeClient:
		h.addChannel(e.Client)
		return
	case protocol.TypeError:
		util.LogWarning("broker error: %s %s", e.Code, e.Message)
		h.errs.Emit(e)
		return
	}

	ch, ok := h.Channel(e.Client)
	if !ok {
		util.LogDebug("envelope %s for unknown client %d", e.Type, e.Client)
		return
	}

	switch e.Type {
	case protocol.TypeOffer:
		h.answer(ch, e.Data)
	case protocol.TypeCandidate:
		ch.addCandidate(e.Data)
	case protocol.TypeRelay:
		if protocol.Flag(e.Data) {
			if err := h.grantRelay(ch); err != nil {
				util.LogWarning("relay for client %d failed: %v", ch.client, err)
			}
		}
	case protocol.TypeMessage:
		ch.deliver(e.Data)
	case protocol.TypeUpdate:
		util.LogDebug("client %d reports %s", ch.client, e.Details)
	case protocol.TypeClose:
		h.dropChannel(ch.client)
		ch.finish(nil)
	}
}

func (h *Host) addChannel(id int) *Channel {
	ch := newChannel(id, h.sig)
	ch.negotiating()
	ch.OnClose(func(error) { h.dropChannel(id) })

	h.mu.Lock()
	h.channels[id] = ch
	h.mu.Unlock()
	util.LogInfo("client %d joined session %s", id, h.session)
	return ch
}

func (h *Host) dropChannel(id int) {
	h.mu.Lock()
	delete(h.channels, id)
	delete(h.emitted, id)
	h.mu.Unlock()
}

// announce emits the connection event once per channel.
func (h *Host) announce(ch *Channel) {
	h.mu.Lock()
	if h.emitted[ch.client] {
		h.mu.Unlock()
		return
	}
	h.emitted[ch.client] = true
	h.mu.Unlock()

	util.LogSuccess("client %d connected (%s)", ch.client, ch.State())
	h.connection.Emit(ch)
}

func (h *Host) grantRelay(ch *Channel) error {
	if !h.relay {
		return fmt.Errorf("%w for client %d", errRelayRefused, ch.client)
	}
	if !ch.openRelay() {
		return nil
	}
	if err := h.sig.send(&protocol.Envelope{
		Type:   protocol.TypeRelay,
		Client: ch.client,
		Data:   json.RawMessage("true"),
	}); err != nil {
		return err
	}
	h.announce(ch)
	return nil
}

// answer replies to a client's offer and watches the resulting data channel.
func (h *Host) answer(ch *Channel, data json.RawMessage) {
	if st := ch.State(); st == StateRelay || st == StateClosed {
		util.LogDebug("ignoring offer from client %d in state %s", ch.client, st)
		return
	}
	offer, err := decodeSDP(data)
	if err != nil {
		util.LogWarning("bad offer from client %d: %v", ch.client, err)
		return
	}

	if old := ch.transport(); old != nil {
		_ = old.Close()
	}

	tr, err := transport.NewTransport(h.ctx, h.opts.Transport)
	if err != nil {
		util.LogError("failed to create transport for client %d: %v", ch.client, err)
		return
	}
	ch.attach(tr)
	ch.trickle(tr)

	answer, err := tr.Answer(offer)
	if err != nil {
		util.LogWarning("failed to answer client %d: %v", ch.client, err)
		_ = tr.Close()
		return
	}
	if err := h.sig.send(&protocol.Envelope{
		Type:   protocol.TypeAnswer,
		Client: ch.client,
		Data:   protocol.MustData(answer),
	}); err != nil {
		_ = tr.Close()
		return
	}

	go ch.watch(tr, func() { h.announce(ch) })
}

var errRelayRefused = errors.New("relay not allowed by broker")
