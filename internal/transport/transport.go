// Package transport is the direct peer path of a session: one pion
// PeerConnection carrying a single pre-negotiated, ordered DataChannel of
// JSON text messages.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/gamelink/internal/util"
)

// ErrClosed is returned for negotiation steps on a closed Transport.
var ErrClosed = errors.New("transport: closed")

// Transport is alive while its DataChannel is open and the context it was
// created with is not cancelled. Negotiation goes through Offer, Answer and
// Accept on the two sides, with candidates trickled through OnCandidate and
// AddCandidate.
type Transport struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	outbox *outbox
	opened chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pcState webrtc.PeerConnectionState
	pending []webrtc.ICECandidateInit // remote candidates received before the remote description
	remote  bool
}

// NewTransport creates the PeerConnection and its DataChannel. Nothing is
// sent until one side calls Offer.
func NewTransport(ctx context.Context, opts Options) (*Transport, error) {
	pc, err := newPeerConnection(opts)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	tCtx, tCancel := context.WithCancel(ctx)
	t := &Transport{
		pc:      pc,
		dc:      dc,
		opened:  make(chan struct{}),
		ctx:     tCtx,
		cancel:  tCancel,
		pcState: webrtc.PeerConnectionStateNew,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(t.opened) })
	})
	dc.OnClose(func() {
		util.LogDebug("DataChannel closed")
		tCancel()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()
		if state == webrtc.PeerConnectionStateFailed {
			tCancel()
		}
	})

	t.outbox = newOutbox(tCtx, dc, t.opened)
	return t, nil
}

// Ready is closed once the DataChannel is open.
func (t *Transport) Ready() <-chan struct{} { return t.opened }

// Done is closed when the Transport shuts down: the DataChannel closed, ICE
// failed or the parent context was cancelled.
func (t *Transport) Done() <-chan struct{} { return t.ctx.Done() }

// IsOpen reports whether the DataChannel opened and has not shut down since.
func (t *Transport) IsOpen() bool {
	select {
	case <-t.ctx.Done():
		return false
	default:
	}
	select {
	case <-t.opened:
		return true
	default:
		return false
	}
}

// Close shuts down the DataChannel and PeerConnection.
func (t *Transport) Close() error {
	t.cancel()
	return errors.Join(t.dc.Close(), t.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pcState
}

// Offer starts negotiation on the joining side.
func (t *Transport) Offer() (webrtc.SessionDescription, error) {
	if t.ctx.Err() != nil {
		return webrtc.SessionDescription{}, ErrClosed
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return offer, err
	}
	return offer, t.pc.SetLocalDescription(offer)
}

// Answer applies a peer's offer and returns the answer to send back.
func (t *Transport) Answer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if t.ctx.Err() != nil {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if err := t.setRemote(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return answer, err
	}
	return answer, t.pc.SetLocalDescription(answer)
}

// Accept applies the peer's answer to an earlier Offer.
func (t *Transport) Accept(answer webrtc.SessionDescription) error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	return t.setRemote(answer)
}

// setRemote applies the remote description, then any candidates that
// arrived ahead of it.
func (t *Transport) setRemote(sd webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(sd); err != nil {
		return err
	}
	t.mu.Lock()
	t.remote = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			util.LogDebug("dropping early candidate: %v", err)
		}
	}
	return nil
}

// OnCandidate registers fn for every locally gathered ICE candidate.
func (t *Transport) OnCandidate(fn func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			fn(c.ToJSON())
		}
	})
}

// AddCandidate applies a remote ICE candidate. Candidates may arrive before
// the remote description; they are held until it is set.
func (t *Transport) AddCandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	if !t.remote {
		t.pending = append(t.pending, c)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.pc.AddICECandidate(c)
}

// Send enqueues one text message. Messages are delivered in order once the
// DataChannel is open.
func (t *Transport) Send(msg []byte) error {
	return t.outbox.push(t.ctx, msg)
}

// OnMessage registers a callback invoked for every inbound DataChannel message.
func (t *Transport) OnMessage(fn func([]byte)) {
	t.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}
