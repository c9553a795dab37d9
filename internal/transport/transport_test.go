package transport

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connectPair negotiates two transports in-process, trickling candidates
// directly between them.
func connectPair(t *testing.T) (*Transport, *Transport) {
	t.Helper()
	ctx := context.Background()
	opts := Options{IncludeLoopback: true}

	a, err := NewTransport(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := NewTransport(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	a.OnCandidate(func(c webrtc.ICECandidateInit) { _ = b.AddCandidate(c) })
	b.OnCandidate(func(c webrtc.ICECandidateInit) { _ = a.AddCandidate(c) })

	offer, err := a.Offer()
	require.NoError(t, err)
	answer, err := b.Answer(offer)
	require.NoError(t, err)
	require.NoError(t, a.Accept(answer))

	for _, tr := range []*Transport{a, b} {
		select {
		case <-tr.Ready():
		case <-time.After(15 * time.Second):
			t.Skip("no direct path between local peers in this environment")
		}
	}
	return a, b
}

func TestNotOpenBeforeNegotiation(t *testing.T) {
	tr, err := NewTransport(context.Background(), Options{})
	require.NoError(t, err)
	defer tr.Close()

	assert.False(t, tr.IsOpen())
	assert.Equal(t, webrtc.PeerConnectionStateNew, tr.ConnectionState())
}

func TestEarlyCandidatesAreHeld(t *testing.T) {
	tr, err := NewTransport(context.Background(), Options{})
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.AddCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"}))
	tr.mu.Lock()
	assert.Len(t, tr.pending, 1)
	tr.mu.Unlock()
}

func TestNegotiateAfterClose(t *testing.T) {
	tr, err := NewTransport(context.Background(), Options{})
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	_, err = tr.Offer()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, tr.Accept(webrtc.SessionDescription{}), ErrClosed)
}

func TestOrderedMessages(t *testing.T) {
	a, b := connectPair(t)
	assert.True(t, a.IsOpen())

	got := make(chan string, 100)
	b.OnMessage(func(msg []byte) { got <- string(msg) })

	want := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}
	for _, m := range want {
		require.NoError(t, a.Send([]byte(m)))
	}

	for _, m := range want {
		select {
		case g := <-got:
			assert.Equal(t, m, g)
		case <-time.After(5 * time.Second):
			t.Fatal("message not delivered")
		}
	}
}

func TestCloseEndsTransport(t *testing.T) {
	a, _ := connectPair(t)
	require.NoError(t, a.Close())

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	assert.False(t, a.IsOpen())
	assert.ErrorIs(t, a.Send([]byte("x")), ErrClosed)
}
