package signaling

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/gamelink/internal/broker"
	"github.com/1ureka/gamelink/internal/config"
	"github.com/1ureka/gamelink/internal/protocol"
	"github.com/1ureka/gamelink/internal/transport"
)

const wait = 5 * time.Second

func startBroker(t *testing.T, cfg config.Broker) string {
	t.Helper()
	cfg.Subprotocol = "gamelink"
	cfg.PingInterval = time.Hour
	b := broker.New(cfg, nil, broker.NewMetrics(prometheus.NewRegistry()))
	srv := httptest.NewServer(b.Handler(nil))
	t.Cleanup(func() {
		b.Shutdown()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startHost(t *testing.T, url string) (*Host, chan *Channel) {
	t.Helper()
	host := NewHost(Options{URL: url})
	conns := make(chan *Channel, 4)
	host.OnConnection(func(ch *Channel) { conns <- ch })

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, host.Start(ctx))
	t.Cleanup(func() {
		_ = host.Close()
		cancel()
	})
	require.NotEmpty(t, host.Session())
	return host, conns
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(wait):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func joinRelay(t *testing.T, url, session string) (*Client, chan json.RawMessage, chan error) {
	t.Helper()
	client := NewClient(Options{URL: url, Relay: true})
	opened := make(chan *Channel, 1)
	msgs := make(chan json.RawMessage, 4)
	closed := make(chan error, 1)
	client.OnOpen(func(ch *Channel) { opened <- ch })
	client.OnMessage(func(m json.RawMessage) { msgs <- m })
	client.OnClose(func(err error) { closed <- err })

	require.NoError(t, client.Join(context.Background(), session))
	t.Cleanup(func() { _ = client.Close() })
	recv(t, opened)
	assert.Equal(t, StateRelay, client.State())
	return client, msgs, closed
}

func TestRelayHostToClient(t *testing.T) {
	url := startBroker(t, config.Broker{})
	host, conns := startHost(t, url)
	assert.True(t, host.RelayAllowed())

	_, msgs, _ := joinRelay(t, url, host.Session())
	ch := recv(t, conns)
	assert.True(t, ch.Relayed())

	require.NoError(t, host.Send(ch.Client(), []byte(`{"x":1}`)))
	assert.JSONEq(t, `{"x":1}`, string(recv(t, msgs)))
}

func TestRelayClientToHost(t *testing.T) {
	url := startBroker(t, config.Broker{})
	host, conns := startHost(t, url)

	client, _, _ := joinRelay(t, url, host.Session())
	ch := recv(t, conns)

	msgs := make(chan json.RawMessage, 4)
	ch.OnMessage(func(m json.RawMessage) { msgs <- m })

	require.NoError(t, client.SendJSON(map[string]any{"move": "e4", "turn": 1}))
	require.NoError(t, client.Send([]byte(`"second"`)))
	assert.JSONEq(t, `{"move":"e4","turn":1}`, string(recv(t, msgs)))
	assert.JSONEq(t, `"second"`, string(recv(t, msgs)))
}

func TestRelayCloseReachesHost(t *testing.T) {
	url := startBroker(t, config.Broker{})
	host, conns := startHost(t, url)

	client, _, _ := joinRelay(t, url, host.Session())
	ch := recv(t, conns)

	closed := make(chan error, 1)
	ch.OnClose(func(err error) { closed <- err })

	require.NoError(t, client.Close())
	assert.NoError(t, recv(t, closed))
	assert.Equal(t, StateClosed, ch.State())
	assert.ErrorIs(t, client.Send([]byte(`1`)), ErrNoChannel)

	assert.Eventually(t, func() bool {
		_, ok := host.Channel(ch.Client())
		return !ok
	}, wait, 10*time.Millisecond)
}

func TestHostCloseEndsClient(t *testing.T) {
	url := startBroker(t, config.Broker{})
	host, conns := startHost(t, url)

	_, _, closed := joinRelay(t, url, host.Session())
	recv(t, conns)

	require.NoError(t, host.Close())
	assert.ErrorIs(t, recv(t, closed), ErrSessionNotFound)
}

func TestUnknownSession(t *testing.T) {
	url := startBroker(t, config.Broker{})

	client := NewClient(Options{URL: url, Relay: true})
	closed := make(chan error, 1)
	client.OnClose(func(err error) { closed <- err })

	require.NoError(t, client.Join(context.Background(), "999"))
	t.Cleanup(func() { _ = client.Close() })
	assert.ErrorIs(t, recv(t, closed), ErrSessionNotFound)
}

func TestSendBeforeOpen(t *testing.T) {
	client := NewClient(Options{})
	assert.Equal(t, StateIdle, client.State())
	assert.ErrorIs(t, client.Send([]byte(`{}`)), ErrNoChannel)

	host := NewHost(Options{})
	assert.ErrorIs(t, host.Send(1, []byte(`{}`)), ErrNoChannel)
}

func TestRelayDisabled(t *testing.T) {
	url := startBroker(t, config.Broker{DisableRelay: true})
	host, conns := startHost(t, url)
	assert.False(t, host.RelayAllowed())

	client := NewClient(Options{URL: url, Relay: true})
	errs := make(chan string, 1)
	client.OnError(func(e *protocol.Envelope) { errs <- e.Code })

	require.NoError(t, client.Join(context.Background(), host.Session()))
	t.Cleanup(func() { _ = client.Close() })

	assert.Equal(t, "relay_disabled", recv(t, errs))
	assert.Equal(t, StateNegotiating, client.State())
	assert.Empty(t, conns)
}

func TestDirectLoopback(t *testing.T) {
	url := startBroker(t, config.Broker{})
	host := NewHost(Options{URL: url, Transport: transport.Options{IncludeLoopback: true}})
	conns := make(chan *Channel, 1)
	host.OnConnection(func(ch *Channel) { conns <- ch })
	require.NoError(t, host.Start(context.Background()))
	t.Cleanup(func() { _ = host.Close() })

	client := NewClient(Options{
		URL:           url,
		Transport:     transport.Options{IncludeLoopback: true},
		DirectTimeout: -1,
	})
	opened := make(chan *Channel, 1)
	msgs := make(chan json.RawMessage, 1)
	client.OnOpen(func(ch *Channel) { opened <- ch })
	client.OnMessage(func(m json.RawMessage) { msgs <- m })
	require.NoError(t, client.Join(context.Background(), host.Session()))
	t.Cleanup(func() { _ = client.Close() })

	select {
	case <-opened:
	case <-time.After(15 * time.Second):
		t.Skip("direct channel did not open; no usable loopback ICE path")
	}
	assert.Equal(t, StateDirect, client.State())

	ch := recv(t, conns)
	assert.Equal(t, StateDirect, ch.State())
	require.NoError(t, ch.Send([]byte(`{"direct":true}`)))
	assert.JSONEq(t, `{"direct":true}`, string(recv(t, msgs)))
}
