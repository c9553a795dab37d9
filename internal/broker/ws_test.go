package broker

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/gamelink/internal/directory"
	"github.com/1ureka/gamelink/internal/protocol"
)

func startServer(t *testing.T) (*Broker, *httptest.Server) {
	t.Helper()
	reg := prometheus.NewRegistry()
	b := New(testConfig(), nil, NewMetrics(reg))
	srv := httptest.NewServer(b.Handler(reg))
	t.Cleanup(func() {
		b.Shutdown()
		srv.Close()
	})
	return b, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{Subprotocols: []string{"gamelink"}, HandshakeTimeout: 5 * time.Second}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := d.Dial(url, nil)
	require.NoError(t, err)
	assert.Equal(t, "gamelink", resp.Header.Get("Sec-WebSocket-Protocol"))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var e protocol.Envelope
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &e))
	return &e
}

func TestWSSessionFlow(t *testing.T) {
	_, srv := startServer(t)

	host := dial(t, srv, PathHost)
	created := readEnvelope(t, host)
	require.Equal(t, protocol.TypeHost, created.Type)
	require.NotEmpty(t, created.Host)

	client := dial(t, srv, "/"+created.Host)
	arrived := readEnvelope(t, host)
	assert.Equal(t, protocol.TypeClient, arrived.Type)
	assert.Equal(t, 1, arrived.Client)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"offer","data":{"sdp":"o"}}`)))
	offer := readEnvelope(t, host)
	assert.Equal(t, protocol.TypeOffer, offer.Type)
	assert.Equal(t, 1, offer.Client)

	require.NoError(t, host.WriteMessage(websocket.TextMessage, []byte(`{"client":1,"type":"answer","data":{"sdp":"a"}}`)))
	answer := readEnvelope(t, client)
	assert.Equal(t, protocol.TypeAnswer, answer.Type)
	assert.JSONEq(t, `{"sdp":"a"}`, string(answer.Data))

	require.NoError(t, client.Close())
	closed := readEnvelope(t, host)
	assert.Equal(t, protocol.TypeClose, closed.Type)
	assert.Equal(t, 1, closed.Client)
}

func TestWSUnknownSession(t *testing.T) {
	_, srv := startServer(t)

	conn := dial(t, srv, "/does-not-exist")
	e := readEnvelope(t, conn)
	assert.Equal(t, protocol.StatusNotFound, e.Error)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWSHostDisconnectNotifiesClients(t *testing.T) {
	_, srv := startServer(t)

	host := dial(t, srv, PathHost)
	created := readEnvelope(t, host)
	client := dial(t, srv, "/"+created.Host)
	readEnvelope(t, host)

	require.NoError(t, host.Close())

	e := readEnvelope(t, client)
	assert.Equal(t, protocol.StatusNotFound, e.Error)
	_, _, err := client.ReadMessage()
	assert.Error(t, err)
}

func TestWSViolationClosesOnlyOffender(t *testing.T) {
	_, srv := startServer(t)

	host := dial(t, srv, PathHost)
	created := readEnvelope(t, host)
	bad := dial(t, srv, "/"+created.Host)
	require.Equal(t, 1, readEnvelope(t, host).Client)
	good := dial(t, srv, "/"+created.Host)
	require.Equal(t, 2, readEnvelope(t, host).Client)

	require.NoError(t, bad.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	_ = bad.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := bad.ReadMessage()
	assert.Error(t, err)

	closed := readEnvelope(t, host)
	assert.Equal(t, protocol.TypeClose, closed.Type)
	assert.Equal(t, 1, closed.Client)

	require.NoError(t, good.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, protocol.TypePong, readEnvelope(t, good).Type)
}

func TestWSRequiresSubprotocol(t *testing.T) {
	_, srv := startServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + PathHost
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGamesListing(t *testing.T) {
	b, srv := startServer(t)

	reg := dial(t, srv, PathRegister)
	require.NoError(t, reg.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"register","data":{"address":"10.0.0.5","port":7777,"metadata":{"game":"chess","name":"Blitz"}}}`)))
	require.Eventually(t, func() bool { return b.Directory().Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	get := func(query string) []directory.Entry {
		resp, err := http.Get(srv.URL + "/games" + query)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var entries []directory.Entry
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
		return entries
	}

	all := get("")
	require.Len(t, all, 1)
	assert.Equal(t, "10.0.0.5", all[0].Address)
	assert.Equal(t, 7777, all[0].Port)
	assert.Equal(t, directory.VisibilityUnknown, all[0].Visibility)

	assert.Len(t, get("?game=chess"), 1)
	assert.Empty(t, get("?game=go"))
	assert.Len(t, get("?q=blitz"), 1)

	require.NoError(t, reg.Close())
	require.Eventually(t, func() bool { return len(get("")) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := startServer(t)
	host := dial(t, srv, PathHost)
	readEnvelope(t, host)

	scrape := func() string {
		resp, err := http.Get(srv.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}

	require.Eventually(t, func() bool {
		body := scrape()
		return strings.Contains(body, "gamelink_sessions 1") &&
			strings.Contains(body, `gamelink_connections{role="host"} 1`)
	}, 5*time.Second, 20*time.Millisecond)
}
