package rawsock

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/gamelink/internal/broker"
	"github.com/1ureka/gamelink/internal/config"
	"github.com/1ureka/gamelink/internal/frame"
	"github.com/1ureka/gamelink/internal/protocol"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func startRaw(t *testing.T) string {
	t.Helper()
	cfg := config.Broker{
		RawAddress:     freeAddr(t),
		Subprotocol:    "gamelink",
		PingInterval:   time.Hour,
		MaxFrameSize:   1 << 20,
		MaxMessageSize: 64 * 1024,
	}
	b := broker.New(cfg, nil, broker.NewMetrics(prometheus.NewRegistry()))
	srv := New(b, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		b.Shutdown()
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", cfg.RawAddress)
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)
	return cfg.RawAddress
}

// rawClient speaks the framing protocol by hand, masking what it sends.
type rawClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	buf  []byte
}

func connect(t *testing.T, addr, path, protocols string) (*rawClient, string) {
	t.Helper()
	return connectPipelined(t, addr, path, protocols, nil)
}

// connectPipelined sends after in the same write as the handshake request.
func connectPipelined(t *testing.T, addr, path, protocols string, after []byte) (*rawClient, string) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	req := "GET " + path + " HTTP/1.1\r\n" +
		"Host: " + addr + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n"
	if protocols != "" {
		req += "Sec-WebSocket-Protocol: " + protocols + "\r\n"
	}
	req += "Sec-WebSocket-Version: 13\r\n\r\n"

	_, err = conn.Write(append([]byte(req), after...))
	require.NoError(t, err)

	c := &rawClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var head strings.Builder
	for !strings.HasSuffix(head.String(), "\r\n\r\n") {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return c, head.String()
		}
		head.WriteString(line)
	}
	return c, head.String()
}

func (c *rawClient) send(op frame.Opcode, payload string) {
	_, err := c.conn.Write(frame.EncodeMasked(op, []byte(payload), [4]byte{0x11, 0x22, 0x33, 0x44}))
	require.NoError(c.t, err)
}

func (c *rawClient) next() (frame.Frame, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		f, n, err := frame.Decode(c.buf, 0)
		if err == nil {
			c.buf = c.buf[n:]
			return f, nil
		}
		if !errors.Is(err, frame.ErrIncomplete) {
			return frame.Frame{}, err
		}
		chunk := make([]byte, 4096)
		m, rerr := c.r.Read(chunk)
		if rerr != nil {
			return frame.Frame{}, rerr
		}
		c.buf = append(c.buf, chunk[:m]...)
	}
}

func (c *rawClient) envelope() *protocol.Envelope {
	f, err := c.next()
	require.NoError(c.t, err)
	require.Equal(c.t, frame.OpText, f.Op)

	var e protocol.Envelope
	require.NoError(c.t, json.Unmarshal(f.Payload, &e))
	return &e
}

func TestHandshake(t *testing.T) {
	addr := startRaw(t)

	_, head := connect(t, addr, "/host", "chat, gamelink")
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 101 "))
	assert.Contains(t, head, "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n")
	assert.Contains(t, head, "Sec-WebSocket-Protocol: gamelink\r\n")
}

func TestHandshakeWithoutSubprotocolIsDropped(t *testing.T) {
	addr := startRaw(t)

	c, head := connect(t, addr, "/host", "")
	assert.Empty(t, head)
	_, err := c.r.ReadByte()
	assert.Error(t, err)
}

func TestSessionOverRawFrames(t *testing.T) {
	addr := startRaw(t)

	host, _ := connect(t, addr, "/host", "gamelink")
	created := host.envelope()
	require.Equal(t, protocol.TypeHost, created.Type)

	client, _ := connect(t, addr, "/"+created.Host, "gamelink")
	arrived := host.envelope()
	require.Equal(t, protocol.TypeClient, arrived.Type)

	// A candidate split across two fragments and two TCP writes.
	first := frame.EncodeMasked(frame.OpText, []byte(`{"type":"candidate",`), [4]byte{1, 2, 3, 4})
	first[0] &^= 0x80
	second := frame.EncodeMasked(frame.OpContinuation, []byte(`"data":{"candidate":"c1"}}`), [4]byte{5, 6, 7, 8})
	_, err := client.conn.Write(first)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = client.conn.Write(second[:3])
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = client.conn.Write(second[3:])
	require.NoError(t, err)

	got := host.envelope()
	assert.Equal(t, protocol.TypeCandidate, got.Type)
	assert.Equal(t, 1, got.Client)
	assert.JSONEq(t, `{"candidate":"c1"}`, string(got.Data))

	host.send(frame.OpText, `{"client":1,"type":"answer","data":"sdp"}`)
	answer := client.envelope()
	assert.Equal(t, protocol.TypeAnswer, answer.Type)
}

func TestUnknownSessionGetsNotFound(t *testing.T) {
	addr := startRaw(t)

	c, head := connect(t, addr, "/999", "gamelink")
	require.Contains(t, head, "101")

	e := c.envelope()
	assert.Equal(t, protocol.StatusNotFound, e.Error)

	f, err := c.next()
	require.NoError(t, err)
	assert.Equal(t, frame.OpClose, f.Op)
}

func TestCloseBeforeOpenTerminates(t *testing.T) {
	addr := startRaw(t)

	goingAway := "\x03\xe9"
	closeFrame := frame.EncodeMasked(frame.OpClose, []byte(goingAway), [4]byte{1, 2, 3, 4})
	c, head := connectPipelined(t, addr, "/999", "gamelink", closeFrame)
	require.Contains(t, head, "101")

	var err error
	for {
		var f frame.Frame
		f, err = c.next()
		if err != nil {
			break
		}
		if f.Op == frame.OpClose {
			assert.NotEqual(t, []byte(goingAway), f.Payload, "close frame was echoed")
		}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		assert.False(t, ne.Timeout(), "connection was not dropped")
	}
}

func TestCloseEchoedWhenOpen(t *testing.T) {
	addr := startRaw(t)

	host, _ := connect(t, addr, "/host", "gamelink")
	host.envelope()

	host.send(frame.OpClose, "\x03\xe8")
	f, err := host.next()
	require.NoError(t, err)
	assert.Equal(t, frame.OpClose, f.Op)
	assert.Equal(t, []byte{0x03, 0xe8}, f.Payload)
}

func TestPingFrameAnsweredWithPong(t *testing.T) {
	addr := startRaw(t)

	host, _ := connect(t, addr, "/host", "gamelink")
	host.envelope()

	host.send(frame.OpPing, "hi")
	f, err := host.next()
	require.NoError(t, err)
	assert.Equal(t, frame.OpPong, f.Op)
	assert.Equal(t, "hi", string(f.Payload))
}

func TestMalformedJSONClosesOnlyThatConnection(t *testing.T) {
	addr := startRaw(t)

	host, _ := connect(t, addr, "/host", "gamelink")
	created := host.envelope()
	bad, _ := connect(t, addr, "/"+created.Host, "gamelink")
	host.envelope()

	bad.send(frame.OpText, `{"type":`)
	_, err := bad.next()
	assert.Error(t, err)

	closed := host.envelope()
	assert.Equal(t, protocol.TypeClose, closed.Type)

	host.send(frame.OpText, `{"type":"ping"}`)
	assert.Equal(t, protocol.TypePong, host.envelope().Type)
}

func TestLargeFrameTiers(t *testing.T) {
	addr := startRaw(t)

	host, _ := connect(t, addr, "/host", "gamelink")
	host.envelope()

	// 70000 bytes of metadata pushes the envelope into the 64-bit length tier
	// but stays under the 1 MiB frame cap; the message cap closes it.
	big := `{"type":"update","details":{"blob":"` + string(bytes.Repeat([]byte("x"), 70000)) + `"}}`
	host.send(frame.OpText, big)
	_, err := host.next()
	assert.Error(t, err)
}

func TestUnmaskedFrameDropsConnection(t *testing.T) {
	addr := startRaw(t)

	host, _ := connect(t, addr, "/host", "gamelink")
	host.envelope()

	_, err := host.conn.Write(frame.EncodeText(`{"type":"ping"}`))
	require.NoError(t, err)
	_, err = host.next()
	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) {
		assert.False(t, ne.Timeout(), "connection was not dropped")
	}
}
