package frame

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRequest = "GET /host HTTP/1.1\r\n" +
	"Host: localhost:9090\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: Upgrade\r\n" +
	"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
	"Sec-WebSocket-Protocol: chat, gamelink\r\n" +
	"Sec-WebSocket-Version: 13\r\n" +
	"\r\n"

func TestAcceptKeyKnownValue(t *testing.T) {
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", AcceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestAcceptKeyDeterministicUnderConcurrency(t *testing.T) {
	want := AcceptKey("x3JJHMbDL1EzLkh9GBhXDw==")

	var wg sync.WaitGroup
	results := make([]string, 64)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = AcceptKey("x3JJHMbDL1EzLkh9GBhXDw==")
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, want, r)
	}
}

func TestReadRequest(t *testing.T) {
	req, n, err := ReadRequest([]byte(sampleRequest + "trailing"))
	require.NoError(t, err)
	assert.Equal(t, len(sampleRequest), n)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/host", req.Path)
	assert.Equal(t, "websocket", req.Get("upgrade"))
	assert.Equal(t, []string{"chat", "gamelink"}, req.Protocols())
}

func TestReadRequestIncomplete(t *testing.T) {
	_, _, err := ReadRequest([]byte(sampleRequest[:40]))
	assert.ErrorIs(t, err, ErrIncomplete)

	_, _, err = ReadRequest([]byte(strings.Repeat("a", maxHandshakeSize+1)))
	assert.ErrorIs(t, err, ErrBadHandshake)
}

func TestNegotiate(t *testing.T) {
	req, _, err := ReadRequest([]byte(sampleRequest))
	require.NoError(t, err)

	resp, proto, err := Negotiate(req, []string{"gamelink"})
	require.NoError(t, err)
	assert.Equal(t, "gamelink", proto)

	text := string(resp)
	assert.True(t, strings.HasPrefix(text, "HTTP/1.1 101 Switching Protocols\r\n"))
	assert.Contains(t, text, "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n")
	assert.Contains(t, text, "Sec-WebSocket-Protocol: gamelink\r\n")
	assert.True(t, strings.HasSuffix(text, "\r\n\r\n"))
}

func TestNegotiateRejects(t *testing.T) {
	testCases := []struct {
		name   string
		remove string
	}{
		{"no upgrade", "Upgrade: websocket\r\n"},
		{"no key", "Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n"},
		{"no subprotocol", "Sec-WebSocket-Protocol: chat, gamelink\r\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req, _, err := ReadRequest([]byte(strings.Replace(sampleRequest, tc.remove, "", 1)))
			require.NoError(t, err)

			_, _, err = Negotiate(req, nil)
			assert.ErrorIs(t, err, ErrBadHandshake)
		})
	}

	t.Run("unsupported subprotocol", func(t *testing.T) {
		req, _, err := ReadRequest([]byte(sampleRequest))
		require.NoError(t, err)
		_, _, err = Negotiate(req, []string{"other"})
		assert.ErrorIs(t, err, ErrBadHandshake)
	})
}
