package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/gamelink/internal/protocol"
)

const writeWait = 5 * time.Second

// sigConn is the signaling connection to the broker. Writes are serialized
// by a mutex; a single goroutine reads.
type sigConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// dial connects to the broker at url, requesting subprotocol.
func dial(ctx context.Context, url, subprotocol string) (*sigConn, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{subprotocol},
		HandshakeTimeout: 10 * time.Second,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	return &sigConn{ws: ws}, nil
}

// send writes an envelope, guarded by a mutex.
func (s *sigConn) send(e *protocol.Envelope) error {
	data, err := protocol.Encode(e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

// read blocks for the next envelope.
func (s *sigConn) read() (*protocol.Envelope, error) {
	_, data, err := s.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

func (s *sigConn) close() error {
	s.mu.Lock()
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	s.mu.Unlock()
	return s.ws.Close()
}
