package broker

import (
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"

	"github.com/1ureka/gamelink/internal/protocol"
	"github.com/1ureka/gamelink/internal/util"
)

const (
	writeWait        = 5 * time.Second
	defaultSendQueue = 256
)

var (
	errConnClosed   = errors.New("broker: connection closed")
	errSlowConsumer = errors.New("broker: send queue full")
)

// Handler serves the managed WebSocket transport on every path not claimed
// by the directory listing or the metrics endpoint.
func (b *Broker) Handler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /games", b.serveGames)
	if b.cfg.MetricsPath != "" && gatherer != nil {
		mux.Handle(b.cfg.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/", b.serveWS)
	return mux
}

func (b *Broker) serveGames(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := make(map[string]string)
	for k, v := range query {
		if k != "q" && len(v) > 0 {
			filter[k] = v[0]
		}
	}

	entries := b.dir.Search(filter, query.Get("q"))
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		util.LogWarning("games listing: %v", err)
	}
}

func (b *Broker) serveWS(w http.ResponseWriter, r *http.Request) {
	if !slices.Contains(websocket.Subprotocols(r), b.cfg.Subprotocol) {
		http.Error(w, "subprotocol "+b.cfg.Subprotocol+" required", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		Subprotocols: []string{b.cfg.Subprotocol},
		CheckOrigin:  func(r *http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if b.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(int64(b.cfg.MaxMessageSize))
	}

	c := newWSConn(ws, b.cfg.SendQueue)
	go c.writeLoop()

	link, err := b.Open(c, r.URL.Path, "ws")
	if err != nil {
		return
	}
	c.readLoop(link)
}

// wsConn adapts a gorilla connection to registry.Conn. All writes go through
// one goroutine draining an ordered queue.
type wsConn struct {
	id string
	ws *websocket.Conn

	out       chan []byte
	closing   chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, queue int) *wsConn {
	if queue <= 0 {
		queue = defaultSendQueue
	}
	return &wsConn{
		id:      xid.New().String(),
		ws:      ws,
		out:     make(chan []byte, queue),
		closing: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

// Send queues e. A peer that falls a whole queue behind is disconnected.
func (c *wsConn) Send(e *protocol.Envelope) error {
	data, err := protocol.Encode(e)
	if err != nil {
		return err
	}

	select {
	case <-c.closing:
		return errConnClosed
	default:
	}

	select {
	case c.out <- data:
		return nil
	default:
		util.LogWarning("[%s] %v, disconnecting", c.id, errSlowConsumer)
		c.terminate()
		return errSlowConsumer
	}
}

// Close writes what is already queued, then a close frame, then closes.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	return nil
}

// terminate closes the socket without flushing.
func (c *wsConn) terminate() {
	_ = c.Close()
	_ = c.ws.Close()
}

func (c *wsConn) write(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) writeLoop() {
	defer c.ws.Close()

	for {
		select {
		case data := <-c.out:
			if err := c.write(data); err != nil {
				return
			}
		case <-c.closing:
			for {
				select {
				case data := <-c.out:
					if err := c.write(data); err != nil {
						return
					}
				default:
					_ = c.ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}

func (c *wsConn) readLoop(link *Link) {
	defer func() {
		if r := recover(); r != nil {
			util.LogError("[%s] panic while handling message: %v", c.id, r)
		}
		c.terminate()
		link.Close()
	}()

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				util.LogDebug("[%s] read: %v", c.id, err)
			}
			return
		}
		if mt != websocket.TextMessage {
			util.LogWarning("[%s] binary message, closing", c.id)
			return
		}
		if err := link.Receive(data); err != nil {
			util.LogWarning("[%s] %v, closing", c.id, err)
			return
		}
	}
}
