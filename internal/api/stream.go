package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fxsage/fxadvisor/internal/bus"
	"github.com/fxsage/fxadvisor/internal/config"
)

const (
	// streamSendBuffer bounds each client's outbox. A client that
	// cannot drain it in time is dropped, never waited on.
	streamSendBuffer = 32

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// streamTopics are the bus topics mirrored onto the websocket
var streamTopics = []string{
	bus.TopicSignalChanged,
	bus.TopicPositionEvaluated,
	bus.TopicModelPromoted,
	bus.TopicTrainingCompleted,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser origins are screened by CORS configuration upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamHub fans bus events out to websocket clients. Clients only
// listen; inbound frames beyond control messages are discarded.
type streamHub struct {
	events EventSource
	log    zerolog.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	subs    []*bus.Subscription
	closed  bool
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newStreamHub(events EventSource) *streamHub {
	return &streamHub{
		events:  events,
		log:     config.NewLogger("stream"),
		clients: make(map[*streamClient]struct{}),
	}
}

// start subscribes the hub to every streamed topic
func (h *streamHub) start() error {
	for _, topic := range streamTopics {
		sub, err := h.events.Subscribe(topic, h.forward)
		if err != nil {
			h.stop()
			return err
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// forward relays one bus event to every connected client
func (h *streamHub) forward(ev *bus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Slow consumer: closing send ends its write loop.
			delete(h.clients, client)
			close(client.send)
			h.log.Warn().Str("remote", client.conn.RemoteAddr().String()).Msg("Dropping slow stream client")
		}
	}
	return nil
}

func (h *streamHub) add(client *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client] = struct{}{}
	return true
}

func (h *streamHub) remove(client *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// stop unsubscribes from the bus and disconnects every client
func (h *streamHub) stop() {
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}
	h.subs = nil

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// handleStream upgrades the connection and pumps events until the
// client goes away
func (s *Server) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	client := &streamClient{
		conn: conn,
		send: make(chan []byte, streamSendBuffer),
	}
	if !s.hub.add(client) {
		_ = conn.Close()
		return
	}

	go client.writePump()
	client.readPump(s.hub)
}

// writePump drains the outbox and keeps the connection alive with
// pings. It owns all writes on the connection.
func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump watches for the client closing. Payload frames are read
// and discarded; pongs refresh the deadline.
func (c *streamClient) readPump(hub *streamHub) {
	defer hub.remove(c)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
