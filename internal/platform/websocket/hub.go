// Package websocket streams queue events to connected live displays. Each
// client watches exactly one queue channel, chosen when it connects.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/polyclinic/clinic/internal/platform/events"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one live display connection.
type Client struct {
	ID      string
	Channel string
	Send    chan []byte
}

func newClient(channel string) *Client {
	return &Client{
		ID:      uuid.New().String(),
		Channel: channel,
		Send:    make(chan []byte, sendBuffer),
	}
}

// Hub tracks clients by channel. It implements events.Publisher so queue
// changes reach displays connected to this process.
type Hub struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger.With().Str("component", "live_queue").Logger(),
		clients: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.Channel] == nil {
		h.clients[client.Channel] = make(map[*Client]struct{})
	}
	h.clients[client.Channel][client] = struct{}{}
}

// Unregister removes a client and closes its Send channel. Repeated calls
// are no-ops.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subscribers, ok := h.clients[client.Channel]
	if !ok {
		return
	}
	if _, ok := subscribers[client]; !ok {
		return
	}
	delete(subscribers, client)
	if len(subscribers) == 0 {
		delete(h.clients, client.Channel)
	}
	close(client.Send)
}

// Publish implements events.Publisher.
func (h *Hub) Publish(_ context.Context, e events.QueueEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	h.broadcast(e.Channel(), data)
	return nil
}

func (h *Hub) broadcast(channel string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[channel] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client", client.ID).Str("channel", channel).Msg("live client too slow, event dropped")
		}
	}
}

// ClientCount returns the number of clients watching channel.
func (h *Hub) ClientCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[channel])
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Stream upgrades the request, sends initial as the first message and then
// relays every event published on channel until the client goes away.
func (h *Hub) Stream(c echo.Context, channel string, initial any) error {
	first, err := json.Marshal(initial)
	if err != nil {
		return err
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := newClient(channel)
	client.Send <- first
	h.Register(client)
	h.logger.Debug().Str("client", client.ID).Str("channel", channel).Msg("live client connected")

	conn := &gorillaConnAdapter{ws}
	go h.writePump(client, conn, ws)
	go h.readPump(client, conn, ws)
	return nil
}

// readPump only drains control frames; displays never send data.
func (h *Hub) readPump(client *Client, conn Conn, ws *gorillawebsocket.Conn) {
	defer func() {
		h.Unregister(client)
		conn.Close()
	}()

	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(client *Client, conn Conn, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(gorillawebsocket.CloseMessage, nil)
				return
			}
			if err := conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy the Conn interface.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
