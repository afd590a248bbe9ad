// Package websocket pushes dashboard state to connected browsers. Each
// browser session has its own topic; every connection opened by that session
// receives the events broadcast to it.
package websocket

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// EventState carries a full dashboard state snapshot.
const EventState = "state"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

// Event is one message pushed to a client.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SessionTopic is the topic a dashboard session's state is published on.
func SessionTopic(sessionID string) string {
	return "session:" + sessionID
}

// EventPublisher defines the interface for publishing events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Client is a single WebSocket connection bound to one topic.
type Client struct {
	ID    string
	Topic string
	Send  chan []byte
}

func newClient(topic string) *Client {
	return &Client{
		ID:    uuid.New().String(),
		Topic: topic,
		Send:  make(chan []byte, sendBuffer),
	}
}

// Hub tracks clients by topic. All operations are safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client under its topic.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.Topic] == nil {
		h.clients[client.Topic] = make(map[*Client]struct{})
	}
	h.clients[client.Topic][client] = struct{}{}
}

// Unregister removes a client and closes its Send channel. Unregistering a
// client twice is a no-op.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subscribers, ok := h.clients[client.Topic]
	if !ok {
		return
	}
	if _, ok := subscribers[client]; !ok {
		return
	}
	delete(subscribers, client)
	if len(subscribers) == 0 {
		delete(h.clients, client.Topic)
	}
	close(client.Send)
}

// Broadcast sends an event to all clients on topic. Slow clients whose buffer
// is full miss the event; the next state snapshot supersedes it.
func (h *Hub) Broadcast(topic string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("websocket: failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
			h.logger.Debug().Str("client_id", client.ID).Msg("websocket: client buffer full, event dropped")
		}
	}
}

// Publish implements EventPublisher.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event.Topic, event)
	return nil
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subscribers := range h.clients {
		n += len(subscribers)
	}
	return n
}

// TopicCount returns the number of clients on a topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// ---------------------------------------------------------------------------
// Handler: Echo endpoint for WebSocket connections
// ---------------------------------------------------------------------------

// TopicFunc resolves the topic of the connecting request.
type TopicFunc func(c echo.Context) (string, error)

// InitialFunc returns the event sent right after a client connects.
type InitialFunc func(c echo.Context, topic string) (Event, bool)

// Handler upgrades requests to WebSocket connections and attaches them to
// the hub.
type Handler struct {
	hub      *Hub
	topic    TopicFunc
	initial  InitialFunc
	upgrader gorillawebsocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler builds a handler. Cross-origin upgrades are refused unless the
// origin is listed in allowedOrigins.
func NewHandler(hub *Hub, topic TopicFunc, initial InitialFunc, allowedOrigins []string, logger zerolog.Logger) *Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return &Handler{
		hub:     hub,
		topic:   topic,
		initial: initial,
		logger:  logger,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, allowed)
			},
		},
	}
}

func checkOrigin(r *http.Request, allowed map[string]struct{}) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if _, ok := allowed["*"]; ok {
		return true
	}
	if _, ok := allowed[origin]; ok {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// HandleConnect upgrades the connection, registers the client under the
// request's topic and starts the read and write pumps.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	topic, err := wsh.topic(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the error response.
		wsh.logger.Debug().Err(err).Msg("websocket: upgrade failed")
		return nil
	}

	client := newClient(topic)
	wsh.hub.Register(client)

	if wsh.initial != nil {
		if evt, ok := wsh.initial(c, topic); ok {
			if data, err := json.Marshal(evt); err == nil {
				client.Send <- data
			}
		}
	}

	wsh.logger.Debug().Str("client_id", client.ID).Str("topic", topic).Msg("websocket: client connected")

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

// readPump drains inbound frames until the connection closes. Clients do not
// send commands; reading keeps pong handling and close detection going.
func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
		wsh.logger.Debug().Str("client_id", client.ID).Msg("websocket: client disconnected")
	}()

	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump writes queued events and keeps the connection alive with pings.
func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
