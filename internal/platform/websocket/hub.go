// Package websocket streams live dispatch events to connected clients. Ops
// screens follow every assignment; a phlebotomist's app follows only the
// bookings assigned to them.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/pickmylab/dispatch/internal/domain/dispatch"
	"github.com/pickmylab/dispatch/internal/platform/auth"
)

const (
	// TopicDispatch carries every assignment.
	TopicDispatch = "dispatch"

	EventBookingAssigned = "booking.assigned"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

// AgentTopic is the topic a phlebotomist's own assignments are sent on.
func AgentTopic(agentID string) string { return "phlebotomist/" + agentID }

// Event is the JSON frame written to clients.
type Event struct {
	Type          string    `json:"type"`
	Topic         string    `json:"topic"`
	BookingID     string    `json:"booking_id"`
	BookingNumber string    `json:"booking_number,omitempty"`
	AgentID       string    `json:"agent_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Client is one connection's subscription.
type Client struct {
	ID     string
	UserID string
	Topics []string
	Send   chan []byte
}

// Hub tracks clients by topic.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "livefeed").Logger(),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
	}
}

// Unregister removes client and closes its Send channel. Repeated calls are
// no-ops.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		if subs, ok := h.clients[topic]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.clients, topic)
			}
		}
	}
	delete(h.all, client)
	close(client.Send)
}

// Broadcast queues evt for every subscriber of topic. Slow clients whose
// buffer is full miss the frame.
func (h *Hub) Broadcast(topic string, evt Event) {
	evt.Topic = topic
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal live event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("topic", topic).Msg("client buffer full, frame dropped")
		}
	}
}

// NotifyAssignment publishes an assignment on the dispatch topic and on the
// assigned phlebotomist's topic.
func (h *Hub) NotifyAssignment(_ context.Context, evt dispatch.AssignmentEvent) error {
	e := Event{
		Type:          EventBookingAssigned,
		BookingID:     evt.BookingID,
		BookingNumber: evt.BookingNumber,
		AgentID:       evt.AgentID,
		Timestamp:     evt.Timestamp,
	}
	h.Broadcast(TopicDispatch, e)
	if evt.AgentID != "" {
		h.Broadcast(AgentTopic(evt.AgentID), e)
	}
	return nil
}

var _ dispatch.Notifier = (*Hub)(nil)

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// topicsFor picks the caller's subscriptions from their identity.
func topicsFor(ctx context.Context) []string {
	if auth.HasRole(auth.RolesFromContext(ctx), auth.RoleOps) {
		return []string{TopicDispatch}
	}
	return []string{AgentTopic(auth.UserIDFromContext(ctx))}
}

// Handler upgrades authenticated requests to the live feed.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts browser connections only from allowedOrigins ("*"
// allows any). Requests without an Origin header are always accepted.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimSpace(o)] = true
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/dispatch/stream", h.HandleConnect, auth.RequireRole(auth.RoleOps, auth.RolePhlebotomist))
}

// HandleConnect upgrades the connection and starts its pumps.
func (h *Handler) HandleConnect(c echo.Context) error {
	ctx := c.Request().Context()
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the error response.
		return nil
	}

	client := &Client{
		ID:     uuid.New().String(),
		UserID: auth.UserIDFromContext(ctx),
		Topics: topicsFor(ctx),
		Send:   make(chan []byte, sendBuffer),
	}
	h.hub.Register(client)
	h.hub.logger.Debug().Str("client_id", client.ID).Strs("topics", client.Topics).Msg("live feed connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

// readPump only services control frames; inbound data frames are ignored.
func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()
	ws.SetReadLimit(maxMessageSize)
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

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()
	for {
		select {
		case msg, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
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
