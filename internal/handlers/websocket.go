package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/interfaces"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

const writeWait = 5 * time.Second

// StreamedEvents are forwarded to connected clients.
var StreamedEvents = []interfaces.EventType{
	interfaces.EventJobCreated,
	interfaces.EventJobStatusChanged,
	interfaces.EventJobProgress,
	interfaces.EventJobCancelRequested,
	interfaces.EventMessageDeadLetter,
}

// WSMessage is the envelope written to clients.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type wsClient struct {
	mu       sync.Mutex // Serializes writes; gorilla allows one concurrent writer
	tenantID string
	jobID    string
}

// WebSocketHandler streams job lifecycle events. Clients may narrow the
// stream with ?job_id=; in multi-tenant mode they only see their tenant.
type WebSocketHandler struct {
	logger           arbor.ILogger
	eventService     interfaces.EventService
	checkTenant      func(tenantID string) error
	clients          map[*websocket.Conn]*wsClient
	mu               sync.RWMutex
	handler          interfaces.EventHandler
	serverInstanceID string // Clients use it to detect a server restart
}

// NewWebSocketHandler subscribes to the event service. checkTenant rejects
// connections without a tenant when tenancy is enforced.
func NewWebSocketHandler(eventService interfaces.EventService, checkTenant func(string) error, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		eventService:     eventService,
		checkTenant:      checkTenant,
		clients:          make(map[*websocket.Conn]*wsClient),
		serverInstanceID: uuid.New().String(),
	}
	h.handler = h.broadcast

	for _, eventType := range StreamedEvents {
		if err := eventService.Subscribe(eventType, h.handler); err != nil {
			logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to subscribe websocket stream")
		}
	}
	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized")
	return h
}

// HandleWebSocket upgrades the connection and keeps it open until the
// client disconnects.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantID(r)
	if tenantID == "" {
		tenantID = strings.TrimSpace(r.URL.Query().Get("tenant"))
	}
	if h.checkTenant != nil {
		if err := h.checkTenant(tenantID); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &wsClient{tenantID: tenantID, jobID: r.URL.Query().Get("job_id")}
	h.mu.Lock()
	h.clients[conn] = client
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Int("clients", count).Str("job_id", client.jobID).Msg("WebSocket client connected")

	h.write(conn, client, WSMessage{
		Type:    "connected",
		Payload: map[string]string{"server_instance_id": h.serverInstanceID},
	})

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Int("clients", remaining).Msg("WebSocket client disconnected")
	}()

	// Client messages are ignored; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unsubscribes from the event service and disconnects every client.
func (h *WebSocketHandler) Close() {
	for _, eventType := range StreamedEvents {
		h.eventService.Unsubscribe(eventType, h.handler)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, client := range h.clients {
		client.mu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		client.mu.Unlock()
		conn.Close()
		delete(h.clients, conn)
	}
}

func (h *WebSocketHandler) broadcast(ctx context.Context, event interfaces.Event) error {
	payload, _ := event.Payload.(map[string]interface{})
	jobID, _ := payload["job_id"].(string)
	tenantID, _ := payload["tenant_id"].(string)

	msg := WSMessage{Type: string(event.Type), Payload: event.Payload}

	h.mu.RLock()
	targets := make(map[*websocket.Conn]*wsClient, len(h.clients))
	for conn, client := range h.clients {
		if client.tenantID != "" && client.tenantID != tenantID {
			continue
		}
		if client.jobID != "" && client.jobID != jobID {
			continue
		}
		targets[conn] = client
	}
	h.mu.RUnlock()

	for conn, client := range targets {
		h.write(conn, client, msg)
	}
	return nil
}

func (h *WebSocketHandler) write(conn *websocket.Conn, client *wsClient, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal websocket message")
		return
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send websocket message")
	}
}
