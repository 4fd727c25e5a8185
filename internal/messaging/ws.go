package messaging

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/rewardgate/internal/events"
	"github.com/sudo-init-do/rewardgate/internal/utils"
)

const writeWait = 5 * time.Second

type wsEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

type room struct {
	clients map[*conn]bool
	mu      sync.RWMutex
}

// Hub pushes verification status changes to the owning user's open sockets.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]*room
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		rooms: make(map[string]*room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

func (h *Hub) room(userID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[userID]; ok {
		return r
	}
	r := &room{clients: make(map[*conn]bool)}
	h.rooms[userID] = r
	return r
}

func (h *Hub) register(userID string, c *conn) {
	r := h.room(userID)
	r.mu.Lock()
	r.clients[c] = true
	r.mu.Unlock()
}

func (h *Hub) unregister(userID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[userID]
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.clients, c)
	empty := len(r.clients) == 0
	r.mu.Unlock()
	if empty {
		delete(h.rooms, userID)
	}
}

func (h *Hub) push(userID string, evt wsEvent) {
	h.mu.RLock()
	r, ok := h.rooms[userID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		h.log.Error("ws event not encoded", "type", evt.Type, "error", err)
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.clients {
		if err := c.write(payload); err != nil {
			h.log.Debug("ws write failed", "user_id", userID, "error", err)
		}
	}
}

// Connections returns the number of open sockets for a user.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	r, ok := h.rooms[userID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// VerificationChanged forwards a status change to the request owner.
func (h *Hub) VerificationChanged(change events.VerificationChanged) {
	h.push(change.UserID, wsEvent{Type: "verification_status", Data: change})
}

// VerificationWS - websocket for realtime verification status updates
func (h *Hub) VerificationWS(c echo.Context) error {
	userID := utils.UserID(c)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	cl := &conn{ws: ws}
	h.register(userID, cl)
	_ = cl.write(mustJSON(wsEvent{Type: "subscribed", Data: echo.Map{"user_id": userID}}))

	// server push only; reads just detect the close
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			h.unregister(userID, cl)
			_ = ws.Close()
			break
		}
	}
	return nil
}

func mustJSON(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}
