// Package ws pushes per-user events to connected websocket sessions.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/KAsare1/medibook-server/cmd/utils"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 16
)

type ClientConnection struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	UserID uint
}

// Hub tracks live sessions per user. A user may have several tabs or devices.
type Hub struct {
	register   chan *ClientConnection
	unregister chan *ClientConnection

	mu      sync.RWMutex
	clients map[uint]map[*ClientConnection]bool

	log *logrus.Entry
}

func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		register:   make(chan *ClientConnection),
		unregister: make(chan *ClientConnection),
		clients:    make(map[uint]map[*ClientConnection]bool),
		log:        log,
	}
}

// Run processes registrations until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, conns := range h.clients {
				for c := range conns {
					close(c.send)
				}
			}
			h.clients = make(map[uint]map[*ClientConnection]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.UserID] == nil {
				h.clients[client.UserID] = make(map[*ClientConnection]bool)
			}
			h.clients[client.UserID][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.remove(client)
		}
	}
}

func (h *Hub) remove(client *ClientConnection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.clients[client.UserID]; ok && conns[client] {
		delete(conns, client)
		close(client.send)
		if len(conns) == 0 {
			delete(h.clients, client.UserID)
		}
	}
}

// SendToUser queues msg on every session of the user. Slow sessions are dropped.
func (h *Hub) SendToUser(userID uint, msg []byte) int {
	h.mu.RLock()
	var slow []*ClientConnection
	sent := 0
	for c := range h.clients[userID] {
		select {
		case c.send <- msg:
			sent++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.remove(c)
	}
	return sent
}

// Connected reports how many sessions a user has open.
func (h *Hub) Connected(userID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (c *ClientConnection) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Clients do not send anything meaningful; reading keeps pongs and close frames flowing.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).WithField("user_id", c.UserID).Debug("websocket closed")
			}
			return
		}
	}
}

func (c *ClientConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Handler upgrades authenticated requests to websocket sessions.
type Handler struct {
	hub      *Hub
	auth     *utils.Authenticator
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, auth *utils.Authenticator, allowedOrigins []string) *Handler {
	return &Handler{
		hub:  hub,
		auth: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ws", h.ServeWS).Methods("GET")
}

// ServeWS accepts the JWT in the token query parameter since browsers cannot
// set headers on websocket requests.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	actor, err := h.auth.Parse(utils.BearerToken(r))
	if err != nil {
		utils.RespondError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &ClientConnection{
		hub:    h.hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		UserID: actor.ID,
	}
	h.hub.register <- client

	go client.writePump()
	go client.readPump()
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}
