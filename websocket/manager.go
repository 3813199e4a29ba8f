// Package websocket pushes realtime swap events to connected users.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// Event is the frame sent to clients.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type delivery struct {
	userID string
	msg    []byte
}

// Manager routes events to every open connection of a user.
type Manager struct {
	clients    map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	deliver    chan delivery
	done       chan struct{}
	mu         sync.RWMutex
	logger     *zap.Logger
}

type Client struct {
	conn    *websocket.Conn
	userID  string
	send    chan []byte
	manager *Manager
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliver:    make(chan delivery, sendBuffer),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run owns the client registry until ctx is cancelled, then closes every
// connection.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			for userID, set := range m.clients {
				for client := range set {
					close(client.send)
				}
				delete(m.clients, userID)
			}
			m.mu.Unlock()
			return

		case client := <-m.register:
			m.mu.Lock()
			set, ok := m.clients[client.userID]
			if !ok {
				set = make(map[*Client]struct{})
				m.clients[client.userID] = set
			}
			set[client] = struct{}{}
			m.mu.Unlock()
			m.logger.Debug("WebSocket client registered", zap.String("userId", client.userID))

		case client := <-m.unregister:
			m.remove(client)
			m.logger.Debug("WebSocket client unregistered", zap.String("userId", client.userID))

		case d := <-m.deliver:
			m.mu.RLock()
			var slow []*Client
			for client := range m.clients[d.userID] {
				select {
				case client.send <- d.msg:
				default:
					slow = append(slow, client)
				}
			}
			m.mu.RUnlock()
			for _, client := range slow {
				m.remove(client)
			}
		}
	}
}

func (m *Manager) remove(client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.clients[client.userID]
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	close(client.send)
	if len(set) == 0 {
		delete(m.clients, client.userID)
	}
}

// SendToUser queues an event for userID. It never blocks once the manager
// has stopped.
func (m *Manager) SendToUser(userID, eventType string, payload interface{}) {
	msg, err := json.Marshal(Event{Type: eventType, Payload: payload})
	if err != nil {
		m.logger.Error("Error marshaling WebSocket event", zap.String("type", eventType), zap.Error(err))
		return
	}
	select {
	case m.deliver <- delivery{userID: userID, msg: msg}:
	case <-m.done:
	}
}

// IsOnline reports whether userID has at least one open connection.
func (m *Manager) IsOnline(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients[userID]) > 0
}

func (m *Manager) GetConnectedUsers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Handler upgrades authenticated requests. authenticate turns the token
// query parameter into a user id.
func (m *Manager) Handler(authenticate func(token string) (string, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Token required"})
			return
		}
		userID, err := authenticate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			m.logger.Warn("WebSocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			conn:    conn,
			userID:  userID,
			send:    make(chan []byte, sendBuffer),
			manager: m,
		}
		welcome, _ := json.Marshal(Event{Type: "connected", Payload: gin.H{
			"userId": userID,
			"time":   time.Now().Unix(),
		}})
		client.send <- welcome

		select {
		case m.register <- client:
		case <-m.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.manager.unregister <- c:
		case <-c.manager.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.manager.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}

		var in Event
		if err := json.Unmarshal(message, &in); err != nil {
			continue
		}
		if in.Type == "ping" {
			c.manager.SendToUser(c.userID, "pong", gin.H{"time": time.Now().Unix()})
		}
	}
}

func (c *Client) writePump() {
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
