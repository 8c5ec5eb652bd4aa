package trade

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/portfolio"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

// MessageHello is sent once to each client on connect.
const MessageHello = "hello"

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type          string   `json:"type"`
	TransactionID string   `json:"transaction_id,omitempty"`
	Kind          string   `json:"kind,omitempty"`
	ChainID       int64    `json:"chainid,omitempty"`
	RollCount     int      `json:"roll_count,omitempty"`
	Symbols       []string `json:"symbols,omitempty"`
	CashDelta     string   `json:"cash_delta,omitempty"`
	Cash          string   `json:"cash"`
	Positions     int      `json:"positions,omitempty"`
}

// NewWSMessage converts a committed portfolio event.
func NewWSMessage(ev portfolio.Event) WSMessage {
	msg := WSMessage{Type: ev.Type, Cash: ev.Cash.String()}
	if rc := ev.Receipt; rc != nil {
		msg.TransactionID = rc.Transaction.ID
		msg.Kind = string(rc.Kind)
		msg.ChainID = rc.Transaction.ChainID
		msg.RollCount = rc.Transaction.RollCount
		msg.Symbols = rc.Transaction.Symbols()
		msg.CashDelta = rc.CashDelta.String()
	} else {
		msg.CashDelta = ev.Delta.String()
	}
	return msg
}

// HelloMessage describes the portfolio a client has just subscribed to.
func HelloMessage(pm *portfolio.Manager) WSMessage {
	return WSMessage{
		Type:      MessageHello,
		Cash:      pm.Cash().String(),
		Positions: len(pm.Holdings()),
	}
}

// WSHub fans committed portfolio events out to WebSocket subscribers.
// Connections are added and removed only by Run.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
	greet   func() WSMessage

	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

// NewWSHub creates a hub. Call Run before serving HandleWS.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// SetGreeting makes the hub send fn's message to every new client before
// any broadcast.
func (h *WSHub) SetGreeting(fn func() WSMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.greet = fn
}

func (h *WSHub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			if h.greet != nil {
				if data, err := json.Marshal(h.greet()); err == nil {
					send(conn, data)
				}
			}
			h.clients[conn] = true
			h.mu.Unlock()
			slog.Info("ws client connected", "total", h.count())

		case conn := <-h.unregister:
			h.mu.Lock()
			h.drop(conn)
			h.mu.Unlock()
			h.count()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := send(conn, msg); err != nil {
					slog.Debug("ws write failed, dropping client", "err", err)
					h.drop(conn)
				}
			}
			h.mu.Unlock()
			h.count()
		}
	}
}

// drop closes and forgets conn. Callers hold h.mu.
func (h *WSHub) drop(conn *websocket.Conn) {
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// count publishes the client gauge and returns the number of clients.
func (h *WSHub) count() int {
	n := h.Clients()
	metrics.WebSocketClients.Set(float64(n))
	return n
}

func send(conn *websocket.Conn, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Broadcast queues msg for every client. When the queue is full the message
// is dropped so portfolio listeners never block.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ws marshal failed", "type", msg.Type, "err", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		slog.Warn("ws broadcast queue full, message dropped", "type", msg.Type)
	}
}

// Clients returns the number of registered connections.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish is a portfolio listener that broadcasts committed events.
func (h *WSHub) Publish(ev portfolio.Event) {
	h.Broadcast(NewWSMessage(ev))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS upgrades GET /api/v1/ws. Clients only listen; anything they send
// is discarded.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn
	go h.readPump(conn)
	go h.pingPump(conn)
}

// readPump detects disconnects.
func (h *WSHub) readPump(conn *websocket.Conn) {
	defer func() { h.unregister <- conn }()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// pingPump keeps idle connections open through proxies.
func (h *WSHub) pingPump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		h.mu.RLock()
		_, ok := h.clients[conn]
		h.mu.RUnlock()
		if !ok {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			return
		}
	}
}
