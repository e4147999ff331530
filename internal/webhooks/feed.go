package webhooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/alancoin-webhooks/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// FeedEvent is one state transition on a DeliveryAttempt, broadcast to the
// tenant's live feed subscribers as it happens.
type FeedEvent struct {
	Timestamp      time.Time `json:"timestamp"`
	DeliveryID     string    `json:"delivery_id"`
	SubscriptionID string    `json:"subscription_id"`
	EventType      EventType `json:"event_type"`
	Status         Status    `json:"status"`
	AttemptsMade   int       `json:"attempts_made"`
	HTTPStatus     *int      `json:"http_status,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// feedMaxClients bounds concurrent live-feed connections per process.
const feedMaxClients = 5000

// feedClient is a single tenant-scoped WebSocket connection.
type feedClient struct {
	hub      *Feed
	conn     *websocket.Conn
	send     chan []byte
	tenantID string
}

// Feed is the Live Delivery Feed (S9): a per-process WebSocket broadcast hub
// scoped by tenant, so a connected operator only ever sees their own
// deliveries regardless of how many tenants share the process.
type Feed struct {
	clients    map[*feedClient]bool
	broadcast  chan tenantEvent
	register   chan *feedClient
	unregister chan *feedClient
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{}
}

type tenantEvent struct {
	tenantID string
	event    *FeedEvent
}

// NewFeed creates a live delivery feed hub.
func NewFeed(logger *slog.Logger) *Feed {
	return &Feed{
		clients:    make(map[*feedClient]bool),
		broadcast:  make(chan tenantEvent, 256),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. Call in a goroutine.
func (f *Feed) Run(ctx context.Context) {
	defer close(f.done)

	for {
		select {
		case <-ctx.Done():
			f.mu.Lock()
			for client := range f.clients {
				close(client.send)
				delete(f.clients, client)
			}
			f.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			return

		case client := <-f.register:
			f.mu.Lock()
			f.clients[client] = true
			n := len(f.clients)
			f.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))

		case client := <-f.unregister:
			f.mu.Lock()
			if _, ok := f.clients[client]; ok {
				delete(f.clients, client)
				close(client.send)
			}
			n := len(f.clients)
			f.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))

		case te := <-f.broadcast:
			payload, err := json.Marshal(te.event)
			if err != nil {
				continue
			}
			f.mu.RLock()
			var slow []*feedClient
			for client := range f.clients {
				if client.tenantID != te.tenantID {
					continue
				}
				select {
				case client.send <- payload:
				default:
					slow = append(slow, client)
				}
			}
			f.mu.RUnlock()
			if len(slow) > 0 {
				f.mu.Lock()
				for _, client := range slow {
					if _, ok := f.clients[client]; ok {
						close(client.send)
						delete(f.clients, client)
					}
				}
				f.mu.Unlock()
			}
		}
	}
}

// Publish broadcasts event to every connected client scoped to tenantID.
// Non-blocking: a full broadcast channel drops the event rather than stall
// the caller (the dispatcher/outbox remain the durable record regardless).
func (f *Feed) Publish(tenantID string, event *FeedEvent) {
	select {
	case f.broadcast <- tenantEvent{tenantID: tenantID, event: event}:
	default:
		f.logger.Warn("live feed broadcast channel full, dropping event", "tenant_id", tenantID)
	}
}

// HandleWebSocket upgrades the connection for tenantID (resolved by the
// caller from the request's bearer token before this is invoked).
func (f *Feed) HandleWebSocket(w http.ResponseWriter, r *http.Request, tenantID string) {
	select {
	case <-f.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	f.mu.RLock()
	n := len(f.clients)
	f.mu.RUnlock()
	if n >= feedMaxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Error("live feed websocket upgrade failed", "error", err)
		return
	}

	client := &feedClient{
		hub:      f,
		conn:     conn,
		send:     make(chan []byte, 128),
		tenantID: tenantID,
	}

	f.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *feedClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("live feed websocket read error", "error", err)
			}
			return
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("live feed websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
