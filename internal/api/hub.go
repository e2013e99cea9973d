package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"
)

const writeWait = 10 * time.Second

// EventSubscriber is the source of events relayed to websocket clients.
type EventSubscriber interface {
	Subscribe(ctx context.Context) *redis.PubSub
}

// Hub fans events out to every connected websocket client. Events published
// by any process on the shared Redis channel reach the clients of all
// servers.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stop       chan struct{}
	stopOnce   sync.Once
	mu         sync.Mutex
	events     EventSubscriber
}

func NewHub(events EventSubscriber) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stop:       make(chan struct{}),
		events:     events,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				_ = client.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Relay forwards messages from the Redis events channel until ctx is done
// or the hub is stopped.
func (h *Hub) Relay(ctx context.Context) {
	if h.events == nil {
		return
	}
	ps := h.events.Subscribe(ctx)
	defer ps.Close()
	ch := ps.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case h.broadcast <- []byte(msg.Payload):
			case <-h.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// BroadcastEvent sends an event to local clients only. It never blocks;
// the event is dropped when the hub is saturated.
func (h *Hub) BroadcastEvent(action string, data interface{}) {
	msg, err := json.Marshal(map[string]interface{}{
		"action": action,
		"data":   data,
	})
	if err != nil {
		zlog.Error().Err(err).Str("action", action).Msg("Failed to encode websocket event")
		return
	}
	select {
	case h.broadcast <- msg:
	case <-h.stop:
	default:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) writeControl(conn *websocket.Conn, messageType int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return conn.WriteControl(messageType, nil, time.Now().Add(writeWait))
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}
