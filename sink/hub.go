package sink

import (
	"compression-detector/types"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upg = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub streams verdicts to connected websocket clients. A client that
// connects after a verdict was published receives the latest one first.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	last       []byte
	logger     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run owns the client set until ctx ends, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	defer func() {
		for client := range h.clients {
			client.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug("Websocket client connected", "remote", client.RemoteAddr())
			if h.last != nil {
				h.send(client, h.last)
			}
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
		case message := <-h.broadcast:
			h.last = message
			for client := range h.clients {
				h.send(client, message)
			}
		}
	}
}

func (h *Hub) send(client *websocket.Conn, message []byte) {
	if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
		h.logger.Debug("Dropping websocket client", "remote", client.RemoteAddr(), "error", err)
		client.Close()
		delete(h.clients, client)
	}
}

// Publish broadcasts the verdict to every connected client.
func (h *Hub) Publish(ctx context.Context, v types.Verdict) error {
	bytes, err := json.Marshal(NewRecord(v))
	if err != nil {
		return fmt.Errorf("encoding verdict: %w", err)
	}
	select {
	case h.broadcast <- bytes:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeWs upgrades the request and registers the connection. Incoming
// messages are discarded; a read error unregisters the client.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upg.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				select {
				case h.unregister <- conn:
				case <-h.done:
				}
				return
			}
		}
	}()
}
