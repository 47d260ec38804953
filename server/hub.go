// Package server pushes test-run progress to WebSocket clients. Each client
// subscribes to the runs it cares about; the hub relays Progress Publisher
// events with non-blocking sends, so a slow client drops events instead of
// stalling dispatch. Clients that fall behind re-snapshot on reconnect.
package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/promptarena/promptarena/progress"
	"github.com/promptarena/promptarena/run"
)

// Hub owns the WebSocket client set and the upgrade endpoint.
type Hub struct {
	publisher *progress.Publisher
	orch      *run.Orchestrator
	upgrader  websocket.Upgrader
	log       *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[*Client]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub. allowedOrigins lists acceptable Origin headers;
// "*" accepts any origin, an empty list falls back to same-host checking.
func NewHub(publisher *progress.Publisher, orch *run.Orchestrator, allowedOrigins []string, log *zap.SugaredLogger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		publisher: publisher,
		orch:      orch,
		clients:   make(map[*Client]bool),
		ctx:       ctx,
		cancel:    cancel,
		log:       log,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil // gorilla's default same-host check
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		return set[r.Header.Get("Origin")]
	}
}

// HandleWS upgrades an HTTP request and runs the client's read/write pumps.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	client := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan interface{}, clientSendBuffer),
		id:            "WS-" + uuid.NewString(),
		subscriptions: make(map[string]struct{}),
	}
	h.register(client)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Infow("WebSocket client connected", "client_id", c.id, "clients", n)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	h.log.Infow("WebSocket client disconnected", "client_id", c.id, "clients", n)
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown disconnects every client and waits for their pumps to finish.
func (h *Hub) Shutdown() {
	h.cancel()

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.wg.Wait()
	h.log.Infow("WebSocket hub stopped")
}
