package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/promptarena/promptarena/progress"
	"github.com/promptarena/promptarena/run"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer; clients only send small
	// subscribe/unsubscribe frames
	maxMessageSize = 4 * 1024

	clientSendBuffer = 64
)

// clientMessage is an incoming control frame.
type clientMessage struct {
	Type  string `json:"type"` // "subscribe", "unsubscribe", "ping"
	RunID string `json:"run_id"`
}

// outbound message envelopes.
type snapshotMessage struct {
	Type     string        `json:"type"` // "snapshot"
	Progress *run.Progress `json:"progress"`
}

type progressMessage struct {
	Type  string         `json:"type"` // "progress"
	Event progress.Event `json:"event"`
}

type errorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
}

// Client is one WebSocket connection and its run subscriptions.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan interface{}
	id   string

	mu            sync.Mutex
	subscriptions map[string]struct{} // runIDs this client follows
	closeOnce     sync.Once
}

// readPump consumes subscribe/unsubscribe frames until the connection dies.
func (c *Client) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.hub.log.Warnw("WebSocket read error", "client_id", c.id, "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.hub.log.Warnw("Malformed WebSocket message", "client_id", c.id, "error", err)
			continue
		}
		c.routeMessage(&msg)
	}
}

func (c *Client) routeMessage(msg *clientMessage) {
	switch msg.Type {
	case "subscribe":
		c.handleSubscribe(msg.RunID)
	case "unsubscribe":
		c.handleUnsubscribe(msg.RunID)
	case "ping":
		// Deadline refresh is handled by the pong handler.
	default:
		c.hub.log.Debugw("Unknown message type", "type", msg.Type, "client_id", c.id)
	}
}

// handleSubscribe attaches the client to a run's progress stream:
// a synchronous snapshot first, then live events.
func (c *Client) handleSubscribe(runID string) {
	if runID == "" {
		c.trySend(errorMessage{Type: "error", Message: "subscribe requires run_id"})
		return
	}

	c.mu.Lock()
	if _, ok := c.subscriptions[runID]; ok {
		c.mu.Unlock()
		return
	}
	c.subscriptions[runID] = struct{}{}
	c.mu.Unlock()

	snapshot, err := c.hub.orch.GetProgress(runID, "")
	if err != nil {
		c.mu.Lock()
		delete(c.subscriptions, runID)
		c.mu.Unlock()
		c.trySend(errorMessage{Type: "error", Message: "unknown run", RunID: runID})
		return
	}
	c.trySend(snapshotMessage{Type: "snapshot", Progress: snapshot})

	events := c.hub.publisher.Subscribe(runID, c.id)
	c.hub.wg.Add(1)
	go func() {
		defer c.hub.wg.Done()
		for ev := range events {
			c.trySend(progressMessage{Type: "progress", Event: ev})
		}
	}()

	c.hub.log.Debugw("Client subscribed", "client_id", c.id, "run_id", runID)
}

func (c *Client) handleUnsubscribe(runID string) {
	c.mu.Lock()
	_, ok := c.subscriptions[runID]
	delete(c.subscriptions, runID)
	c.mu.Unlock()
	if !ok {
		return
	}
	// Closes the event channel, ending the forwarding goroutine.
	c.hub.publisher.Unsubscribe(runID, c.id)
}

// trySend queues a message without blocking. Events for a full client are
// dropped; delivery is at-most-once and the client re-snapshots on reconnect.
func (c *Client) trySend(msg interface{}) {
	select {
	case c.send <- msg:
	default:
		c.hub.log.Warnw("Dropping message for slow WebSocket client", "client_id", c.id)
	}
}

// writePump writes queued messages and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.hub.ctx.Done():
			return
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.hub.log.Warnw("WebSocket write failed", "client_id", c.id, "error", err)
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

// close tears the connection down exactly once: publisher subscriptions
// first, then the socket.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		runIDs := make([]string, 0, len(c.subscriptions))
		for runID := range c.subscriptions {
			runIDs = append(runIDs, runID)
		}
		c.subscriptions = make(map[string]struct{})
		c.mu.Unlock()

		for _, runID := range runIDs {
			c.hub.publisher.Unsubscribe(runID, c.id)
		}
		c.conn.Close()
	})
}
