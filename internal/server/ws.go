package server

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// Event types sent on /ws/jobs.
const (
	eventTrial = "trial"
	eventDone  = "done"
	eventError = "error"
)

// WSMessage is the event envelope sent over WebSocket. Clients switch on
// type and read data according to it.
type WSMessage struct {
	Type  string      `json:"type"`
	JobID string      `json:"jobId,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// WSClient wraps a websocket connection with a per-connection write mutex.
// Gorilla WebSocket requires that writes are not concurrent on the same Conn.
// jobID, when set, limits the client to events of that job.
type WSClient struct {
	conn  *websocket.Conn
	jobID string
	mu    sync.Mutex
}

func (c *WSClient) wants(msg WSMessage) bool {
	return c.jobID == "" || c.jobID == msg.JobID
}

// WSHub is an in-memory broadcast hub for job progress subscribers.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

// NewWSHub constructs an empty hub.
func NewWSHub() *WSHub {
	return &WSHub{clients: make(map[*WSClient]struct{})}
}

// Add registers a connection with the hub. An empty jobID subscribes to
// every job.
func (h *WSHub) Add(conn *websocket.Conn, jobID string) *WSClient {
	c := &WSClient{conn: conn, jobID: jobID}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// Remove unregisters a client and closes its connection.
func (h *WSHub) Remove(c *WSClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	_ = c.conn.Close()
}

// Len returns the number of connected clients.
func (h *WSHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends msg to every interested client. Write failures are
// ignored; the read loop removes dead clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(msg) {
			continue
		}
		c.mu.Lock()
		_ = c.conn.WriteMessage(websocket.TextMessage, b)
		c.mu.Unlock()
	}
}
