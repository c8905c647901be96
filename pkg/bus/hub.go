// Package bus fans task execution events out to live observers. It keeps no
// history: a subscriber sees only events published after it subscribed, and a
// subscriber that cannot keep up is dropped rather than ever blocking the
// publisher.
package bus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Log levels carried on the wire. The strings are part of the contract.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
)

const sendBuffer = 64

// UpdateData is the payload of a task_update event. Pointer fields are
// omitted when unset so intermediate progress events stay small.
type UpdateData struct {
	Status      string    `json:"status,omitempty"`
	Progress    *int      `json:"progress,omitempty"`
	CurrentStep *int      `json:"current_step,omitempty"`
	TotalSteps  *int      `json:"total_steps,omitempty"`
	Message     string    `json:"message,omitempty"`
	StepDetail  string    `json:"step_detail,omitempty"`
	EndTime     string    `json:"end_time,omitempty"`
	Error       string    `json:"error,omitempty"`
	Log         *LogEntry `json:"log,omitempty"`
}

// LogEntry is a log event embedded inside a task_update while streaming
// step or interpreter output.
type LogEntry struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Level   string `json:"level"`
}

// Envelope is the server-to-client wire shape.
type Envelope struct {
	Type      string      `json:"type"`
	TaskID    int64       `json:"task_id,omitempty"`
	Data      *UpdateData `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// Hub is the per-process publish/subscribe fabric keyed by task log id.
type Hub struct {
	mu      sync.Mutex
	subs    map[int64]map[*Client]struct{}
	clients map[string]*Client
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:    make(map[int64]map[*Client]struct{}),
		clients: make(map[string]*Client),
	}
}

// NewClient registers a new observer and returns it. The caller drains
// Events; ws.go does this for websocket peers, tests read it directly.
func (h *Hub) NewClient() *Client {
	c := &Client{
		id:   uuid.NewString(),
		hub:  h,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	return c
}

// Subscribe attaches the client to a task's event stream.
func (h *Hub) Subscribe(c *Client, taskID int64) {
	if c == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	set := h.subs[taskID]
	if set == nil {
		set = make(map[*Client]struct{})
		h.subs[taskID] = set
	}
	set[c] = struct{}{}
}

// Unsubscribe detaches the client from one task.
func (h *Hub) Unsubscribe(c *Client, taskID int64) {
	if c == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if set := h.subs[taskID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, taskID)
		}
	}
}

// Drop removes the client from every subscription and closes its stream.
func (h *Hub) Drop(c *Client) {
	if c == nil {
		return
	}
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}

func (h *Hub) dropLocked(c *Client) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	for taskID, set := range h.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, taskID)
		}
	}
	// send stays open: a concurrent reply racing the drop must not panic.
	// Consumers observe the drop through done.
	close(c.done)
}

// PublishUpdate sends a task_update event to every subscriber of taskID.
// Publication order is delivery order for each subscriber: the fan-out into
// the per-client ordered channels happens under the hub lock.
func (h *Hub) PublishUpdate(taskID int64, data UpdateData) {
	env := Envelope{
		Type:      "task_update",
		TaskID:    taskID,
		Data:      &data,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Int64("task_id", taskID).Msg("bus: marshal task_update failed")
		return
	}
	h.broadcast(taskID, payload)
}

// PublishLog sends a log entry for taskID, embedded in a task_update.
func (h *Hub) PublishLog(taskID int64, level, message string) {
	h.PublishUpdate(taskID, UpdateData{
		Log: &LogEntry{Type: "log", Message: message, Level: level},
	})
}

func (h *Hub) broadcast(taskID int64, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[taskID]
	if len(set) == 0 {
		return
	}
	var slow []*Client
	for c := range set {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		log.Warn().Str("client", c.id).Int64("task_id", taskID).Msg("bus: dropping slow subscriber")
		h.dropLocked(c)
	}
}

// SubscriberCount reports how many clients observe taskID.
func (h *Hub) SubscriberCount(taskID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[taskID])
}

// Client is one observer connection.
type Client struct {
	id   string
	hub  *Hub
	send chan []byte
	done chan struct{}
}

// ID returns the client's opaque id.
func (c *Client) ID() string {
	return c.id
}

// Events is the ordered stream of marshaled envelopes for this client.
func (c *Client) Events() <-chan []byte {
	return c.send
}

// Done is closed when the hub drops the client.
func (c *Client) Done() <-chan struct{} {
	return c.done
}
