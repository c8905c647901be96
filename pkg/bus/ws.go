package bus

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientEnvelope is the client-to-server wire shape.
type clientEnvelope struct {
	Type      string `json:"type"`
	TaskID    int64  `json:"task_id,omitempty"`
	Timestamp any    `json:"timestamp,omitempty"`
}

// Handler upgrades HTTP requests into live progress subscriptions. The
// external facade mounts it wherever it serves websockets.
type Handler struct {
	hub *Hub
}

// NewHandler returns a websocket endpoint over the hub.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("bus: websocket upgrade failed")
		return
	}
	client := h.hub.NewClient()
	go h.writePump(client, conn)
	h.readPump(client, conn)
}

// readPump owns the connection's read side and the client's lifetime.
func (h *Handler) readPump(client *Client, conn *websocket.Conn) {
	defer func() {
		h.hub.Drop(client)
		conn.Close()
	}()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client", client.id).Msg("bus: websocket closed")
			}
			return
		}
		var env clientEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Debug().Err(err).Str("client", client.id).Msg("bus: bad client envelope")
			continue
		}
		switch env.Type {
		case "subscribe":
			h.hub.Subscribe(client, env.TaskID)
			h.reply(client, Envelope{
				Type:    "subscribed",
				TaskID:  env.TaskID,
				Message: "subscribed to task updates",
			})
		case "unsubscribe":
			h.hub.Unsubscribe(client, env.TaskID)
		case "ping":
			h.reply(client, Envelope{
				Type:      "pong",
				Timestamp: time.Now().Format(time.RFC3339),
			})
		default:
			log.Debug().Str("type", env.Type).Str("client", client.id).Msg("bus: unknown envelope type")
		}
	}
}

// reply routes control responses through the client's send channel so the
// write pump stays the connection's only writer.
func (h *Handler) reply(client *Client, env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case client.send <- payload:
	default:
		h.hub.Drop(client)
	}
}

func (h *Handler) writePump(client *Client, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case <-client.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload := <-client.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
