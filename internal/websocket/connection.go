package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the largest frame accepted from an observer.
	maxMessageSize = 4 * 1024

	sendBufferSize = 256
)

// Connection wraps an observer's WebSocket connection with read/write pumps.
type Connection struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger zerolog.Logger

	// mu guards closed and the send channel against a concurrent Close
	mu     sync.RWMutex
	closed bool

	connectedAt time.Time
}

// NewConnection creates a new Connection wrapper.
func NewConnection(ws *websocket.Conn, hub *Hub, logger zerolog.Logger) *Connection {
	c := &Connection{
		id:          uuid.New().String(),
		hub:         hub,
		conn:        ws,
		send:        make(chan []byte, sendBufferSize),
		connectedAt: time.Now(),
	}
	c.logger = logger.With().Str("component", "event_conn").Str("conn_id", c.id).Logger()
	return c
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string {
	return c.id
}

// ConnectedAt returns when the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// IsClosed returns true if the connection is closed.
func (c *Connection) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Send queues a frame for the observer. It returns false if the connection
// is closed or its buffer is full; a slow observer misses frames rather than
// holding up the hub.
func (c *Connection) Send(message []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}

	select {
	case c.send <- message:
		return true
	default:
		c.logger.Warn().Msg("send buffer full, dropping message")
		return false
	}
}

// SendMessage encodes and queues msg.
func (c *Connection) SendMessage(msg *Message) bool {
	data, err := msg.Bytes()
	if err != nil {
		return false
	}
	return c.Send(data)
}

// Close closes the connection. It is safe to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.logger.Debug().Msg("connection closed")
}

// ReadPump reads observer requests until the connection fails.
func (c *Connection) ReadPump() {
	defer c.hub.Unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("unexpected close error")
			}
			return
		}
		c.handleMessage(message)
	}
}

// WritePump writes queued frames and keepalive pings. It closes the socket
// when the send channel is closed.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) handleMessage(data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		c.sendError("invalid_message", "failed to parse message")
		return
	}

	switch msg.Type {
	case MessageTypeSubscribe:
		if room := roomOf(msg); room != "" {
			c.hub.Subscribe(c, room)
		} else {
			c.sendError("invalid_room", "room is required for subscribe")
		}
	case MessageTypeUnsubscribe:
		if room := roomOf(msg); room != "" {
			c.hub.Unsubscribe(c, room)
		} else {
			c.sendError("invalid_room", "room is required for unsubscribe")
		}
	case MessageTypePing:
		if pong, err := NewMessage(MessageTypePong, nil); err == nil {
			c.SendMessage(pong)
		}
	default:
		c.logger.Debug().Str("type", string(msg.Type)).Msg("unknown message type")
	}
}

func (c *Connection) sendError(code, message string) {
	if msg, err := NewMessage(MessageTypeError, ErrorPayload{Code: code, Message: message}); err == nil {
		c.SendMessage(msg)
	}
}

// roomOf reads the room from the frame, falling back to a {"room": ...} payload.
func roomOf(msg *Message) string {
	if msg.Room != "" {
		return msg.Room
	}
	var p struct {
		Room string `json:"room"`
	}
	if len(msg.Payload) > 0 && json.Unmarshal(msg.Payload, &p) == nil {
		return p.Room
	}
	return ""
}
