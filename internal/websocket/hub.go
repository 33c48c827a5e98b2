package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scriptfleet/scriptfleet/internal/agent"
)

// Source is where the hub reads events and snapshots from. *agent.Agent
// satisfies it.
type Source interface {
	Subscribe(buffer int) (<-chan agent.Event, func())
	Status() agent.Snapshot
}

// Hub manages observer connections and fans agent events out to them.
type Hub struct {
	// connections holds all active connections
	connections map[*Connection]struct{}

	// rooms maps room names to connections subscribed to that room
	rooms map[string]map[*Connection]struct{}

	register      chan *registration
	unregister    chan *Connection
	subscribe     chan *subscriptionRequest
	unsubscribeCh chan *subscriptionRequest

	// done is closed when Run returns
	done chan struct{}

	mu     sync.RWMutex
	logger zerolog.Logger

	eventBuffer int

	totalConnections int64
	totalBroadcasts  int64
}

type registration struct {
	conn  *Connection
	rooms []string
}

type subscriptionRequest struct {
	conn *Connection
	room string
}

// HubConfig holds configuration for the hub.
type HubConfig struct {
	// ChannelBufferSize is the buffer size for the control channels.
	ChannelBufferSize int
	// EventBufferSize is the buffer requested from the event source.
	EventBufferSize int
}

// DefaultHubConfig returns sensible defaults for hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		ChannelBufferSize: 64,
		EventBufferSize:   256,
	}
}

// NewHub creates a new hub.
func NewHub(logger zerolog.Logger) *Hub {
	return NewHubWithConfig(DefaultHubConfig(), logger)
}

// NewHubWithConfig creates a new hub with custom configuration.
func NewHubWithConfig(cfg HubConfig, logger zerolog.Logger) *Hub {
	bufferSize := cfg.ChannelBufferSize
	if bufferSize <= 0 {
		bufferSize = 64
	}
	eventBuffer := cfg.EventBufferSize
	if eventBuffer <= 0 {
		eventBuffer = 256
	}

	return &Hub{
		connections:   make(map[*Connection]struct{}),
		rooms:         make(map[string]map[*Connection]struct{}),
		register:      make(chan *registration, bufferSize),
		unregister:    make(chan *Connection, bufferSize),
		subscribe:     make(chan *subscriptionRequest, bufferSize),
		unsubscribeCh: make(chan *subscriptionRequest, bufferSize),
		done:          make(chan struct{}),
		eventBuffer:   eventBuffer,
		logger:        logger.With().Str("component", "event_hub").Logger(),
	}
}

// Run subscribes to src and delivers its events until ctx is cancelled or
// the source closes the subscription.
func (h *Hub) Run(ctx context.Context, src Source) {
	events, unsubscribe := src.Subscribe(h.eventBuffer)
	defer unsubscribe()
	defer close(h.done)

	h.logger.Info().Msg("Starting event hub")

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Msg("Stopping event hub")
			h.closeAllConnections()
			return

		case e, ok := <-events:
			if !ok {
				h.closeAllConnections()
				return
			}
			h.handleEvent(e)

		case reg := <-h.register:
			h.handleRegister(reg)

		case conn := <-h.unregister:
			h.handleUnregister(conn)

		case req := <-h.subscribe:
			h.handleSubscribe(req)

		case req := <-h.unsubscribeCh:
			h.handleUnsubscribe(req)

		case <-ticker.C:
			h.logStats()
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Register registers a new connection with the hub, subscribed to rooms. It
// reports false when the hub has stopped.
func (h *Hub) Register(conn *Connection, rooms ...string) bool {
	select {
	case <-h.done:
		return false
	default:
	}

	select {
	case h.register <- &registration{conn: conn, rooms: rooms}:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
		conn.Close()
	}
}

// Subscribe subscribes a connection to a room.
func (h *Hub) Subscribe(conn *Connection, room string) {
	select {
	case h.subscribe <- &subscriptionRequest{conn: conn, room: room}:
	case <-h.done:
	}
}

// Unsubscribe unsubscribes a connection from a room.
func (h *Hub) Unsubscribe(conn *Connection, room string) {
	select {
	case h.unsubscribeCh <- &subscriptionRequest{conn: conn, room: room}:
	case <-h.done:
	}
}

// ConnectionCount returns the current number of connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// RoomConnectionCount returns the number of connections in a specific room.
func (h *Hub) RoomConnectionCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) handleRegister(reg *registration) {
	h.mu.Lock()
	h.connections[reg.conn] = struct{}{}
	h.totalConnections++
	total := len(h.connections)
	h.mu.Unlock()

	h.logger.Debug().
		Str("conn_id", reg.conn.ID()).
		Int("total_connections", total).
		Msg("connection registered")

	for _, room := range reg.rooms {
		h.handleSubscribe(&subscriptionRequest{conn: reg.conn, room: room})
	}
}

func (h *Hub) handleUnregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connections[conn]; !ok {
		return
	}

	for room, conns := range h.rooms {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.rooms, room)
		}
	}

	delete(h.connections, conn)
	conn.Close()

	h.logger.Debug().
		Str("conn_id", conn.ID()).
		Int("total_connections", len(h.connections)).
		Msg("connection unregistered")
}

func (h *Hub) handleSubscribe(req *subscriptionRequest) {
	h.mu.Lock()
	if _, ok := h.connections[req.conn]; !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := h.rooms[req.room]; !ok {
		h.rooms[req.room] = make(map[*Connection]struct{})
	}
	h.rooms[req.room][req.conn] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug().
		Str("conn_id", req.conn.ID()).
		Str("room", req.room).
		Msg("connection subscribed to room")

	if msg, err := NewRoomMessage(MessageTypeSubscribed, req.room, nil); err == nil {
		req.conn.SendMessage(msg)
	}
}

func (h *Hub) handleUnsubscribe(req *subscriptionRequest) {
	h.mu.Lock()
	if conns, ok := h.rooms[req.room]; ok {
		delete(conns, req.conn)
		if len(conns) == 0 {
			delete(h.rooms, req.room)
		}
	}
	h.mu.Unlock()

	if msg, err := NewRoomMessage(MessageTypeUnsubscribed, req.room, nil); err == nil {
		req.conn.SendMessage(msg)
	}
}

// handleEvent sends e to every connection in RoomAll or the room named after
// its kind. A connection in both receives it once.
func (h *Hub) handleEvent(e agent.Event) {
	room := string(e.Kind)
	msg, err := NewRoomMessage(MessageTypeEvent, room, eventPayload(e))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode event")
		return
	}
	data, err := msg.Bytes()
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode event")
		return
	}

	h.mu.RLock()
	targets := make(map[*Connection]struct{})
	for conn := range h.rooms[RoomAll] {
		targets[conn] = struct{}{}
	}
	for conn := range h.rooms[room] {
		targets[conn] = struct{}{}
	}
	h.mu.RUnlock()

	h.totalBroadcasts++

	for conn := range targets {
		conn.Send(data)
	}
}

func (h *Hub) closeAllConnections() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.connections {
		conn.Close()
	}

	h.connections = make(map[*Connection]struct{})
	h.rooms = make(map[string]map[*Connection]struct{})
}

func (h *Hub) logStats() {
	h.mu.RLock()
	connCount := len(h.connections)
	roomCount := len(h.rooms)
	h.mu.RUnlock()

	h.logger.Debug().
		Int("connections", connCount).
		Int("rooms", roomCount).
		Int64("total_connections", h.totalConnections).
		Int64("total_broadcasts", h.totalBroadcasts).
		Msg("hub statistics")
}

func eventPayload(e agent.Event) EventPayload {
	return EventPayload{
		Kind:        string(e.Kind),
		Time:        e.Time.UTC(),
		Status:      string(e.Status),
		ExecutionID: e.ExecutionID,
		JobStatus:   string(e.JobStatus),
		Level:       e.Level,
		Message:     e.Message,
	}
}
