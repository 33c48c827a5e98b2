package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handler upgrades observer requests and attaches them to the hub.
type Handler struct {
	hub      *Hub
	source   Source
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// HandlerConfig configures the handler.
type HandlerConfig struct {
	// AllowedOrigins is a list of allowed origins. Use "*" to allow all.
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultHandlerConfig allows same-host and originless clients only.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
}

// NewHandler creates a handler with the default configuration.
func NewHandler(hub *Hub, source Source, logger zerolog.Logger) *Handler {
	return NewHandlerWithConfig(hub, source, DefaultHandlerConfig(), logger)
}

// NewHandlerWithConfig creates a handler with custom configuration.
func NewHandlerWithConfig(hub *Hub, source Source, cfg HandlerConfig, logger zerolog.Logger) *Handler {
	h := &Handler{
		hub:    hub,
		source: source,
		logger: logger.With().Str("component", "event_handler").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     makeOriginChecker(cfg.AllowedOrigins),
	}
	return h
}

func makeOriginChecker(allowedOrigins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[origin] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if allowed[origin] {
			return true
		}
		// Same-host pages are always allowed.
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
}

// ServeHTTP upgrades the request, sends a snapshot and subscribes the
// connection to the rooms named in the ?rooms= query (default all).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("failed to upgrade connection")
		return
	}

	conn := NewConnection(ws, h.hub, h.logger)

	// The snapshot is queued before registration so it precedes any event.
	if msg, err := NewMessage(MessageTypeSnapshot, h.source.Status()); err == nil {
		conn.SendMessage(msg)
	}
	if !h.hub.Register(conn, ParseRooms(r.URL.Query().Get("rooms"))...) {
		conn.Close()
		_ = ws.Close()
		return
	}

	h.logger.Debug().
		Str("conn_id", conn.ID()).
		Str("remote_addr", r.RemoteAddr).
		Msg("Observer connected")

	go conn.WritePump()
	go conn.ReadPump()
}
