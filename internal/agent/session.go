package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/scriptfleet/scriptfleet/internal/protocol"
)

const (
	// DefaultPort is used when the endpoint carries no port.
	DefaultPort = "9400"
	// DefaultPath is used when the endpoint carries no path.
	DefaultPath = "/agent"
)

// ErrNotConnected is returned when sending without a live connection.
var ErrNotConnected = errors.New("not connected to orchestrator")

// DefaultReconnectDelays is the reconnect backoff table. Attempts past the
// end of the table reuse the last entry.
var DefaultReconnectDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	15 * time.Second,
	30 * time.Second,
}

// Dialer opens WebSocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// ReconnectDelay returns the wait before reconnect attempt n (1-based).
func ReconnectDelay(attempt int) time.Duration {
	return reconnectDelay(DefaultReconnectDelays, attempt)
}

func reconnectDelay(delays []time.Duration, attempt int) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(delays) {
		return delays[len(delays)-1]
	}
	return delays[attempt-1]
}

// NormalizeEndpoint turns a user supplied orchestrator address into a
// WebSocket URL. A bare host gets the ws scheme, http(s) maps to ws(s), the
// port defaults to 9400 and the path to /agent.
func NormalizeEndpoint(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", errors.New("endpoint is required")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "ws://" + endpoint
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		u.Scheme = "ws"
	case "wss", "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}

	if u.Hostname() == "" {
		return "", fmt.Errorf("invalid endpoint %q: missing host", endpoint)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), DefaultPort)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = DefaultPath
	}

	return u.String(), nil
}

// Session is one logical connection to the orchestrator, spanning any
// number of reconnects until it is closed or gives up.
type Session struct {
	agent       *Agent
	url         string
	displayName string
	tags        []string
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// sendMu serializes writes and guards conn.
	sendMu sync.Mutex
	conn   *websocket.Conn

	autoReconnect atomic.Bool
	started       atomic.Bool
	done          chan struct{}
	closeOnce     sync.Once
}

func newSession(a *Agent, endpoint, displayName string, tags []string) *Session {
	ctx, cancel := context.WithCancel(a.ctx)
	s := &Session{
		agent:       a,
		url:         endpoint,
		displayName: displayName,
		tags:        tags,
		logger:      a.logger.With().Str("component", "session").Str("endpoint", endpoint).Logger(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	s.autoReconnect.Store(true)
	return s
}

// Send writes one message. Writes from all goroutines are serialized.
func (s *Session) Send(msgType protocol.MessageType, payload any) error {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.conn == nil {
		return ErrNotConnected
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.agent.config.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.agent.metrics.RecordSendFailure()
		return fmt.Errorf("failed to send %s: %w", msgType, err)
	}

	s.agent.metrics.RecordMessageSent(string(msgType))
	return nil
}

// dial performs the WebSocket handshake.
func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if token := s.agent.config.Token; token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.agent.config.HandshakeTimeout)
	defer cancel()

	conn, resp, err := s.agent.dialer.DialContext(dialCtx, s.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", s.url, err)
	}
	return conn, nil
}

// attach makes conn the live connection. It refuses once the session is closed.
func (s *Session) attach(conn *websocket.Conn) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.ctx.Err() != nil {
		return false
	}
	s.conn = conn
	return true
}

// detach drops conn if it is still the live connection.
func (s *Session) detach(conn *websocket.Conn) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.conn == conn {
		s.conn = nil
	}
	_ = conn.Close()
}

// register announces the agent on a fresh connection.
func (s *Session) register() error {
	return s.Send(protocol.TypeRegister, s.agent.registration(s.displayName, s.tags))
}

// start launches the connection goroutine for an attached conn.
func (s *Session) start(conn *websocket.Conn) {
	s.started.Store(true)
	go s.run(conn)
}

// run serves conn and reconnects after it drops, until the session is
// closed or reconnection is exhausted.
func (s *Session) run(conn *websocket.Conn) {
	defer close(s.done)

	for conn != nil {
		s.serve(conn)
		s.detach(conn)

		if !s.autoReconnect.Load() || s.ctx.Err() != nil {
			return
		}
		conn = s.reconnect()
	}
}

// serve runs the heartbeat and receive loops for one connection.
func (s *Session) serve(conn *websocket.Conn) {
	hbCtx, cancelHeartbeat := context.WithCancel(s.ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeatLoop(hbCtx)
	}()

	defer func() {
		cancelHeartbeat()
		wg.Wait()
	}()

	s.receiveLoop(conn)
}

// receiveLoop reads frames until the connection fails.
func (s *Session) receiveLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("Connection lost")
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Ignoring malformed message")
			continue
		}
		s.agent.metrics.RecordMessageReceived(string(msg.Type()))

		if err := s.agent.handleMessage(msg); err != nil {
			s.logger.Error().Err(err).Str("type", string(msg.Type())).Msg("Failed to answer message, closing connection")
			_ = conn.Close()
			return
		}
	}
}

// heartbeatLoop sends heartbeats until ctx is done.
func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.agent.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendHeartbeat(ctx)
		}
	}
}

// sendHeartbeat sends one heartbeat. Failures are logged and counted only.
func (s *Session) sendHeartbeat(ctx context.Context) {
	snap := s.agent.state.Snapshot()

	ids := make([]string, 0, len(snap.RunningJobs))
	for _, job := range snap.RunningJobs {
		ids = append(ids, job.ExecutionID)
	}

	usage := s.agent.monitor.Sample(ctx)
	if usage != nil {
		s.agent.metrics.SetResourceUsage(usage.CPUPercent, usage.MemoryUsedBytes, usage.MemoryTotalBytes)
	}

	hb := protocol.Heartbeat{
		AgentID:       snap.AgentID,
		Status:        string(snap.Status),
		RunningJobs:   len(ids),
		RunningJobIDs: ids,
		OpenDocuments: snap.OpenDocuments,
		Resources:     usage,
	}

	if err := s.Send(protocol.TypeHeartbeat, hb); err != nil {
		s.agent.metrics.RecordHeartbeatFailure()
		s.logger.Warn().Err(err).Msg("Failed to send heartbeat")
		return
	}
	s.agent.metrics.RecordHeartbeat()
}

// reconnect dials again following the backoff table. It returns nil when
// the session was closed or every attempt failed.
func (s *Session) reconnect() *websocket.Conn {
	state := s.agent.state
	state.SetStatus(StatusReconnecting)

	maxAttempts := s.agent.config.MaxReconnectAttempts
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		state.SetReconnectAttempt(attempt)
		delay := s.agent.reconnectDelay(attempt)

		s.logger.Info().
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("delay", delay).
			Msg("Waiting before reconnect")

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		s.agent.metrics.RecordReconnect()
		conn, err := s.dial(s.ctx)
		if err != nil {
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
			continue
		}
		if !s.attach(conn) {
			_ = conn.Close()
			return nil
		}

		state.SetReconnectAttempt(0)
		state.SetStatus(StatusOnline)
		s.logger.Info().Int("attempt", attempt).Msg("Reconnected to orchestrator")

		if err := s.register(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to register after reconnect")
		}
		s.agent.recoverJournal()
		return conn
	}

	s.logger.Error().Int("attempts", maxAttempts).Msg("Giving up on reconnecting")
	s.agent.sessionEnded(s)
	return nil
}

// close stops the session and waits for its goroutine. Safe to call twice.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.autoReconnect.Store(false)
		s.cancel()

		s.sendMu.Lock()
		if s.conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent disconnect")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = s.conn.Close()
			s.conn = nil
		}
		s.sendMu.Unlock()
	})

	if s.started.Load() {
		<-s.done
	}
}
