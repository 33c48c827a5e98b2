package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptfleet/scriptfleet/internal/agent"
)

type fakeSource struct {
	events *agent.Broadcaster
	snap   agent.Snapshot
}

func (s *fakeSource) Subscribe(buffer int) (<-chan agent.Event, func()) {
	return s.events.Subscribe(buffer)
}

func (s *fakeSource) Status() agent.Snapshot {
	return s.snap
}

type feedFixture struct {
	hub    *Hub
	source *fakeSource
	server *httptest.Server
	cancel context.CancelFunc
}

func newFeedFixture(t *testing.T) *feedFixture {
	t.Helper()

	logger := zerolog.Nop()
	source := &fakeSource{
		events: agent.NewBroadcaster(),
		snap:   agent.Snapshot{Status: agent.StatusOnline, AgentID: "agent-1"},
	}
	hub := NewHub(logger)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx, source)

	server := httptest.NewServer(NewHandler(hub, source, logger))
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
		server.Close()
	})

	return &feedFixture{hub: hub, source: source, server: server, cancel: cancel}
}

func (f *feedFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) *Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := ParseMessage(data)
	require.NoError(t, err)
	return msg
}

func TestNewMessage(t *testing.T) {
	msg, err := NewRoomMessage(MessageTypeSubscribed, "log", map[string]string{"key": "value"})
	require.NoError(t, err)

	assert.Equal(t, MessageTypeSubscribed, msg.Type)
	assert.Equal(t, "log", msg.Room)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Timestamp.IsZero())

	data, err := msg.Bytes()
	require.NoError(t, err)
	parsed, err := ParseMessage(data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"value"}`, string(parsed.Payload))

	_, err = ParseMessage([]byte("not json"))
	assert.Error(t, err)
}

func TestParseRooms(t *testing.T) {
	assert.Equal(t, []string{RoomAll}, ParseRooms(""))
	assert.Equal(t, []string{RoomAll}, ParseRooms(" , "))
	assert.Equal(t, []string{"log", "status_changed"}, ParseRooms("log, status_changed"))
}

func TestFeed_SnapshotThenEvents(t *testing.T) {
	f := newFeedFixture(t)
	conn := f.dial(t, "")

	snap := readMessage(t, conn)
	require.Equal(t, MessageTypeSnapshot, snap.Type)
	var s agent.Snapshot
	require.NoError(t, json.Unmarshal(snap.Payload, &s))
	assert.Equal(t, agent.StatusOnline, s.Status)
	assert.Equal(t, "agent-1", s.AgentID)

	sub := readMessage(t, conn)
	assert.Equal(t, MessageTypeSubscribed, sub.Type)
	assert.Equal(t, RoomAll, sub.Room)

	f.source.events.Publish(agent.Event{
		Kind:        agent.EventJobStatusChanged,
		ExecutionID: "exec-1",
		JobStatus:   agent.JobRunning,
	})

	ev := readMessage(t, conn)
	require.Equal(t, MessageTypeEvent, ev.Type)
	assert.Equal(t, string(agent.EventJobStatusChanged), ev.Room)

	var p EventPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	assert.Equal(t, "job_status_changed", p.Kind)
	assert.Equal(t, "exec-1", p.ExecutionID)
	assert.Equal(t, "running", p.JobStatus)
	assert.Equal(t, 1, f.hub.ConnectionCount())
}

func TestFeed_RoomFilter(t *testing.T) {
	f := newFeedFixture(t)
	conn := f.dial(t, "?rooms=log")

	assert.Equal(t, MessageTypeSnapshot, readMessage(t, conn).Type)
	assert.Equal(t, "log", readMessage(t, conn).Room)

	f.source.events.Publish(agent.Event{Kind: agent.EventStatusChanged, Status: agent.StatusBusy})
	f.source.events.Publish(agent.Event{Kind: agent.EventLog, Level: "info", Message: "hello"})

	ev := readMessage(t, conn)
	require.Equal(t, MessageTypeEvent, ev.Type)
	var p EventPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	assert.Equal(t, "log", p.Kind)
	assert.Equal(t, "hello", p.Message)
}

func TestFeed_ClientRequests(t *testing.T) {
	f := newFeedFixture(t)
	conn := f.dial(t, "?rooms=log")
	readMessage(t, conn)
	readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypePing}))
	assert.Equal(t, MessageTypePong, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeSubscribe}))
	errMsg := readMessage(t, conn)
	require.Equal(t, MessageTypeError, errMsg.Type)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(errMsg.Payload, &p))
	assert.Equal(t, "invalid_room", p.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{bad")))
	assert.Equal(t, MessageTypeError, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeSubscribe, Room: "status_changed"}))
	sub := readMessage(t, conn)
	assert.Equal(t, MessageTypeSubscribed, sub.Type)
	assert.Equal(t, "status_changed", sub.Room)

	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeUnsubscribe, Room: "log"}))
	assert.Equal(t, MessageTypeUnsubscribed, readMessage(t, conn).Type)

	f.source.events.Publish(agent.Event{Kind: agent.EventLog, Message: "dropped"})
	f.source.events.Publish(agent.Event{Kind: agent.EventStatusChanged, Status: agent.StatusOffline})

	ev := readMessage(t, conn)
	var e EventPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &e))
	assert.Equal(t, "status_changed", e.Kind)
	assert.Equal(t, "offline", e.Status)
}

func TestFeed_StopClosesObservers(t *testing.T) {
	f := newFeedFixture(t)
	conn := f.dial(t, "")
	readMessage(t, conn)
	readMessage(t, conn)

	f.cancel()
	<-f.hub.Done()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	assert.False(t, f.hub.Register(NewConnection(nil, f.hub, zerolog.Nop())))
}

func TestOriginChecker(t *testing.T) {
	check := makeOriginChecker(nil)

	r := httptest.NewRequest("GET", "http://localhost:9092/events", nil)
	assert.True(t, check(r), "no origin")

	r.Header.Set("Origin", "http://localhost:9092")
	assert.True(t, check(r), "same host")

	r.Header.Set("Origin", "http://evil.example")
	assert.False(t, check(r))

	assert.True(t, makeOriginChecker([]string{"http://evil.example"})(r))
	assert.True(t, makeOriginChecker([]string{"*"})(r))
}
