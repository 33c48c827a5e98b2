// Package websocket streams the agent's local events to observers such as a
// status panel. Observers connect to /events, receive a snapshot of the
// current state, then one message per event in the rooms they follow.
package websocket

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType defines the type of feed message.
type MessageType string

const (
	// Client -> Server message types
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypePing        MessageType = "ping"

	// Server -> Client message types
	MessageTypePong         MessageType = "pong"
	MessageTypeSubscribed   MessageType = "subscribed"
	MessageTypeUnsubscribed MessageType = "unsubscribed"
	MessageTypeError        MessageType = "error"
	MessageTypeSnapshot     MessageType = "snapshot"
	MessageTypeEvent        MessageType = "event"
)

// RoomAll receives every event regardless of kind. Other rooms are named
// after event kinds (status_changed, job_status_changed, log).
const RoomAll = "all"

// Message is a single feed frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Room      string          `json:"room,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	ID        string          `json:"id,omitempty"`
}

// NewMessage creates a new message with the given type and payload.
func NewMessage(msgType MessageType, payload any) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}

	return &Message{
		Type:      msgType,
		Payload:   payloadBytes,
		Timestamp: time.Now().UTC(),
		ID:        uuid.New().String(),
	}, nil
}

// NewRoomMessage creates a new message targeted at a specific room.
func NewRoomMessage(msgType MessageType, room string, payload any) (*Message, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	msg.Room = room
	return msg, nil
}

// Bytes serializes the message to JSON bytes.
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage deserializes a message from JSON bytes.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ErrorPayload is the payload for error messages.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventPayload is the payload for event messages.
type EventPayload struct {
	Kind        string    `json:"kind"`
	Time        time.Time `json:"time"`
	Status      string    `json:"status,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	JobStatus   string    `json:"job_status,omitempty"`
	Level       string    `json:"level,omitempty"`
	Message     string    `json:"message,omitempty"`
}

// ParseRooms splits a comma separated room list, dropping blanks. An empty
// list means RoomAll.
func ParseRooms(s string) []string {
	var rooms []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			rooms = append(rooms, r)
		}
	}
	if len(rooms) == 0 {
		return []string{RoomAll}
	}
	return rooms
}
