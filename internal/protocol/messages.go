// Package protocol defines the messages exchanged between a Scriptfleet agent
// and the Orchestrator over the duplex WebSocket connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType is the discriminator carried in every envelope.
type MessageType string

const (
	// Agent -> Orchestrator message types
	TypeRegister              MessageType = "register"
	TypeHeartbeat             MessageType = "heartbeat"
	TypeJobStarted            MessageType = "job_started"
	TypeJobCompleted          MessageType = "job_completed"
	TypeDocumentResult        MessageType = "document_result"
	TypeWorkflowStepCompleted MessageType = "workflow_step_completed"
	TypeWorkflowCompleted     MessageType = "workflow_completed"

	// Orchestrator -> Agent message types
	TypeJobDispatch      MessageType = "job_dispatch"
	TypeJobCancel        MessageType = "job_cancel"
	TypeWorkflowDispatch MessageType = "workflow_dispatch"
	TypeOpenDocument     MessageType = "open_document"
	TypeCloseDocument    MessageType = "close_document"
)

// Message is the envelope written to and read from the wire.
type Message struct {
	// Type is the message type.
	Type MessageType `json:"type"`
	// ID is a unique message identifier.
	ID string `json:"id,omitempty"`
	// Timestamp is when the message was created.
	Timestamp time.Time `json:"timestamp"`
	// Payload contains the message data.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a new message with the given type and payload.
func NewMessage(msgType MessageType, payload any) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
	}

	return &Message{
		Type:      msgType,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Payload:   payloadBytes,
	}, nil
}

// Bytes serializes the message to JSON bytes.
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage deserializes an envelope from JSON bytes.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message has no type")
	}
	return &msg, nil
}

// Decode parses a raw frame into one of the known inbound messages. Frames
// with an unrecognised type decode to *Unknown without error so callers can
// ignore them. Payload fields may be carried either inside "payload" or at
// the top level of the frame.
func Decode(data []byte) (Inbound, error) {
	msg, err := ParseMessage(data)
	if err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}

	body := []byte(msg.Payload)
	if len(body) == 0 || string(body) == "null" {
		body = data
	}

	var in Inbound
	switch msg.Type {
	case TypeJobDispatch:
		in = &JobDispatch{}
	case TypeJobCancel:
		in = &JobCancel{}
	case TypeWorkflowDispatch:
		in = &WorkflowDispatch{}
	case TypeOpenDocument:
		in = &OpenDocument{}
	case TypeCloseDocument:
		in = &CloseDocument{}
	default:
		return &Unknown{MessageType: msg.Type, Payload: msg.Payload}, nil
	}

	if err := json.Unmarshal(body, in); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", msg.Type, err)
	}
	return in, nil
}

// Encode wraps payload in an envelope and serializes it.
func Encode(msgType MessageType, payload any) ([]byte, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	return msg.Bytes()
}
