// ABOUTME: Wire format for the streaming WebSocket protocol
// ABOUTME: Defines outbound message types, stable error codes, and message constructors

package protocol

import (
	"encoding/json"
	"time"
)

// MessageType tags an outbound message.
type MessageType string

const (
	TypeConnectionStatus MessageType = "connection_status"
	TypeLog              MessageType = "log"
	TypeToken            MessageType = "token"
	TypeFinalOutput      MessageType = "final_output"
	TypeError            MessageType = "error"
	TypeHeartbeat        MessageType = "heartbeat"
)

// Stable error codes carried in the metadata of error messages.
const (
	CodeValidation             = "validation_error"
	CodeCapacityExceeded       = "capacity_exceeded"
	CodeIterationLimitExceeded = "iteration_limit_exceeded"
	CodeToolError              = "tool_error"
	CodeBackpressure           = "backpressure"
	CodeIdleTimeout            = "idle_timeout"
	CodeAgentError             = "agent_error"
	CodeTimeout                = "timeout"
	CodeShuttingDown           = "shutting_down"
	CodeQueueFull              = "queue_full"
)

// Message is a single outbound frame sent to a client.
type Message struct {
	Type      MessageType    `json:"type"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

// New creates a message stamped with the current time. Metadata is never nil
// so it always encodes as a JSON object.
func New(typ MessageType, content string, metadata map[string]any) *Message {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &Message{
		Type:      typ,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
}

// NewError creates an error message carrying a stable code.
func NewError(code, content string) *Message {
	return New(TypeError, content, map[string]any{"error_type": code})
}

// Code returns the error code of an error message, or "" for other types.
func (m *Message) Code() string {
	if m.Type != TypeError {
		return ""
	}
	code, _ := m.Metadata["error_type"].(string)
	return code
}

// Encode serializes the message to JSON.
func (m *Message) Encode() ([]byte, error) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	return json.Marshal(m)
}

// Decode parses a JSON-encoded outbound message. Used by clients and tests.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	return &m, nil
}
