package types

import "time"

// EventType identifies a dispatcher event
type EventType string

const (
	EventProgress EventType = "progress"
	EventResult   EventType = "result"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is published by the dispatcher and relayed as JSON over WebSocket.
type Event struct {
	Type      EventType         `json:"type"`
	BatchID   string            `json:"batchId,omitempty"`
	Processed int               `json:"processed,omitempty"`
	Total     int               `json:"total,omitempty"`
	Filename  string            `json:"filename,omitempty"`
	Result    *DecryptionResult `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
