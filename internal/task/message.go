package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Result statuses stored by the result backend.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusRevoked = "revoked"
)

// Message is one unit of work on the wire. Immutable once published;
// the broker produces a new copy with retry_count+1 on requeue.
type Message struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Args        []any          `json:"args"`
	Kwargs      map[string]any `json:"kwargs"`
	Queue       string         `json:"queue"`
	ETA         *time.Time     `json:"eta,omitempty"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	PublishedAt time.Time      `json:"published_at"`
}

// NewMessage builds a publishable message with a fresh id.
func NewMessage(name string, args []any, kwargs map[string]any) *Message {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return &Message{
		ID:     uuid.New().String(),
		Name:   name,
		Args:   args,
		Kwargs: kwargs,
	}
}

// Encode serializes the message for the broker.
func (m *Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return b, nil
}

// DecodeMessage parses a wire record back into a Message.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}

// Result is the stored outcome of one task execution.
type Result struct {
	TaskID      string    `json:"task_id"`
	Status      string    `json:"status"`
	Value       any       `json:"value,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}
