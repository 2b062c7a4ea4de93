package models

import (
	"time"

	"github.com/google/uuid"
)

// Message represents an individual entry within a conversation. It contains the participant's role,
// the text content, and the time when the message was created. Only the most recent assistant message
// is ever mutated, by appending streamed text to its Content.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message submitted by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message generated by the language model.
	RoleAssistant Role = "assistant"
	// RoleSystem is only used by the transports when they prepend the system prompt.
	RoleSystem Role = "system"
)

// NewMessage creates a message with a fresh ID and the current timestamp.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}
