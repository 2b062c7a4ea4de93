// Package conversation holds the ordered messages of a single chat.
package conversation

import (
	"errors"
	"slices"
	"sync"

	"github.com/MegaGrindStone/mood-chat/internal/models"
)

// Greeting is the assistant message every new conversation starts with.
const Greeting = "Hello there! Start by typing a message!"

// ErrEmpty is returned by AppendToLast when the conversation has no messages.
var ErrEmpty = errors.New("conversation is empty")

// Store is the ordered sequence of messages of a conversation. Insertion order is chronological.
// It exposes whole-sequence replacement and appending text to the last message as the mutation
// primitives used while streaming. Store is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	messages []models.Message
}

// NewStore creates a Store seeded with the assistant greeting.
func NewStore() *Store {
	return &Store{
		messages: []models.Message{models.NewMessage(models.RoleAssistant, Greeting)},
	}
}

// Messages returns a snapshot copy of the conversation.
func (s *Store) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.messages)
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.messages)
}

// Last returns the last message, or false if the conversation is empty.
func (s *Store) Last() (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.messages) == 0 {
		return models.Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// Replace atomically replaces the whole sequence with a copy of messages.
func (s *Store) Replace(messages []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = slices.Clone(messages)
}

// Append adds message at the end and returns a snapshot of the resulting conversation.
func (s *Store) Append(message models.Message) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append(s.messages, message)
	return slices.Clone(s.messages)
}

// AppendToLast appends text to the content of the last message and returns the updated message.
func (s *Store) AppendToLast(text string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.messages) == 0 {
		return models.Message{}, ErrEmpty
	}
	last := &s.messages[len(s.messages)-1]
	last.Content += text
	return *last, nil
}

// TruncateLast removes the last message when allow reports true for the conversation, and returns the
// shortened snapshot. The check and the removal happen under one lock.
func (s *Store) TruncateLast(allow func([]models.Message) bool) ([]models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.messages) == 0 || !allow(s.messages) {
		return nil, false
	}
	s.messages = slices.Clone(s.messages[:len(s.messages)-1])
	return slices.Clone(s.messages), true
}
