package stream

import "github.com/MegaGrindStone/mood-chat/internal/models"

// EventType identifies what changed in a coordinator.
type EventType int

const (
	// EventStatus is emitted when the stream status changes.
	EventStatus EventType = iota
	// EventMessageAppended is emitted when a message is appended to the conversation.
	EventMessageAppended
	// EventMessageUpdated is emitted when streamed text is appended to the last message.
	EventMessageUpdated
	// EventMessageRemoved is emitted when the last message is removed for regeneration.
	EventMessageRemoved
	// EventError is emitted when the transport fails. The stream is already idle by then.
	EventError
)

// Event describes a change in a coordinator. Observers usually re-render from the coordinator's
// current state rather than from the event.
type Event struct {
	Type    EventType
	Status  models.Status
	Message models.Message
	Err     error

	// seq orders status transitions; a status event older than one already delivered is dropped.
	seq uint64
}

// Observer receives coordinator events. Calls are serialized and status events arrive in the order
// the transitions happened, so the last status an observer saw is the coordinator's current one.
// It is called without the state lock held, possibly from the streaming goroutine. It may read the
// coordinator but must not call Submit, SubmitOrStop or Regenerate.
type Observer func(Event)
