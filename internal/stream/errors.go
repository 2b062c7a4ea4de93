package stream

import "errors"

var (
	// ErrEmptyMessage is returned by Submit when the text is empty. Nothing is mutated.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrInFlight is returned by Submit when a request is already in flight.
	ErrInFlight = errors.New("a response is already streaming")
	// ErrCannotRegenerate is returned by Regenerate when the conversation does not end with an
	// assistant reply, has no user turn before it, or a request is in flight.
	ErrCannotRegenerate = errors.New("nothing to regenerate")
)
