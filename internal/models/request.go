package models

// Options are the per-conversation parameters chosen by the user alongside the conversation itself.
type Options struct {
	// Credential overrides the API key of the configured provider when non-empty.
	Credential string `json:"-"`

	Mood              string `json:"mood"`
	Character         string `json:"character"`
	Model             string `json:"model"`
	CustomInstruction string `json:"customInstruction"`
}

// Request is the payload of one streamed completion. It is built by value at submit time: Messages is
// a copy, so later mutation of the live conversation does not affect a request already in flight.
type Request struct {
	Options  Options
	Messages []Message
}
