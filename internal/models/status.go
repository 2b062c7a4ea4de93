package models

// Status is the lifecycle state of a conversation's stream.
type Status int

const (
	// StatusIdle means no request is in flight.
	StatusIdle Status = iota
	// StatusInitialWait means the request has been sent but no fragment has arrived yet.
	StatusInitialWait
	// StatusStreaming means fragments are arriving.
	StatusStreaming
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusInitialWait:
		return "initial-wait"
	case StatusStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// InFlight reports whether a request has been opened and not yet completed or cancelled.
func (s Status) InFlight() bool {
	return s != StatusIdle
}
