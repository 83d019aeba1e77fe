package engine

import "time"

// Status is the externally visible state of a [Session].
type Status int

const (
	StatusConnecting Status = iota
	StatusListening
	StatusThinking
	StatusSpeaking
	StatusError
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusListening:
		return "listening"
	case StatusThinking:
		return "thinking"
	case StatusSpeaking:
		return "speaking"
	case StatusError:
		return "error"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can leave s.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusClosed
}

// StatusChange is delivered to the status handler on every transition.
// Start first reports the initial status as a change from
// [StatusConnecting] to itself; it is the only change with From == To.
type StatusChange struct {
	From, To Status

	// Message is a human-readable cause, set only when To is [StatusError].
	Message string

	At time.Time
}

// Initial reports whether c announces the initial status rather than a
// transition.
func (c StatusChange) Initial() bool { return c.From == c.To }
