package session

import "errors"

// State is the externally visible state of a voice session.
type State int

const (
	// StateOff means no session is running.
	StateOff State = iota

	// StateActive means capture is running and nothing is being said.
	StateActive

	// StateListening means the user is speaking or has just finished.
	StateListening

	// StateSpeaking means reply segments are queued or playing.
	StateSpeaking
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateOff:
		return "OFF"
	case StateActive:
		return "ACTIVE"
	case StateListening:
		return "LISTENING"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrSessionOff is returned by operations that need a running session.
	ErrSessionOff = errors.New("session: session is off")

	// ErrSessionActive is returned by StartSession when a session is running.
	ErrSessionActive = errors.New("session: session already active")

	// ErrTurnInterrupted is returned for reply text of a turn the user
	// interrupted. It is cleared by the next user utterance or by Reset.
	ErrTurnInterrupted = errors.New("session: reply turn was interrupted")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: orchestrator closed")
)

// Status is a point-in-time summary of the session.
type Status struct {
	State       State
	IsCapturing bool
	IsPlaying   bool
	QueueLength int
}
