// Package voice implements the conversation state tracker for a realtime voice
// session with the coach.
//
// A [Tracker] consumes the discrete events emitted by a session gateway and
// derives two outputs from them:
//
//   - the UI-facing [State] (idle, connecting, listening, user-speaking,
//     ai-speaking), re-published to observers on every transition;
//   - finalized [Message] values, handed to an [Emitter] at turn boundaries.
//
// The tracker is a synchronous reducer. It never polls, never touches audio and
// never retries a connection: a new gateway is attached explicitly on every
// connect and detached on disconnect.
package voice

// State is the speaking-state indicator shown to the user.
type State string

const (
	// StateIdle means no session is attached.
	StateIdle State = "idle"

	// StateConnecting means a session is being established.
	StateConnecting State = "connecting"

	// StateListening means the session is open and nobody is speaking.
	StateListening State = "listening"

	// StateUserSpeaking means voice activity was detected on the user side.
	StateUserSpeaking State = "user-speaking"

	// StateAISpeaking means the coach is streaming audio back.
	StateAISpeaking State = "ai-speaking"
)

// IsValid reports whether s is one of the five defined states.
func (s State) IsValid() bool {
	switch s {
	case StateIdle, StateConnecting, StateListening, StateUserSpeaking, StateAISpeaking:
		return true
	}
	return false
}

// Label returns the status line displayed next to the indicator.
func (s State) Label() string {
	switch s {
	case StateIdle:
		return "Ready to connect"
	case StateConnecting:
		return "Connecting..."
	case StateListening:
		return "Listening - You can speak now"
	case StateUserSpeaking:
		return "You are speaking..."
	case StateAISpeaking:
		return "AI is speaking..."
	default:
		return ""
	}
}

// Active reports whether the state belongs to an attached session.
func (s State) Active() bool {
	return s == StateListening || s == StateUserSpeaking || s == StateAISpeaking
}
