package voice

import "time"

// Role identifies who produced a [Message].
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a finalized conversation turn. It is created at a turn boundary
// and never modified afterwards.
type Message struct {
	Role    Role
	Content string

	// AuthorID is the authenticated user the turn belongs to. The tracker
	// leaves it empty; the emitter fills it in from the session identity.
	AuthorID string

	// At is when the turn boundary was observed.
	At time.Time
}

// Emitter receives finalized messages. Emit must not block: the tracker calls
// it inline from the event feed.
type Emitter interface {
	Emit(Message)
}

// EmitterFunc adapts a plain function to [Emitter].
type EmitterFunc func(Message)

// Emit calls f(m).
func (f EmitterFunc) Emit(m Message) { f(m) }
