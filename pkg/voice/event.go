package voice

// Kind names an event in the gateway feed.
type Kind string

const (
	KindConnectionOpened           Kind = "connection.opened"
	KindConnectionClosed           Kind = "connection.closed"
	KindUserSpeechStarted          Kind = "user.speech_started"
	KindUserSpeechStopped          Kind = "user.speech_stopped"
	KindUserTranscriptionCompleted Kind = "user.transcription_completed"
	KindAIAudioDelta               Kind = "ai.audio_delta"
	KindAIAudioDone                Kind = "ai.audio_done"
	KindAITranscriptDelta          Kind = "ai.transcript_delta"
)

// Event is one item of the gateway feed. The set of implementations is closed:
// only the types declared in this file satisfy it.
type Event interface {
	Kind() Kind
	event()
}

// Handler receives gateway events.
type Handler func(Event)

// Source is an event feed a [Tracker] can attach to. Subscribe registers h and
// returns a function that removes it again; calling the returned function more
// than once must be safe.
type Source interface {
	Subscribe(h Handler) (unsubscribe func())
}

// ConnectionOpened is delivered once the gateway session is established.
type ConnectionOpened struct{}

// ConnectionClosed is delivered when the gateway session ended, either because
// the remote side went away or because a disconnect was requested.
type ConnectionClosed struct {
	// Err is the cause of an unexpected close, nil for a clean one.
	Err error
}

// UserSpeechStarted reports voice activity on the user's input.
type UserSpeechStarted struct{}

// UserSpeechStopped reports the end of voice activity on the user's input.
type UserSpeechStopped struct{}

// UserTranscriptionCompleted carries the complete transcript of one user turn.
type UserTranscriptionCompleted struct {
	Transcript string
}

// AIAudioDelta is one chunk of synthesised coach audio. The payload is opaque
// to the tracker.
type AIAudioDelta struct {
	Audio []byte
}

// AIAudioDone marks the end of the coach's audio for the current response.
type AIAudioDone struct{}

// AITranscriptDelta is an incremental fragment of the coach's transcript.
type AITranscriptDelta struct {
	Transcript string
}

func (ConnectionOpened) Kind() Kind           { return KindConnectionOpened }
func (ConnectionClosed) Kind() Kind           { return KindConnectionClosed }
func (UserSpeechStarted) Kind() Kind          { return KindUserSpeechStarted }
func (UserSpeechStopped) Kind() Kind          { return KindUserSpeechStopped }
func (UserTranscriptionCompleted) Kind() Kind { return KindUserTranscriptionCompleted }
func (AIAudioDelta) Kind() Kind               { return KindAIAudioDelta }
func (AIAudioDone) Kind() Kind                { return KindAIAudioDone }
func (AITranscriptDelta) Kind() Kind          { return KindAITranscriptDelta }

func (ConnectionOpened) event()           {}
func (ConnectionClosed) event()           {}
func (UserSpeechStarted) event()          {}
func (UserSpeechStopped) event()          {}
func (UserTranscriptionCompleted) event() {}
func (AIAudioDelta) event()               {}
func (AIAudioDone) event()                {}
func (AITranscriptDelta) event()          {}
