package voice

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// StateObserver is called after every state transition with the previous and
// the new state.
type StateObserver func(from, to State)

// Option is a functional option for [NewTracker].
type Option func(*Tracker)

// WithLogger sets the logger used for transition and emission debug output.
// Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithClock overrides the clock used to stamp messages. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker derives a [State] and a stream of [Message] values from the events of
// one attached [Source] at a time.
//
// Event handling is serialized by an internal mutex so a tracker may be driven
// by the gateway's receive goroutine while control calls (Attach, Disconnect)
// arrive from elsewhere. Observers and the emitter are invoked after the lock
// is released.
type Tracker struct {
	emitter Emitter
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	state       State
	transcript  strings.Builder
	attached    bool
	generation  uint64
	unsubscribe func()
	observers   []StateObserver
}

// NewTracker returns an idle tracker that hands finalized messages to emitter.
// A nil emitter discards messages.
func NewTracker(emitter Emitter, opts ...Option) *Tracker {
	if emitter == nil {
		emitter = EmitterFunc(func(Message) {})
	}
	t := &Tracker{
		emitter: emitter,
		logger:  slog.Default(),
		now:     time.Now,
		state:   StateIdle,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Attached reports whether the tracker currently processes events from a source.
func (t *Tracker) Attached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attached
}

// OnStateChange registers an observer for state transitions. Observers run
// after the lock is released, on the goroutine that caused the transition.
// Transitions caused by one goroutine arrive in order; across goroutines (the
// gateway receive loop and a control call) their order is not guaranteed, so
// an observer that needs the current state should read [Tracker.State].
func (t *Tracker) OnStateChange(fn StateObserver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// BeginConnect moves an idle, detached tracker to [StateConnecting]. It is a
// no-op in any other situation.
func (t *Tracker) BeginConnect() {
	t.mu.Lock()
	if t.attached || t.state != StateIdle {
		t.mu.Unlock()
		return
	}
	from := t.setStateLocked(StateConnecting)
	obs := t.observersLocked()
	t.mu.Unlock()

	notify(obs, from, StateConnecting)
}

// Attach subscribes the tracker to src. Any previously attached source is
// unsubscribed first and its unflushed transcript discarded. The tracker does not
// take ownership of src: closing it remains the caller's job.
//
// Attach does not change the state by itself; the caller delivers
// [ConnectionOpened] once the session is usable.
func (t *Tracker) Attach(src Source) {
	t.mu.Lock()
	prev := t.detachLocked()
	gen := t.generation
	t.attached = true
	t.mu.Unlock()

	if prev != nil {
		prev()
	}

	unsub := src.Subscribe(func(ev Event) { t.handle(gen, ev) })

	t.mu.Lock()
	if t.generation != gen || !t.attached {
		// Detached (or re-attached) while subscribing.
		t.mu.Unlock()
		unsub()
		return
	}
	t.unsubscribe = unsub
	t.mu.Unlock()
}

// Disconnect unsubscribes from the attached source, discards any unflushed
// transcript and forces the state to [StateIdle]. Calling it repeatedly is safe.
func (t *Tracker) Disconnect() {
	t.mu.Lock()
	unsub := t.detachLocked()
	from := t.setStateLocked(StateIdle)
	obs := t.observersLocked()
	t.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if from != StateIdle {
		notify(obs, from, StateIdle)
	}
}

// Handle feeds ev to the tracker as if it had arrived from the attached
// source. Events are ignored while no source is attached.
func (t *Tracker) Handle(ev Event) {
	t.mu.Lock()
	gen := t.generation
	t.mu.Unlock()
	t.handle(gen, ev)
}

// handle applies ev if it belongs to the attachment identified by gen.
func (t *Tracker) handle(gen uint64, ev Event) {
	if ev == nil {
		return
	}

	t.mu.Lock()
	if !t.attached || t.generation != gen {
		t.mu.Unlock()
		t.logger.Debug("voice: event ignored, tracker not attached", "kind", ev.Kind())
		return
	}

	from := t.state
	var (
		out   *Message
		unsub func()
	)

	switch e := ev.(type) {
	case ConnectionOpened:
		t.setStateLocked(StateListening)

	case UserSpeechStarted:
		t.setStateLocked(StateUserSpeaking)

	case UserSpeechStopped:
		t.setStateLocked(StateListening)

	case AIAudioDelta:
		t.setStateLocked(StateAISpeaking)

	case AITranscriptDelta:
		t.transcript.WriteString(e.Transcript)

	case AIAudioDone:
		t.setStateLocked(StateListening)
		if t.transcript.Len() > 0 {
			out = &Message{Role: RoleAssistant, Content: t.transcript.String(), At: t.now()}
		}
		t.transcript.Reset()

	case UserTranscriptionCompleted:
		out = &Message{Role: RoleUser, Content: e.Transcript, At: t.now()}

	case ConnectionClosed:
		if t.transcript.Len() > 0 {
			t.logger.Debug("voice: discarding partial transcript", "len", t.transcript.Len())
		}
		unsub = t.detachLocked()
		t.setStateLocked(StateIdle)
	}

	to := t.state
	obs := t.observersLocked()
	t.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if from != to {
		t.logger.Debug("voice: state transition", "from", from, "to", to, "event", ev.Kind())
		notify(obs, from, to)
	}
	if out != nil {
		t.logger.Debug("voice: message finalized", "role", out.Role, "len", len(out.Content))
		t.emitter.Emit(*out)
	}
}

// detachLocked marks the tracker detached, drops the transcript and returns the
// unsubscribe function of the previous source, if any. Must hold t.mu.
func (t *Tracker) detachLocked() func() {
	unsub := t.unsubscribe
	t.unsubscribe = nil
	t.attached = false
	t.generation++
	t.transcript.Reset()
	return unsub
}

// setStateLocked sets the state and returns the previous one. Must hold t.mu.
func (t *Tracker) setStateLocked(s State) State {
	prev := t.state
	t.state = s
	return prev
}

// observersLocked returns a snapshot of the observer list. Must hold t.mu.
func (t *Tracker) observersLocked() []StateObserver {
	if len(t.observers) == 0 {
		return nil
	}
	obs := make([]StateObserver, len(t.observers))
	copy(obs, t.observers)
	return obs
}

func notify(obs []StateObserver, from, to State) {
	for _, fn := range obs {
		fn(from, to)
	}
}
