// Package gateway defines the session gateway contract: an opaque realtime
// channel to the coach model that emits discrete [voice.Event] values.
//
// Concrete adapters live in sub-packages (see gateway/openai). The
// [Broadcaster] helper implements the subscription bookkeeping every adapter
// needs, and [Logged] decorates a handler with debug logging.
package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coachai/coach/pkg/voice"
)

// Session is one open realtime conversation. Nothing is delivered before
// Start; afterwards events reach subscribers in arrival order from a single
// goroutine. When the session ends, for whatever reason, subscribers receive a
// final [voice.ConnectionClosed], including those that subscribe afterwards.
//
// Implementations must be safe for concurrent use.
type Session interface {
	voice.Source

	// Start begins event delivery. Subscribe every handler that must not miss
	// an event before calling it. Calls after the first are no-ops.
	Start()

	// Close terminates the session. Calling it more than once is safe, and
	// closing a session that was never started still delivers ConnectionClosed.
	Close() error
}

// Dialer opens new sessions.
type Dialer interface {
	// Dial establishes a session. The returned session holds its events until
	// [Session.Start]; ctx bounds only the dial itself.
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc adapts a plain function to [Dialer].
type DialerFunc func(ctx context.Context) (Session, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Session, error) { return f(ctx) }

// Logged wraps h so that every event is logged at debug level before being
// passed on.
func Logged(logger *slog.Logger, h voice.Handler) voice.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ev voice.Event) {
		if ev == nil {
			return
		}
		attrs := []any{"kind", ev.Kind()}
		switch e := ev.(type) {
		case voice.AIAudioDelta:
			attrs = append(attrs, "bytes", len(e.Audio))
		case voice.AITranscriptDelta:
			attrs = append(attrs, "delta", e.Transcript)
		case voice.UserTranscriptionCompleted:
			attrs = append(attrs, "transcript", e.Transcript)
		case voice.ConnectionClosed:
			if e.Err != nil {
				attrs = append(attrs, "err", e.Err)
			}
		}
		logger.Debug("gateway: event", attrs...)
		h(ev)
	}
}

// ── Broadcaster ───────────────────────────────────────────────────────────────

// Broadcaster fans events out to a dynamic set of handlers. The zero value is
// ready to use.
//
// Publish copies the handler list under the lock and invokes handlers without
// holding it, so handlers may subscribe or unsubscribe re-entrantly.
type Broadcaster struct {
	mu       sync.Mutex
	nextID   uint64
	handlers []subscription
	final    *voice.ConnectionClosed
}

type subscription struct {
	id uint64
	h  voice.Handler
}

// Subscribe registers h and returns an idempotent unsubscribe function. After
// [Broadcaster.Finish], h receives the final event right away instead.
func (b *Broadcaster) Subscribe(h voice.Handler) func() {
	if h == nil {
		return func() {}
	}

	b.mu.Lock()
	if b.final != nil {
		final := *b.final
		b.mu.Unlock()
		h(final)
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.handlers = append(b.handlers, subscription{id: id, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// Publish delivers ev to every current subscriber in subscription order.
func (b *Broadcaster) Publish(ev voice.Event) {
	b.mu.Lock()
	subs := make([]voice.Handler, len(b.handlers))
	for i, s := range b.handlers {
		subs[i] = s.h
	}
	b.mu.Unlock()

	for _, h := range subs {
		h(ev)
	}
}

// Finish publishes ev as the terminal event and remembers it for late
// subscribers. Only the first call has an effect; current subscribers are
// released afterwards.
func (b *Broadcaster) Finish(ev voice.ConnectionClosed) {
	b.mu.Lock()
	if b.final != nil {
		b.mu.Unlock()
		return
	}
	b.final = &ev
	subs := make([]voice.Handler, len(b.handlers))
	for i, s := range b.handlers {
		subs[i] = s.h
	}
	b.handlers = nil
	b.mu.Unlock()

	for _, h := range subs {
		h(ev)
	}
}

// Len returns the number of current subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.handlers {
		if s.id == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return
		}
	}
}
