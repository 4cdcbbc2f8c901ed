// Package emit is the persistence hook between the voice tracker and the
// message store.
//
// [Emitter.Emit] is fire-and-forget: it stamps the message with the identity
// captured at connection time and hands it to the sink on its own goroutine.
// Failures are logged and counted; they never reach the tracker and are never
// retried.
package emit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coachai/coach/internal/observe"
	"github.com/coachai/coach/pkg/identity"
	"github.com/coachai/coach/pkg/store"
	"github.com/coachai/coach/pkg/voice"
)

var _ voice.Emitter = (*Emitter)(nil)

// DefaultTimeout bounds a single insert.
const DefaultTimeout = 10 * time.Second

// Skip reasons reported to metrics.
const (
	skipAnonymous = "anonymous"
	skipEmpty     = "empty"
	skipNoStore   = "no_store"
)

// Option is a functional option for [New].
type Option func(*Emitter)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Emitter) { e.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Emitter) { e.metrics = m }
}

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(e *Emitter) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// Emitter persists finalized messages for the current session identity.
type Emitter struct {
	sink    store.Sink
	logger  *slog.Logger
	metrics *observe.Metrics
	timeout time.Duration

	mu   sync.RWMutex
	user *identity.User

	wg sync.WaitGroup
}

// New returns an Emitter writing to sink. A nil sink turns every Emit into a
// counted no-op.
func New(sink store.Sink, opts ...Option) *Emitter {
	e := &Emitter{
		sink:    sink,
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// SetIdentity sets the user subsequent messages are attributed to. A nil
// user disables persistence until the next call.
func (e *Emitter) SetIdentity(u *identity.User) {
	var cp *identity.User
	if u != nil {
		c := *u
		cp = &c
	}
	e.mu.Lock()
	e.user = cp
	e.mu.Unlock()
}

// Identity returns the current user, or nil.
func (e *Emitter) Identity() *identity.User {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.user == nil {
		return nil
	}
	u := *e.user
	return &u
}

// Emit implements [voice.Emitter]. It never blocks on the sink.
func (e *Emitter) Emit(msg voice.Message) {
	ctx := context.Background()
	role := string(msg.Role)
	e.metrics.RecordMessageEmitted(ctx, role)

	if msg.AuthorID == "" {
		if u := e.Identity(); u != nil {
			msg.AuthorID = u.ID
		}
	}

	switch {
	case msg.AuthorID == "":
		e.skip(ctx, skipAnonymous, msg)
		return
	case msg.Content == "":
		e.skip(ctx, skipEmpty, msg)
		return
	case e.sink == nil:
		e.skip(ctx, skipNoStore, msg)
		return
	}

	rec := store.Record{
		UserID:    msg.AuthorID,
		Role:      role,
		Content:   msg.Content,
		CreatedAt: msg.At,
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.persist(rec)
	}()
}

// Wait blocks until all in-flight inserts have finished.
func (e *Emitter) Wait() {
	e.wg.Wait()
}

func (e *Emitter) persist(rec store.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "emit.persist")
	defer span.End()

	log := observe.LoggerFrom(ctx, e.logger)
	log.Debug("emit: saving message", "role", rec.Role, "len", len(rec.Content))

	start := time.Now()
	err := e.sink.Insert(ctx, rec)
	e.metrics.RecordPersist(ctx, rec.Role, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		log.Error("emit: error saving message", "role", rec.Role, "user_id", rec.UserID, "err", err)
	}
}

func (e *Emitter) skip(ctx context.Context, reason string, msg voice.Message) {
	e.metrics.RecordMessageSkipped(ctx, reason)
	e.logger.Debug("emit: message not persisted", "reason", reason, "role", msg.Role)
}
