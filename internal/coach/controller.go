// Package coach owns the realtime session lifecycle behind the UI.
//
// A [Controller] dials one gateway session per connect, attaches the voice
// tracker to it and publishes a [Snapshot] whenever the conversation state or
// the status line changes. Only one session is open at a time.
package coach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coachai/coach/internal/emit"
	"github.com/coachai/coach/internal/observe"
	"github.com/coachai/coach/pkg/gateway"
	"github.com/coachai/coach/pkg/identity"
	"github.com/coachai/coach/pkg/voice"
)

// ErrAlreadyConnected is returned by [Controller.Connect] while a session is
// open or being opened.
var ErrAlreadyConnected = errors.New("coach: already connected")

// DefaultDialTimeout bounds a single connect attempt.
const DefaultDialTimeout = 15 * time.Second

// Status lines shown under the state label.
const (
	StatusReady        = "Ready"
	StatusConnecting   = "Connecting..."
	StatusConnected    = "Connected - You can now talk to your productivity coach!"
	StatusAnonymous    = "Warning: No user logged in. Conversation will not be saved."
	StatusDisconnected = "Disconnected"
)

// Snapshot is the UI-facing view of the controller.
type Snapshot struct {
	State     voice.State `json:"state"`
	Label     string      `json:"label"`
	Status    string      `json:"status"`
	Connected bool        `json:"connected"`
	UserID    string      `json:"user_id,omitempty"`
}

// Option is a functional option for [New].
type Option func(*Controller)

// WithIdentity sets the identity provider consulted on every connect.
// Defaults to [identity.Anonymous].
func WithIdentity(p identity.Provider) Option {
	return func(c *Controller) { c.identity = p }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithDialTimeout overrides [DefaultDialTimeout].
func WithDialTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// Controller connects and disconnects the coach session.
// All exported methods are safe for concurrent use.
type Controller struct {
	emitter     *emit.Emitter
	tracker     *voice.Tracker
	identity    identity.Provider
	logger      *slog.Logger
	metrics     *observe.Metrics
	dialTimeout time.Duration

	dialerMu sync.RWMutex
	dialer   gateway.Dialer

	// opMu serialises the attach and teardown sequences.
	opMu sync.Mutex

	mu            sync.Mutex
	session       gateway.Session
	unwatch       func()
	connecting    bool
	cancelConnect context.CancelFunc
	user          *identity.User

	statusMu sync.RWMutex
	status   string

	subsMu sync.Mutex
	subs   map[uint64]func(Snapshot)
	nextID uint64
}

// New returns a Controller dialing through d and persisting through e.
func New(d gateway.Dialer, e *emit.Emitter, opts ...Option) *Controller {
	c := &Controller{
		dialer:      d,
		emitter:     e,
		identity:    identity.Anonymous{},
		logger:      slog.Default(),
		dialTimeout: DefaultDialTimeout,
		status:      StatusReady,
		subs:        make(map[uint64]func(Snapshot)),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.tracker = voice.NewTracker(e, voice.WithLogger(c.logger))
	c.tracker.OnStateChange(c.onStateChange)
	return c
}

// SetDialer swaps the dialer used by subsequent connects. An open session is
// not affected.
func (c *Controller) SetDialer(d gateway.Dialer) {
	c.dialerMu.Lock()
	c.dialer = d
	c.dialerMu.Unlock()
}

func (c *Controller) currentDialer() gateway.Dialer {
	c.dialerMu.RLock()
	defer c.dialerMu.RUnlock()
	return c.dialer
}

// Connect opens a realtime session and attaches the tracker to it.
// It returns [ErrAlreadyConnected] while another session is open or pending.
// On failure the tracker is back in idle and the status line carries the error.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connecting || c.session != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.connecting = true
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	c.cancelConnect = cancel
	c.mu.Unlock()
	defer cancel()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	ctx, span := observe.StartSpan(ctx, "coach.connect")
	defer span.End()
	log := observe.LoggerFrom(ctx, c.logger)

	start := time.Now()
	c.tracker.BeginConnect()
	c.setStatus(StatusConnecting)

	user := c.resolveUser(dialCtx, log)
	c.emitter.SetIdentity(user)

	sess, err := c.currentDialer().Dial(dialCtx)
	if err == nil && dialCtx.Err() != nil {
		// Disconnect raced the dial; drop the fresh session.
		if cerr := sess.Close(); cerr != nil {
			log.Debug("coach: close abandoned session", "err", cerr)
		}
		err = dialCtx.Err()
	}
	c.metrics.RecordConnect(ctx, time.Since(start), err)

	if err != nil {
		c.mu.Lock()
		c.connecting = false
		c.cancelConnect = nil
		c.mu.Unlock()

		span.RecordError(err)
		log.Error("coach: connection failed", "err", err)
		c.tracker.Disconnect()
		c.setStatus("Connection failed: " + err.Error())
		return fmt.Errorf("coach: connect: %w", err)
	}

	watch := sess.Subscribe(func(ev voice.Event) {
		if closed, ok := ev.(voice.ConnectionClosed); ok {
			go c.dropped(sess, closed.Err)
		}
	})

	c.mu.Lock()
	c.connecting = false
	c.cancelConnect = nil
	c.session = sess
	c.unwatch = watch
	c.user = user
	c.mu.Unlock()

	c.tracker.Attach(loggedSource{Session: sess, logger: c.logger})
	c.tracker.Handle(voice.ConnectionOpened{})
	c.metrics.ActiveSessions.Add(ctx, 1)

	if user == nil {
		log.Warn("coach: connected without a user; messages will not be saved")
		c.setStatus(StatusAnonymous)
	} else {
		log.Info("coach: connected", "user_id", user.ID)
		c.setStatus(StatusConnected)
	}

	// Watcher and tracker are in place; a session that dies right away is
	// torn down by dropped once opMu is released.
	sess.Start()
	return nil
}

// Disconnect closes the current session, cancelling a pending connect.
// Close errors are logged only. The tracker always ends in idle and calling
// Disconnect repeatedly is safe.
func (c *Controller) Disconnect(ctx context.Context) {
	c.mu.Lock()
	if c.cancelConnect != nil {
		c.cancelConnect()
	}
	c.mu.Unlock()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	sess, unwatch := c.session, c.unwatch
	c.session, c.unwatch, c.user = nil, nil, nil
	c.mu.Unlock()

	c.tracker.Disconnect()
	if unwatch != nil {
		unwatch()
	}

	log := observe.LoggerFrom(ctx, c.logger)
	if sess != nil {
		if err := sess.Close(); err != nil {
			log.Error("coach: error during disconnect", "err", err)
		}
		c.metrics.ActiveSessions.Add(ctx, -1)
		log.Info("coach: disconnected")
	}
	c.setStatus(StatusDisconnected)
}

// dropped tears down sess after the remote side closed it.
func (c *Controller) dropped(sess gateway.Session, cause error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}
	unwatch := c.unwatch
	c.session, c.unwatch, c.user = nil, nil, nil
	c.mu.Unlock()

	unwatch()
	c.tracker.Disconnect()
	if err := sess.Close(); err != nil {
		c.logger.Debug("coach: close dropped session", "err", err)
	}
	c.metrics.ActiveSessions.Add(context.Background(), -1)

	if cause != nil {
		c.logger.Warn("coach: session lost", "err", cause)
		c.setStatus("Connection lost: " + cause.Error())
		return
	}
	c.logger.Info("coach: session closed by server")
	c.setStatus(StatusDisconnected)
}

func (c *Controller) resolveUser(ctx context.Context, log *slog.Logger) *identity.User {
	u, err := c.identity.CurrentUser(ctx)
	if err != nil {
		log.Warn("coach: could not resolve user", "err", err)
		return nil
	}
	return u
}

// Connected reports whether a session is open.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// User returns the user of the open session, or nil.
func (c *Controller) User() *identity.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return nil
	}
	u := *c.user
	return &u
}

// Snapshot returns the current UI view.
func (c *Controller) Snapshot() Snapshot {
	st := c.tracker.State()

	c.statusMu.RLock()
	status := c.status
	c.statusMu.RUnlock()

	c.mu.Lock()
	connected := c.session != nil
	var userID string
	if c.user != nil {
		userID = c.user.ID
	}
	c.mu.Unlock()

	return Snapshot{
		State:     st,
		Label:     st.Label(),
		Status:    status,
		Connected: connected,
		UserID:    userID,
	}
}

// Subscribe registers fn for snapshot changes and returns a function that
// removes it. fn runs on the goroutine that caused the change and must not
// block.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.subsMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, id)
			c.subsMu.Unlock()
		})
	}
}

// Wait blocks until in-flight message writes have finished.
func (c *Controller) Wait() {
	c.emitter.Wait()
}

func (c *Controller) onStateChange(from, to voice.State) {
	c.metrics.RecordStateTransition(context.Background(), string(from), string(to))
	c.publish()
}

func (c *Controller) setStatus(s string) {
	c.statusMu.Lock()
	c.status = s
	c.statusMu.Unlock()
	c.publish()
}

func (c *Controller) publish() {
	snap := c.Snapshot()

	c.subsMu.Lock()
	fns := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subsMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// loggedSource decorates every subscriber of the session with debug logging.
type loggedSource struct {
	gateway.Session
	logger *slog.Logger
}

func (s loggedSource) Subscribe(h voice.Handler) func() {
	return s.Session.Subscribe(gateway.Logged(s.logger, h))
}
