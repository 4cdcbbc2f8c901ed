// Package app wires the coach subsystems into a running service.
//
// New builds every dependency from the config, Run serves HTTP until the
// context is cancelled, and Shutdown tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithDialer, WithStore,
// WithTelemetry, ...). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coachai/coach/internal/coach"
	"github.com/coachai/coach/internal/config"
	"github.com/coachai/coach/internal/emit"
	"github.com/coachai/coach/internal/health"
	"github.com/coachai/coach/internal/observe"
	"github.com/coachai/coach/internal/resilience"
	"github.com/coachai/coach/internal/server"
	"github.com/coachai/coach/pkg/gateway"
	"github.com/coachai/coach/pkg/gateway/openai"
	"github.com/coachai/coach/pkg/identity"
	"github.com/coachai/coach/pkg/store"
	"github.com/coachai/coach/pkg/store/postgres"
)

// Timeouts applied by the HTTP server.
const (
	readHeaderTimeout = 10 * time.Second
	drainTimeout      = 10 * time.Second
)

// Store is everything the service needs from the message database.
type Store interface {
	store.Sink
	store.MessageLister
	store.ProfileStore
	Ping(ctx context.Context) error
}

var _ Store = (*postgres.Store)(nil)

// App owns all subsystem lifetimes.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	level  *slog.LevelVar

	telemetry *observe.Telemetry
	metrics   *observe.Metrics
	store     Store
	identity  identity.Provider
	dialer    gateway.Dialer
	breaker   *resilience.CircuitBreaker
	emitter   *emit.Emitter
	ctrl      *coach.Controller
	server    *server.Server
	http      *http.Server
	listener  net.Listener

	configPath string
	watcher    *config.Watcher

	// closers are called in reverse order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithLevel hands New the level variable behind the logger so config reloads
// can change verbosity.
func WithLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithTelemetry injects metrics and the /metrics handler instead of
// initialising the global OpenTelemetry providers.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithStore injects a message store instead of connecting to PostgreSQL.
func WithStore(s Store) Option {
	return func(a *App) { a.store = s }
}

// WithIdentity injects an identity provider instead of the configured user.
func WithIdentity(p identity.Provider) Option {
	return func(a *App) { a.identity = p }
}

// WithDialer injects a gateway dialer instead of the OpenAI adapter.
func WithDialer(d gateway.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithListener serves on ln instead of listening on server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithConfigWatch polls path and applies log level and realtime changes
// without a restart.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.configPath = path }
}

// New creates the App. On error everything built so far is closed again.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	steps := []func(context.Context) error{
		a.initTelemetry,
		a.initStore,
		a.initIdentity,
		a.initDialer,
		a.initController,
		a.initServer,
		a.initWatcher,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			_ = a.Shutdown(context.Background())
			return nil, err
		}
	}
	return a, nil
}

func (a *App) initTelemetry(ctx context.Context) error {
	if a.telemetry == nil {
		tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "coach"})
		if err != nil {
			return fmt.Errorf("app: init telemetry: %w", err)
		}
		a.telemetry = tel
		a.closers = append(a.closers, tel.Shutdown)
	}
	a.metrics = a.telemetry.Metrics
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store == nil && a.cfg.Store.PostgresDSN != "" {
		pg, err := postgres.NewStore(ctx, a.cfg.Store.PostgresDSN)
		if err != nil {
			return fmt.Errorf("app: open store: %w", err)
		}
		a.store = pg
		a.closers = append(a.closers, func(context.Context) error {
			pg.Close()
			return nil
		})
	}
	if a.store == nil {
		a.logger.Warn("app: no message store configured; conversations will not be saved")
	}
	return nil
}

func (a *App) initIdentity(ctx context.Context) error {
	if a.identity == nil {
		a.identity = identity.Static{ID: a.cfg.Identity.UserID, Email: a.cfg.Identity.Email}
	}
	if a.store == nil {
		return nil
	}

	u, err := a.identity.CurrentUser(ctx)
	if err != nil {
		a.logger.Warn("app: resolve user", "err", err)
		return nil
	}
	if u != nil {
		if err := a.store.UpsertProfile(ctx, store.Profile{ID: u.ID, Email: u.Email}); err != nil {
			a.logger.Warn("app: upsert profile", "user_id", u.ID, "err", err)
		}
	}
	profiles, err := a.store.ListProfiles(ctx)
	if err != nil {
		a.logger.Warn("app: list profiles", "err", err)
		return nil
	}
	a.logger.Info("app: profiles loaded", "count", len(profiles))
	return nil
}

func (a *App) initDialer(context.Context) error {
	if a.dialer == nil {
		d, err := a.buildDialer(a.cfg.Realtime)
		if err != nil {
			return err
		}
		a.dialer = d
	}
	a.breaker = resilience.New(resilience.Config{Name: "realtime", Logger: a.logger})
	return nil
}

func (a *App) buildDialer(rc config.RealtimeConfig) (gateway.Dialer, error) {
	d, err := openai.New(rc.APIKey,
		openai.WithModel(rc.Model),
		openai.WithVoice(rc.Voice),
		openai.WithInstructions(rc.Instructions),
		openai.WithRealtimeURL(rc.BaseURL),
		openai.WithAPIBaseURL(rc.APIBaseURL),
		openai.WithLogger(a.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("app: realtime dialer: %w", err)
	}
	return d, nil
}

func (a *App) initController(context.Context) error {
	var sink store.Sink
	if a.store != nil {
		sink = resilience.GuardSink(a.store, resilience.New(resilience.Config{Name: "store", Logger: a.logger}))
	}
	a.emitter = emit.New(sink,
		emit.WithLogger(a.logger),
		emit.WithMetrics(a.metrics),
		emit.WithTimeout(a.cfg.Persistence.Timeout),
	)
	a.ctrl = coach.New(resilience.GuardDialer(a.dialer, a.breaker), a.emitter,
		coach.WithIdentity(a.identity),
		coach.WithLogger(a.logger),
		coach.WithMetrics(a.metrics),
		coach.WithDialTimeout(a.cfg.Realtime.DialTimeout),
	)
	a.closers = append(a.closers, func(ctx context.Context) error {
		a.ctrl.Disconnect(ctx)
		return waitContext(ctx, a.emitter.Wait)
	})
	return nil
}

func (a *App) initServer(context.Context) error {
	var checkers []health.Checker
	opts := []server.Option{
		server.WithIdentity(a.identity),
		server.WithMetrics(a.metrics),
		server.WithLogger(a.logger),
	}
	if a.store != nil {
		checkers = append(checkers, health.PingChecker("database", a.store))
		opts = append(opts, server.WithMessages(a.store))
	}
	opts = append(opts, server.WithHealth(health.New(checkers)))
	if a.telemetry.Handler != nil {
		opts = append(opts, server.WithMetricsHandler(a.telemetry.Handler))
	}

	a.server = server.New(a.ctrl, opts...)
	a.http = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return nil
}

func (a *App) initWatcher(context.Context) error {
	if a.configPath == "" {
		return nil
	}
	w, err := config.NewWatcher(a.configPath, a.Reload, config.WithWatchLogger(a.logger))
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.watcher = w
	return nil
}

// Controller returns the session controller.
func (a *App) Controller() *coach.Controller { return a.ctrl }

// Handler returns the HTTP handler served by Run.
func (a *App) Handler() http.Handler { return a.http.Handler }

// Run serves HTTP and, when enabled, polls the config file until ctx is
// cancelled. The server is drained before Run returns.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.http.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.http.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := a.http.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("app: http shutdown", "err", err)
		}
		return nil
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	a.logger.Info("app: listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Reload applies a changed configuration. Log level and realtime parameters
// take effect immediately, the latter on the next connect. Other changes are
// logged and wait for a restart.
func (a *App) Reload(old, next *config.Config) {
	d := config.Diff(old, next)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		a.logger.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.RealtimeChanged {
		dialer, err := a.buildDialer(next.Realtime)
		if err != nil {
			a.logger.Error("app: realtime config rejected", "err", err)
		} else {
			a.breaker.Reset()
			a.ctrl.SetDialer(resilience.GuardDialer(dialer, a.breaker))
			a.logger.Info("app: realtime settings apply to the next connection")
		}
	}
	if len(d.RestartRequired) > 0 {
		a.logger.Warn("app: config changes require a restart", "keys", d.RestartRequired)
	}
}

// Shutdown closes the session, waits for pending writes and releases every
// subsystem in reverse order. It respects the context deadline: if ctx
// expires, the remaining closers are skipped and the context error returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("app: shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				a.logger.Warn("app: shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = err
				return
			}
			if err := a.closers[i](ctx); err != nil {
				a.logger.Warn("app: closer error", "index", i, "err", err)
			}
		}
		a.logger.Info("app: shutdown complete")
	})
	return shutdownErr
}

// waitContext runs wait and returns early with ctx's error if it expires.
func waitContext(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
