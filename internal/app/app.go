// Package app wires all ndisrc subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the receiver manager,
// the shared pipeline clock and origin, the source manager and the HTTP
// surface; Run starts every configured source and serves metrics and health
// until the context ends; Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithDialer,
// WithSinkFactory, WithMetrics). When an option is not provided, New creates
// real implementations from the config.
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

	"github.com/MrWong99/ndisrc/internal/config"
	"github.com/MrWong99/ndisrc/internal/health"
	"github.com/MrWong99/ndisrc/internal/observe"
	"github.com/MrWong99/ndisrc/internal/pipeline"
	"github.com/MrWong99/ndisrc/internal/source"
	"github.com/MrWong99/ndisrc/pkg/receiver"
	"github.com/MrWong99/ndisrc/pkg/receiver/wsrecv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// readHeaderTimeout bounds slow HTTP clients on the metrics server.
const readHeaderTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfgMu sync.Mutex
	cfg   *config.Config

	registry    *config.Registry
	dialer      receiver.Dialer
	metrics     *observe.Metrics
	level       *slog.LevelVar
	newSink     SinkFactory
	pollTimeout time.Duration

	// Subsystems, initialised in New and torn down in Shutdown.
	receivers *receiver.Manager
	origin    *source.Origin
	clock     *pipeline.Clock
	sources   *SourceManager
	handler   http.Handler

	srvMu    sync.Mutex
	server   *http.Server
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDialer injects a receiver dialer instead of creating one from the
// registry.
func WithDialer(d receiver.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithRegistry replaces [DefaultRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics injects metric instruments instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets hot reload change the log level of the handler built
// around lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithSinkFactory replaces [DefaultSinkFactory].
func WithSinkFactory(f SinkFactory) Option {
	return func(a *App) { a.newSink = f }
}

// WithPollTimeout overrides the per-attempt capture timeout of all sources.
func WithPollTimeout(d time.Duration) Option {
	return func(a *App) { a.pollTimeout = d }
}

// DefaultRegistry returns a registry with the built-in receiver types.
func DefaultRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterDialer("websocket", func(rc config.ReceiverConfig) (receiver.Dialer, error) {
		return wsrecv.NewDialer(
			wsrecv.WithScheme(rc.Scheme),
			wsrecv.WithPath(rc.Path),
			wsrecv.WithDialTimeout(rc.DialTimeout),
			wsrecv.WithQueueSize(rc.QueueSize),
		), nil
	})
	return reg
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Sources are not
// started until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.registry == nil {
		a.registry = DefaultRegistry()
	}
	if a.level != nil {
		a.level.Set(slogLevel(cfg.Server.LogLevel))
	}

	// ── 1. Receiver dialer ───────────────────────────────────────────────
	if a.dialer == nil {
		d, err := a.registry.CreateDialer(cfg.Receiver)
		if err != nil {
			return nil, fmt.Errorf("app: init receiver: %w", err)
		}
		a.dialer = d
	}

	// ── 2. Receiver manager ──────────────────────────────────────────────
	a.receivers = receiver.NewManager(a.dialer,
		receiver.WithOpenHook(func(delta int) {
			a.metrics.ActiveReceivers.Add(context.Background(), int64(delta))
		}),
	)
	a.closers = append(a.closers, a.receivers.Close)

	// ── 3. Shared clock and origin ───────────────────────────────────────
	a.clock = pipeline.NewClock()
	a.origin = source.NewOrigin()

	// ── 4. Sources ───────────────────────────────────────────────────────
	a.sources = NewSourceManager(SourceManagerConfig{
		Manager:     a.receivers,
		Origin:      a.origin,
		Clock:       a.clock,
		Metrics:     a.metrics,
		NewSink:     a.newSink,
		PollTimeout: a.pollTimeout,
	})

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(health.SourcesChecker(a.sources.Ready)).
		WithStatus(func() any { return a.sources.Info() }).
		Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.handler = observe.Middleware(a.metrics)(mux)

	slog.Info("application initialised",
		"receiver", cfg.ReceiverType(),
		"sources", len(cfg.Sources),
		"listen_addr", cfg.Server.ListenAddr,
	)
	return a, nil
}

// Handler returns the HTTP handler serving /healthz, /readyz, /statusz and
// /metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Sources returns the source manager.
func (a *App) Sources() *SourceManager { return a.sources }

// Receivers returns the receiver manager.
func (a *App) Receivers() *receiver.Manager { return a.receivers }

// Config returns the config currently applied.
func (a *App) Config() *config.Config {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	return a.cfg
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts all configured sources and the HTTP server, then blocks until
// ctx is cancelled. Sources are stopped before Run returns.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config()
	for _, sc := range cfg.Sources {
		if err := a.sources.Start(ctx, sc); err != nil {
			_ = a.sources.StopAll(context.Background())
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.ListenAddr != "" {
		ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
		if err != nil {
			_ = a.sources.StopAll(context.Background())
			return fmt.Errorf("app: listen %s: %w", cfg.Server.ListenAddr, err)
		}
		srv := &http.Server{Handler: a.handler, ReadHeaderTimeout: readHeaderTimeout}
		a.srvMu.Lock()
		a.server, a.listener = srv, ln
		a.srvMu.Unlock()
		slog.Info("http server listening", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.sources.StopAll(sctx)
	})

	return g.Wait()
}

// Addr returns the address the HTTP server listens on, or "" before Run.
func (a *App) Addr() string {
	a.srvMu.Lock()
	defer a.srvMu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the difference between the current config and next.
// Log level and loss thresholds change live; sources whose endpoint, sink or
// restart policy changed are restarted; added and removed sources are started
// and stopped. Receiver and listen address changes need a process restart
// and are only logged.
func (a *App) ApplyConfig(ctx context.Context, next *config.Config) error {
	a.cfgMu.Lock()
	old := a.cfg
	a.cfg = next
	a.cfgMu.Unlock()

	d := config.Diff(old, next)
	var errs []error

	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(slogLevel(d.NewLogLevel))
		}
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ReceiverChanged {
		slog.Warn("receiver config changed; restart the process to apply")
	}
	if d.ListenAddrChanged {
		slog.Warn("server.listen_addr changed; restart the process to apply",
			"old", old.Server.ListenAddr, "new", next.Server.ListenAddr)
	}

	for _, sd := range d.SourceChanges {
		switch {
		case sd.Removed:
			if err := a.sources.Stop(ctx, sd.Name); err != nil && !errors.Is(err, ErrUnknownSource) {
				errs = append(errs, err)
			}
		case sd.Added:
			if err := a.sources.Start(ctx, *next.Source(sd.Name)); err != nil {
				errs = append(errs, err)
			}
		case !sd.Live():
			slog.Info("source config changed, restarting",
				"source", sd.Name,
				"endpoint_changed", sd.EndpointChanged,
				"sink_changed", sd.SinkChanged,
				"restart_changed", sd.RestartChanged,
				"preroll_changed", sd.PrerollChanged,
			)
			if err := a.sources.Restart(ctx, *next.Source(sd.Name)); err != nil {
				errs = append(errs, err)
			}
		case sd.LossThresholdChanged:
			if err := a.sources.SetLossThreshold(sd.Name, sd.NewLossThreshold); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops all sources and tears down all subsystems. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sources", len(a.sources.Names()), "closers", len(a.closers))

		if err := a.sources.StopAll(ctx); err != nil {
			slog.Warn("stop sources error", "err", err)
		}

		a.srvMu.Lock()
		srv := a.server
		a.srvMu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// slogLevel converts a config.LogLevel to slog.Level. Unknown and empty
// levels map to Info.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
