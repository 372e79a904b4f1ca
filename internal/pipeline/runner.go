// Package pipeline drives a [source.Source] the way a media pipeline would:
// it negotiates caps, pre-rolls, pulls buffers in a loop and hands them to a
// [Sink], restarting the source with exponential backoff when the sender goes
// away.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/ndisrc/internal/observe"
	"github.com/MrWong99/ndisrc/internal/source"
	"github.com/MrWong99/ndisrc/pkg/receiver"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultPrerollTimeout bounds negotiation and pre-roll of a single run.
const DefaultPrerollTimeout = 10 * time.Second

// errSink marks failures of the sink. They are not retried.
var errSink = errors.New("pipeline: sink")

// Clock is a monotonic pipeline clock shared by all runners of a process.
type Clock struct {
	epoch time.Time
}

// NewClock returns a clock starting at zero now.
func NewClock() *Clock { return &Clock{epoch: time.Now()} }

// Now returns the time elapsed since the clock was created.
func (c *Clock) Now() time.Duration { return time.Since(c.epoch) }

// Config configures a [Runner].
type Config struct {
	// Name identifies the source in logs and metrics. Required.
	Name string

	// Settings are the initial source properties.
	Settings source.Settings

	// PrerollTimeout bounds Fixate and PreRoll of each run. Defaults to
	// [DefaultPrerollTimeout] if zero.
	PrerollTimeout time.Duration

	// Restart controls restarts after the stream closed.
	Restart RestartPolicy

	// Manager connects receivers. Required.
	Manager *receiver.Manager

	// Sink receives the buffers. Required. The runner closes it when Run
	// returns.
	Sink Sink

	// Clock is the pipeline clock. A private clock is used if nil.
	Clock *Clock

	// Origin is shared with other runners of the same process. Defaults to
	// [source.DefaultOrigin].
	Origin *source.Origin

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// PollTimeout overrides the per-attempt capture timeout of the source.
	PollTimeout time.Duration

	// OnMessage is called for every message the source posts. It must not
	// block. May be nil.
	OnMessage func(source.Message)
}

// Status is a point-in-time snapshot of a [Runner].
type Status struct {
	ID           string
	Name         string
	State        source.State
	Running      bool
	Runs         int
	Buffers      int64
	EmptyBuffers int64
	LastError    string
	StartedAt    time.Time
}

// Runner runs one source into one sink. It implements [source.Host].
type Runner struct {
	id        string
	cfg       Config
	clock     *Clock
	src       *source.Source
	logger    *slog.Logger
	onMessage func(source.Message)

	mu        sync.Mutex
	base      time.Duration
	running   bool
	runs      int
	buffers   int64
	empty     int64
	lastErr   error
	startedAt time.Time
}

// NewRunner validates cfg and creates a [Runner].
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Name == "" {
		return nil, errors.New("pipeline: runner name is required")
	}
	if cfg.Manager == nil {
		return nil, errors.New("pipeline: receiver manager is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("pipeline: sink is required")
	}
	if err := source.ValidateLossThreshold(cfg.Settings.LossThreshold); err != nil {
		return nil, err
	}
	if cfg.PrerollTimeout <= 0 {
		cfg.PrerollTimeout = DefaultPrerollTimeout
	}
	cfg.Restart = cfg.Restart.withDefaults()
	if cfg.Clock == nil {
		cfg.Clock = NewClock()
	}

	r := &Runner{
		id:        uuid.New().String(),
		cfg:       cfg,
		clock:     cfg.Clock,
		onMessage: cfg.OnMessage,
	}
	r.logger = slog.Default().With("source", cfg.Name, "runner_id", r.id)

	opts := []source.Option{
		source.WithSettings(cfg.Settings),
		source.WithOrigin(cfg.Origin),
		source.WithMetrics(cfg.Metrics),
		source.WithLogger(slog.Default().With("runner_id", r.id)),
	}
	if cfg.PollTimeout > 0 {
		opts = append(opts, source.WithPollTimeout(cfg.PollTimeout))
	}
	r.src = source.New(cfg.Name, cfg.Manager, r, opts...)
	return r, nil
}

// ID returns the unique runner id.
func (r *Runner) ID() string { return r.id }

// Name returns the source name.
func (r *Runner) Name() string { return r.cfg.Name }

// Source returns the driven source.
func (r *Runner) Source() *source.Source { return r.src }

// ClockTime implements [source.Host].
func (r *Runner) ClockTime() time.Duration { return r.clock.Now() }

// BaseTime implements [source.Host]. It is the clock time at which the
// current run started playing, or zero before that.
func (r *Runner) BaseTime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.base
}

// PostMessage implements [source.Host].
func (r *Runner) PostMessage(m source.Message) {
	switch m.Kind {
	case source.MessageLatency:
		if lat, ok := r.src.QueryLatency(); ok {
			r.logger.Debug("latency changed", "min_latency", lat.Min, "live", lat.Live)
		} else {
			r.logger.Debug("latency changed")
		}
	case source.MessageError:
		r.logger.Warn("source error", "domain", m.Domain, "text", m.Text)
	}
	if r.onMessage != nil {
		r.onMessage(m)
	}
}

// ApplyLossThreshold changes the loss threshold of the running source.
func (r *Runner) ApplyLossThreshold(n int) error {
	return r.src.SetLossThreshold(n)
}

// Ready reports whether the source is currently producing buffers.
func (r *Runner) Ready() bool {
	return r.src.State() == source.StateCapturing
}

// Status returns a snapshot of the runner.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		ID:           r.id,
		Name:         r.cfg.Name,
		State:        r.src.State(),
		Running:      r.running,
		Runs:         r.runs,
		Buffers:      r.buffers,
		EmptyBuffers: r.empty,
		StartedAt:    r.startedAt,
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}

// Run drives the source until ctx is cancelled, the restart policy is
// exhausted or the sink fails. When the policy is exhausted after the sender
// closed the stream Run returns nil. The sink is closed before Run returns.
func (r *Runner) Run(ctx context.Context) (err error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("pipeline: runner already running")
	}
	r.running = true
	r.startedAt = time.Now()
	r.mu.Unlock()

	defer func() {
		if cerr := r.cfg.Sink.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("pipeline: close sink: %w", cerr))
		}
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	policy := r.cfg.Restart
	attempt := 0
	for {
		produced, runErr := r.runOnce(ctx)
		r.setLastError(runErr)

		if ctx.Err() != nil {
			r.logger.Info("runner stopped")
			return nil
		}
		if errors.Is(runErr, errSink) {
			r.logger.Error("sink failed, giving up", "err", runErr)
			return runErr
		}
		if produced > 0 {
			attempt = 0
		}

		attempt++
		if attempt > policy.MaxRetries {
			if source.IsStreamClosed(runErr) {
				r.logger.Info("end of stream", "restarts", attempt-1)
				return nil
			}
			r.logger.Error("giving up on source", "attempts", attempt, "err", runErr)
			return fmt.Errorf("pipeline: %s: %w", r.cfg.Name, runErr)
		}

		wait := policy.backoff(attempt)
		r.logger.Info("restarting source",
			"attempt", attempt,
			"max_retries", policy.MaxRetries,
			"backoff", wait,
			"err", runErr,
		)
		if !sleep(ctx, wait) {
			r.logger.Info("runner stopped")
			return nil
		}
	}
}

// runOnce performs one Start → Stop cycle and returns the number of non-empty
// buffers it delivered.
func (r *Runner) runOnce(ctx context.Context) (produced int64, err error) {
	r.mu.Lock()
	r.runs++
	r.base = 0
	r.mu.Unlock()

	if err := r.src.Start(ctx); err != nil {
		return 0, err
	}
	defer func() {
		if serr := r.src.Stop(); serr != nil {
			r.logger.Warn("stop source", "err", serr)
		}
	}()

	// One span covers negotiation and pre-roll; ending it twice is a no-op.
	nctx, span := observe.StartSpan(ctx, "pipeline.negotiate",
		trace.WithAttributes(attribute.String("source", r.cfg.Name), attribute.String("runner_id", r.id)))
	defer span.End()

	fctx, cancel := context.WithTimeout(nctx, r.cfg.PrerollTimeout)
	caps, err := r.src.Fixate(fctx, source.TemplateCaps())
	cancel()
	if err != nil {
		return 0, fmt.Errorf("pipeline: negotiate: %w", err)
	}
	if err := r.src.SetCaps(caps); err != nil {
		return 0, fmt.Errorf("pipeline: set caps: %w", err)
	}
	info, err := source.AudioInfoFromCaps(caps)
	if err != nil {
		return 0, fmt.Errorf("pipeline: set caps: %w", err)
	}
	if err := r.cfg.Sink.Configure(info); err != nil {
		return 0, fmt.Errorf("%w: configure: %w", errSink, err)
	}

	pctx, cancel := context.WithTimeout(nctx, r.cfg.PrerollTimeout)
	err = r.src.PreRoll(pctx)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("pipeline: preroll: %w", err)
	}

	r.mu.Lock()
	r.base = r.clock.Now()
	r.mu.Unlock()

	if lat, ok := r.src.QueryLatency(); ok {
		observe.SourceLogger(nctx, r.cfg.Name).Info("playing",
			"runner_id", r.id, "caps", caps, "min_latency", lat.Min)
	}
	span.End()

	for {
		buf, err := r.src.Create(ctx, source.OffsetNone, 0)
		switch source.FlowOf(err) {
		case source.FlowOK:
		case source.FlowFlushing:
			return produced, err
		default:
			r.logger.Debug("create failed", "flow", source.FlowOf(err), "err", err)
			return produced, err
		}

		if err := r.cfg.Sink.Write(buf); err != nil {
			return produced, fmt.Errorf("%w: write: %w", errSink, err)
		}
		r.mu.Lock()
		if buf.Empty() {
			r.empty++
		} else {
			r.buffers++
			produced++
		}
		r.mu.Unlock()
	}
}

func (r *Runner) setLastError(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}
