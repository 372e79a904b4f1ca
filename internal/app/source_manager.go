package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/ndisrc/internal/config"
	"github.com/MrWong99/ndisrc/internal/observe"
	"github.com/MrWong99/ndisrc/internal/pipeline"
	"github.com/MrWong99/ndisrc/internal/source"
	"github.com/MrWong99/ndisrc/pkg/receiver"
)

// ErrSourceExists is returned by [SourceManager.Start] for a name that is
// already running.
var ErrSourceExists = errors.New("app: source already running")

// ErrUnknownSource is returned for names the manager does not know.
var ErrUnknownSource = errors.New("app: unknown source")

// SinkFactory builds the sink of one source.
type SinkFactory func(config.SourceConfig) (pipeline.Sink, error)

// DefaultSinkFactory builds a WAV sink for "wav" and a discard sink
// otherwise.
func DefaultSinkFactory(sc config.SourceConfig) (pipeline.Sink, error) {
	switch sc.Sink.Type {
	case config.SinkWAV:
		return pipeline.NewWAVSink(sc.Sink.Path), nil
	case config.SinkDiscard, "":
		return &pipeline.DiscardSink{}, nil
	default:
		return nil, fmt.Errorf("app: unknown sink type %q", sc.Sink.Type)
	}
}

// SourceInfo holds metadata about a running source.
type SourceInfo struct {
	Name          string    `json:"name"`
	RunnerID      string    `json:"runner_id"`
	StreamName    string    `json:"stream_name"`
	Address       string    `json:"address"`
	State         string    `json:"state"`
	Running       bool      `json:"running"`
	Runs          int       `json:"runs"`
	Buffers       int64     `json:"buffers"`
	EmptyBuffers  int64     `json:"empty_buffers"`
	LossThreshold int       `json:"loss_threshold"`
	LastError     string    `json:"last_error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
}

// SourceManagerConfig holds all dependencies for a [SourceManager].
type SourceManagerConfig struct {
	Manager     *receiver.Manager
	Origin      *source.Origin
	Clock       *pipeline.Clock
	Metrics     *observe.Metrics
	NewSink     SinkFactory
	PollTimeout time.Duration
}

type managedSource struct {
	cfg    config.SourceConfig
	runner *pipeline.Runner
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// SourceManager manages the lifecycle of source runners. Each source runs in
// its own goroutine until it is stopped or its runner gives up.
// All exported methods are safe for concurrent use.
type SourceManager struct {
	deps SourceManagerConfig

	mu      sync.Mutex
	sources map[string]*managedSource
}

// NewSourceManager creates a SourceManager with the given dependencies.
func NewSourceManager(cfg SourceManagerConfig) *SourceManager {
	if cfg.NewSink == nil {
		cfg.NewSink = DefaultSinkFactory
	}
	if cfg.Clock == nil {
		cfg.Clock = pipeline.NewClock()
	}
	return &SourceManager{
		deps:    cfg,
		sources: make(map[string]*managedSource),
	}
}

// Start builds a runner for sc and runs it in the background. The runner
// keeps ctx's values but not its cancellation; use [SourceManager.Stop].
func (sm *SourceManager) Start(ctx context.Context, sc config.SourceConfig) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.sources[sc.Name]; ok {
		return fmt.Errorf("%w: %q", ErrSourceExists, sc.Name)
	}

	sink, err := sm.deps.NewSink(sc)
	if err != nil {
		return fmt.Errorf("app: source %q: %w", sc.Name, err)
	}
	runner, err := pipeline.NewRunner(pipeline.Config{
		Name:           sc.Name,
		Settings:       sc.Settings(),
		PrerollTimeout: sc.PrerollTimeout,
		Restart: pipeline.RestartPolicy{
			MaxRetries: sc.Restart.MaxRetries,
			Backoff:    sc.Restart.Backoff,
			MaxBackoff: sc.Restart.MaxBackoff,
		},
		Manager:     sm.deps.Manager,
		Sink:        sink,
		Clock:       sm.deps.Clock,
		Origin:      sm.deps.Origin,
		Metrics:     sm.deps.Metrics,
		PollTimeout: sm.deps.PollTimeout,
	})
	if err != nil {
		_ = sink.Close()
		return fmt.Errorf("app: source %q: %w", sc.Name, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ms := &managedSource{
		cfg:    sc,
		runner: runner,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	sm.sources[sc.Name] = ms

	go func() {
		defer close(ms.done)
		err := runner.Run(runCtx)
		if err != nil {
			slog.Error("source runner stopped with error", "source", sc.Name, "err", err)
		} else {
			slog.Info("source runner finished", "source", sc.Name)
		}
		sm.mu.Lock()
		ms.err = err
		sm.mu.Unlock()
	}()

	slog.Info("source started",
		"source", sc.Name,
		"runner_id", runner.ID(),
		"stream_name", sc.StreamName,
		"address", sc.Address,
		"sink", cmp.Or(string(sc.Sink.Type), string(config.SinkDiscard)),
	)
	return nil
}

// Stop cancels the named source and waits for its runner to return or ctx to
// expire. The source is forgotten either way.
func (sm *SourceManager) Stop(ctx context.Context, name string) error {
	sm.mu.Lock()
	ms, ok := sm.sources[name]
	if ok {
		delete(sm.sources, name)
	}
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}

	ms.cancel()
	select {
	case <-ms.done:
	case <-ctx.Done():
		return fmt.Errorf("app: stop source %q: %w", name, ctx.Err())
	}
	slog.Info("source stopped", "source", name)
	return nil
}

// Restart stops the named source and starts it again with sc.
func (sm *SourceManager) Restart(ctx context.Context, sc config.SourceConfig) error {
	if err := sm.Stop(ctx, sc.Name); err != nil && !errors.Is(err, ErrUnknownSource) {
		return err
	}
	return sm.Start(ctx, sc)
}

// StopAll stops every source. It returns the joined errors of sources that
// did not stop before ctx expired.
func (sm *SourceManager) StopAll(ctx context.Context) error {
	var errs []error
	for _, name := range sm.Names() {
		if err := sm.Stop(ctx, name); err != nil && !errors.Is(err, ErrUnknownSource) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetLossThreshold changes the loss threshold of a running source.
func (sm *SourceManager) SetLossThreshold(name string, n int) error {
	sm.mu.Lock()
	ms, ok := sm.sources[name]
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	if err := ms.runner.ApplyLossThreshold(n); err != nil {
		return err
	}
	sm.mu.Lock()
	ms.cfg.LossThreshold = &n
	sm.mu.Unlock()
	return nil
}

// Names returns the managed source names in sorted order.
func (sm *SourceManager) Names() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	names := make([]string, 0, len(sm.sources))
	for n := range sm.sources {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Runner returns the runner of the named source, or nil.
func (sm *SourceManager) Runner(name string) *pipeline.Runner {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if ms, ok := sm.sources[name]; ok {
		return ms.runner
	}
	return nil
}

// Ready reports per source whether it is capturing.
func (sm *SourceManager) Ready() map[string]bool {
	sm.mu.Lock()
	runners := make(map[string]*pipeline.Runner, len(sm.sources))
	for n, ms := range sm.sources {
		runners[n] = ms.runner
	}
	sm.mu.Unlock()

	out := make(map[string]bool, len(runners))
	for n, r := range runners {
		out[n] = r.Ready()
	}
	return out
}

// Info returns a snapshot of all sources sorted by name.
func (sm *SourceManager) Info() []SourceInfo {
	sm.mu.Lock()
	type entry struct {
		cfg    config.SourceConfig
		runner *pipeline.Runner
		err    error
	}
	entries := make([]entry, 0, len(sm.sources))
	for _, ms := range sm.sources {
		entries = append(entries, entry{cfg: ms.cfg, runner: ms.runner, err: ms.err})
	}
	sm.mu.Unlock()

	out := make([]SourceInfo, 0, len(entries))
	for _, e := range entries {
		st := e.runner.Status()
		info := SourceInfo{
			Name:          e.cfg.Name,
			RunnerID:      st.ID,
			StreamName:    e.cfg.StreamName,
			Address:       e.cfg.Address,
			State:         st.State.String(),
			Running:       st.Running,
			Runs:          st.Runs,
			Buffers:       st.Buffers,
			EmptyBuffers:  st.EmptyBuffers,
			LossThreshold: e.runner.Source().LossThreshold(),
			LastError:     st.LastError,
			StartedAt:     st.StartedAt,
		}
		if e.err != nil {
			info.LastError = e.err.Error()
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b SourceInfo) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Wait blocks until every source that is currently managed has returned
// from its runner or ctx ends.
func (sm *SourceManager) Wait(ctx context.Context) error {
	sm.mu.Lock()
	dones := make([]chan struct{}, 0, len(sm.sources))
	for _, ms := range sm.sources {
		dones = append(dones, ms.done)
	}
	sm.mu.Unlock()

	for _, d := range dones {
		select {
		case <-d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
