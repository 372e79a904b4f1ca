// Package source implements the live network audio source: it pulls frames
// from a [receiver.Receiver], classifies loss, aligns device timestamps to the
// pipeline clock and assembles interleaved 16-bit PCM buffers on demand.
//
// A [Source] is driven by a [Host] pipeline through the lifecycle
//
//	Start → Fixate → SetCaps → PreRoll → Create... → Stop
//
// Create is called from one goroutine at a time. Start, Stop and the property
// setters may be called concurrently with an in-flight Create; the source's
// state lock is never held across a network capture, and Stop waits for an
// outstanding capture to return before releasing the receiver.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/ndisrc/internal/observe"
	"github.com/MrWong99/ndisrc/pkg/audio"
	"github.com/MrWong99/ndisrc/pkg/receiver"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// State is the lifecycle state of a [Source].
type State int

const (
	// StateStopped means no receiver is held.
	StateStopped State = iota

	// StateStarted means a receiver is connected but no format is known.
	StateStarted

	// StateNegotiating means the format was fixated from the stream and the
	// host has not yet set caps.
	StateNegotiating

	// StateCapturing means caps are set and Create produces buffers.
	StateCapturing
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarted:
		return "started"
	case StateNegotiating:
		return "negotiating"
	case StateCapturing:
		return "capturing"
	default:
		return "unknown"
	}
}

// LatencyResult answers a latency query.
type LatencyResult struct {
	Live bool
	Min  time.Duration
	Max  time.Duration
}

// SchedulingFlags describe how a source may be scheduled.
type SchedulingFlags int

// SchedulingSequential means data must be read in order.
const SchedulingSequential SchedulingFlags = 1 << 1

// PadMode is a data flow mode.
type PadMode int

const (
	// PadModePush means the source pushes buffers downstream.
	PadModePush PadMode = iota + 1

	// PadModePull means downstream pulls at arbitrary offsets.
	PadModePull
)

// SchedulingResult answers a scheduling query.
type SchedulingResult struct {
	Flags      SchedulingFlags
	MinBuffers int
	MaxBuffers int
	Align      int
	Modes      []PadMode
}

// Option configures a [Source].
type Option func(*Source)

// WithOrigin shares origin between sources. Defaults to [DefaultOrigin].
func WithOrigin(o *Origin) Option {
	return func(s *Source) {
		if o != nil {
			s.origin = o
		}
	}
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Source) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the logger. The source name is added to every record.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSettings replaces the default settings. Invalid loss thresholds are
// ignored.
func WithSettings(st Settings) Option {
	return func(s *Source) {
		if ValidateLossThreshold(st.LossThreshold) != nil {
			st.LossThreshold = DefaultLossThreshold
		}
		s.settings = st
	}
}

// WithPollTimeout overrides the per-attempt capture timeout.
func WithPollTimeout(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.pollTimeout = d
		}
	}
}

// Source is a live audio source reading from one network stream.
type Source struct {
	name        string
	mgr         *receiver.Manager
	host        Host
	origin      *Origin
	metrics     *observe.Metrics
	logger      *slog.Logger
	pollTimeout time.Duration

	// life serialises Start and Stop.
	life sync.Mutex

	// gate is read-held for the blocking span of every capture and
	// write-locked by Stop before the receiver is released.
	gate sync.RWMutex

	mu       sync.Mutex
	settings Settings
	state    State
	handle   receiver.Handle
	info     *AudioInfo
	latency  time.Duration
	offset   uint64
	capture  context.Context
	cancel   context.CancelFunc
}

// New creates a stopped [Source] named name that connects through mgr and
// reports to host.
func New(name string, mgr *receiver.Manager, host Host, opts ...Option) *Source {
	s := &Source{
		name:        name,
		mgr:         mgr,
		host:        host,
		origin:      DefaultOrigin(),
		metrics:     observe.DefaultMetrics(),
		logger:      slog.Default(),
		pollTimeout: pollTimeout,
		settings:    DefaultSettings(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("source", name)
	return s
}

// Name returns the source name.
func (s *Source) Name() string { return s.name }

// State returns the current lifecycle state.
func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle returns the receiver handle, or the zero handle when stopped.
func (s *Source) Handle() receiver.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Start connects to the configured stream. It resets the negotiated format
// and the sample offset. Starting a started source is a no-op.
func (s *Source) Start(ctx context.Context) error {
	s.life.Lock()
	defer s.life.Unlock()

	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return nil
	}
	name, addr := s.settings.StreamName, s.settings.Address
	s.mu.Unlock()

	h, err := s.mgr.Connect(ctx, name, addr)
	if err != nil {
		s.logger.Warn("connect failed", "stream_name", name, "address", addr, "err", err)
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	capture, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.handle = h
	s.state = StateStarted
	s.info = nil
	s.offset = 0
	s.capture, s.cancel = capture, cancel
	s.mu.Unlock()

	s.metrics.ActiveSources.Add(ctx, 1)
	s.logger.Info("source started", "handle", h, "stream_name", name, "address", addr)
	return nil
}

// Stop releases the receiver and clears the negotiated format. A capture in
// progress is interrupted and Stop waits for it to return before the
// receiver is released. Stopping a stopped source is a no-op.
func (s *Source) Stop() error {
	s.life.Lock()
	defer s.life.Unlock()

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	h, cancel := s.handle, s.cancel
	s.state = StateStopped
	s.handle = receiver.Handle{}
	s.info = nil
	s.offset = 0
	s.capture, s.cancel = nil, nil
	s.mu.Unlock()

	cancel()
	s.gate.Lock()
	err := s.mgr.Disconnect(h)
	s.gate.Unlock()

	s.metrics.ActiveSources.Add(context.Background(), -1)
	s.logger.Info("source stopped", "handle", h)
	if err != nil {
		return fmt.Errorf("source: stop: %w", err)
	}
	return nil
}

// SetCaps configures the output format. Only fixed interleaved S16LE caps
// are accepted.
func (s *Source) SetCaps(caps Caps) error {
	info, err := AudioInfoFromCaps(caps)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.info = &info
	s.state = StateCapturing
	s.mu.Unlock()

	s.logger.Debug("configuring for caps", "caps", caps)
	return nil
}

// session is a snapshot of what a capture needs, taken under s.mu.
type session struct {
	entry     *receiver.Entry
	capture   context.Context
	threshold int
	info      *AudioInfo
}

// begin snapshots the capture state. The caller must hold s.gate for reading.
func (s *Source) begin() (session, error) {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return session{}, ErrNotStarted
	}
	h := s.handle
	sess := session{capture: s.capture, threshold: s.settings.LossThreshold, info: s.info}
	s.mu.Unlock()

	e, err := s.mgr.Lookup(h)
	if err != nil {
		return session{}, fmt.Errorf("%w: %w", ErrNotStarted, err)
	}
	sess.entry = e
	return sess, nil
}

// bind returns a context that ends when either ctx or the capture context of
// sess ends.
func bind(ctx context.Context, sess session) (context.Context, context.CancelFunc) {
	cctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(sess.capture, cancel)
	return cctx, func() {
		stop()
		cancel()
	}
}

// interrupted maps a context error from a capture to the source vocabulary.
func interrupted(sess session, err error) error {
	if sess.capture.Err() != nil {
		return fmt.Errorf("%w: stopped during capture", ErrNotStarted)
	}
	return err
}

// waitAudio polls until an audio frame arrives, ignoring loss policy. Every
// received frame is observed so that it can seed the connection origin.
func (s *Source) waitAudio(ctx context.Context, sess session) (*audio.AudioFrame, error) {
	rx := sess.entry.Receiver()
	for {
		p, err := pollAudio(ctx, rx, s.pollTimeout)
		if err != nil {
			return nil, interrupted(sess, err)
		}
		if p.result != resultAudio {
			s.logger.Debug("waiting for audio frame", "reason", p.reason)
			continue
		}
		origin, _ := sess.entry.Observe(p.frame.Timestamp)
		s.logger.Debug("audio frame received",
			"timestamp", p.frame.Timestamp,
			"sample_rate", p.frame.SampleRate,
			"channels", p.frame.Channels,
			"no_samples", p.frame.NoSamples,
			"initial_timestamp", origin,
		)
		return p.frame, nil
	}
}

// Fixate blocks until one audio frame arrives and narrows proposed to its
// sample rate and channel count. The frame's duration becomes the reported
// latency and the host is told the latency changed. Loss policy does not
// apply; the wait ends only with a frame, ctx or [Source.Stop].
func (s *Source) Fixate(ctx context.Context, proposed Caps) (Caps, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	sess, err := s.begin()
	if err != nil {
		return Caps{}, err
	}
	ctx, span := observe.StartSpan(ctx, "source.fixate",
		trace.WithAttributes(attribute.String("source", s.name)))
	defer span.End()
	ctx, cancel := bind(ctx, sess)
	defer cancel()

	f, err := s.waitAudio(ctx, sess)
	if err != nil {
		return Caps{}, err
	}

	latency := time.Duration(int64(time.Second) * int64(f.NoSamples) / int64(f.SampleRate))
	caps := proposed.fixate(f.SampleRate, f.Channels)

	s.mu.Lock()
	s.latency = latency
	if s.state == StateStarted {
		s.state = StateNegotiating
	}
	s.mu.Unlock()

	s.logger.Info("fixated caps", "caps", caps, "latency", latency)
	s.host.PostMessage(Message{Kind: MessageLatency, Source: s.name})
	return caps, nil
}

// PreRoll seeds the connection origin with one audio frame if no frame has
// been observed on the connection yet. It returns early when ctx ends or the
// source is stopped.
func (s *Source) PreRoll(ctx context.Context) error {
	s.gate.RLock()
	defer s.gate.RUnlock()

	sess, err := s.begin()
	if err != nil {
		return err
	}
	if ts := sess.entry.InitialTimestamp(); ts != 0 {
		s.logger.Debug("initial timestamp already set", "initial_timestamp", ts)
		return nil
	}
	ctx, span := observe.StartSpan(ctx, "source.preroll",
		trace.WithAttributes(attribute.String("source", s.name)))
	defer span.End()
	ctx, cancel := bind(ctx, sess)
	defer cancel()

	if _, err := s.waitAudio(ctx, sess); err != nil {
		return err
	}
	s.logger.Debug("setting initial timestamp", "initial_timestamp", sess.entry.InitialTimestamp())
	return nil
}

// Create produces the next buffer. offset and length are accepted for
// interface compatibility and ignored; a live source always returns the next
// frame.
//
// Polls without audio are counted against the loss threshold snapshotted at
// the start of the call: with threshold 0 each one yields an empty buffer;
// with threshold N the call fails with [ErrStreamClosed] on the (N+1)th
// consecutive one. Frames at or before the connection origin are discarded.
func (s *Source) Create(ctx context.Context, offset uint64, length uint32) (*Buffer, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	sess, err := s.begin()
	if err != nil {
		return nil, err
	}
	if sess.info == nil {
		s.postError(ErrorCoreNegotiation, "have no caps yet")
		return nil, ErrNotNegotiated
	}
	ctx, cancel := bind(ctx, sess)
	defer cancel()

	start := time.Now()
	defer func() { s.metrics.RecordCapture(ctx, s.name, time.Since(start)) }()

	rx := sess.entry.Receiver()
	loss := newLossClassifier(sess.threshold)
	for {
		p, err := pollAudio(ctx, rx, s.pollTimeout)
		if err != nil {
			return nil, interrupted(sess, err)
		}

		if p.result != resultAudio {
			s.metrics.RecordFrameLost(ctx, s.name, p.reason)
			switch loss.loss() {
			case lossRetry:
				s.logger.Debug("no audio frame", "reason", p.reason, "failures", loss.failures, "loss_threshold", sess.threshold)
				continue
			case lossEmpty:
				s.logger.Debug("no audio frame received, sending empty buffer", "reason", p.reason)
				s.metrics.RecordEmptyBuffer(ctx, s.name)
				return emptyBuffer(), nil
			default:
				s.logger.Warn("loss threshold exceeded, assuming the sender closed the stream",
					"loss_threshold", sess.threshold, "reason", p.reason, "err", p.err)
				s.metrics.RecordStreamClosed(ctx, s.name)
				s.postError(ErrorResourceRead, "no frame or error received, assuming that the source closed the stream")
				return nil, ErrStreamClosed
			}
		}

		loss.audio()
		origin, usable := sess.entry.Observe(p.frame.Timestamp)
		if !usable {
			s.logger.Debug("frame timestamp not after initial timestamp, skipping",
				"timestamp", p.frame.Timestamp, "initial_timestamp", origin)
			s.metrics.RecordFrameStale(ctx, s.name)
			continue
		}

		buf, err := s.assemble(p.frame, origin)
		if err != nil {
			return nil, err
		}
		s.metrics.RecordBuffer(ctx, s.name, buf.Len())
		s.logger.Debug("produced buffer",
			"pts", buf.PTS, "duration", buf.Duration,
			"offset", buf.Offset, "offset_end", buf.OffsetEnd, "size", buf.Len())
		return buf, nil
	}
}

// assemble converts f into a timestamped buffer and advances the sample
// offset.
func (s *Source) assemble(f *audio.AudioFrame, origin uint64) (*Buffer, error) {
	data := make([]byte, audio.Interleave16Size(f))
	if err := audio.Interleave16(f, data, 0); err != nil {
		return nil, fmt.Errorf("source: convert frame: %w", err)
	}

	start := s.origin.Latch(func() time.Duration {
		return s.host.ClockTime() - s.host.BaseTime()
	})
	pts := time.Duration(f.Timestamp-origin) * audio.TickDuration

	buf := &Buffer{
		Data:     data,
		PTS:      pts + start,
		Duration: f.Duration(),
	}

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: stopped during capture", ErrNotStarted)
	}
	buf.Offset = s.offset
	s.offset += uint64(f.NoSamples)
	buf.OffsetEnd = s.offset
	s.mu.Unlock()

	s.logger.Debug("calculated pts", "timestamp", f.Timestamp, "initial_timestamp", origin, "pts", buf.PTS)
	return buf, nil
}

// QueryLatency reports the latency established by [Source.Fixate]. It
// answers only once caps are negotiated.
func (s *Source) QueryLatency() (LatencyResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info == nil {
		return LatencyResult{}, false
	}
	return LatencyResult{Live: true, Min: s.latency, Max: ClockTimeNone}, true
}

// QueryScheduling reports sequential, push-only scheduling.
func (s *Source) QueryScheduling() SchedulingResult {
	return SchedulingResult{
		Flags:      SchedulingSequential,
		MinBuffers: 1,
		MaxBuffers: -1,
		Align:      0,
		Modes:      []PadMode{PadModePush},
	}
}

func (s *Source) postError(domain ErrorDomain, text string) {
	s.host.PostMessage(Message{Kind: MessageError, Source: s.name, Domain: domain, Text: text})
}

// IsStreamClosed reports whether err means the sender stopped publishing.
func IsStreamClosed(err error) bool { return errors.Is(err, ErrStreamClosed) }
