package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/ndisrc/internal/source"
	"github.com/MrWong99/ndisrc/pkg/audio"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrFormatChanged is returned by [Sink.Configure] when a sink that already
// received audio is configured with a different format.
var ErrFormatChanged = errors.New("pipeline: sink format changed")

// ErrSinkClosed is returned by writes after Close.
var ErrSinkClosed = errors.New("pipeline: sink closed")

// Sink consumes the buffers of one source.
//
// Configure is called after every successful negotiation, so a restarted
// source configures its sink again; the same format must be accepted.
// Zero-length keepalive buffers are passed to Write and may be ignored.
type Sink interface {
	Configure(info source.AudioInfo) error
	Write(buf *source.Buffer) error
	Close() error
}

// ─── Discard ─────────────────────────────────────────────────────────────────

// DiscardSink drops all audio and counts what it received.
type DiscardSink struct {
	buffers atomic.Int64
	empty   atomic.Int64
	bytes   atomic.Int64
}

// Configure implements [Sink].
func (d *DiscardSink) Configure(source.AudioInfo) error { return nil }

// Write implements [Sink].
func (d *DiscardSink) Write(buf *source.Buffer) error {
	if buf.Empty() {
		d.empty.Add(1)
		return nil
	}
	d.buffers.Add(1)
	d.bytes.Add(int64(buf.Len()))
	return nil
}

// Close implements [Sink].
func (d *DiscardSink) Close() error { return nil }

// Buffers returns the number of non-empty buffers written.
func (d *DiscardSink) Buffers() int64 { return d.buffers.Load() }

// EmptyBuffers returns the number of keepalive buffers written.
func (d *DiscardSink) EmptyBuffers() int64 { return d.empty.Load() }

// Bytes returns the total payload bytes written.
func (d *DiscardSink) Bytes() int64 { return d.bytes.Load() }

// ─── WAV ─────────────────────────────────────────────────────────────────────

// WAVSink writes 16-bit PCM to a WAV file. The file is created on the first
// Configure and is only a valid WAV file once Close returned.
type WAVSink struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	info    *source.AudioInfo
	f       *os.File
	enc     *wav.Encoder
	format  *goaudio.Format
	samples int64
	closed  bool
}

// NewWAVSink returns a sink writing to path.
func NewWAVSink(path string) *WAVSink {
	return &WAVSink{
		path:   path,
		logger: slog.Default().With("path", path),
	}
}

// Configure implements [Sink]. The first call creates the file; later calls
// must carry the same format.
func (w *WAVSink) Configure(info source.AudioInfo) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrSinkClosed
	}
	if w.info != nil {
		if w.info.Rate != info.Rate || w.info.Channels != info.Channels {
			return fmt.Errorf("%w: file has %d Hz/%d ch, stream has %d Hz/%d ch",
				ErrFormatChanged, w.info.Rate, w.info.Channels, info.Rate, info.Channels)
		}
		return nil
	}

	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("pipeline: create wav file: %w", err)
	}
	w.f = f
	w.enc = wav.NewEncoder(f, info.Rate, 16, info.Channels, 1)
	w.format = &goaudio.Format{SampleRate: info.Rate, NumChannels: info.Channels}
	w.info = &info

	w.logger.Debug("opened wav file", "sample_rate", info.Rate, "channels", info.Channels)
	return nil
}

// Write implements [Sink]. Empty buffers are skipped.
func (w *WAVSink) Write(buf *source.Buffer) error {
	if buf.Empty() {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrSinkClosed
	}
	if w.enc == nil {
		return fmt.Errorf("pipeline: wav sink written before configure")
	}

	pcm := audio.BytesToInt16s(buf.Data)
	ib := &goaudio.IntBuffer{
		Format:         w.format,
		Data:           make([]int, len(pcm)),
		SourceBitDepth: 16,
	}
	for i, s := range pcm {
		ib.Data[i] = int(s)
	}
	if err := w.enc.Write(ib); err != nil {
		return fmt.Errorf("pipeline: write wav: %w", err)
	}
	w.samples += int64(len(pcm) / w.info.Channels)
	return nil
}

// Samples returns the number of samples per channel written so far.
func (w *WAVSink) Samples() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.samples
}

// Close implements [Sink]. It finalises the WAV header. Safe to call more
// than once.
func (w *WAVSink) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if w.enc == nil {
		return nil
	}

	var errs []error
	if err := w.enc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: finalise wav: %w", err))
	}
	if err := w.f.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := w.f.Close(); err != nil {
		errs = append(errs, err)
	}
	w.logger.Info("closed wav file", "samples", w.samples)
	return errors.Join(errs...)
}
