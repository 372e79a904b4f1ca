// Package wsrecv implements [receiver.Receiver] over a WebSocket connection.
//
// The sender publishes frames as binary WebSocket messages in a fixed
// little-endian format (see [EncodeFrame]). A background goroutine decodes
// incoming messages into a bounded queue; [Receiver.CaptureNext] pops from it
// with a timeout, which gives network receive the same blocking
// "capture with timeout" shape the audio source expects.
package wsrecv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/ndisrc/pkg/audio"
	"github.com/MrWong99/ndisrc/pkg/receiver"
	"github.com/coder/websocket"
)

const (
	defaultPath        = "/stream"
	defaultQueueSize   = 64
	defaultDialTimeout = 5 * time.Second
	readLimit          = headerSize + maxFramePayload*4
)

// ErrClosed is returned by CaptureNext once the receiver has been closed.
var ErrClosed = errors.New("wsrecv: receiver closed")

// Option is a functional option for configuring the [Dialer].
type Option func(*Dialer)

// WithPath sets the WebSocket path on the sender (default "/stream").
func WithPath(path string) Option {
	return func(d *Dialer) {
		if path != "" {
			d.path = path
		}
	}
}

// WithQueueSize sets how many decoded frames are buffered before the oldest
// is dropped (default 64).
func WithQueueSize(n int) Option {
	return func(d *Dialer) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithDialTimeout bounds the WebSocket handshake (default 5s).
func WithDialTimeout(t time.Duration) Option {
	return func(d *Dialer) {
		if t > 0 {
			d.dialTimeout = t
		}
	}
}

// WithScheme selects "ws" (default) or "wss".
func WithScheme(scheme string) Option {
	return func(d *Dialer) {
		if scheme != "" {
			d.scheme = scheme
		}
	}
}

// Dialer opens WebSocket receivers. It implements [receiver.Dialer].
type Dialer struct {
	scheme      string
	path        string
	queueSize   int
	dialTimeout time.Duration
}

// NewDialer creates a [Dialer].
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		scheme:      "ws",
		path:        defaultPath,
		queueSize:   defaultQueueSize,
		dialTimeout: defaultDialTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

var _ receiver.Dialer = (*Dialer)(nil)

// Dial connects to the sender at address and subscribes to streamName.
func (d *Dialer) Dial(ctx context.Context, streamName, address string) (receiver.Receiver, error) {
	if address == "" {
		return nil, errors.New("wsrecv: address must not be empty")
	}
	u := d.buildURL(streamName, address)

	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("wsrecv: dial %s: %w", u, err)
	}
	conn.SetReadLimit(readLimit)

	readCtx, readCancel := context.WithCancel(context.Background())
	r := &Receiver{
		conn:   conn,
		frames: make(chan audio.Frame, d.queueSize),
		done:   make(chan struct{}),
		cancel: readCancel,
		logger: slog.Default().With("stream_name", streamName, "address", address),
	}
	go r.readLoop(readCtx)
	return r, nil
}

func (d *Dialer) buildURL(streamName, address string) string {
	u := url.URL{Scheme: d.scheme, Host: address, Path: d.path}
	q := u.Query()
	q.Set("stream", streamName)
	u.RawQuery = q.Encode()
	return u.String()
}

// Receiver is a live WebSocket receive session. It implements
// [receiver.Receiver].
type Receiver struct {
	conn   *websocket.Conn
	frames chan audio.Frame
	logger *slog.Logger

	done      chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once
	closing   atomic.Bool

	mu      sync.Mutex
	readErr error
	dropped uint64
}

var _ receiver.Receiver = (*Receiver)(nil)

// CaptureNext implements [receiver.Receiver]. Queued frames are returned even
// after the connection dropped; once the queue is drained a dropped
// connection is reported as an error on every call. Such a call still blocks
// for the full timeout so that callers keep their polling cadence.
func (r *Receiver) CaptureNext(ctx context.Context, timeout time.Duration) (audio.Frame, error) {
	select {
	case f := <-r.frames:
		return f, nil
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case f := <-r.frames:
		return f, nil
	case <-r.done:
		select {
		case f := <-r.frames:
			return f, nil
		default:
		}
		select {
		case <-ctx.Done():
			return audio.Frame{}, ctx.Err()
		case <-t.C:
		}
		return audio.Frame{Kind: audio.KindError}, r.err()
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	case <-t.C:
		return audio.Frame{Kind: audio.KindNone}, nil
	}
}

// Dropped returns how many frames were discarded because the queue was full.
func (r *Receiver) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close implements [receiver.Receiver]. It is safe to call more than once.
func (r *Receiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.closing.Store(true)
		select {
		case <-r.done:
			// The connection is already gone.
			r.cancel()
			_ = r.conn.CloseNow()
			return
		default:
		}
		err = r.conn.Close(websocket.StatusNormalClosure, "receiver closed")
		r.cancel()
		<-r.done
	})
	return err
}

func (r *Receiver) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readErr == nil {
		return ErrClosed
	}
	return r.readErr
}

// readLoop decodes incoming messages until the connection ends.
func (r *Receiver) readLoop(ctx context.Context) {
	defer close(r.done)
	for {
		typ, msg, err := r.conn.Read(ctx)
		if err != nil {
			closing := r.closing.Load() || ctx.Err() != nil
			r.mu.Lock()
			if closing {
				r.readErr = ErrClosed
			} else {
				r.readErr = fmt.Errorf("wsrecv: read: %w", err)
			}
			r.mu.Unlock()
			if !closing {
				r.logger.Warn("wsrecv: connection lost", "err", err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		f, err := DecodeFrame(msg)
		if err != nil {
			r.logger.Debug("wsrecv: dropping malformed message", "err", err)
			continue
		}
		r.enqueue(f)
	}
}

// enqueue adds f to the queue, discarding the oldest frame when full so that
// a slow consumer sees recent audio rather than an ever-growing backlog.
func (r *Receiver) enqueue(f audio.Frame) {
	for {
		select {
		case r.frames <- f:
			return
		default:
		}
		select {
		case <-r.frames:
			r.mu.Lock()
			r.dropped++
			r.mu.Unlock()
		default:
		}
	}
}
