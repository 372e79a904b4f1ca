// Package mock provides in-memory mock implementations of the
// [receiver.Receiver] and [receiver.Dialer] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	rx := &mock.Receiver{}
//	rx.Push(mock.None(), mock.Error(), mock.Audio(1000, 48000, 2, 480))
//	dialer := &mock.Dialer{DialResult: rx}
//	mgr := receiver.NewManager(dialer)
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/ndisrc/pkg/audio"
	"github.com/MrWong99/ndisrc/pkg/receiver"
)

// ErrCapture is the error returned for scripted error results.
var ErrCapture = errors.New("mock: capture error")

// ErrClosed is returned by CaptureNext after Close.
var ErrClosed = errors.New("mock: receiver closed")

// Result is one scripted outcome of [Receiver.CaptureNext].
type Result struct {
	Frame audio.Frame
	Err   error
}

// None returns a scripted "no frame before timeout" result.
func None() Result { return Result{Frame: audio.Frame{Kind: audio.KindNone}} }

// Error returns a scripted capture error result.
func Error() Result { return Result{Frame: audio.Frame{Kind: audio.KindError}, Err: ErrCapture} }

// Video returns a scripted video frame result.
func Video() Result { return Result{Frame: audio.Frame{Kind: audio.KindVideo}} }

// Audio returns a scripted audio frame with a silent payload of the given shape.
func Audio(ts uint64, rate, channels, samples int) Result {
	return Result{Frame: audio.Frame{
		Kind: audio.KindAudio,
		Audio: &audio.AudioFrame{
			Timestamp:  ts,
			SampleRate: rate,
			Channels:   channels,
			NoSamples:  samples,
			Data:       make([]float32, channels*samples),
		},
	}}
}

// ─── Receiver ─────────────────────────────────────────────────────────────────

// Receiver is a mock implementation of [receiver.Receiver] that replays a
// scripted queue of results.
type Receiver struct {
	mu sync.Mutex

	queue []Result

	// WhenEmpty is returned once the scripted queue is exhausted.
	// Defaults to [None].
	WhenEmpty *Result

	// BlockWhenEmpty makes CaptureNext wait for the timeout (or ctx) once the
	// queue is exhausted instead of returning immediately.
	BlockWhenEmpty bool

	// CloseError is returned by Close.
	CloseError error

	// CaptureTimeouts records the timeout argument of every CaptureNext call.
	CaptureTimeouts []time.Duration

	// CallCountClose records how many times Close was called.
	CallCountClose int

	closed bool
}

// Push appends results to the scripted queue.
func (r *Receiver) Push(results ...Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, results...)
}

// Pending returns the number of scripted results not yet consumed.
func (r *Receiver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// CaptureCount returns the number of CaptureNext calls so far.
func (r *Receiver) CaptureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.CaptureTimeouts)
}

// Closed reports whether Close has been called.
func (r *Receiver) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// CaptureNext implements [receiver.Receiver].
func (r *Receiver) CaptureNext(ctx context.Context, timeout time.Duration) (audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}
	r.mu.Lock()
	r.CaptureTimeouts = append(r.CaptureTimeouts, timeout)
	if r.closed {
		r.mu.Unlock()
		return audio.Frame{Kind: audio.KindError}, ErrClosed
	}
	if len(r.queue) > 0 {
		res := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return res.Frame, res.Err
	}
	block := r.BlockWhenEmpty
	res := None()
	if r.WhenEmpty != nil {
		res = *r.WhenEmpty
	}
	r.mu.Unlock()

	if block {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return audio.Frame{}, ctx.Err()
		case <-t.C:
		}
	}
	return res.Frame, res.Err
}

// Close implements [receiver.Receiver]. Returns CloseError.
func (r *Receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountClose++
	r.closed = true
	return r.CloseError
}

// ─── Dialer ───────────────────────────────────────────────────────────────────

// DialCall records the arguments of a single [Dialer.Dial] invocation.
type DialCall struct {
	StreamName string
	Address    string
}

// Dialer is a mock implementation of [receiver.Dialer].
type Dialer struct {
	mu sync.Mutex

	// DialResult is the receiver returned by Dial.
	DialResult receiver.Receiver

	// NewResult, when set, is called on every Dial instead of returning
	// DialResult, so each connection gets a fresh receiver.
	NewResult func() receiver.Receiver

	// DialError is the error returned by Dial.
	DialError error

	// DialCalls records all Dial invocations.
	DialCalls []DialCall
}

// Dial implements [receiver.Dialer].
func (d *Dialer) Dial(_ context.Context, streamName, address string) (receiver.Receiver, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls = append(d.DialCalls, DialCall{StreamName: streamName, Address: address})
	if d.DialError != nil {
		return nil, d.DialError
	}
	if d.NewResult != nil {
		return d.NewResult(), nil
	}
	return d.DialResult, nil
}

// CallCountDial returns the number of Dial invocations.
func (d *Dialer) CallCountDial() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.DialCalls)
}
