// Package receiver defines the network receiver abstraction consumed by audio
// sources and the [Manager] that shares live receivers between them.
//
// A [Receiver] owns one live receive session with a remote sender and exposes
// a blocking capture call. Receivers are not created directly by sources:
// sources ask a [Manager] to connect, get back an opaque [Handle], and look
// the handle up on every capture cycle. Two sources connecting to the same
// stream name and address share one receiver; the manager reference-counts
// the entry and closes the receiver when the last holder disconnects.
//
// Each entry also carries the connection-wide initial timestamp, the earliest
// device timestamp observed on that receiver, which sources use as time zero
// for presentation timestamps.
package receiver

import (
	"context"
	"time"

	"github.com/MrWong99/ndisrc/pkg/audio"
)

// Receiver is a live receive session with a remote sender.
//
// Implementations must be safe for concurrent use: Close may be called while
// a CaptureNext call is outstanding.
type Receiver interface {
	// CaptureNext blocks until a frame arrives or timeout elapses. A timeout
	// returns a frame of kind [audio.KindNone] and a nil error. A non-nil
	// error means the capture itself failed (the equivalent of an error frame);
	// ctx cancellation is reported as ctx.Err().
	CaptureNext(ctx context.Context, timeout time.Duration) (audio.Frame, error)

	// Close tears down the session. Subsequent captures return errors.
	Close() error
}

// Dialer opens a [Receiver] for the stream named streamName published at
// address ("host:port").
type Dialer interface {
	Dial(ctx context.Context, streamName, address string) (Receiver, error)
}

// DialerFunc adapts a function to the [Dialer] interface.
type DialerFunc func(ctx context.Context, streamName, address string) (Receiver, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, streamName, address string) (Receiver, error) {
	return f(ctx, streamName, address)
}
