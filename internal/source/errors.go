package source

import (
	"context"
	"errors"
)

var (
	// ErrConnectFailed is returned by [Source.Start] when the receiver
	// manager could not connect. Start may be retried.
	ErrConnectFailed = errors.New("source: connect failed")

	// ErrNotNegotiated is returned by [Source.Create] before caps were set.
	ErrNotNegotiated = errors.New("source: not negotiated")

	// ErrStreamClosed is returned by [Source.Create] once the consecutive
	// loss budget is exhausted. Hosts treat it as end of stream.
	ErrStreamClosed = errors.New("source: stream closed")

	// ErrNotStarted is returned by capture operations on a stopped source,
	// including captures interrupted by [Source.Stop].
	ErrNotStarted = errors.New("source: not started")

	// ErrInvalidCaps is returned by [Source.SetCaps] and [AudioInfoFromCaps]
	// for caps that do not describe fixed interleaved S16LE audio.
	ErrInvalidCaps = errors.New("source: invalid caps")

	// ErrSettingLocked is returned when changing a property that is
	// read-only while the source is started.
	ErrSettingLocked = errors.New("source: setting locked while started")

	// ErrInvalidProperty is returned for out-of-range property values.
	ErrInvalidProperty = errors.New("source: invalid property value")
)

// Flow is the host's view of a create result.
type Flow int

const (
	// FlowOK means a buffer was produced.
	FlowOK Flow = iota

	// FlowNotNegotiated is a negotiation fault; the host should renegotiate.
	FlowNotNegotiated

	// FlowError is a read fault. For [ErrStreamClosed] the host should treat
	// the source as ended.
	FlowError

	// FlowFlushing means the source was stopped or the call cancelled.
	FlowFlushing
)

// String returns the human-readable name of the flow.
func (f Flow) String() string {
	switch f {
	case FlowOK:
		return "ok"
	case FlowNotNegotiated:
		return "not-negotiated"
	case FlowError:
		return "error"
	case FlowFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// FlowOf translates an error returned by a [Source] operation into the host's
// fault vocabulary.
func FlowOf(err error) Flow {
	switch {
	case err == nil:
		return FlowOK
	case errors.Is(err, ErrNotNegotiated), errors.Is(err, ErrInvalidCaps):
		return FlowNotNegotiated
	case errors.Is(err, ErrNotStarted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return FlowFlushing
	default:
		return FlowError
	}
}
