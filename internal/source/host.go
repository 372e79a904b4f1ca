package source

import "time"

// ClockTimeNone marks an unknown or unbounded clock time.
const ClockTimeNone time.Duration = -1

// OffsetNone marks a buffer without sample offsets.
const OffsetNone = ^uint64(0)

// Host is the pipeline a [Source] runs in. It provides the pipeline clock and
// receives asynchronous notifications.
type Host interface {
	// ClockTime returns the current time of the pipeline clock.
	ClockTime() time.Duration

	// BaseTime returns the pipeline clock time at which the pipeline started
	// running. Running time is ClockTime() - BaseTime().
	BaseTime() time.Duration

	// PostMessage delivers a notification. It must not block.
	PostMessage(Message)
}

// MessageKind identifies a [Message].
type MessageKind int

const (
	// MessageLatency tells the host that the source latency changed and
	// should be queried again.
	MessageLatency MessageKind = iota

	// MessageError is an element error; Domain and Text describe it.
	MessageError
)

// String returns the human-readable name of the message kind.
func (k MessageKind) String() string {
	switch k {
	case MessageLatency:
		return "latency"
	case MessageError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrorDomain classifies a [MessageError].
type ErrorDomain int

const (
	// ErrorCoreNegotiation is a caps negotiation failure.
	ErrorCoreNegotiation ErrorDomain = iota + 1

	// ErrorResourceRead is a failure reading from the network resource.
	ErrorResourceRead
)

// String returns the human-readable name of the domain.
func (d ErrorDomain) String() string {
	switch d {
	case ErrorCoreNegotiation:
		return "core-negotiation"
	case ErrorResourceRead:
		return "resource-read"
	default:
		return "none"
	}
}

// Message is a notification posted by a source to its [Host].
type Message struct {
	Kind MessageKind

	// Source is the name of the posting source.
	Source string

	// Domain and Text are set for [MessageError].
	Domain ErrorDomain
	Text   string
}

// Buffer is one unit of output: interleaved little-endian 16-bit PCM.
type Buffer struct {
	Data []byte

	// PTS is the presentation timestamp in pipeline running time, or
	// [ClockTimeNone] for keepalive buffers.
	PTS time.Duration

	// Duration is the playback length, or [ClockTimeNone].
	Duration time.Duration

	// Offset and OffsetEnd count samples per channel since the source was
	// started. Both are [OffsetNone] for keepalive buffers.
	Offset    uint64
	OffsetEnd uint64
}

// Len returns the payload size in bytes.
func (b *Buffer) Len() int { return len(b.Data) }

// Empty reports whether b is a zero-length keepalive buffer.
func (b *Buffer) Empty() bool { return len(b.Data) == 0 }

func emptyBuffer() *Buffer {
	return &Buffer{PTS: ClockTimeNone, Duration: ClockTimeNone, Offset: OffsetNone, OffsetEnd: OffsetNone}
}
