// Package audio defines the frames a network receiver delivers and helpers to
// convert them into interleaved PCM.
package audio

import "time"

// FrameKind tags what a capture call returned.
type FrameKind int

const (
	// KindNone means no frame arrived before the capture timeout.
	KindNone FrameKind = iota

	// KindVideo is a video frame. Audio sources ignore it.
	KindVideo

	// KindAudio is an audio frame; [Frame.Audio] is populated.
	KindAudio

	// KindMetadata is an out-of-band metadata frame.
	KindMetadata

	// KindError means the receiver reported an error for this capture.
	KindError
)

// String returns the human-readable name of the frame kind.
func (k FrameKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindMetadata:
		return "metadata"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// TicksPerSecond is the resolution of device timestamps (100 ns ticks).
const TicksPerSecond = 10_000_000

// TickDuration is the length of one device timestamp tick.
const TickDuration = 100 * time.Nanosecond

// Frame is the result of one capture call on a receiver.
type Frame struct {
	Kind FrameKind

	// Audio is set when Kind is [KindAudio].
	Audio *AudioFrame
}

// AudioFrame is an audio frame in the sender's native representation:
// 32-bit float samples stored planar (all samples of channel 0, then all
// samples of channel 1, ...).
type AudioFrame struct {
	// Timestamp is the capture time stamped by the sender, in 100 ns ticks.
	// It is not tied to any local clock.
	Timestamp uint64

	// SampleRate in Hz (e.g., 48000).
	SampleRate int

	// Channels is the number of audio channels.
	Channels int

	// NoSamples is the number of samples per channel.
	NoSamples int

	// Data holds Channels*NoSamples planar float samples in the range [-1, 1].
	Data []float32
}

// Duration returns the playback duration of the frame, computed as
// NoSamples/SampleRate seconds. Returns 0 for an invalid sample rate.
func (f *AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(f.NoSamples) / float64(f.SampleRate) * 1e9)
}

// Valid reports whether the frame header is coherent with its payload.
func (f *AudioFrame) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0 && f.NoSamples >= 0 &&
		len(f.Data) >= f.Channels*f.NoSamples
}
