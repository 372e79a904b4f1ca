package wsrecv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/ndisrc/pkg/audio"
)

// headerSize is the fixed size of a frame header on the wire:
// kind(1) timestamp(8) sample_rate(4) channels(4) no_samples(4).
const headerSize = 1 + 8 + 4 + 4 + 4

// maxFramePayload bounds the decoded sample count to keep a malformed header
// from allocating unbounded memory.
const maxFramePayload = 1 << 22

var errShortMessage = errors.New("wsrecv: message shorter than frame header")

// wire kind values.
const (
	wireNone     = 0
	wireVideo    = 1
	wireAudio    = 2
	wireMetadata = 3
	wireError    = 4
)

func kindToWire(k audio.FrameKind) byte {
	switch k {
	case audio.KindVideo:
		return wireVideo
	case audio.KindAudio:
		return wireAudio
	case audio.KindMetadata:
		return wireMetadata
	case audio.KindError:
		return wireError
	default:
		return wireNone
	}
}

func wireToKind(b byte) audio.FrameKind {
	switch b {
	case wireVideo:
		return audio.KindVideo
	case wireAudio:
		return audio.KindAudio
	case wireMetadata:
		return audio.KindMetadata
	case wireError:
		return audio.KindError
	default:
		return audio.KindNone
	}
}

// EncodeFrame serialises f into the little-endian wire format. Only audio
// frames carry a payload; other kinds are sent as a bare header.
func EncodeFrame(f audio.Frame) []byte {
	var a audio.AudioFrame
	if f.Kind == audio.KindAudio && f.Audio != nil {
		a = *f.Audio
	}
	n := 0
	if f.Kind == audio.KindAudio {
		n = a.Channels * a.NoSamples
	}

	buf := make([]byte, headerSize+n*4)
	buf[0] = kindToWire(f.Kind)
	binary.LittleEndian.PutUint64(buf[1:], a.Timestamp)
	binary.LittleEndian.PutUint32(buf[9:], uint32(a.SampleRate))
	binary.LittleEndian.PutUint32(buf[13:], uint32(a.Channels))
	binary.LittleEndian.PutUint32(buf[17:], uint32(a.NoSamples))
	for i := range n {
		binary.LittleEndian.PutUint32(buf[headerSize+i*4:], math.Float32bits(a.Data[i]))
	}
	return buf
}

// DecodeFrame parses one wire message.
func DecodeFrame(msg []byte) (audio.Frame, error) {
	if len(msg) < headerSize {
		return audio.Frame{}, errShortMessage
	}
	kind := wireToKind(msg[0])
	if kind != audio.KindAudio {
		return audio.Frame{Kind: kind}, nil
	}

	a := &audio.AudioFrame{
		Timestamp:  binary.LittleEndian.Uint64(msg[1:]),
		SampleRate: int(binary.LittleEndian.Uint32(msg[9:])),
		Channels:   int(binary.LittleEndian.Uint32(msg[13:])),
		NoSamples:  int(binary.LittleEndian.Uint32(msg[17:])),
	}
	if a.Channels <= 0 || a.Channels > maxFramePayload || a.NoSamples > maxFramePayload ||
		a.Channels*a.NoSamples > maxFramePayload {
		return audio.Frame{}, fmt.Errorf("wsrecv: bad audio header (channels=%d samples=%d)", a.Channels, a.NoSamples)
	}
	n := a.Channels * a.NoSamples
	if len(msg) < headerSize+n*4 {
		return audio.Frame{}, fmt.Errorf("wsrecv: truncated audio payload: have %d bytes, want %d", len(msg)-headerSize, n*4)
	}
	a.Data = make([]float32, n)
	for i := range n {
		a.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(msg[headerSize+i*4:]))
	}
	return audio.Frame{Kind: audio.KindAudio, Audio: a}, nil
}
