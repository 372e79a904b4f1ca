package source

import (
	"fmt"
	"math"
	"math/bits"
	"strings"
)

// Format is a raw audio sample format.
type Format string

// FormatS16LE is signed 16-bit little-endian, the only format produced.
const FormatS16LE Format = "S16LE"

// Layout is the arrangement of channels in a buffer.
type Layout string

// LayoutInterleaved stores one sample of each channel in turn.
const LayoutInterleaved Layout = "interleaved"

// IntRange is an inclusive integer range. Min == Max is a fixed value.
type IntRange struct {
	Min, Max int
}

// Fixed returns the range holding only v.
func Fixed(v int) IntRange { return IntRange{Min: v, Max: v} }

// IsFixed reports whether the range holds exactly one value.
func (r IntRange) IsFixed() bool { return r.Min == r.Max }

// Contains reports whether v lies in the range.
func (r IntRange) Contains(v int) bool { return v >= r.Min && v <= r.Max }

// Nearest returns the value in the range closest to v.
func (r IntRange) Nearest(v int) int {
	return max(r.Min, min(r.Max, v))
}

func (r IntRange) String() string {
	if r.IsFixed() {
		return fmt.Sprint(r.Min)
	}
	return fmt.Sprintf("[ %d, %d ]", r.Min, r.Max)
}

// Caps describes a raw audio format or a range of them.
type Caps struct {
	Format      Format
	Rate        IntRange
	Channels    IntRange
	Layout      Layout
	ChannelMask uint64
}

// TemplateCaps returns the single capability the source can produce:
// interleaved S16LE at any rate and channel count of at least 1.
func TemplateCaps() Caps {
	return Caps{
		Format:   FormatS16LE,
		Rate:     IntRange{Min: 1, Max: math.MaxInt32},
		Channels: IntRange{Min: 1, Max: math.MaxInt32},
		Layout:   LayoutInterleaved,
	}
}

// IsFixed reports whether every field holds a single value.
func (c Caps) IsFixed() bool {
	return c.Format != "" && c.Layout != "" && c.Rate.IsFixed() && c.Channels.IsFixed()
}

// fixate narrows c to the given rate and channel count, taking the nearest
// values the ranges allow.
func (c Caps) fixate(rate, channels int) Caps {
	out := c
	if out.Format == "" {
		out.Format = FormatS16LE
	}
	out.Rate = Fixed(c.Rate.Nearest(rate))
	out.Channels = Fixed(c.Channels.Nearest(channels))
	out.Layout = LayoutInterleaved
	out.ChannelMask = FallbackChannelMask(out.Channels.Min)
	return out
}

func (c Caps) String() string {
	var b strings.Builder
	b.WriteString("audio/x-raw")
	if c.Format != "" {
		fmt.Fprintf(&b, ", format=%s", c.Format)
	}
	fmt.Fprintf(&b, ", rate=%s, channels=%s", c.Rate, c.Channels)
	if c.Layout != "" {
		fmt.Fprintf(&b, ", layout=%s", c.Layout)
	}
	if c.ChannelMask != 0 {
		fmt.Fprintf(&b, ", channel-mask=0x%x", c.ChannelMask)
	}
	return b.String()
}

// AudioInfo is a negotiated audio format.
type AudioInfo struct {
	Rate        int
	Channels    int
	ChannelMask uint64
}

// BytesPerFrame is the size of one sample across all channels.
func (i AudioInfo) BytesPerFrame() int { return i.Channels * 2 }

// AudioInfoFromCaps parses fixed caps into an [AudioInfo]. Only interleaved
// S16LE with a rate and channel count of at least 1 is accepted.
func AudioInfoFromCaps(c Caps) (AudioInfo, error) {
	switch {
	case !c.IsFixed():
		return AudioInfo{}, fmt.Errorf("%w: caps not fixed: %s", ErrInvalidCaps, c)
	case c.Format != FormatS16LE:
		return AudioInfo{}, fmt.Errorf("%w: unsupported format %q", ErrInvalidCaps, c.Format)
	case c.Layout != LayoutInterleaved:
		return AudioInfo{}, fmt.Errorf("%w: unsupported layout %q", ErrInvalidCaps, c.Layout)
	case c.Rate.Min < 1:
		return AudioInfo{}, fmt.Errorf("%w: rate %d", ErrInvalidCaps, c.Rate.Min)
	case c.Channels.Min < 1:
		return AudioInfo{}, fmt.Errorf("%w: channels %d", ErrInvalidCaps, c.Channels.Min)
	}
	mask := c.ChannelMask
	if mask != 0 && bits.OnesCount64(mask) != c.Channels.Min {
		return AudioInfo{}, fmt.Errorf("%w: channel-mask 0x%x does not match %d channels", ErrInvalidCaps, mask, c.Channels.Min)
	}
	return AudioInfo{Rate: c.Rate.Min, Channels: c.Channels.Min, ChannelMask: mask}, nil
}

// Channel position bits used in channel masks.
const (
	PosFrontLeft   = 1 << 0
	PosFrontRight  = 1 << 1
	PosFrontCenter = 1 << 2
	PosLFE1        = 1 << 3
	PosRearLeft    = 1 << 4
	PosRearRight   = 1 << 5
	PosRearCenter  = 1 << 8
	PosSideLeft    = 1 << 10
	PosSideRight   = 1 << 11
)

// FallbackChannelMask returns the default speaker arrangement for a channel
// count. Mono and counts above 8 have no positions and return 0.
func FallbackChannelMask(channels int) uint64 {
	switch channels {
	case 2:
		return PosFrontLeft | PosFrontRight
	case 3:
		return PosFrontLeft | PosFrontRight | PosLFE1
	case 4:
		return PosFrontLeft | PosFrontRight | PosRearLeft | PosRearRight
	case 5:
		return PosFrontLeft | PosFrontRight | PosRearLeft | PosRearRight | PosFrontCenter
	case 6:
		return PosFrontLeft | PosFrontRight | PosRearLeft | PosRearRight | PosFrontCenter | PosLFE1
	case 7:
		return PosFrontLeft | PosFrontRight | PosRearLeft | PosRearRight | PosFrontCenter | PosLFE1 | PosRearCenter
	case 8:
		return PosFrontLeft | PosFrontRight | PosRearLeft | PosRearRight | PosFrontCenter | PosLFE1 | PosSideLeft | PosSideRight
	default:
		return 0
	}
}
