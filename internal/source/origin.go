package source

import (
	"sync/atomic"
	"time"
)

// Origin is the running time at which the first buffer of a group of sources
// was produced. Every buffer's presentation timestamp is offset by it, so
// sources sharing one Origin stay mutually aligned. It is latched exactly
// once and never reset.
//
// The zero value is ready to use and safe for concurrent use.
type Origin struct {
	start atomic.Pointer[time.Duration]
}

// NewOrigin returns an unlatched [Origin].
func NewOrigin() *Origin { return &Origin{} }

var defaultOrigin Origin

// DefaultOrigin returns the process-wide [Origin] used by sources created
// without [WithOrigin].
func DefaultOrigin() *Origin { return &defaultOrigin }

// Latch returns the origin, reading now to set it if this is the first call.
// Concurrent first calls agree on one value.
func (o *Origin) Latch(now func() time.Duration) time.Duration {
	if p := o.start.Load(); p != nil {
		return *p
	}
	v := now()
	if o.start.CompareAndSwap(nil, &v) {
		return v
	}
	return *o.start.Load()
}

// Value returns the origin and whether it has been latched.
func (o *Origin) Value() (time.Duration, bool) {
	p := o.start.Load()
	if p == nil {
		return 0, false
	}
	return *p, true
}
