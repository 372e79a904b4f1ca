package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
)

var (
	// ErrUnknownHandle is returned by [Manager.Lookup] and
	// [Manager.Disconnect] for a handle that is not (or no longer) connected.
	ErrUnknownHandle = errors.New("receiver: unknown handle")

	// ErrManagerClosed is returned by [Manager.Connect] after [Manager.Close].
	ErrManagerClosed = errors.New("receiver: manager closed")
)

// Handle is an opaque reference to a connected receiver entry. The zero value
// means "unconnected".
type Handle struct {
	id int32
}

// IsZero reports whether h is the unconnected sentinel.
func (h Handle) IsZero() bool { return h.id == 0 }

// String returns a short printable form for logs.
func (h Handle) String() string {
	if h.id == 0 {
		return "unconnected"
	}
	return "rx-" + strconv.Itoa(int(h.id))
}

// Entry is a connected receiver plus its per-connection mutable state.
type Entry struct {
	streamName string
	address    string
	receiver   Receiver

	// refs is guarded by Manager.mu.
	refs int

	// initial is the earliest device timestamp seen on this connection;
	// 0 means not yet established.
	initial atomic.Uint64
}

// Receiver returns the live receiver of this entry.
func (e *Entry) Receiver() Receiver { return e.receiver }

// StreamName returns the stream name the entry was connected with.
func (e *Entry) StreamName() string { return e.streamName }

// Address returns the address the entry was connected with.
func (e *Entry) Address() string { return e.address }

// InitialTimestamp returns the connection's time zero in 100 ns ticks, or 0
// when no frame has been observed yet.
func (e *Entry) InitialTimestamp() uint64 { return e.initial.Load() }

// Observe records the device timestamp ts of a newly captured frame and
// returns the connection's time zero after the update.
//
// The first observed frame establishes time zero and is reported as usable.
// Afterwards a frame with ts greater than time zero is usable; a frame with
// ts lower than or equal to time zero moves time zero down to ts (it never
// moves up) and is reported as not usable, since it is older than the origin
// the connection is already aligned to.
//
// Time zero 0 means unset, so a frame with ts 0 is never usable and leaves
// time zero unchanged.
func (e *Entry) Observe(ts uint64) (origin uint64, usable bool) {
	for {
		cur := e.initial.Load()
		switch {
		case ts == 0:
			return cur, false
		case cur == 0:
			if e.initial.CompareAndSwap(0, ts) {
				return ts, true
			}
		case ts > cur:
			return cur, true
		case ts == cur:
			return cur, false
		default:
			if e.initial.CompareAndSwap(cur, ts) {
				return ts, false
			}
		}
	}
}

type entryKey struct {
	streamName string
	address    string
}

// Manager owns all live receivers of a process. Sources connect through it
// and receive a [Handle]; identical (stream name, address) pairs share one
// receiver. It is safe for concurrent use.
type Manager struct {
	dialer Dialer
	logger *slog.Logger
	onOpen func(delta int)

	mu      sync.RWMutex
	nextID  int32
	entries map[Handle]*Entry
	byKey   map[entryKey]Handle
	closed  bool
}

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithLogger sets the logger used for connection lifecycle messages.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithOpenHook registers fn to be called with +1 when a receiver is opened
// and -1 when one is closed. Typically wired to a gauge.
func WithOpenHook(fn func(delta int)) ManagerOption {
	return func(m *Manager) { m.onOpen = fn }
}

// NewManager creates a [Manager] that opens receivers with dialer.
func NewManager(dialer Dialer, opts ...ManagerOption) *Manager {
	m := &Manager{
		dialer:  dialer,
		logger:  slog.Default(),
		entries: make(map[Handle]*Entry),
		byKey:   make(map[entryKey]Handle),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Connect returns a handle to a receiver for streamName at address, dialling
// a new one if none is connected yet. Each successful Connect must be paired
// with one [Manager.Disconnect].
func (m *Manager) Connect(ctx context.Context, streamName, address string) (Handle, error) {
	key := entryKey{streamName: streamName, address: address}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Handle{}, ErrManagerClosed
	}
	if h, ok := m.byKey[key]; ok {
		e := m.entries[h]
		e.refs++
		refs := e.refs
		m.mu.Unlock()
		m.logger.Debug("reusing receiver", "handle", h, "stream_name", streamName, "address", address, "refs", refs)
		return h, nil
	}
	m.mu.Unlock()

	// Dial outside the lock; the table is only locked for structure changes.
	rx, err := m.dialer.Dial(ctx, streamName, address)
	if err != nil {
		return Handle{}, fmt.Errorf("receiver: connect %q at %q: %w", streamName, address, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = rx.Close()
		return Handle{}, ErrManagerClosed
	}
	// Another caller may have connected the same key while we were dialling.
	if h, ok := m.byKey[key]; ok {
		e := m.entries[h]
		e.refs++
		m.mu.Unlock()
		_ = rx.Close()
		return h, nil
	}
	m.nextID++
	h := Handle{id: m.nextID}
	m.entries[h] = &Entry{streamName: streamName, address: address, receiver: rx, refs: 1}
	m.byKey[key] = h
	m.mu.Unlock()

	if m.onOpen != nil {
		m.onOpen(1)
	}
	m.logger.Info("receiver connected", "handle", h, "stream_name", streamName, "address", address)
	return h, nil
}

// Lookup returns the entry for h.
func (m *Manager) Lookup(h Handle) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	return e, nil
}

// Disconnect releases one reference to h. The receiver is closed when the
// last reference is released.
func (m *Manager) Disconnect(h Handle) error {
	m.mu.Lock()
	e, ok := m.entries[h]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	e.refs--
	if e.refs > 0 {
		refs := e.refs
		m.mu.Unlock()
		m.logger.Debug("receiver released", "handle", h, "refs", refs)
		return nil
	}
	delete(m.entries, h)
	delete(m.byKey, entryKey{streamName: e.streamName, address: e.address})
	m.mu.Unlock()

	return m.closeEntry(h, e)
}

// Len returns the number of connected receivers.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close closes every remaining receiver regardless of reference counts and
// rejects further connects. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := m.entries
	m.entries = make(map[Handle]*Entry)
	m.byKey = make(map[entryKey]Handle)
	m.mu.Unlock()

	var errs []error
	for h, e := range entries {
		if err := m.closeEntry(h, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) closeEntry(h Handle, e *Entry) error {
	if m.onOpen != nil {
		m.onOpen(-1)
	}
	m.logger.Info("receiver disconnected", "handle", h, "stream_name", e.streamName, "address", e.address)
	if err := e.receiver.Close(); err != nil {
		return fmt.Errorf("receiver: close %s: %w", h, err)
	}
	return nil
}
