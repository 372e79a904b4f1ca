package source

import "fmt"

// Property defaults and limits.
const (
	DefaultStreamName    = "Fixed ndi stream name"
	DefaultAddress       = ""
	DefaultLossThreshold = 5
	MaxLossThreshold     = 60
)

// Property names a configurable setting of a [Source].
type Property int

const (
	// PropStreamName is the name of the remote stream to receive.
	PropStreamName Property = iota

	// PropAddress is the host:port of the sender.
	PropAddress

	// PropLossThreshold is the number of consecutive failed polls tolerated
	// before the stream is declared closed; 0 emits empty buffers instead.
	PropLossThreshold
)

// String returns the property name.
func (p Property) String() string {
	switch p {
	case PropStreamName:
		return "stream-name"
	case PropAddress:
		return "address"
	case PropLossThreshold:
		return "loss-threshold"
	default:
		return "unknown"
	}
}

// Mutable reports whether p may change while the source is started.
func (p Property) Mutable() bool { return p == PropLossThreshold }

// Settings is a snapshot of a source's configuration.
type Settings struct {
	StreamName    string
	Address       string
	LossThreshold int
}

// DefaultSettings returns the settings of a newly created source.
func DefaultSettings() Settings {
	return Settings{
		StreamName:    DefaultStreamName,
		Address:       DefaultAddress,
		LossThreshold: DefaultLossThreshold,
	}
}

// ValidateLossThreshold checks n against the allowed range.
func ValidateLossThreshold(n int) error {
	if n < 0 || n > MaxLossThreshold {
		return fmt.Errorf("%w: %s %d outside [0, %d]", ErrInvalidProperty, PropLossThreshold, n, MaxLossThreshold)
	}
	return nil
}

// SetStreamName sets [PropStreamName]. It fails with [ErrSettingLocked]
// while the source is started.
func (s *Source) SetStreamName(name string) error {
	return s.setLocked(PropStreamName, func(st *Settings) { st.StreamName = name })
}

// SetAddress sets [PropAddress]. It fails with [ErrSettingLocked] while the
// source is started.
func (s *Source) SetAddress(addr string) error {
	return s.setLocked(PropAddress, func(st *Settings) { st.Address = addr })
}

// SetLossThreshold sets [PropLossThreshold]. It may be changed at any time;
// a create call already in progress keeps the value it started with.
func (s *Source) SetLossThreshold(n int) error {
	if err := ValidateLossThreshold(n); err != nil {
		return err
	}
	s.mu.Lock()
	old := s.settings.LossThreshold
	s.settings.LossThreshold = n
	s.mu.Unlock()
	if old != n {
		s.logger.Info("property changed", "property", PropLossThreshold, "old", old, "new", n)
	}
	return nil
}

// StreamName returns the current [PropStreamName].
func (s *Source) StreamName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.StreamName
}

// Address returns the current [PropAddress].
func (s *Source) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Address
}

// LossThreshold returns the current [PropLossThreshold].
func (s *Source) LossThreshold() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.LossThreshold
}

// Settings returns a snapshot of all properties.
func (s *Source) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// setLocked applies fn for a property that cannot change while started and
// tells the host the latency may have changed.
func (s *Source) setLocked(p Property, fn func(*Settings)) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSettingLocked, p)
	}
	fn(&s.settings)
	s.mu.Unlock()

	s.logger.Debug("property changed", "property", p)
	s.host.PostMessage(Message{Kind: MessageLatency, Source: s.name})
	return nil
}
