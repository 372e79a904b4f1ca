package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ReceiverChanged is true if the receiver block changed. Applying it
	// requires a restart.
	ReceiverChanged bool

	// ListenAddrChanged is true if server.listen_addr changed. Applying it
	// requires a restart.
	ListenAddrChanged bool

	SourcesChanged bool
	SourceChanges  []SourceDiff
}

// SourceDiff describes what changed for a single source between two configs.
type SourceDiff struct {
	Name string

	// LossThresholdChanged is the only per-source change applied live.
	LossThresholdChanged bool
	NewLossThreshold     int

	// EndpointChanged is true if the stream name or address changed.
	EndpointChanged bool
	SinkChanged     bool
	RestartChanged  bool
	PrerollChanged  bool

	Added   bool
	Removed bool
}

// Live reports whether every change in d can be applied without restarting
// the source.
func (d SourceDiff) Live() bool {
	return !d.Added && !d.Removed && !d.EndpointChanged && !d.SinkChanged && !d.RestartChanged && !d.PrerollChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ListenAddrChanged = old.Server.ListenAddr != new.Server.ListenAddr
	d.ReceiverChanged = old.Receiver != new.Receiver

	oldSources := make(map[string]*SourceConfig, len(old.Sources))
	for i := range old.Sources {
		oldSources[old.Sources[i].Name] = &old.Sources[i]
	}
	newSources := make(map[string]*SourceConfig, len(new.Sources))
	for i := range new.Sources {
		newSources[new.Sources[i].Name] = &new.Sources[i]
	}

	// Detect modified and removed sources in config order.
	for i := range old.Sources {
		name := old.Sources[i].Name
		newSrc, exists := newSources[name]
		if !exists {
			d.SourceChanges = append(d.SourceChanges, SourceDiff{Name: name, Removed: true})
			d.SourcesChanged = true
			continue
		}
		sd := diffSource(name, &old.Sources[i], newSrc)
		if sd.LossThresholdChanged || !sd.Live() {
			d.SourceChanges = append(d.SourceChanges, sd)
			d.SourcesChanged = true
		}
	}

	// Detect added sources.
	for i := range new.Sources {
		name := new.Sources[i].Name
		if _, exists := oldSources[name]; !exists {
			d.SourceChanges = append(d.SourceChanges, SourceDiff{Name: name, Added: true})
			d.SourcesChanged = true
		}
	}

	return d
}

// diffSource compares two source configs with the same name.
func diffSource(name string, old, new *SourceConfig) SourceDiff {
	sd := SourceDiff{Name: name}

	oldSt, newSt := old.Settings(), new.Settings()
	if oldSt.LossThreshold != newSt.LossThreshold {
		sd.LossThresholdChanged = true
		sd.NewLossThreshold = newSt.LossThreshold
	}
	if old.StreamName != new.StreamName || old.Address != new.Address {
		sd.EndpointChanged = true
	}
	if old.Sink != new.Sink {
		sd.SinkChanged = true
	}
	if old.Restart != new.Restart {
		sd.RestartChanged = true
	}
	if old.PrerollTimeout != new.PrerollTimeout {
		sd.PrerollChanged = true
	}
	return sd
}
