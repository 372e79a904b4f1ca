// Package config provides the configuration schema, loader, watcher and
// receiver registry for the ndisrc service.
package config

import "time"

// LogLevel controls log verbosity for the ndisrc service.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SinkType selects where a source's buffers go.
type SinkType string

const (
	// SinkWAV writes 16-bit PCM to a WAV file.
	SinkWAV SinkType = "wav"

	// SinkDiscard drops all audio and only counts it.
	SinkDiscard SinkType = "discard"
)

// IsValid reports whether s is a recognised sink type.
func (s SinkType) IsValid() bool {
	return s == SinkWAV || s == SinkDiscard
}

// Config is the root configuration structure for ndisrc.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Receiver ReceiverConfig `yaml:"receiver"`
	Sources  []SourceConfig `yaml:"sources"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the metrics and health endpoints
	// (e.g., ":9090"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ReceiverConfig selects and configures the network receiver implementation
// shared by all sources.
type ReceiverConfig struct {
	// Type selects the dialer registered in the [Registry] (e.g.,
	// "websocket").
	Type string `yaml:"type"`

	// Path is the HTTP path of the stream endpoint on the sender.
	Path string `yaml:"path"`

	// Scheme is "ws" or "wss". Defaults to "ws".
	Scheme string `yaml:"scheme"`

	// DialTimeout bounds the connection handshake. 0 uses the dialer default.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// QueueSize is the number of frames buffered per connection. 0 uses the
	// dialer default.
	QueueSize int `yaml:"queue_size"`
}

// SourceConfig describes one live audio source.
type SourceConfig struct {
	// Name identifies the source in logs, metrics and health output.
	Name string `yaml:"name"`

	// StreamName is the name of the remote stream to receive.
	StreamName string `yaml:"stream_name"`

	// Address is the host:port of the sender.
	Address string `yaml:"address"`

	// LossThreshold is the number of consecutive polls without audio that
	// are tolerated before the stream is considered closed. 0 emits empty
	// buffers instead. Nil uses the default of 5.
	LossThreshold *int `yaml:"loss_threshold"`

	// PrerollTimeout bounds negotiation and pre-roll. 0 uses the default.
	PrerollTimeout time.Duration `yaml:"preroll_timeout"`

	// Sink configures the destination of the audio.
	Sink SinkConfig `yaml:"sink"`

	// Restart configures restarts after the stream closed.
	Restart RestartConfig `yaml:"restart"`
}

// SinkConfig configures a source sink.
type SinkConfig struct {
	// Type is "wav" or "discard". Defaults to "discard".
	Type SinkType `yaml:"type"`

	// Path is the output file for the wav sink.
	Path string `yaml:"path"`
}

// RestartConfig mirrors the pipeline restart policy.
type RestartConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Source returns the source named name, or nil.
func (c *Config) Source(name string) *SourceConfig {
	for i := range c.Sources {
		if c.Sources[i].Name == name {
			return &c.Sources[i]
		}
	}
	return nil
}
