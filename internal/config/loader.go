package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/MrWong99/ndisrc/internal/source"
	"gopkg.in/yaml.v3"
)

// DefaultReceiverType is used when receiver.type is empty.
const DefaultReceiverType = "websocket"

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadBytes parses an in-memory config.
func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Receiver
	if cfg.Receiver.Scheme != "" && cfg.Receiver.Scheme != "ws" && cfg.Receiver.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("receiver.scheme %q is invalid; valid values: ws, wss", cfg.Receiver.Scheme))
	}
	if cfg.Receiver.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("receiver.dial_timeout %s must not be negative", cfg.Receiver.DialTimeout))
	}
	if cfg.Receiver.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("receiver.queue_size %d must not be negative", cfg.Receiver.QueueSize))
	}

	if len(cfg.Sources) == 0 {
		slog.Warn("no sources configured; only the metrics and health endpoints will run")
	}

	namesSeen := make(map[string]int, len(cfg.Sources))
	pathsSeen := make(map[string]int, len(cfg.Sources))

	for i, src := range cfg.Sources {
		prefix := fmt.Sprintf("sources[%d]", i)
		if src.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[src.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of sources[%d]", prefix, src.Name, prev))
			}
			namesSeen[src.Name] = i
		}
		if src.StreamName == "" {
			errs = append(errs, fmt.Errorf("%s.stream_name is required", prefix))
		}
		if src.LossThreshold != nil {
			if err := source.ValidateLossThreshold(*src.LossThreshold); err != nil {
				errs = append(errs, fmt.Errorf("%s.loss_threshold %d is out of range [0, %d]", prefix, *src.LossThreshold, source.MaxLossThreshold))
			}
		}
		if src.PrerollTimeout < 0 {
			errs = append(errs, fmt.Errorf("%s.preroll_timeout %s must not be negative", prefix, src.PrerollTimeout))
		}

		// Sink
		if src.Sink.Type != "" && !src.Sink.Type.IsValid() {
			errs = append(errs, fmt.Errorf("%s.sink.type %q is invalid; valid values: wav, discard", prefix, src.Sink.Type))
		}
		if src.Sink.Type == SinkWAV {
			if src.Sink.Path == "" {
				errs = append(errs, fmt.Errorf("%s.sink.path is required when sink.type is wav", prefix))
			} else {
				if prev, ok := pathsSeen[src.Sink.Path]; ok {
					errs = append(errs, fmt.Errorf("%s.sink.path %q is already used by sources[%d]", prefix, src.Sink.Path, prev))
				}
				pathsSeen[src.Sink.Path] = i
			}
		}

		// Restart
		if src.Restart.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("%s.restart.max_retries %d must not be negative", prefix, src.Restart.MaxRetries))
		}
		if src.Restart.Backoff < 0 || src.Restart.MaxBackoff < 0 {
			errs = append(errs, fmt.Errorf("%s.restart backoff durations must not be negative", prefix))
		}
		if src.Restart.Backoff > 0 && src.Restart.MaxBackoff > 0 && src.Restart.MaxBackoff < src.Restart.Backoff {
			slog.Warn("restart.max_backoff is lower than restart.backoff; backoff will not grow",
				"source", src.Name,
				"backoff", src.Restart.Backoff,
				"max_backoff", src.Restart.MaxBackoff,
			)
		}
	}

	return errors.Join(errs...)
}

// ReceiverType returns the configured receiver type or the default.
func (c *Config) ReceiverType() string {
	if c.Receiver.Type == "" {
		return DefaultReceiverType
	}
	return c.Receiver.Type
}

// Settings converts the source config into initial source properties.
func (s *SourceConfig) Settings() source.Settings {
	st := source.Settings{
		StreamName:    s.StreamName,
		Address:       s.Address,
		LossThreshold: source.DefaultLossThreshold,
	}
	if s.LossThreshold != nil {
		st.LossThreshold = *s.LossThreshold
	}
	return st
}
