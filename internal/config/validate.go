package config

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/zsiec/vcam/internal/source"
)

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if c.API.Addr == "" {
		return errors.New("api: addr is required")
	}
	if c.Output.QUICAddr != "" && c.Output.QUICAddr == c.API.Addr {
		return fmt.Errorf("output: quic_addr and api addr must differ, both are %q", c.API.Addr)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// Validate checks the startup source, if one is set.
func (s SourceConfig) Validate() error {
	if s.FD < 0 {
		return fmt.Errorf("fd must not be negative, got %d", s.FD)
	}
	if !s.IsSet() {
		if s.Offset != 0 || s.Length != 0 {
			return errors.New("offset and length need a path or fd")
		}
		return nil
	}
	if s.FD == 0 {
		return s.Location().Validate()
	}
	if s.URL != "" || s.Path != "" {
		return fmt.Errorf("%w: exactly one of url, path or fd is required", source.ErrInvalidLocation)
	}
	// Validated through a path stand-in so no descriptor gets wrapped.
	probe := s
	probe.FD = 0
	probe.Path = fmt.Sprintf("fd:%d", s.FD)
	return probe.Location().Validate()
}

// Validate checks pipeline tuning values.
func (p PipelineConfig) Validate() error {
	if p.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be positive, got %d", p.QueueCapacity)
	}
	if p.APILevel < 0 {
		return fmt.Errorf("api_level must not be negative, got %d", p.APILevel)
	}
	switch p.Audio {
	case AudioDevice, AudioNull:
	default:
		return fmt.Errorf("audio must be %q or %q, got %q", AudioDevice, AudioNull, p.Audio)
	}
	return nil
}

// Validate checks the log level and format.
func (l LogConfig) Validate() error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return fmt.Errorf("level %q: %w", l.Level, err)
	}
	switch l.Format {
	case FormatText, FormatJSON:
	default:
		return fmt.Errorf("format must be %q or %q, got %q", FormatText, FormatJSON, l.Format)
	}
	return nil
}
