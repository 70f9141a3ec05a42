// Package config loads the vcam process configuration from YAML with
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/vcam/internal/source"
)

// Audio output drivers.
const (
	AudioDevice = "device"
	AudioNull   = "null"
)

// Log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config is the complete process configuration.
type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Output   OutputConfig   `yaml:"output"`
	API      APIConfig      `yaml:"api"`
	Log      LogConfig      `yaml:"log"`
}

// SourceConfig names the media played at startup. At most one of URL, Path
// and FD is set; the source may also be supplied later through the API.
type SourceConfig struct {
	URL    string `yaml:"url,omitempty"`
	Path   string `yaml:"path,omitempty"`
	FD     int    `yaml:"fd,omitempty"` // inherited descriptor, 0 means unset
	Offset int64  `yaml:"offset,omitempty"`
	Length int64  `yaml:"length,omitempty"`
}

// PipelineConfig tunes the playback pipeline.
type PipelineConfig struct {
	QueueCapacity  int    `yaml:"queue_capacity"`
	SyncExtraction bool   `yaml:"sync_extraction"` // disable the double-buffered async converter
	Mute           bool   `yaml:"mute"`
	APILevel       int    `yaml:"api_level"`
	Audio          string `yaml:"audio"`
}

// OutputConfig selects where NV21 frames go besides the in-memory sink.
type OutputConfig struct {
	File     string `yaml:"file,omitempty"`
	QUICAddr string `yaml:"quic_addr"`
}

// APIConfig configures the HTTPS control API.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path, applies defaults and environment overrides, and
// validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse strictly decodes YAML and applies defaults. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Pipeline.QueueCapacity == 0 {
		c.Pipeline.QueueCapacity = 200
	}
	if c.Pipeline.Audio == "" {
		c.Pipeline.Audio = AudioDevice
	}
	if c.Output.QUICAddr == "" {
		c.Output.QUICAddr = ":4443"
	}
	if c.API.Addr == "" {
		c.API.Addr = ":4444"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = FormatText
	}
}

// ApplyEnv overrides fields from the environment: VCAM_SOURCE (url or
// path), VCAM_API_ADDR, VCAM_QUIC_ADDR, and DEBUG (any value enables
// debug logging).
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("VCAM_SOURCE"); v != "" {
		c.Source = SourceConfig{}
		if strings.Contains(v, "://") {
			c.Source.URL = v
		} else {
			c.Source.Path = v
		}
	}
	c.API.Addr = envOr(getenv, "VCAM_API_ADDR", c.API.Addr)
	c.Output.QUICAddr = envOr(getenv, "VCAM_QUIC_ADDR", c.Output.QUICAddr)
	if getenv("DEBUG") != "" {
		c.Log.Level = "debug"
	}
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}

// SlogLevel returns the configured slog level. Validate guarantees it parses.
func (l LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// IsSet reports whether a startup source is configured.
func (s SourceConfig) IsSet() bool {
	return s.URL != "" || s.Path != "" || s.FD != 0
}

// Location converts the configuration into a source location. The
// descriptor, if any, is wrapped without duplication.
func (s SourceConfig) Location() source.Location {
	loc := source.Location{
		URL:    s.URL,
		Path:   s.Path,
		Offset: s.Offset,
		Length: s.Length,
	}
	if s.FD != 0 {
		loc.File = os.NewFile(uintptr(s.FD), fmt.Sprintf("fd:%d", s.FD))
	}
	return loc
}
