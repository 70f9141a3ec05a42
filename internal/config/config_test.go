package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zsiec/vcam/internal/source"
)

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Pipeline.QueueCapacity != 200 {
		t.Errorf("queue capacity: got %d, want 200", cfg.Pipeline.QueueCapacity)
	}
	if cfg.Pipeline.Audio != AudioDevice {
		t.Errorf("audio: got %q, want %q", cfg.Pipeline.Audio, AudioDevice)
	}
	if cfg.API.Addr != ":4444" || cfg.Output.QUICAddr != ":4443" {
		t.Errorf("addrs: got %q %q", cfg.API.Addr, cfg.Output.QUICAddr)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != FormatText {
		t.Errorf("log: got %+v", cfg.Log)
	}
	if cfg.Source.IsSet() {
		t.Error("source set by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestParseFile(t *testing.T) {
	t.Parallel()

	data := []byte(`
source:
  path: /media/clip.mp4
  offset: 1024
  length: 4096
pipeline:
  queue_capacity: 32
  sync_extraction: true
  mute: true
  api_level: 2
  audio: "null"
output:
  file: /tmp/frames.nv21
  quic_addr: ":9000"
api:
  addr: ":9001"
log:
  level: warn
  format: json
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	loc := cfg.Source.Location()
	if loc.Path != "/media/clip.mp4" || loc.Offset != 1024 || loc.Length != 4096 {
		t.Errorf("location: got %+v", loc)
	}
	p := cfg.Pipeline
	if p.QueueCapacity != 32 || !p.SyncExtraction || !p.Mute || p.APILevel != 2 || p.Audio != AudioNull {
		t.Errorf("pipeline: got %+v", p)
	}
	if cfg.Output.File != "/tmp/frames.nv21" || cfg.Output.QUICAddr != ":9000" || cfg.API.Addr != ":9001" {
		t.Errorf("output/api: got %+v %+v", cfg.Output, cfg.API)
	}
	if got := cfg.Log.SlogLevel(); got != slog.LevelWarn {
		t.Errorf("level: got %v, want %v", got, slog.LevelWarn)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("pipeline:\n  queue_depth: 3\n"))
	if err == nil || !strings.Contains(err.Error(), "queue_depth") {
		t.Errorf("got %v, want unknown field error", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"url and path", func(c *Config) { c.Source.URL = "srt://h:1"; c.Source.Path = "/a" }, "exactly one"},
		{"fd and path", func(c *Config) { c.Source.FD = 5; c.Source.Path = "/a" }, "exactly one"},
		{"negative fd", func(c *Config) { c.Source.FD = -1 }, "fd must not be negative"},
		{"range on url", func(c *Config) { c.Source.URL = "srt://h:1"; c.Source.Offset = 8 }, "byte range"},
		{"range without input", func(c *Config) { c.Source.Length = 8 }, "need a path or fd"},
		{"fd with range", func(c *Config) { c.Source.FD = 5; c.Source.Offset = 10 }, ""},
		{"zero queue", func(c *Config) { c.Pipeline.QueueCapacity = -1 }, "queue_capacity"},
		{"negative api level", func(c *Config) { c.Pipeline.APILevel = -1 }, "api_level"},
		{"bad audio", func(c *Config) { c.Pipeline.Audio = "alsa" }, "audio must be"},
		{"same addrs", func(c *Config) { c.Output.QUICAddr = c.API.Addr }, "must differ"},
		{"no api addr", func(c *Config) { c.API.Addr = "" }, "addr is required"},
		{"quic disabled", func(c *Config) { c.Output.QUICAddr = "" }, ""},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "format must be"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Parse(nil)
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("got %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("got %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSourceConflictWrapsInvalidLocation(t *testing.T) {
	t.Parallel()

	s := SourceConfig{FD: 4, URL: "srt://h:1"}
	if err := s.Validate(); !errors.Is(err, source.ErrInvalidLocation) {
		t.Errorf("got %v, want %v", err, source.ErrInvalidLocation)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		env   map[string]string
		check func(*testing.T, *Config)
	}{
		{
			name: "srt source replaces path",
			env:  map[string]string{"VCAM_SOURCE": "srt://10.0.0.1:6000?streamid=cam"},
			check: func(t *testing.T, c *Config) {
				if c.Source.URL != "srt://10.0.0.1:6000?streamid=cam" || c.Source.Path != "" || c.Source.Offset != 0 {
					t.Errorf("source: got %+v", c.Source)
				}
			},
		},
		{
			name: "file source",
			env:  map[string]string{"VCAM_SOURCE": "/media/b.mp4"},
			check: func(t *testing.T, c *Config) {
				if c.Source.Path != "/media/b.mp4" || c.Source.URL != "" {
					t.Errorf("source: got %+v", c.Source)
				}
			},
		},
		{
			name: "addrs and debug",
			env:  map[string]string{"VCAM_API_ADDR": ":1", "VCAM_QUIC_ADDR": ":2", "DEBUG": "1"},
			check: func(t *testing.T, c *Config) {
				if c.API.Addr != ":1" || c.Output.QUICAddr != ":2" {
					t.Errorf("addrs: got %q %q", c.API.Addr, c.Output.QUICAddr)
				}
				if got := c.Log.SlogLevel(); got != slog.LevelDebug {
					t.Errorf("level: got %v, want %v", got, slog.LevelDebug)
				}
			},
		},
		{
			name: "empty environment keeps file values",
			env:  nil,
			check: func(t *testing.T, c *Config) {
				if c.Source.Path != "/media/a.mp4" || c.Source.Offset != 64 || c.API.Addr != ":4444" {
					t.Errorf("got %+v", c)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Parse([]byte("source:\n  path: /media/a.mp4\n  offset: 64\n"))
			if err != nil {
				t.Fatal(err)
			}
			cfg.ApplyEnv(func(k string) string { return tt.env[k] })
			tt.check(t, cfg)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("pipeline:\n  audio: \"null\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("log:\n  format: xml\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(good)
	if err != nil {
		t.Fatalf("Load good: %v", err)
	}
	if cfg.Pipeline.Audio != AudioNull {
		t.Errorf("audio: got %q, want %q", cfg.Pipeline.Audio, AudioNull)
	}
	if _, err := Load(bad); err == nil {
		t.Error("Load bad: got nil error")
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load missing: got nil error")
	}
}
