/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	UserConfigName   = ".duplexrc"
	SystemConfigPath = "/etc/loqa-duplex/config.yaml"
)

// Config represents the complete daemon configuration
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Stream   StreamConfig   `yaml:"stream"`
	NATS     NATSConfig     `yaml:"nats"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
	Playback PlaybackConfig `yaml:"playback"`
}

// EngineConfig selects the audio engine binding
type EngineConfig struct {
	Backend string `yaml:"backend"` // portaudio, malgo or mock
}

// StreamConfig is the stream requested at startup
type StreamConfig struct {
	Host               string `yaml:"host"`          // restricts device lookup to one host API
	OutputDevice       string `yaml:"output_device"` // empty selects the default output
	InputDevice        string `yaml:"input_device"`  // empty for output-only, "default" for the default input
	SampleRate         int    `yaml:"sample_rate"`
	FramesPerBuffer    int    `yaml:"frames_per_buffer"`
	LatencyMs          int    `yaml:"latency_ms"`
	StopTimeoutSeconds int    `yaml:"stop_timeout"`
}

// NATSConfig contains the control plane connection
type NATSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	URL             string `yaml:"url"`
	ID              string `yaml:"id"`
	SubjectPrefix   string `yaml:"subject_prefix"`
	ConnectAttempts int    `yaml:"connect_attempts"`
	ConnectTimeout  int    `yaml:"connect_timeout"` // seconds
}

// HTTPConfig contains the metrics and status server
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PlaybackConfig describes the clip played through the stream
type PlaybackConfig struct {
	WAVFile string  `yaml:"wav_file"`
	Gain    float64 `yaml:"gain"`
	Loop    bool    `yaml:"loop"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Engine.Backend = "portaudio"

	cfg.Stream.SampleRate = 48000
	cfg.Stream.FramesPerBuffer = 256
	cfg.Stream.LatencyMs = 20
	cfg.Stream.StopTimeoutSeconds = 5

	cfg.NATS.Enabled = false
	cfg.NATS.URL = "nats://localhost:4222"
	cfg.NATS.ID = "loqa-duplex-001"
	cfg.NATS.SubjectPrefix = "duplex"
	cfg.NATS.ConnectAttempts = 5
	cfg.NATS.ConnectTimeout = 5

	cfg.HTTP.Enabled = true
	cfg.HTTP.Address = "127.0.0.1"
	cfg.HTTP.Port = 9464

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Playback.Gain = 1.0
	cfg.Playback.Loop = true

	return cfg
}

// Load reads a config file over the defaults and validates the result
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadWithFallback attempts to load configuration from multiple locations
// Priority: explicit path > ~/.duplexrc > /etc/loqa-duplex/config.yaml > defaults
func LoadWithFallback(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigPath := filepath.Join(homeDir, UserConfigName)
		if _, err := os.Stat(userConfigPath); err == nil {
			return Load(userConfigPath)
		}
	}

	if _, err := os.Stat(SystemConfigPath); err == nil {
		return Load(SystemConfigPath)
	}

	return DefaultConfig(), nil
}

// Save writes the configuration as YAML
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides fields from DUPLEX_* variables found by lookup,
// usually os.LookupEnv
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}

	str("DUPLEX_BACKEND", &c.Engine.Backend)
	str("DUPLEX_HOST", &c.Stream.Host)
	str("DUPLEX_OUTPUT_DEVICE", &c.Stream.OutputDevice)
	str("DUPLEX_INPUT_DEVICE", &c.Stream.InputDevice)
	str("DUPLEX_NATS_URL", &c.NATS.URL)
	str("DUPLEX_ID", &c.NATS.ID)
	str("DUPLEX_LOG_LEVEL", &c.Logging.Level)
	str("DUPLEX_LOG_FORMAT", &c.Logging.Format)
	str("DUPLEX_WAV_FILE", &c.Playback.WAVFile)

	for key, dst := range map[string]*int{
		"DUPLEX_SAMPLE_RATE":       &c.Stream.SampleRate,
		"DUPLEX_FRAMES_PER_BUFFER": &c.Stream.FramesPerBuffer,
		"DUPLEX_LATENCY_MS":        &c.Stream.LatencyMs,
		"DUPLEX_HTTP_PORT":         &c.HTTP.Port,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}

	if err := flag("DUPLEX_NATS_ENABLED", &c.NATS.Enabled); err != nil {
		return err
	}
	return flag("DUPLEX_HTTP_ENABLED", &c.HTTP.Enabled)
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}

	if err := c.NATS.Validate(); err != nil {
		return fmt.Errorf("nats config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Playback.Validate(); err != nil {
		return fmt.Errorf("playback config: %w", err)
	}

	return nil
}

// Validate validates engine configuration
func (e *EngineConfig) Validate() error {
	validBackends := map[string]bool{"portaudio": true, "malgo": true, "mock": true}
	if !validBackends[e.Backend] {
		return fmt.Errorf("backend must be one of [portaudio, malgo, mock], got '%s'", e.Backend)
	}
	return nil
}

// Validate validates stream configuration
func (s *StreamConfig) Validate() error {
	if s.SampleRate < 8000 || s.SampleRate > 384000 {
		return fmt.Errorf("sample_rate must be between 8000 and 384000 Hz, got %d", s.SampleRate)
	}

	if s.FramesPerBuffer < 0 || s.FramesPerBuffer > 8192 {
		return fmt.Errorf("frames_per_buffer must be between 0 and 8192, got %d", s.FramesPerBuffer)
	}

	if s.LatencyMs < 0 || s.LatencyMs > 2000 {
		return fmt.Errorf("latency_ms must be between 0 and 2000, got %d", s.LatencyMs)
	}

	if s.StopTimeoutSeconds < 1 {
		return fmt.Errorf("stop_timeout must be at least 1 second, got %d", s.StopTimeoutSeconds)
	}

	return nil
}

// Validate validates NATS configuration
func (n *NATSConfig) Validate() error {
	if !n.Enabled {
		return nil
	}

	if n.URL == "" {
		return fmt.Errorf("url cannot be empty when NATS is enabled")
	}

	if n.ID == "" || strings.ContainsAny(n.ID, ".*> ") {
		return fmt.Errorf("id must be a non-empty subject token, got '%s'", n.ID)
	}

	if n.SubjectPrefix == "" {
		return fmt.Errorf("subject_prefix cannot be empty")
	}

	if n.ConnectAttempts < 1 {
		return fmt.Errorf("connect_attempts must be at least 1, got %d", n.ConnectAttempts)
	}

	if n.ConnectTimeout < 1 {
		return fmt.Errorf("connect_timeout must be at least 1 second, got %d", n.ConnectTimeout)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	if _, err := parseLevel(l.Level); err != nil {
		return err
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// Validate validates playback configuration
func (p *PlaybackConfig) Validate() error {
	if p.Gain < 0 || p.Gain > 4 {
		return fmt.Errorf("gain must be between 0 and 4, got %f", p.Gain)
	}
	return nil
}

// Latency returns the requested latency as a time.Duration
func (s *StreamConfig) Latency() time.Duration {
	return time.Duration(s.LatencyMs) * time.Millisecond
}

// StopTimeout returns the graceful stop bound as a time.Duration
func (s *StreamConfig) StopTimeout() time.Duration {
	return time.Duration(s.StopTimeoutSeconds) * time.Second
}

// ConnectTimeoutDuration returns the NATS connect timeout as a time.Duration
func (n *NATSConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(n.ConnectTimeout) * time.Second
}

// ListenAddress returns host:port for the HTTP server
func (h *HTTPConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}

// NewLogger builds the slog logger the configuration describes
func (l *LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", level)
	}
}
