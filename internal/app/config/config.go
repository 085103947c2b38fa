package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ghalamif/Tether/internal/adapters/sink"
	"github.com/ghalamif/Tether/internal/adapters/source"
	"github.com/ghalamif/Tether/internal/adapters/source/opcua"
	"github.com/ghalamif/Tether/internal/adapters/source/sshexec"
	"github.com/ghalamif/Tether/internal/adapters/transform"
)

type Config struct {
	Source     SourceConfig     `yaml:"source"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Transform  TransformConfig  `yaml:"transform"`
	Sink       SinkConfig       `yaml:"sink"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Log        LogConfig        `yaml:"log"`
}

type SourceConfig struct {
	Kind          string         `yaml:"kind"`
	Endpoint      string         `yaml:"endpoint"`
	Command       string         `yaml:"command"`
	Script        string         `yaml:"script"`
	IdleTimeoutMs int            `yaml:"idle_timeout_ms"`
	MaxLineBytes  int            `yaml:"max_line_bytes"`
	OnEndOfStream string         `yaml:"on_end_of_stream"`
	SSH           sshexec.Config `yaml:"ssh"`
	Exec          ExecConfig     `yaml:"exec"`
	OPCUA         opcua.Config   `yaml:"opcua"`
}

type ExecConfig struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
}

type SupervisorConfig struct {
	RetryBaseMs            int     `yaml:"retry_base_ms"`
	RetryCapMs             int     `yaml:"retry_cap_ms"`
	RetryJitter            float64 `yaml:"retry_jitter"`
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures"`
	QueueCapacity          int     `yaml:"queue_capacity"`
	DrainTimeoutMs         int     `yaml:"drain_timeout_ms"`
}

type TransformConfig struct {
	Version uint16           `yaml:"version"`
	Rules   []transform.Rule `yaml:"rules"`
}

type SinkConfig struct {
	Kind      string               `yaml:"kind"`
	Retry     RetryConfig          `yaml:"retry"`
	Stdout    sink.StdoutConfig    `yaml:"stdout"`
	Timescale sink.TimescaleConfig `yaml:"timescale"`
	NATS      sink.NATSConfig      `yaml:"nats"`
}

type RetryConfig struct {
	BaseMs      int     `yaml:"base_ms"`
	CapMs       int     `yaml:"cap_ms"`
	MaxAttempts int     `yaml:"max_attempts"`
	Jitter      float64 `yaml:"jitter"`
}

type MetricsConfig struct {
	Addr     string `yaml:"addr"`
	Disabled bool   `yaml:"disabled"`
}

type DeadLetterConfig struct {
	Dir string `yaml:"dir"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	SourceSSH   = "ssh"
	SourceExec  = "exec"
	SourceOPCUA = "opcua"

	SinkStdout    = "stdout"
	SinkTimescale = "timescale"
	SinkNATS      = "nats"

	EndOfStreamRestart = "restart"
	EndOfStreamStop    = "stop"
)

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw, filepath.Dir(path))
}

// Parse decodes YAML. A relative script path is resolved against baseDir.
func Parse(raw []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Source.Script != "" && !filepath.IsAbs(cfg.Source.Script) && baseDir != "" {
		cfg.Source.Script = filepath.Join(baseDir, cfg.Source.Script)
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Finalize applies defaults and validates. Programmatically built configs
// go through it before use.
func (c *Config) Finalize() error {
	c.applyDefaults()
	return c.validate()
}

func (c *Config) applyDefaults() {
	s := &c.Source
	if s.Kind == "" {
		s.Kind = SourceSSH
	}
	if s.Command == "" && s.Kind == SourceSSH {
		s.Command = "python3 -"
	}
	if s.IdleTimeoutMs <= 0 {
		s.IdleTimeoutMs = int(source.DefaultIdleTimeout / time.Millisecond)
	}
	if s.MaxLineBytes <= 0 {
		s.MaxLineBytes = source.DefaultMaxLineBytes
	}
	if s.OnEndOfStream == "" {
		s.OnEndOfStream = EndOfStreamRestart
	}
	switch s.Kind {
	case SourceSSH:
		s.SSH.ApplyDefaults()
	case SourceOPCUA:
		s.OPCUA.ApplyDefaults()
	}

	sv := &c.Supervisor
	if sv.RetryBaseMs <= 0 {
		sv.RetryBaseMs = 1000
	}
	if sv.RetryCapMs <= 0 {
		sv.RetryCapMs = 60_000
	}
	if sv.RetryJitter == 0 {
		sv.RetryJitter = 0.2
	}
	if sv.QueueCapacity <= 0 {
		sv.QueueCapacity = 1000
	}
	if sv.DrainTimeoutMs <= 0 {
		sv.DrainTimeoutMs = 5000
	}

	if c.Sink.Kind == "" {
		c.Sink.Kind = SinkStdout
	}
	r := &c.Sink.Retry
	if r.BaseMs <= 0 {
		r.BaseMs = 200
	}
	if r.CapMs <= 0 {
		r.CapMs = 5000
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 5
	}
	if r.Jitter == 0 {
		r.Jitter = 0.2
	}
	switch c.Sink.Kind {
	case SinkTimescale:
		c.Sink.Timescale.ApplyDefaults()
	case SinkNATS:
		c.Sink.NATS.ApplyDefaults()
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

func (c *Config) validate() error {
	if err := c.validateSource(); err != nil {
		return fmt.Errorf("source config: %w", err)
	}

	sv := c.Supervisor
	switch {
	case sv.RetryCapMs < sv.RetryBaseMs:
		return fmt.Errorf("supervisor.retry_cap_ms (%d) must be >= retry_base_ms (%d)", sv.RetryCapMs, sv.RetryBaseMs)
	case sv.RetryJitter < 0 || sv.RetryJitter >= 1:
		return fmt.Errorf("supervisor.retry_jitter must be in [0,1), got %v", sv.RetryJitter)
	case sv.MaxConsecutiveFailures < 0:
		return fmt.Errorf("supervisor.max_consecutive_failures must be >= 0")
	}

	for i, r := range c.Transform.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("transform.rules[%d]: %w", i, err)
		}
	}

	if err := c.validateSink(); err != nil {
		return fmt.Errorf("sink config: %w", err)
	}

	if !c.Metrics.Disabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required")
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

func (c *Config) validateSource() error {
	s := c.Source
	if s.OnEndOfStream != EndOfStreamRestart && s.OnEndOfStream != EndOfStreamStop {
		return fmt.Errorf("on_end_of_stream must be %q or %q, got %q", EndOfStreamRestart, EndOfStreamStop, s.OnEndOfStream)
	}

	switch s.Kind {
	case SourceSSH:
		if s.Endpoint == "" {
			return errors.New("endpoint is required")
		}
		if _, err := source.ParseEndpoint(s.Endpoint); err != nil {
			return err
		}
		if s.Script == "" {
			return errors.New("script is required")
		}
		if err := s.SSH.Validate(); err != nil {
			return fmt.Errorf("ssh: %w", err)
		}
	case SourceExec:
		if s.Exec.Path == "" && s.Command == "" {
			return errors.New("exec.path or command is required")
		}
	case SourceOPCUA:
		return s.OPCUA.Validate()
	default:
		return fmt.Errorf("unknown kind %q", s.Kind)
	}

	if s.Script != "" {
		if _, err := os.Stat(s.Script); err != nil {
			return fmt.Errorf("script: %w", err)
		}
	}
	return nil
}

func (c *Config) validateSink() error {
	if c.Sink.Retry.CapMs < c.Sink.Retry.BaseMs {
		return fmt.Errorf("retry.cap_ms must be >= retry.base_ms")
	}
	if c.Sink.Retry.Jitter < 0 || c.Sink.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0,1)")
	}
	switch c.Sink.Kind {
	case SinkStdout:
		return nil
	case SinkTimescale:
		return c.Sink.Timescale.Validate()
	case SinkNATS:
		return c.Sink.NATS.Validate()
	default:
		return fmt.Errorf("unknown kind %q", c.Sink.Kind)
	}
}

func (s SourceConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMs) * time.Millisecond
}

func (s SupervisorConfig) RetryBase() time.Duration {
	return time.Duration(s.RetryBaseMs) * time.Millisecond
}

func (s SupervisorConfig) RetryCap() time.Duration {
	return time.Duration(s.RetryCapMs) * time.Millisecond
}

func (s SupervisorConfig) DrainTimeout() time.Duration {
	return time.Duration(s.DrainTimeoutMs) * time.Millisecond
}

func (r RetryConfig) Base() time.Duration { return time.Duration(r.BaseMs) * time.Millisecond }
func (r RetryConfig) Cap() time.Duration  { return time.Duration(r.CapMs) * time.Millisecond }
