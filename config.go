package proactor

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const defEventsBufferSize = 64

// Mode decides who drives the dispatch loop.
type Mode int

const (
	// CallerDriven never spawns a goroutine; the caller runs Poll, RunOne or Run.
	CallerDriven Mode = iota
	// SelfDriven owns one background goroutine running Run until Close.
	SelfDriven
)

func (m Mode) String() string {
	switch m {
	case CallerDriven:
		return "caller"
	case SelfDriven:
		return "self"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "caller", "caller-driven":
		return CallerDriven, nil
	case "self", "self-driven":
		return SelfDriven, nil
	}
	return CallerDriven, fmt.Errorf("%w: %q", errInvalidMode, s)
}

type Global struct {
	LogLevel string `yaml:"log_level" toml:"log_level"`
}

type Config struct {
	Global            Global `yaml:"global" toml:"global"`
	Name              string `yaml:"name" toml:"name"`
	Mode              string `yaml:"mode" toml:"mode"`
	LockOsThread      bool   `yaml:"lock_os_thread" toml:"lock_os_thread"`
	EventBufferSize   int    `yaml:"event_buffer_size" toml:"event_buffer_size"`
	PollTimeoutMs     int    `yaml:"poll_timeout_ms" toml:"poll_timeout_ms"`
	RunTimeoutMs      int    `yaml:"run_timeout_ms" toml:"run_timeout_ms"`
	SocketBufferSize  int    `yaml:"socket_buffer_size" toml:"socket_buffer_size"`
	ResolveCacheTTLMs int    `yaml:"resolve_cache_ttl_ms" toml:"resolve_cache_ttl_ms"`

	// Logger overrides the global zerolog logger. Not read from files.
	Logger *zerolog.Logger `yaml:"-" toml:"-"`
}

func DefaultConfig() Config {
	return Config{
		Global:            Global{LogLevel: "info"},
		Mode:              CallerDriven.String(),
		EventBufferSize:   defEventsBufferSize,
		PollTimeoutMs:     10,
		RunTimeoutMs:      250,
		ResolveCacheTTLMs: 60000,
	}
}

// LoadConfig reads a .yaml/.yml or .toml file on top of DefaultConfig.
func LoadConfig(filePath string) (*Config, error) {
	file, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	config := DefaultConfig()
	switch {
	case strings.HasSuffix(filePath, ".toml"):
		err = toml.Unmarshal(file, &config)
	case strings.HasSuffix(filePath, ".yaml"), strings.HasSuffix(filePath, ".yml"):
		err = yaml.Unmarshal(file, &config)
	default:
		return nil, fmt.Errorf("unsupported config format: %s", filePath)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filePath, err)
	}
	if err = config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if _, err := ParseMode(c.Mode); err != nil {
		return err
	}
	if c.PollTimeoutMs < 0 {
		return fmt.Errorf("poll_timeout_ms must not be negative: %d", c.PollTimeoutMs)
	}
	if c.RunTimeoutMs <= 0 {
		return fmt.Errorf("run_timeout_ms must be positive: %d", c.RunTimeoutMs)
	}
	if c.EventBufferSize < 0 {
		return fmt.Errorf("event_buffer_size must not be negative: %d", c.EventBufferSize)
	}
	if c.Global.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.Global.LogLevel); err != nil {
			return fmt.Errorf("invalid log_level: %w", err)
		}
	}
	return nil
}

func (c *Config) mode() Mode {
	m, _ := ParseMode(c.Mode)
	return m
}

func (c *Config) pollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMs) * time.Millisecond
}

func (c *Config) runTimeout() time.Duration {
	return time.Duration(c.RunTimeoutMs) * time.Millisecond
}

func (c *Config) ResolveTTL() time.Duration {
	return time.Duration(c.ResolveCacheTTLMs) * time.Millisecond
}
