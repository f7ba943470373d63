// Package config provides configuration management for the vmdbg server.
//
// Configuration controls:
//   - Capability mode (readonly vs full): determines which tools are available
//   - Permission flags: control attach, breakpoint modification and execution control
//   - VM connection settings: transport, connect retry budget, evaluation timeout
//   - Logging and metrics settings
//   - Safety limits: maximum sessions and session idle timeout
//
// Configuration is loaded from a YAML file layered over Go defaults, with
// ${VAR} references expanded from the environment.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	uberconfig "go.uber.org/config"

	"github.com/ctagard/vmdbg/internal/errors"
)

// CapabilityMode defines the level of debugging capabilities exposed
type CapabilityMode string

const (
	ModeReadOnly CapabilityMode = "readonly" // Inspection tools only
	ModeFull     CapabilityMode = "full"     // All tools enabled
)

// Transport names accepted in VMConfig.Transport.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Config holds the server configuration
type Config struct {
	// Capability levels
	Mode         CapabilityMode `yaml:"mode"`
	AllowAttach  bool           `yaml:"allowAttach"`
	AllowModify  bool           `yaml:"allowModify"`
	AllowExecute bool           `yaml:"allowExecute"`

	VM      VMConfig      `yaml:"vm"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`

	// Limits for safety
	MaxSessions    int           `yaml:"maxSessions"`
	SessionTimeout time.Duration `yaml:"sessionTimeout"`
}

// VMConfig controls how sessions talk to the VM.
type VMConfig struct {
	Transport     string `yaml:"transport"`
	WebSocketPath string `yaml:"webSocketPath"`

	// ConnectTimeout is the total budget for connect retries.
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	RetryBackoff   time.Duration `yaml:"retryBackoff"`

	// EvalTimeout bounds condition and log expression evaluation while an
	// isolate is paused at a breakpoint.
	EvalTimeout time.Duration `yaml:"evalTimeout"`

	EntryFunction      string `yaml:"entryFunction"`
	ExceptionPauseMode string `yaml:"exceptionPauseMode"`
	MinProtocolVersion string `yaml:"minProtocolVersion"`
	SyncIsolates       bool   `yaml:"syncIsolates"`
}

// LoggingConfig represents the logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	Encoding    string `yaml:"encoding"`
}

// MetricsConfig configures the root metrics scope.
type MetricsConfig struct {
	Prefix         string        `yaml:"prefix"`
	ReportInterval time.Duration `yaml:"reportInterval"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Mode:           ModeFull,
		AllowAttach:    true,
		AllowModify:    true,
		AllowExecute:   true,
		MaxSessions:    10,
		SessionTimeout: 30 * time.Minute,
		VM: VMConfig{
			Transport:          TransportTCP,
			WebSocketPath:      "/ws",
			ConnectTimeout:     5 * time.Second,
			RetryBackoff:       50 * time.Millisecond,
			EvalTimeout:        time.Second,
			EntryFunction:      "main",
			ExceptionPauseMode: "unhandled",
			MinProtocolVersion: "3.0",
			SyncIsolates:       true,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
		Metrics: MetricsConfig{
			Prefix:         "vmdbg",
			ReportInterval: time.Second,
		},
	}
}

// LoadConfig loads configuration from a YAML file. An empty path returns the
// defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	return load(uberconfig.File(path))
}

// Parse loads configuration from YAML read from r.
func Parse(r io.Reader) (*Config, error) {
	return load(uberconfig.Source(r))
}

func load(source uberconfig.YAMLOption) (*Config, error) {
	provider, err := uberconfig.NewYAML(source, uberconfig.Expand(os.LookupEnv))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg := DefaultConfig()
	if err := provider.Get(uberconfig.Root).Populate(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeReadOnly, ModeFull:
	default:
		return errors.ConfigInvalid("mode", fmt.Sprintf("unknown mode %q", c.Mode))
	}
	switch c.VM.Transport {
	case TransportTCP, TransportWebSocket:
	default:
		return errors.ConfigInvalid("vm.transport", fmt.Sprintf("unknown transport %q", c.VM.Transport))
	}
	switch c.VM.ExceptionPauseMode {
	case "none", "unhandled", "all":
	default:
		return errors.ConfigInvalid("vm.exceptionPauseMode", fmt.Sprintf("unknown mode %q", c.VM.ExceptionPauseMode))
	}
	if c.VM.ConnectTimeout <= 0 {
		return errors.ConfigInvalid("vm.connectTimeout", "must be positive")
	}
	if c.VM.RetryBackoff <= 0 || c.VM.RetryBackoff > c.VM.ConnectTimeout {
		return errors.ConfigInvalid("vm.retryBackoff", "must be positive and no larger than vm.connectTimeout")
	}
	if c.VM.EvalTimeout <= 0 {
		return errors.ConfigInvalid("vm.evalTimeout", "must be positive")
	}
	if c.MaxSessions <= 0 {
		return errors.ConfigInvalid("maxSessions", "must be positive")
	}
	return nil
}

// CanUseControlTools returns true if control tools are enabled
func (c *Config) CanUseControlTools() bool {
	return c.Mode == ModeFull
}

// CanAttach returns true if attaching to VMs is allowed
func (c *Config) CanAttach() bool {
	return c.AllowAttach
}

// CanModifyBreakpoints returns true if breakpoint changes are allowed
func (c *Config) CanModifyBreakpoints() bool {
	return c.Mode == ModeFull && c.AllowModify
}

// CanExecute returns true if resume, pause and step are allowed
func (c *Config) CanExecute() bool {
	return c.Mode == ModeFull && c.AllowExecute
}
