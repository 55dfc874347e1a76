package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel       string          `yaml:"log_level" default:"info"`
	Role           string          `yaml:"role" default:"client"` // client, server
	Adapter        string          `yaml:"adapter" default:"hci0"`
	DeviceName     string          `yaml:"device_name" default:"SPP_DEVICE"`
	Security       string          `yaml:"security" default:"authenticate"` // none, authorize, authenticate
	EventQueueSize int             `yaml:"event_queue_size" default:"64"`
	Server         ServerConfig    `yaml:"server"`
	Discovery      DiscoveryConfig `yaml:"discovery"`
	Session        SessionConfig   `yaml:"session"`
	Pairing        PairingConfig   `yaml:"pairing"`
}

// ServerConfig holds the server role settings
type ServerConfig struct {
	Name    string `yaml:"name" default:"SPP_SERVER"`
	Channel uint8  `yaml:"channel" default:"0"` // 0 lets the stack choose
}

// DiscoveryConfig holds the client role inquiry settings
type DiscoveryConfig struct {
	TargetName      string `yaml:"target_name" default:"NCC-1701F"`
	InquiryDuration uint8  `yaml:"inquiry_duration" default:"30"` // units of 1.28s
	MaxResponses    uint8  `yaml:"max_responses" default:"0"`     // 0 = unlimited
}

// SessionConfig holds the session table settings
type SessionConfig struct {
	Capacity          int           `yaml:"capacity" default:"8"`
	ChunkSize         int           `yaml:"chunk_size" default:"100"`
	IdleInterval      time.Duration `yaml:"idle_interval" default:"1s"`
	StopTimeout       time.Duration `yaml:"worker_stop_timeout" default:"2s"`
	ObservationBuffer int           `yaml:"observation_buffer" default:"64"`
	Payload           string        `yaml:"payload" default:"echo"` // echo, pty
	PTYBufferSize     int           `yaml:"pty_buffer_size" default:"4096"`
}

// PairingConfig holds the pairing policy settings
type PairingConfig struct {
	Mode    string        `yaml:"mode" default:"fixed"` // fixed, prompt, reject
	PIN     string        `yaml:"pin" default:"1234"`
	PIN16   string        `yaml:"pin16" default:"0000000000000000"`
	Passkey uint32        `yaml:"passkey" default:"123456"`
	Accept  bool          `yaml:"accept" default:"true"`
	Timeout time.Duration `yaml:"timeout" default:"10s"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	_, err := logrus.ParseLevel(c.LogLevel)
	check(err == nil, "invalid log_level %q", c.LogLevel)
	check(oneOf(c.Role, "client", "server"), "invalid role %q (must be client or server)", c.Role)
	check(oneOf(c.Security, "none", "authorize", "authenticate"), "invalid security %q", c.Security)
	check(c.DeviceName != "", "device_name must not be empty")
	check(c.EventQueueSize > 0, "event_queue_size must be positive")

	check(c.Discovery.InquiryDuration >= 1 && c.Discovery.InquiryDuration <= 48,
		"discovery.inquiry_duration %d out of range [1, 48]", c.Discovery.InquiryDuration)
	if strings.EqualFold(c.Role, "client") {
		check(c.Discovery.TargetName != "", "discovery.target_name is required in the client role")
	}
	check(len(c.Discovery.TargetName) <= 248, "discovery.target_name longer than 248 bytes")

	check(c.Session.Capacity > 0, "session.capacity must be positive")
	check(c.Session.ChunkSize > 0, "session.chunk_size must be positive")
	check(c.Session.IdleInterval > 0, "session.idle_interval must be positive")
	check(c.Session.StopTimeout > 0, "session.worker_stop_timeout must be positive")
	check(c.Session.ObservationBuffer > 0, "session.observation_buffer must be positive")
	check(oneOf(c.Session.Payload, "echo", "pty"), "invalid session.payload %q (must be echo or pty)", c.Session.Payload)
	if c.Session.Payload == "pty" {
		check(c.Session.PTYBufferSize > 0, "session.pty_buffer_size must be positive")
	}

	check(oneOf(c.Pairing.Mode, "fixed", "prompt", "reject"), "invalid pairing.mode %q", c.Pairing.Mode)
	check(len(c.Pairing.PIN) >= 1 && len(c.Pairing.PIN) <= 16, "pairing.pin must be 1 to 16 characters")
	check(len(c.Pairing.PIN16) == 16, "pairing.pin16 must be exactly 16 characters")
	check(c.Pairing.Passkey <= 999999, "pairing.passkey %d out of range [0, 999999]", c.Pairing.Passkey)
	check(c.Pairing.Timeout > 0, "pairing.timeout must be positive")

	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
