// Package config loads and validates the server configuration.
//
// Values are resolved in increasing order of precedence:
//
//  1. Defaults (Default)
//  2. An optional YAML file (Load)
//  3. SYNCD_* environment variables (ApplyEnv)
//  4. Command-line flags, applied by cmd/syncd
//
// Validate must pass before the configuration is used.
package config

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 8080
	DefaultLogLevel     = "info"
	DefaultPollInterval = 20 * time.Millisecond
	DefaultWriteTimeout = 5 * time.Second
	DefaultMaxFrameSize = 1 << 20
	DefaultMailboxSize  = 1024
)

// Config is the complete server configuration.
type Config struct {
	// Host and Port form the listen address of the stream socket.
	Host string `yaml:"host" validate:"required"`
	Port uint16 `yaml:"port"`

	// AdminAddr is the listen address of the admin HTTP API and WebSocket
	// endpoint. Empty disables it.
	AdminAddr string `yaml:"admin_addr"`

	// AllowedOrigins lists browser origins, besides the admin address
	// itself, that may open WebSocket sessions. "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	LogLevel string `yaml:"log_level" validate:"oneof=trace debug info warn error"`

	// Echo makes the originating connection receive its own updates too.
	Echo bool `yaml:"echo"`

	// Console enables the interactive operator console on stdin.
	Console bool `yaml:"console"`

	// PollInterval is the longest a connection loop waits between passes.
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0,lte=100ms"`

	// WriteTimeout bounds a single socket write; exceeding it ends the connection.
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gt=0"`

	// HandshakeTimeout terminates connections that stay unauthenticated this long.
	// Zero disables the check.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" validate:"gte=0"`

	MaxFrameSize int `yaml:"max_frame_size" validate:"gte=64,lte=67108864"`
	MailboxSize  int `yaml:"mailbox_size" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host:         DefaultHost,
		Port:         DefaultPort,
		LogLevel:     DefaultLogLevel,
		Console:      true,
		PollInterval: DefaultPollInterval,
		WriteTimeout: DefaultWriteTimeout,
		MaxFrameSize: DefaultMaxFrameSize,
		MailboxSize:  DefaultMailboxSize,
	}
}

// Load returns the defaults overlaid with the YAML file at path (if any)
// and then with the environment. It does not validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config file %s failed", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config file %s failed", path)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, errors.Wrap(err, "apply environment failed")
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SYNCD_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("SYNCD_HOST"); ok {
		c.Host = v
	}
	if v, ok := lookup("SYNCD_PORT"); ok {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return errors.Wrap(err, "parse SYNCD_PORT failed")
		}
		c.Port = uint16(port)
	}
	if v, ok := lookup("SYNCD_ADMIN_ADDR"); ok {
		c.AdminAddr = v
	}
	if v, ok := lookup("SYNCD_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := lookup("SYNCD_ECHO"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, "parse SYNCD_ECHO failed")
		}
		c.Echo = b
	}
	if v, ok := lookup("SYNCD_CONSOLE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, "parse SYNCD_CONSOLE failed")
		}
		c.Console = b
	}
	if v, ok := lookup("SYNCD_HANDSHAKE_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "parse SYNCD_HANDSHAKE_TIMEOUT failed")
		}
		c.HandshakeTimeout = d
	}
	return nil
}

// Validate checks every field against its constraints.
func (c Config) Validate() error {
	if err := Validator().Struct(c); err != nil {
		return errors.Wrap(err, "validate config failed")
	}
	return nil
}

// ListenAddr returns the host:port address of the stream socket.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}
