// Package config provides configuration parsing and validation for
// fuckshadows.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orf53975/fuckshadows-go/internal/cipher"
)

// Mode selects which side of the proxy this process runs.
type Mode string

const (
	// ModeClient accepts SOCKS5 locally and forwards through the remote.
	ModeClient Mode = "client"
	// ModeServer terminates encrypted streams and dials out.
	ModeServer Mode = "server"
)

// Config represents the complete proxy configuration.
type Config struct {
	Mode    Mode          `yaml:"mode"`
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Cipher  CipherConfig  `yaml:"cipher"`
	UDP     UDPConfig     `yaml:"udp"`
	Limits  LimitsConfig  `yaml:"limits"`
	Replay  ReplayConfig  `yaml:"replay"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the remote endpoint. On the server it is the bind
// address; on the client it is the address to dial.
type ServerConfig struct {
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
}

// ClientConfig configures the local SOCKS5 ingress (client mode only).
type ClientConfig struct {
	Listen string `yaml:"listen"`
}

// CipherConfig selects the AEAD method and password.
type CipherConfig struct {
	Method   string `yaml:"method"`
	Password string `yaml:"password"`

	// PasswordFile is read when Password is empty, so secrets can stay out
	// of the main config file.
	PasswordFile string `yaml:"password_file"`
}

// UDPConfig configures the UDP relay.
type UDPConfig struct {
	Enabled bool `yaml:"enabled"`

	// IdleTimeout expires NAT associations with no traffic.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxAssociations caps concurrent NAT entries. 0 means unlimited.
	MaxAssociations int `yaml:"max_associations"`
}

// LimitsConfig bounds resource usage.
type LimitsConfig struct {
	// MaxConnections caps concurrently accepted TCP connections.
	// 0 means unlimited.
	MaxConnections int `yaml:"max_connections"`

	// RateBytesPerSecond shapes per-connection throughput.
	// 0 disables shaping.
	RateBytesPerSecond int64 `yaml:"rate_bytes_per_second"`
}

// ReplayConfig sizes the server-side salt filter.
type ReplayConfig struct {
	Capacity          uint    `yaml:"capacity"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with usable defaults. The password and
// addresses still have to be filled in.
func Default() *Config {
	return &Config{
		Mode: ModeClient,
		Server: ServerConfig{
			Timeout: 5 * time.Minute,
		},
		Client: ClientConfig{
			Listen: "127.0.0.1:1080",
		},
		Cipher: CipherConfig{
			Method: "aes-256-gcm",
		},
		UDP: UDPConfig{
			IdleTimeout:     5 * time.Minute,
			MaxAssociations: 1024,
		},
		Replay: ReplayConfig{
			Capacity:          1 << 20,
			FalsePositiveRate: 1e-6,
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency. It fails closed: a
// config that cannot be fully understood never starts a relay.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeClient, ModeServer:
	default:
		return fmt.Errorf("invalid mode %q (want %q or %q)", c.Mode, ModeClient, ModeServer)
	}

	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if err := validateHostPort(c.Server.Address); err != nil {
		return fmt.Errorf("server.address: %w", err)
	}

	if c.Mode == ModeClient {
		if c.Client.Listen == "" {
			return fmt.Errorf("client.listen is required in client mode")
		}
		if err := validateHostPort(c.Client.Listen); err != nil {
			return fmt.Errorf("client.listen: %w", err)
		}
	}

	if _, err := cipher.LookupSpec(c.Cipher.Method); err != nil {
		return fmt.Errorf("cipher.method: %w", err)
	}
	if c.Cipher.Password == "" && c.Cipher.PasswordFile == "" {
		return fmt.Errorf("cipher.password or cipher.password_file is required")
	}

	if c.Limits.MaxConnections < 0 {
		return fmt.Errorf("limits.max_connections must not be negative")
	}
	if c.Limits.RateBytesPerSecond < 0 {
		return fmt.Errorf("limits.rate_bytes_per_second must not be negative")
	}
	if c.UDP.MaxAssociations < 0 {
		return fmt.Errorf("udp.max_associations must not be negative")
	}
	if c.Replay.FalsePositiveRate < 0 || c.Replay.FalsePositiveRate >= 1 {
		return fmt.Errorf("replay.false_positive_rate must be in [0, 1)")
	}

	if c.Metrics.Enabled {
		if err := validateHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen: %w", err)
		}
	}

	return nil
}

// ResolvePassword returns the configured password, reading PasswordFile if
// the inline value is empty.
func (c *Config) ResolvePassword() (string, error) {
	if c.Cipher.Password != "" {
		return c.Cipher.Password, nil
	}
	if c.Cipher.PasswordFile == "" {
		return "", fmt.Errorf("no password configured")
	}
	data, err := os.ReadFile(c.Cipher.PasswordFile)
	if err != nil {
		return "", fmt.Errorf("read password file: %w", err)
	}
	pw := string(data)
	// Trailing newline from editors is never part of the password.
	for len(pw) > 0 && (pw[len(pw)-1] == '\n' || pw[len(pw)-1] == '\r') {
		pw = pw[:len(pw)-1]
	}
	if pw == "" {
		return "", fmt.Errorf("password file %s is empty", c.Cipher.PasswordFile)
	}
	return pw, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func validateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host != "" {
		if ip := net.ParseIP(host); ip == nil {
			// Hostnames are allowed; only reject obviously empty labels.
			if host == "." {
				return fmt.Errorf("invalid host %q", host)
			}
		}
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}
