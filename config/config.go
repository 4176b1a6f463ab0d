// Package config reads the optional YAML file that supplies defaults for the
// command line client and names the servers it can test against.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/m-lab/ndt5-client/ndt5"
	"github.com/m-lab/ndt5-client/ndt5/protocol"
)

// Target is a named server.
type Target struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`      // 0 = the transport's default
	Transport string `yaml:"transport"` // empty = the file's transport
}

// Config represents the full configuration
type Config struct {
	// Server is the default target: a name from Targets or a host name.
	// Empty means ask the locate service.
	Server    string   `yaml:"server"`
	Transport string   `yaml:"transport"`
	Tests     []string `yaml:"tests"`

	Iterations int           `yaml:"iterations"`
	Delay      time.Duration `yaml:"delay"`

	PreferIPv6        bool   `yaml:"prefer_ipv6"`
	CongestionControl string `yaml:"congestion_control"`

	DataDir  string `yaml:"datadir"`
	Compress bool   `yaml:"compress"`

	RedisAddress string `yaml:"redis_address"`
	// Device is the network interface whose counters are recorded.
	Device string `yaml:"device"`

	Metadata map[string]string `yaml:"metadata"`
	Targets  map[string]Target `yaml:"targets"`
}

// DefaultConfig returns the configuration used without a file.
func DefaultConfig() *Config {
	return &Config{
		Transport:  ndt5.Plain.String(),
		Tests:      []string{"c2s", "s2c", "meta"},
		Iterations: 1,
		DataDir:    ".",
	}
}

// Load reads configuration from a YAML file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Save writes configuration to a YAML file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if _, err := ndt5.ParseTransport(c.Transport); err != nil {
		return err
	}
	if _, err := c.TestFlags(); err != nil {
		return err
	}
	if c.Iterations < 1 {
		return fmt.Errorf("iterations must be at least 1, got %d", c.Iterations)
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay must not be negative, got %s", c.Delay)
	}
	for name, t := range c.Targets {
		if t.Host == "" {
			return fmt.Errorf("target %q has no host", name)
		}
		if t.Port < 0 || t.Port > 65535 {
			return fmt.Errorf("target %q has a bad port %d", name, t.Port)
		}
		if t.Transport != "" {
			if _, err := ndt5.ParseTransport(t.Transport); err != nil {
				return fmt.Errorf("target %q: %w", name, err)
			}
		}
	}
	return nil
}

// TestFlags combines the configured test names.
func (c *Config) TestFlags() (protocol.TestFlags, error) {
	var flags protocol.TestFlags
	for _, name := range c.Tests {
		f, err := protocol.ParseTestName(name)
		if err != nil {
			return 0, err
		}
		flags |= f
	}
	return flags, nil
}

// Resolve turns a server name into a host, port and transport. Names found
// in Targets use that entry; anything else is a host name using the
// file's transport and its default port.
func (c *Config) Resolve(name string) (host string, port int, transport ndt5.Transport, err error) {
	transport, err = ndt5.ParseTransport(c.Transport)
	if err != nil {
		return "", 0, transport, err
	}
	t, ok := c.Targets[name]
	if !ok {
		return name, transport.DefaultPort(), transport, nil
	}
	if t.Transport != "" {
		transport, err = ndt5.ParseTransport(t.Transport)
		if err != nil {
			return "", 0, transport, err
		}
	}
	port = t.Port
	if port == 0 {
		port = transport.DefaultPort()
	}
	return t.Host, port, transport, nil
}
