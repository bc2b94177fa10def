// Package config provides configuration parsing and validation for wolbridge.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/wolbridge/internal/lookup"
)

// Config represents the complete node configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Bridges     []BridgeConfig    `yaml:"bridges" toml:"bridges"`
	Lookups     LookupsConfig     `yaml:"lookups" toml:"lookups"`
	Wake        WakeConfig        `yaml:"wake" toml:"wake"`
	Connections ConnectionsConfig `yaml:"connections" toml:"connections"`
	Client      ClientConfig      `yaml:"client" toml:"client"`
	Health      HealthConfig      `yaml:"health" toml:"health"`
	Control     ControlConfig     `yaml:"control" toml:"control"`
}

// ServerConfig contains the identity and listener of this node.
type ServerConfig struct {
	Name      string        `yaml:"name" toml:"name"`             // Routing name, defaults to the hostname
	Listen    string        `yaml:"listen" toml:"listen"`         // TCP listen address
	BootDelay time.Duration `yaml:"boot_delay" toml:"boot_delay"` // Pause before starting
	LogLevel  string        `yaml:"log_level" toml:"log_level"`   // debug, info, warn, error
	LogFormat string        `yaml:"log_format" toml:"log_format"` // text, json
}

// BridgeConfig defines a persistent outbound bridge link.
type BridgeConfig struct {
	Name             string `yaml:"name" toml:"name"`                           // Identity announced in the Name frame
	Address          string `yaml:"address" toml:"address"`                     // Remote host:port
	HeartbeatSeconds int    `yaml:"heartbeat_seconds" toml:"heartbeat_seconds"` // 0 disables the heartbeat request
}

// LookupsConfig points at the flat lookup files and carries inline entries.
type LookupsConfig struct {
	EndpointsFile string            `yaml:"endpoints_file" toml:"endpoints_file"` // name endpoint
	BridgesFile   string            `yaml:"bridges_file" toml:"bridges_file"`     // name endpoint [heartbeat]
	ComputersFile string            `yaml:"computers_file" toml:"computers_file"` // name mac
	Endpoints     map[string]string `yaml:"endpoints" toml:"endpoints"`
	Computers     map[string]string `yaml:"computers" toml:"computers"`
}

// WakeConfig controls how local magic packets are sent.
type WakeConfig struct {
	Port      int  `yaml:"port" toml:"port"`
	Broadcast bool `yaml:"broadcast" toml:"broadcast"` // Single limited broadcast instead of one per interface
	Count     int  `yaml:"count" toml:"count"`         // Packets per target
	Silent    bool `yaml:"silent" toml:"silent"`       // Log instead of sending
}

// ConnectionsConfig tunes reconnection and heartbeat timing.
type ConnectionsConfig struct {
	RetryInterval      time.Duration `yaml:"retry_interval" toml:"retry_interval"`
	FailureLogInterval time.Duration `yaml:"failure_log_interval" toml:"failure_log_interval"`
	HeartbeatTick      time.Duration `yaml:"heartbeat_tick" toml:"heartbeat_tick"`
	HeartbeatGrace     time.Duration `yaml:"heartbeat_grace" toml:"heartbeat_grace"`
	QueueSize          int           `yaml:"queue_size" toml:"queue_size"`
}

// ClientConfig is used by the one-shot wake command.
type ClientConfig struct {
	Server        string        `yaml:"server" toml:"server"`
	PostSendDelay time.Duration `yaml:"post_send_delay" toml:"post_send_delay"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled" toml:"enabled"`
	Address      string        `yaml:"address" toml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	SocketPath string `yaml:"socket_path" toml:"socket_path"`
}

// DefaultPort is the TCP port servers listen on unless configured otherwise.
const DefaultPort = 12000

// Default returns a Config with default values.
func Default() *Config {
	name, _ := os.Hostname()

	return &Config{
		Server: ServerConfig{
			Name:      name,
			Listen:    fmt.Sprintf(":%d", DefaultPort),
			LogLevel:  "info",
			LogFormat: "text",
		},
		Bridges: []BridgeConfig{},
		Lookups: LookupsConfig{
			Endpoints: map[string]string{},
			Computers: map[string]string{},
		},
		Wake: WakeConfig{
			Port:  7,
			Count: 5,
		},
		Connections: ConnectionsConfig{
			RetryInterval:      1 * time.Second,
			FailureLogInterval: 60 * time.Second,
			HeartbeatTick:      1 * time.Second,
			HeartbeatGrace:     5 * time.Second,
			QueueSize:          64,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    false,
			SocketPath: "./wolbridge.sock",
		},
	}
}

// Load reads and parses a configuration file. Files ending in .toml are
// parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return ParseTOML(data)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return finish(cfg)
}

// ParseTOML parses configuration from TOML bytes.
func ParseTOML(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default when VAR is unset; unknown
// references are left untouched.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Server.Name) == "" {
		errs = append(errs, "server.name is required")
	}
	if strings.Contains(c.Server.Name, ",") {
		errs = append(errs, "server.name must not contain a comma")
	}
	if err := ValidateAddress(c.Server.Listen, true); err != nil {
		errs = append(errs, fmt.Sprintf("server.listen: %v", err))
	}
	if c.Server.BootDelay < 0 {
		errs = append(errs, "server.boot_delay must not be negative")
	}
	if !isValidLogLevel(c.Server.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Server.LogLevel))
	}
	if !isValidLogFormat(c.Server.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Server.LogFormat))
	}

	seen := make(map[string]bool)
	for i, b := range c.Bridges {
		if err := validateBridge(b); err != nil {
			errs = append(errs, fmt.Sprintf("bridges[%d]: %v", i, err))
		}
		if seen[b.Name] {
			errs = append(errs, fmt.Sprintf("bridges[%d]: duplicate name %q", i, b.Name))
		}
		seen[b.Name] = true
	}

	for name, addr := range c.Lookups.Endpoints {
		if err := ValidateAddress(addr, false); err != nil {
			errs = append(errs, fmt.Sprintf("lookups.endpoints[%s]: %v", name, err))
		}
	}
	for name, mac := range c.Lookups.Computers {
		if _, err := lookup.ParseMAC(mac); err != nil {
			errs = append(errs, fmt.Sprintf("lookups.computers[%s]: invalid MAC %q", name, mac))
		}
	}

	if c.Wake.Port < 1 || c.Wake.Port > 65535 {
		errs = append(errs, "wake.port must be between 1 and 65535")
	}
	if c.Wake.Count < 1 {
		errs = append(errs, "wake.count must be positive")
	}

	if c.Connections.RetryInterval <= 0 {
		errs = append(errs, "connections.retry_interval must be positive")
	}
	if c.Connections.FailureLogInterval <= 0 {
		errs = append(errs, "connections.failure_log_interval must be positive")
	}
	if c.Connections.HeartbeatTick <= 0 {
		errs = append(errs, "connections.heartbeat_tick must be positive")
	}
	if c.Connections.HeartbeatGrace < 0 {
		errs = append(errs, "connections.heartbeat_grace must not be negative")
	}
	if c.Connections.QueueSize < 1 {
		errs = append(errs, "connections.queue_size must be positive")
	}

	if c.Client.Server != "" {
		if err := ValidateAddress(c.Client.Server, false); err != nil {
			errs = append(errs, fmt.Sprintf("client.server: %v", err))
		}
	}
	if c.Client.PostSendDelay < 0 {
		errs = append(errs, "client.post_send_delay must not be negative")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func validateBridge(b BridgeConfig) error {
	if b.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.Contains(b.Name, ",") {
		return fmt.Errorf("name must not contain a comma")
	}
	if err := ValidateAddress(b.Address, false); err != nil {
		return fmt.Errorf("address: %w", err)
	}
	if b.HeartbeatSeconds < 0 {
		return fmt.Errorf("heartbeat_seconds must not be negative")
	}
	return nil
}

// ValidateAddress checks a host:port pair. An empty host is only accepted
// for listen addresses.
func ValidateAddress(addr string, listen bool) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" && !listen {
		return fmt.Errorf("host is required in %q", addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 || (p == 0 && !listen) {
		return fmt.Errorf("invalid port in %q", addr)
	}
	return nil
}

// String returns the configuration rendered as YAML (for debugging).
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
