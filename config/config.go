package config

import (
	"fmt"
	"log"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Default values, matching the behavior of the classic forward server this
// daemon replaces: missing optional keys are reported and defaulted, only a
// missing or malformed server list is fatal.
const (
	DefaultListenPort         = 2001
	DefaultCheckAliveInterval = 5000 // milliseconds
	DefaultConnectTimeout     = 10 * time.Second
	DefaultProbeTimeout       = 2 * time.Second
)

// Config is the top-level ferry configuration.
type Config struct {
	Proxy   ProxyConfig   `toml:"proxy"`
	Logging LoggingConfig `toml:"logging"`
	API     APIConfig     `toml:"api"`
}

// ProxyConfig configures the TCP forwarder itself.
type ProxyConfig struct {
	ListeningPort      int      `toml:"listening_port"`       // TCP port the proxy listens on
	Servers            []string `toml:"servers"`              // Backend list as "host:port", order preserved
	LoadBalancing      string   `toml:"load_balancing"`       // "yes"/"true"/"1"/"enable"/"enabled" turn it on
	CheckAliveInterval int      `toml:"check_alive_interval"` // Dead backend re-check period in milliseconds
	ConnectTimeout     string   `toml:"connect_timeout"`      // Backend dial timeout (e.g. "10s")
	ProbeTimeout       string   `toml:"probe_timeout"`        // Health probe connect timeout (e.g. "2s")

	// Connection limiting. Zero means unlimited.
	MaxConnections      int      `toml:"max_connections"`
	MaxConnectionsPerIP int      `toml:"max_connections_per_ip"`
	TrustedNetworks     []string `toml:"trusted_networks"` // CIDRs exempt from per-IP limits
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog", or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// APIConfig configures the optional admin/metrics HTTP listener.
type APIConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"`
}

// NewDefaultConfig returns a Config with all defaults resolved.
func NewDefaultConfig() Config {
	return Config{
		Proxy: ProxyConfig{
			ListeningPort:      DefaultListenPort,
			LoadBalancing:      "enabled",
			CheckAliveInterval: DefaultCheckAliveInterval,
		},
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		API: APIConfig{
			Addr: "127.0.0.1:8080",
		},
	}
}

// LoadBalancingEnabled reports whether the load_balancing key holds one of the
// accepted boolean-like tokens. Any other value disables the least-connections
// algorithm and falls back to first-alive selection.
func (p *ProxyConfig) LoadBalancingEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(p.LoadBalancing)) {
	case "yes", "true", "1", "enable", "enabled":
		return true
	}
	return false
}

// GetConnectTimeout parses the backend dial timeout.
func (p *ProxyConfig) GetConnectTimeout() (time.Duration, error) {
	if p.ConnectTimeout == "" {
		return DefaultConnectTimeout, nil
	}
	return time.ParseDuration(p.ConnectTimeout)
}

// GetProbeTimeout parses the health probe connect timeout.
func (p *ProxyConfig) GetProbeTimeout() (time.Duration, error) {
	if p.ProbeTimeout == "" {
		return DefaultProbeTimeout, nil
	}
	return time.ParseDuration(p.ProbeTimeout)
}

// GetCheckAliveInterval returns the dead backend re-check period.
func (p *ProxyConfig) GetCheckAliveInterval() time.Duration {
	if p.CheckAliveInterval <= 0 {
		return DefaultCheckAliveInterval * time.Millisecond
	}
	return time.Duration(p.CheckAliveInterval) * time.Millisecond
}

// ListenAddr returns the address the proxy listener binds to.
func (p *ProxyConfig) ListenAddr() string {
	return net.JoinHostPort("", strconv.Itoa(p.ListeningPort))
}

// BackendAddrs returns the configured backend addresses in configured order,
// normalized to canonical host:port form.
func (p *ProxyConfig) BackendAddrs() []string {
	addrs := make([]string, len(p.Servers))
	for i, s := range p.Servers {
		addrs[i] = normalizeHostPort(s)
	}
	return addrs
}

// Validate enforces the fatal startup errors: an empty or malformed server
// list, an out-of-range listening port, or a non-positive check interval.
// None of these are retried; the process must not start.
func (c *Config) Validate() error {
	if len(c.Proxy.Servers) == 0 {
		return fmt.Errorf("the server list can not be empty")
	}
	for _, s := range c.Proxy.Servers {
		host, port, err := net.SplitHostPort(normalizeHostPort(s))
		if err != nil {
			return fmt.Errorf("invalid server list entry %q: %w", s, err)
		}
		if host == "" {
			return fmt.Errorf("invalid server list entry %q: missing host", s)
		}
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("invalid server list entry %q: port must be 1-65535", s)
		}
	}
	if c.Proxy.ListeningPort < 1 || c.Proxy.ListeningPort > 65535 {
		return fmt.Errorf("listening_port must be 1-65535, got %d", c.Proxy.ListeningPort)
	}
	if c.Proxy.CheckAliveInterval <= 0 {
		return fmt.Errorf("check_alive_interval must be a positive number of milliseconds, got %d", c.Proxy.CheckAliveInterval)
	}
	if _, err := c.Proxy.GetConnectTimeout(); err != nil {
		return fmt.Errorf("invalid connect_timeout: %w", err)
	}
	if _, err := c.Proxy.GetProbeTimeout(); err != nil {
		return fmt.Errorf("invalid probe_timeout: %w", err)
	}
	if c.API.Enabled && c.API.APIKey == "" {
		return fmt.Errorf("api.api_key is required when the admin API is enabled")
	}
	return nil
}

// normalizeHostPort returns addr in canonical host:port form. A bare IPv6
// address with a trailing port but no brackets (e.g. "::1:2001") cannot be
// disambiguated and is returned as-is for Validate to reject.
func normalizeHostPort(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, port, err := net.SplitHostPort(addr); err == nil {
		return net.JoinHostPort(host, port)
	}
	return addr
}

// LoadConfigFromFile loads configuration from a TOML file on top of cfg.
// Unknown keys are warned about and ignored; they may be typos or deprecated
// settings. String fields are whitespace-trimmed after decoding.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return fmt.Errorf("failed to parse configuration file '%s': %w", configPath, err)
	}

	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	if !metadata.IsDefined("proxy", "listening_port") {
		log.Printf("Missing property 'proxy.listening_port', using default value %d", DefaultListenPort)
	}
	if !metadata.IsDefined("proxy", "load_balancing") {
		log.Printf("Missing property 'proxy.load_balancing', using default value %q", cfg.Proxy.LoadBalancing)
	}
	if !metadata.IsDefined("proxy", "check_alive_interval") {
		log.Printf("Missing property 'proxy.check_alive_interval', using default value %d", DefaultCheckAliveInterval)
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// trimStringFields recursively trims whitespace from all string fields.
func trimStringFields(v reflect.Value) {
	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			v.SetString(strings.TrimSpace(v.String()))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
