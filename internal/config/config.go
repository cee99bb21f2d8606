// Package config handles Drip configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/drip/config.yaml, /etc/drip/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "drip", "config.yaml"))
	}

	paths = append(paths, "/etc/drip/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Drip configuration.
type Config struct {
	API       APIConfig    `yaml:"api"`
	Broker    BrokerConfig `yaml:"broker"`
	Listen    ListenConfig `yaml:"listen"`
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // "text" (default) or "json"
}

// APIConfig defines the irrigation platform REST API connection.
type APIConfig struct {
	// BaseURL is the platform API root, e.g. "https://api.example.com".
	BaseURL string `yaml:"base_url"`
}

// BrokerConfig defines the MQTT broker connection for live telemetry.
type BrokerConfig struct {
	// URL is the broker address, e.g. "mqtt://broker.example.com:1883".
	// Schemes mqtts:// and ssl:// enable TLS.
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// ReconnectDelaySec is the fixed delay between reconnect attempts
	// after a failed or dropped connection. Clamped to [1, 60]; the
	// default of 5 seconds matches the platform's web client.
	ReconnectDelaySec int `yaml:"reconnect_delay_sec"`
}

// ReconnectDelay returns the configured reconnect delay as a bounded,
// non-zero duration. Values outside [1s, 60s] are clamped so a bad
// config can never produce a tight retry loop.
func (b BrokerConfig) ReconnectDelay() time.Duration {
	sec := b.ReconnectDelaySec
	if sec <= 0 {
		sec = 5
	}
	if sec > 60 {
		sec = 60
	}
	return time.Duration(sec) * time.Second
}

// ListenConfig defines the local dashboard server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "127.0.0.1")
	Port    int    `yaml:"port"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Address: "127.0.0.1",
			Port:    8420,
		},
		Broker: BrokerConfig{
			ReconnectDelaySec: 5,
		},
		DataDir: ".",
	}
}
