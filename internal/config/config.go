// Package config handles CloudDrop configuration from YAML/env/CLI,
// for both the signaling hub process and the peer client process.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHubListenAddr    = ":8080"
	DefaultHubConfigPath    = "/etc/clouddrop/hub.yaml"
	DefaultLogLevel         = "info"
	DefaultICEServerCacheMin = 5
)

// HubConfig defines the signaling hub's configuration.
type HubConfig struct {
	ListenAddr string   `yaml:"listen_addr"` // default ":8080"
	LogLevel   string   `yaml:"log_level"`   // debug|info|warn|error

	// ICE servers advertised by /api/ice-servers, TURN entries first,
	// then STUN.
	STUNServers []string `yaml:"stun_servers"`
	TURNServers []TURNServer `yaml:"turn_servers"`

	// MetricsEnabled toggles the Prometheus /metrics endpoint.
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// TURNServer is a credentialed relay server entry.
type TURNServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// DefaultHubConfig returns a HubConfig with sane defaults, including two
// public STUN servers for /api/ice-servers to advertise.
func DefaultHubConfig() *HubConfig {
	return &HubConfig{
		ListenAddr: DefaultHubListenAddr,
		LogLevel:   DefaultLogLevel,
		STUNServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		MetricsEnabled: true,
	}
}

// LoadHubConfigFromFile loads the hub configuration from a YAML file,
// falling back to defaults if the file does not exist.
func LoadHubConfigFromFile(path string) (*HubConfig, error) {
	cfg := DefaultHubConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides to a HubConfig.
func (c *HubConfig) ApplyEnvOverrides() {
	if v := os.Getenv("CLOUDDROP_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("CLOUDDROP_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks that the hub config is well-formed.
func (c *HubConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	return nil
}

// SaveToFile writes the hub config to a YAML file.
func (c *HubConfig) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}
