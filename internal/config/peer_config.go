package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultSignalURL  = "ws://localhost:8080/ws"
	DefaultDeviceClass = "desktop"
	DefaultDownloadDir = "."
)

// IntegrityPolicy names what a receiver does when a relay transfer's
// file-end arrives with chunks still missing after the grace period.
// Validate accepts both values below, but the transfer manager does not
// read this setting: partial files are delivered under either value.
type IntegrityPolicy string

const (
	// IntegrityDeliverPartial assembles and delivers whatever bytes were
	// received, logging a warning. This is the default.
	IntegrityDeliverPartial IntegrityPolicy = "deliver-partial"
	// IntegrityFail names the policy of aborting the transfer instead of
	// delivering a partial file; no receiver code acts on it.
	IntegrityFail IntegrityPolicy = "fail"
)

// PeerConfig defines a CloudDrop peer client's configuration.
type PeerConfig struct {
	SignalURL    string `yaml:"signal_url"`
	DisplayName  string `yaml:"display_name"`
	DeviceClass  string `yaml:"device_class"` // desktop|mobile|tablet
	BrowserInfo  string `yaml:"browser_info"`
	RoomCode     string `yaml:"room_code"`
	Password     string `yaml:"-"` // never persisted to disk

	DownloadDir     string          `yaml:"download_dir"`
	IntegrityPolicy IntegrityPolicy `yaml:"integrity_policy"`

	LogLevel string `yaml:"log_level"`
}

// DefaultPeerConfig returns a PeerConfig with sane defaults.
func DefaultPeerConfig() *PeerConfig {
	return &PeerConfig{
		SignalURL:       DefaultSignalURL,
		DeviceClass:     DefaultDeviceClass,
		DownloadDir:     DefaultDownloadDir,
		IntegrityPolicy: IntegrityDeliverPartial,
		LogLevel:        DefaultLogLevel,
	}
}

// LoadPeerConfigFromFile loads peer configuration from a YAML file,
// falling back to defaults if the file does not exist.
func LoadPeerConfigFromFile(path string) (*PeerConfig, error) {
	cfg := DefaultPeerConfig()

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

// ApplyEnvOverrides applies environment variable overrides to a PeerConfig.
func (c *PeerConfig) ApplyEnvOverrides() {
	if v := os.Getenv("CLOUDDROP_SIGNAL_URL"); v != "" {
		c.SignalURL = v
	}
	if v := os.Getenv("CLOUDDROP_ROOM"); v != "" {
		c.RoomCode = v
	}
	if v := os.Getenv("CLOUDDROP_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("CLOUDDROP_DISPLAY_NAME"); v != "" {
		c.DisplayName = v
	}
}

// Validate checks that the device class and integrity policy are known
// values.
func (c *PeerConfig) Validate() error {
	switch c.DeviceClass {
	case "desktop", "mobile", "tablet":
	default:
		return fmt.Errorf("invalid device_class: %s", c.DeviceClass)
	}
	switch c.IntegrityPolicy {
	case IntegrityDeliverPartial, IntegrityFail:
	default:
		return fmt.Errorf("invalid integrity_policy: %s", c.IntegrityPolicy)
	}
	return nil
}
