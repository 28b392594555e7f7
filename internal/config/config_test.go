package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestDefaultHubConfig(t *testing.T) {
	c := DefaultHubConfig()
	if c.ListenAddr != DefaultHubListenAddr {
		t.Errorf("ListenAddr = %s, want %s", c.ListenAddr, DefaultHubListenAddr)
	}
	if len(c.STUNServers) == 0 {
		t.Error("expected a non-empty fallback STUN server list")
	}
	if err := c.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadHubConfigFromFile_Missing(t *testing.T) {
	c, err := LoadHubConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if c.ListenAddr != DefaultHubListenAddr {
		t.Error("expected default listen addr for missing file")
	}
}

func TestHubConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.yaml")

	c := DefaultHubConfig()
	c.ListenAddr = ":9999"
	if err := c.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded, err := LoadHubConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadHubConfigFromFile: %v", err)
	}
	if loaded.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %s, want :9999", loaded.ListenAddr)
	}
}

func TestHubConfigEnvOverrides(t *testing.T) {
	t.Setenv("CLOUDDROP_LISTEN_ADDR", ":7000")
	c := DefaultHubConfig()
	c.ApplyEnvOverrides()
	if c.ListenAddr != ":7000" {
		t.Errorf("ListenAddr = %s, want :7000", c.ListenAddr)
	}
}

func TestDefaultPeerConfig(t *testing.T) {
	c := DefaultPeerConfig()
	if err := c.Validate(); err != nil {
		t.Errorf("default peer config should validate: %v", err)
	}
	if c.IntegrityPolicy != IntegrityDeliverPartial {
		t.Errorf("IntegrityPolicy = %s, want %s", c.IntegrityPolicy, IntegrityDeliverPartial)
	}
}

func TestPeerConfigValidate(t *testing.T) {
	c := DefaultPeerConfig()
	c.DeviceClass = "toaster"
	if err := c.Validate(); err == nil {
		t.Error("expected error for invalid device class")
	}

	c = DefaultPeerConfig()
	c.IntegrityPolicy = "bogus"
	if err := c.Validate(); err == nil {
		t.Error("expected error for invalid integrity policy")
	}
}

func TestPeerConfigPasswordNotPersisted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peer.yaml")

	c := DefaultPeerConfig()
	c.Password = "supersecret"
	data, err := yaml.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(raw), "supersecret") {
		t.Fatal("password must not appear in serialized config")
	}
}
