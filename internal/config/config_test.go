package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if cfg.Node.Variant != "airborne" || cfg.Transport.CollectorPort != 5683 {
		t.Errorf("defaults not applied: %+v %+v", cfg.Node, cfg.Transport)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestLoadConfigYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
node:
  variant: water
transport:
  type: serial
  port_path: /dev/ttyUSB3
  baud_rate: 57600
  local_addr: "[fd00::7]:5684"
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("# radio\nSERIAL_BAUD=\"230400\"\nREDIS_QUEUE=test:q\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SERIAL_BAUD", "")
	t.Setenv("REDIS_QUEUE", "")
	t.Setenv("NODE_VARIANT", "generic")

	cfg := LoadConfig(path)

	if cfg.Node.Variant != "generic" {
		t.Errorf("variant = %q, env should win over yaml", cfg.Node.Variant)
	}
	if cfg.Transport.PortPath != "/dev/ttyUSB3" {
		t.Errorf("port path = %q", cfg.Transport.PortPath)
	}
	if cfg.Transport.BaudRate != 230400 {
		t.Errorf("baud = %d, want .env value", cfg.Transport.BaudRate)
	}
	if cfg.Collector.Queue != "test:q" {
		t.Errorf("queue = %q", cfg.Collector.Queue)
	}
	if cfg.Node.StorePath != DefaultConfig().Node.StorePath {
		t.Errorf("unset field lost its default: %q", cfg.Node.StorePath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadConfigBadYAMLFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("node: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := LoadConfig(path)
	if cfg.Node.Variant != DefaultConfig().Node.Variant {
		t.Errorf("variant = %q after parse error", cfg.Node.Variant)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"unknown variant", func(c *Config) { c.Node.Variant = "orbital" }, false},
		{"unknown transport", func(c *Config) { c.Transport.Type = "carrier-pigeon" }, false},
		{"serial without port", func(c *Config) { c.Transport.Type = "serial"; c.Transport.PortPath = "" }, false},
		{"serial bad local", func(c *Config) { c.Transport.Type = "serial"; c.Transport.LocalAddr = "nowhere" }, false},
		{"zero collector port", func(c *Config) { c.Transport.CollectorPort = 0 }, false},
		{"negative settle", func(c *Config) { c.Node.SettleMs = -1 }, false},
		{"session reset", func(c *Config) { c.Node.Reset = "session" }, true},
		{"unknown reset", func(c *Config) { c.Node.Reset = "reboot" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")
	cfg := LoadConfig(path)
	cfg.Node.Variant = "water"
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got := LoadConfig(path); got.Node.Variant != "water" {
		t.Errorf("variant after reload = %q", got.Node.Variant)
	}
}

func TestSetLoggingPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := LoadConfig(path)
	cfg.Logging.Enabled = false

	if err := cfg.SetLogging(true); err != nil {
		t.Fatalf("SetLogging: %v", err)
	}
	if !cfg.Logging.Enabled {
		t.Error("in-memory flag not set")
	}
	if got := LoadConfig(path); !got.Logging.Enabled {
		t.Error("logging.enabled not saved")
	}

	data, err := cfg.ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"logging":{"enabled":true`) {
		t.Errorf("ToJSON = %s", data)
	}
}
