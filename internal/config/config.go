// Package config loads the node's deployment configuration: which
// transport and sensors it uses and where its services listen. The
// tunable delivery parameters live in the persisted record (package store).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/envnode/internal/logger"
)

// Config holds all node and collector configuration.
type Config struct {
	mu sync.RWMutex

	Node      NodeConfig      `yaml:"node" json:"node"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Status    StatusConfig    `yaml:"status" json:"status"`
	Logging   logger.Config   `yaml:"logging" json:"logging"`
	Collector CollectorConfig `yaml:"collector" json:"collector"`

	path string // file path for save/load
}

type NodeConfig struct {
	Variant   string `yaml:"variant" json:"variant"`      // "airborne", "water" or "generic"
	Sensors   string `yaml:"sensors" json:"sensors"`      // "demo"
	StorePath string `yaml:"store_path" json:"storePath"` // persisted config record
	SettleMs  int    `yaml:"settle_ms" json:"settleMs"`   // delay before the first calibration send
	Reset     string `yaml:"reset" json:"reset"`          // "process" re-executes the binary, "session" restarts delivery only
}

type TransportConfig struct {
	Type          string `yaml:"type" json:"type"`              // "udp" or "serial"
	ListenAddr    string `yaml:"listen_addr" json:"listenAddr"` // udp bind address
	CollectorPort uint16 `yaml:"collector_port" json:"collectorPort"`
	PortPath      string `yaml:"port_path" json:"portPath"` // serial radio, e.g. /dev/ttyACM0
	BaudRate      int    `yaml:"baud_rate" json:"baudRate"`
	LocalAddr     string `yaml:"local_addr" json:"localAddr"` // node address on the radio link
}

type StatusConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

type CollectorConfig struct {
	ListenAddr  string `yaml:"listen_addr" json:"listenAddr"`
	RedisAddr   string `yaml:"redis_addr" json:"redisAddr"`
	Queue       string `yaml:"queue" json:"queue"`
	MetricsAddr string `yaml:"metrics_addr" json:"metricsAddr"`
	TimeoutMs   int    `yaml:"timeout_ms" json:"timeoutMs"` // remote command timeout
}

var ErrInvalid = errors.New("config: invalid")

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Variant:   "airborne",
			Sensors:   "demo",
			StorePath: "/var/lib/envnode/config.cbor",
			SettleMs:  1000,
			Reset:     "process",
		},
		Transport: TransportConfig{
			Type:          "udp",
			ListenAddr:    "[::]:5684",
			CollectorPort: 5683,
			PortPath:      "/dev/ttyACM0",
			BaudRate:      115200,
			LocalAddr:     "[fd00::2]:5684",
		},
		Status: StatusConfig{
			Enabled:    true,
			ListenAddr: ":8080",
		},
		Logging: logger.Config{
			Enabled: false,
			Path:    "/var/log/envnode",
		},
		Collector: CollectorConfig{
			ListenAddr:  "[::]:5683",
			RedisAddr:   "localhost:6379",
			Queue:       "envnode:readings",
			MetricsAddr: ":9100",
			TimeoutMs:   2000,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: NODE_VARIANT, NODE_STORE, NODE_RESET, TRANSPORT_TYPE, TRANSPORT_LISTEN,
// COLLECTOR_PORT, SERIAL_PORT, SERIAL_BAUD, STATUS_ADDR, LOG_ENABLED,
// LOG_PATH, COLLECTOR_LISTEN, REDIS_ADDR, REDIS_QUEUE
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("NODE_VARIANT"); v != "" {
		c.Node.Variant = v
	}
	if v := os.Getenv("NODE_STORE"); v != "" {
		c.Node.StorePath = v
	}
	if v := os.Getenv("NODE_RESET"); v != "" {
		c.Node.Reset = v
	}
	if v := os.Getenv("TRANSPORT_TYPE"); v != "" {
		c.Transport.Type = v
	}
	if v := os.Getenv("TRANSPORT_LISTEN"); v != "" {
		c.Transport.ListenAddr = v
	}
	if v := os.Getenv("COLLECTOR_PORT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			c.Transport.CollectorPort = uint16(n)
		}
	}
	if v := os.Getenv("SERIAL_PORT"); v != "" {
		c.Transport.PortPath = v
	}
	if v := os.Getenv("SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Transport.BaudRate = n
		}
	}
	if v := os.Getenv("STATUS_ADDR"); v != "" {
		c.Status.ListenAddr = v
	}
	// Logging
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	// Collector
	if v := os.Getenv("COLLECTOR_LISTEN"); v != "" {
		c.Collector.ListenAddr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Collector.RedisAddr = v
	}
	if v := os.Getenv("REDIS_QUEUE"); v != "" {
		c.Collector.Queue = v
	}
}

// Validate checks the values a node or collector cannot start without.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	switch c.Node.Variant {
	case "airborne", "water", "generic":
	default:
		errs = append(errs, fmt.Errorf("%w: node.variant %q", ErrInvalid, c.Node.Variant))
	}
	if c.Node.Sensors != "demo" {
		errs = append(errs, fmt.Errorf("%w: node.sensors %q", ErrInvalid, c.Node.Sensors))
	}
	if c.Node.Reset != "process" && c.Node.Reset != "session" {
		errs = append(errs, fmt.Errorf("%w: node.reset %q", ErrInvalid, c.Node.Reset))
	}
	if c.Node.SettleMs < 0 {
		errs = append(errs, fmt.Errorf("%w: node.settle_ms %d", ErrInvalid, c.Node.SettleMs))
	}
	switch c.Transport.Type {
	case "udp":
	case "serial":
		if c.Transport.PortPath == "" || c.Transport.BaudRate <= 0 {
			errs = append(errs, fmt.Errorf("%w: serial transport needs port_path and baud_rate", ErrInvalid))
		}
		if _, err := netip.ParseAddrPort(c.Transport.LocalAddr); err != nil {
			errs = append(errs, fmt.Errorf("%w: transport.local_addr: %v", ErrInvalid, err))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: transport.type %q", ErrInvalid, c.Transport.Type))
	}
	if c.Transport.CollectorPort == 0 {
		errs = append(errs, fmt.Errorf("%w: transport.collector_port is 0", ErrInvalid))
	}
	return errors.Join(errs...)
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = "/etc/envnode/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// SetLogging switches the delivery log and saves the config so the choice
// survives a restart.
func (c *Config) SetLogging(on bool) error {
	c.mu.Lock()
	c.Logging.Enabled = on
	c.mu.Unlock()
	return c.Save()
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}
