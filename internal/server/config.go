package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config holds all apparatus daemon configuration.
type Config struct {
	mu sync.RWMutex

	// Apparatus link
	Apparatus ApparatusConfig `yaml:"apparatus" json:"apparatus"`

	// Protocol trace log
	Trace TraceConfig `yaml:"trace" json:"trace"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type ApparatusConfig struct {
	Type         string `yaml:"type" json:"type"`          // "serial" or "demo"
	PortPath     string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0
	BaudRate     int    `yaml:"baud_rate" json:"baudRate"`
	AckTimeoutMs int    `yaml:"ack_timeout_ms" json:"ackTimeoutMs"` // wait bound per command
	RateLimitMs  int    `yaml:"rate_limit_ms" json:"rateLimitMs"`   // spacing for rate-limited LED updates
	Debug        bool   `yaml:"debug" json:"debug"`                 // per-message tx/rx logging
}

type TraceConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
	PollHz     int    `yaml:"poll_hz" json:"pollHz"` // engine poll / broadcast rate
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Apparatus: ApparatusConfig{
			Type:         "demo",
			PortPath:     "/dev/ttyUSB0",
			BaudRate:     115200,
			AckTimeoutMs: 2000,
			RateLimitMs:  50,
			Debug:        false,
		},
		Trace: TraceConfig{
			Enabled: false,
			Path:    "/var/log/apparatuslink",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
			PollHz:     20,
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

	// Apply environment variable overrides
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
		val := strings.TrimSpace(parts[1])
		// Strip surrounding quotes
		val = strings.Trim(val, `"'`)
		// Only set if not already set in real env (real env takes precedence)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: APPARATUS_TYPE, APPARATUS_PORT, APPARATUS_BAUD, APPARATUS_DEBUG,
// ACK_TIMEOUT_MS, RATE_LIMIT_MS, LISTEN_ADDR, POLL_HZ, TRACE_ENABLED,
// TRACE_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("APPARATUS_TYPE"); v != "" {
		c.Apparatus.Type = v
	}
	if v := os.Getenv("APPARATUS_PORT"); v != "" {
		c.Apparatus.PortPath = v
	}
	if v := os.Getenv("APPARATUS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Apparatus.BaudRate = n
		}
	}
	if v := os.Getenv("APPARATUS_DEBUG"); v != "" {
		c.Apparatus.Debug = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("ACK_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Apparatus.AckTimeoutMs = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Apparatus.RateLimitMs = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("POLL_HZ"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.PollHz = n
		}
	}
	if v := os.Getenv("TRACE_ENABLED"); v != "" {
		c.Trace.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("TRACE_PATH"); v != "" {
		c.Trace.Path = v
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/apparatuslink/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved (e.g. port path, baud rate, trace settings).
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Marshal current config to a generic map
	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	// Unmarshal incoming partial update to a map
	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	// Deep merge patch into base
	deepMerge(base, patch)

	// Marshal merged result and unmarshal back into the config struct
	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
