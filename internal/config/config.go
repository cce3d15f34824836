// Package config loads service configuration from an optional YAML file
// overlaid with STREAMD_-prefixed environment variables. All streaming
// knobs are pure parameters; nothing is reconfigurable mid-run.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Transport TransportConfig `koanf:"transport"`
	Storage   StorageConfig   `koanf:"storage"`
	Stream    StreamConfig    `koanf:"stream"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type TransportConfig struct {
	// Type selects the event log backend: redis or memory.
	Type string `koanf:"type"`
	// URL is the Redis connection string, e.g. redis://localhost:6379/0.
	URL string `koanf:"url"`
}

type StorageConfig struct {
	SQLitePath string `koanf:"sqlite_path"`
}

// StreamConfig carries the batching, retry and relay knobs consumed by
// the upsert processor and SSE relay.
type StreamConfig struct {
	Gradient       []int `koanf:"gradient"`
	BatchTimeoutMs int   `koanf:"batch_timeout_ms"`
	RetryAttempts  int   `koanf:"retry_attempts"`
	RetryBaseMs    int   `koanf:"retry_base_ms"`
	RetryMaxMs     int   `koanf:"retry_max_ms"`
	KeepAliveMs    int   `koanf:"keep_alive_ms"`
}

func (s StreamConfig) BatchTimeout() time.Duration { return millis(s.BatchTimeoutMs) }
func (s StreamConfig) RetryBase() time.Duration    { return millis(s.RetryBaseMs) }
func (s StreamConfig) RetryMax() time.Duration     { return millis(s.RetryMaxMs) }
func (s StreamConfig) KeepAlive() time.Duration    { return millis(s.KeepAliveMs) }

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// Load reads path (if it exists) and the environment. STREAMD_ variables
// map underscores to config path separators, e.g. STREAMD_SERVER_PORT.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("STREAMD_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "STREAMD_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	setDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":             8080,
		"transport.type":          "memory",
		"storage.sqlite_path":     "./data/streamd.db",
		"stream.gradient":         []int{10, 10, 20, 20, 50},
		"stream.batch_timeout_ms": 1000,
		"stream.retry_attempts":   3,
		"stream.retry_base_ms":    100,
		"stream.retry_max_ms":     2000,
		"stream.keep_alive_ms":    15000,
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}
}
