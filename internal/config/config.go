// Package config provides the broker's runtime configuration, its
// running-instance registry (used by the status/stop CLI commands),
// and the project-local rbxsync.json passthrough struct.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultPort is the broker's default loopback port (spec §2).
const DefaultPort = 44755

// Config holds the broker's own runtime configuration, loaded from
// ~/.rbxsync/config.toml.
type Config struct {
	Port                    int    `toml:"port"`
	Host                    string `toml:"host"`
	LogFile                 string `toml:"log_file"`
	DispatchTimeout         string `toml:"dispatch_timeout"`          // e.g. "30s"
	BatchDispatchTimeout    string `toml:"batch_dispatch_timeout"`    // e.g. "5m"
	LongPollTimeout         string `toml:"long_poll_timeout"`         // e.g. "15s"
	ExtractionInactivityTTL string `toml:"extraction_inactivity_ttl"` // e.g. "10m"
	BotResultTTL            string `toml:"bot_result_ttl"`            // e.g. "2m"
	MaxBodyBytes            int64  `toml:"max_body_bytes"`
	ConsoleRingCapacity     int    `toml:"console_ring_capacity"`
}

// Default returns the broker's default configuration.
func Default() Config {
	return Config{
		Port:                    DefaultPort,
		Host:                    "127.0.0.1",
		DispatchTimeout:         "30s",
		BatchDispatchTimeout:    "5m",
		LongPollTimeout:         "15s",
		ExtractionInactivityTTL: "10m",
		BotResultTTL:            "2m",
		MaxBodyBytes:            10 << 20,
		ConsoleRingCapacity:     1000,
	}
}

func durationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func (c Config) DispatchTimeoutDuration() time.Duration {
	return durationOr(c.DispatchTimeout, 30*time.Second)
}

func (c Config) BatchDispatchTimeoutDuration() time.Duration {
	return durationOr(c.BatchDispatchTimeout, 5*time.Minute)
}

func (c Config) LongPollTimeoutDuration() time.Duration {
	return durationOr(c.LongPollTimeout, 15*time.Second)
}

func (c Config) ExtractionInactivityTTLDuration() time.Duration {
	return durationOr(c.ExtractionInactivityTTL, 10*time.Minute)
}

func (c Config) BotResultTTLDuration() time.Duration {
	return durationOr(c.BotResultTTL, 2*time.Minute)
}

// Dir returns the path to the broker's own config/state directory.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".rbxsync"), nil
}

// Path returns the path to the broker's config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads the broker's config.toml, falling back to and persisting
// defaults if none exists yet.
func Load() (Config, error) {
	path, err := Path()
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if saveErr := Save(cfg); saveErr != nil {
			return cfg, nil
		}
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save persists cfg to config.toml.
func Save(cfg Config) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return err
	}

	path, err := Path()
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// ProjectFile is a project's rbxsync.json. TreeMapping, Config and
// Sync are decoded as raw JSON and are not handed to the filesystem
// serializer; only Packages reaches it, as the exclusion list in
// rbxjson.ProjectConfig. The orphan-deletion policy reads none of them.
type ProjectFile struct {
	TreeMapping json.RawMessage `json:"treeMapping,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	Sync        json.RawMessage `json:"sync,omitempty"`
	Packages    []string        `json:"packages,omitempty"`
}

// LoadProjectFile reads rbxsync.json from projectDir. A missing file
// is not an error: it returns an empty ProjectFile so a project with
// no configuration yet can still be synced with defaults.
func LoadProjectFile(projectDir string) (*ProjectFile, error) {
	data, err := os.ReadFile(filepath.Join(projectDir, "rbxsync.json"))
	if os.IsNotExist(err) {
		return &ProjectFile{}, nil
	}
	if err != nil {
		return nil, err
	}

	var pf ProjectFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, err
	}
	return &pf, nil
}
