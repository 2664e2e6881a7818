// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/fault"
)

// DataDirEnv names the environment variable that overrides the data
// directory. It is the only environment variable the node reads.
const DataDirEnv = "DATA_DIR"

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Duration is a time.Duration that reads and writes as a Go duration
// string ("1500ms", "2s") in both YAML and JSON.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Config is the node configuration.
type Config struct {
	Environment Environment `yaml:"environment" json:"environment"`

	// DataDir is filled in by Load and never read from the file.
	DataDir string `yaml:"-" json:"-"`

	Network   NetworkConfig   `yaml:"network" json:"network"`
	Ceremony  CeremonyConfig  `yaml:"ceremony" json:"ceremony"`
	Sync      SyncConfig      `yaml:"sync" json:"sync"`
	View      ViewConfig      `yaml:"view" json:"view"`
	Flow      FlowConfig      `yaml:"flow" json:"flow"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Transport TransportConfig `yaml:"transport" json:"transport"`

	Development *Overrides `yaml:"development,omitempty" json:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty" json:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty" json:"production,omitempty"`
}

// Overrides holds the fields an environment section may replace.
type Overrides struct {
	Network  *NetworkConfig  `yaml:"network,omitempty" json:"network,omitempty"`
	Ceremony *CeremonyConfig `yaml:"ceremony,omitempty" json:"ceremony,omitempty"`
	Sync     *SyncConfig     `yaml:"sync,omitempty" json:"sync,omitempty"`
	Storage  *StorageConfig  `yaml:"storage,omitempty" json:"storage,omitempty"`
}

// NetworkConfig configures the listening address and static peers.
type NetworkConfig struct {
	// Listen is the TCP address the node accepts peers on.
	Listen string `yaml:"listen" json:"listen"`

	// Peers maps a device id (text form) to its dial address.
	Peers map[string]string `yaml:"peers" json:"peers"`
}

// CeremonyConfig holds per-phase coordinator timeouts.
type CeremonyConfig struct {
	Execute     Duration `yaml:"execute_timeout" json:"execute_timeout"`
	NonceCommit Duration `yaml:"nonce_commit_timeout" json:"nonce_commit_timeout"`
	Sign        Duration `yaml:"sign_timeout" json:"sign_timeout"`
	Converge    Duration `yaml:"converge_timeout" json:"converge_timeout"`

	// Retries is the number of re-broadcasts before the coordinator
	// reverts with reason timeout.
	Retries int `yaml:"retries" json:"retries"`
}

// SyncConfig configures the anti-entropy scheduler.
type SyncConfig struct {
	Interval   Duration `yaml:"interval" json:"interval"`
	Fanout     int      `yaml:"fanout" json:"fanout"`
	BackoffMin Duration `yaml:"backoff_min" json:"backoff_min"`
	BackoffMax Duration `yaml:"backoff_max" json:"backoff_max"`
}

// ViewConfig configures the reactive view scheduler.
type ViewConfig struct {
	BatchWindow Duration `yaml:"batch_window" json:"batch_window"`
}

// FlowConfig sets the flow budget assumed for a peer with no budget fact.
type FlowConfig struct {
	DefaultLimit uint64 `yaml:"default_limit" json:"default_limit"`
}

// StorageConfig selects the KV backend.
type StorageConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `yaml:"backend" json:"backend"`
}

// TransportConfig configures frame compression.
type TransportConfig struct {
	Compression codec.CompressionTag `yaml:"compression" json:"compression"`

	// MaxFrame bounds the decompressed size of one frame.
	MaxFrame int `yaml:"max_frame" json:"max_frame"`
}

// Default returns a complete configuration rooted at DefaultDataDir.
func Default() *Config {
	return &Config{
		Environment: Development,
		DataDir:     DefaultDataDir(),
		Network: NetworkConfig{
			Listen: "127.0.0.1:7420",
			Peers:  map[string]string{},
		},
		Ceremony: CeremonyConfig{
			Execute:     Duration(5 * time.Second),
			NonceCommit: Duration(5 * time.Second),
			Sign:        Duration(5 * time.Second),
			Converge:    Duration(10 * time.Second),
			Retries:     3,
		},
		Sync: SyncConfig{
			Interval:   Duration(30 * time.Second),
			Fanout:     3,
			BackoffMin: Duration(time.Second),
			BackoffMax: Duration(5 * time.Minute),
		},
		View:      ViewConfig{BatchWindow: Duration(5 * time.Millisecond)},
		Flow:      FlowConfig{DefaultLimit: 1 << 16},
		Storage:   StorageConfig{Backend: "sqlite"},
		Transport: TransportConfig{Compression: codec.CompressionLZ4, MaxFrame: 16 << 20},
	}
}

// DefaultDataDir resolves the data directory from DATA_DIR, then the
// XDG data home, then the user's home directory.
func DefaultDataDir() string {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "quorum")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "quorum")
	}
	return filepath.Join(home, ".local", "share", "quorum")
}

// Load reads config.yaml or config.jsonc from dir over the defaults
// and applies the environment section. An empty dir means
// DefaultDataDir.
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = DefaultDataDir()
	}
	cfg := Default()
	cfg.DataDir = dir

	yamlPath := filepath.Join(dir, "config.yaml")
	jsoncPath := filepath.Join(dir, "config.jsonc")
	if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fault.Invalid("parsing %s: %v", yamlPath, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fault.Storage("reading %s: %v", yamlPath, err)
	} else if data, err := os.ReadFile(jsoncPath); err == nil {
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fault.Invalid("parsing %s: %v", jsoncPath, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fault.Storage("reading %s: %v", jsoncPath, err)
	}

	cfg.applyEnvironmentOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as config.yaml in DataDir.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fault.Storage("creating %s: %v", c.DataDir, err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fault.Serialization("encoding config: %v", err)
	}
	path := filepath.Join(c.DataDir, "config.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fault.Storage("writing %s: %v", path, err)
	}
	return nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Network != nil {
		if overrides.Network.Listen != "" {
			c.Network.Listen = overrides.Network.Listen
		}
		for device, address := range overrides.Network.Peers {
			if c.Network.Peers == nil {
				c.Network.Peers = map[string]string{}
			}
			c.Network.Peers[device] = address
		}
	}
	if overrides.Ceremony != nil {
		override := overrides.Ceremony
		if override.Execute != 0 {
			c.Ceremony.Execute = override.Execute
		}
		if override.NonceCommit != 0 {
			c.Ceremony.NonceCommit = override.NonceCommit
		}
		if override.Sign != 0 {
			c.Ceremony.Sign = override.Sign
		}
		if override.Converge != 0 {
			c.Ceremony.Converge = override.Converge
		}
		if override.Retries != 0 {
			c.Ceremony.Retries = override.Retries
		}
	}
	if overrides.Sync != nil {
		override := overrides.Sync
		if override.Interval != 0 {
			c.Sync.Interval = override.Interval
		}
		if override.Fanout != 0 {
			c.Sync.Fanout = override.Fanout
		}
		if override.BackoffMin != 0 {
			c.Sync.BackoffMin = override.BackoffMin
		}
		if override.BackoffMax != 0 {
			c.Sync.BackoffMax = override.BackoffMax
		}
	}
	if overrides.Storage != nil && overrides.Storage.Backend != "" {
		c.Storage.Backend = overrides.Storage.Backend
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data directory is required"))
	}
	for name, value := range map[string]Duration{
		"ceremony.execute_timeout":      c.Ceremony.Execute,
		"ceremony.nonce_commit_timeout": c.Ceremony.NonceCommit,
		"ceremony.sign_timeout":         c.Ceremony.Sign,
		"ceremony.converge_timeout":     c.Ceremony.Converge,
		"sync.interval":                 c.Sync.Interval,
	} {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Ceremony.Retries < 0 {
		errs = append(errs, errors.New("ceremony.retries must not be negative"))
	}
	if c.Sync.Fanout < 1 {
		errs = append(errs, errors.New("sync.fanout must be at least 1"))
	}
	if c.Sync.BackoffMax < c.Sync.BackoffMin {
		errs = append(errs, errors.New("sync.backoff_max is below sync.backoff_min"))
	}
	if c.View.BatchWindow < 0 {
		errs = append(errs, errors.New("view.batch_window must not be negative"))
	}
	switch c.Storage.Backend {
	case "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be sqlite or memory, got %q", c.Storage.Backend))
	}
	if len(errs) > 0 {
		return fault.Wrap(fault.KindInvalid, errors.Join(errs...))
	}
	return nil
}

// KeyDir is the key store directory.
func (c *Config) KeyDir() string { return filepath.Join(c.DataDir, "keys") }

// DatabasePath is the SQLite KV database path.
func (c *Config) DatabasePath() string { return filepath.Join(c.DataDir, "quorum.db") }
