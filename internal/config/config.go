// Package config reads and writes the TOML configuration file describing
// database pairs, their tables, and the sync tunables.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/pairsync/pairsync/internal/db"
	pairsync "github.com/pairsync/pairsync/internal/sync"
)

// Defaults applied to fields the file leaves out.
const (
	DefaultInterval      = 300 * time.Second
	DefaultBatchSize     = 1000
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 5 * time.Second
)

// Config is the root of the configuration file.
type Config struct {
	Sync  SyncConfig   `toml:"sync"`
	Pairs []PairConfig `toml:"pairs"`
}

// SyncConfig holds the global sync tunables.
type SyncConfig struct {
	LogLevel          string `toml:"log_level,omitempty"`
	IntervalSeconds   int    `toml:"interval_seconds"`
	BatchSize         int    `toml:"batch_size"`
	RetryAttempts     int    `toml:"retry_attempts"`
	RetryDelaySeconds int    `toml:"retry_delay_seconds"`
}

// PairConfig describes one local/cloud database pair.
type PairConfig struct {
	ID       string         `toml:"id"`
	Name     string         `toml:"name"`
	Enabled  bool           `toml:"enabled"`
	LastSync string         `toml:"last_sync,omitempty"`
	Local    DatabaseConfig `toml:"local"`
	Cloud    DatabaseConfig `toml:"cloud"`
	Tables   []TableConfig  `toml:"tables"`
}

// DatabaseConfig describes one endpoint of a pair.
type DatabaseConfig struct {
	ID                    string `toml:"id"`
	Name                  string `toml:"name"`
	Type                  string `toml:"type"` // mysql, postgres, or sqlite
	Host                  string `toml:"host,omitempty"`
	Port                  int    `toml:"port,omitempty"`
	Database              string `toml:"database"`
	Username              string `toml:"username,omitempty"`
	Password              string `toml:"password,omitempty"`
	ConnectTimeoutSeconds int    `toml:"connect_timeout_seconds,omitempty"`
}

// TableConfig selects a table and its sync policy.
type TableConfig struct {
	Name       string `toml:"name"`
	Direction  string `toml:"direction"`
	Resolution string `toml:"resolution,omitempty"`
	Enabled    bool   `toml:"enabled"`
	LastSync   string `toml:"last_sync,omitempty"`
}

// Read decodes a Config from the provided reader.
func Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration back to disk, creating the directory if
// needed. Used to persist last-sync timestamps after a run.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// applyDefaults fills in missing tunables and generates ids for pairs and
// endpoints that have none. Endpoint ids end up as origin tags in changelog
// rows, so they must be stable and unique.
func (c *Config) applyDefaults() {
	if c.Sync.IntervalSeconds <= 0 {
		c.Sync.IntervalSeconds = int(DefaultInterval / time.Second)
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = DefaultBatchSize
	}
	if c.Sync.RetryAttempts <= 0 {
		c.Sync.RetryAttempts = DefaultRetryAttempts
	}
	if c.Sync.RetryDelaySeconds <= 0 {
		c.Sync.RetryDelaySeconds = int(DefaultRetryDelay / time.Second)
	}
	for i := range c.Pairs {
		p := &c.Pairs[i]
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.Local.ID == "" {
			p.Local.ID = uuid.NewString()
		}
		if p.Cloud.ID == "" {
			p.Cloud.ID = uuid.NewString()
		}
		for j := range p.Tables {
			if p.Tables[j].Resolution == "" {
				p.Tables[j].Resolution = string(pairsync.ResolutionNewerWins)
			}
		}
	}
}

// Validate checks directions, resolutions, and endpoint completeness.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, p := range c.Pairs {
		if p.Name == "" {
			return fmt.Errorf("pair %s has no name", p.ID)
		}
		for _, ep := range []DatabaseConfig{p.Local, p.Cloud} {
			if ep.Database == "" {
				return fmt.Errorf("pair %s: endpoint %s has no database", p.Name, ep.Name)
			}
			if seen[ep.ID] {
				return fmt.Errorf("pair %s: duplicate endpoint id %s", p.Name, ep.ID)
			}
			seen[ep.ID] = true
		}
		if p.Local.ID == p.Cloud.ID {
			return fmt.Errorf("pair %s: local and cloud endpoints share id %s", p.Name, p.Local.ID)
		}
		tables := make(map[string]bool, len(p.Tables))
		for _, t := range p.Tables {
			if tables[t.Name] {
				return fmt.Errorf("pair %s: duplicate table %s", p.Name, t.Name)
			}
			tables[t.Name] = true
			if _, err := pairsync.ParseDirection(t.Direction); err != nil {
				return fmt.Errorf("pair %s, table %s: %w", p.Name, t.Name, err)
			}
			if _, err := pairsync.ParseResolution(t.Resolution); err != nil {
				return fmt.Errorf("pair %s, table %s: %w", p.Name, t.Name, err)
			}
		}
	}
	return nil
}

// Interval returns the scheduler interval.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}

// Options converts the global tunables for the sync engine.
func (c *Config) Options() pairsync.Options {
	return pairsync.Options{
		BatchSize:     c.Sync.BatchSize,
		RetryAttempts: c.Sync.RetryAttempts,
		RetryDelay:    time.Duration(c.Sync.RetryDelaySeconds) * time.Second,
	}
}

// SyncPairs converts the configured pairs into engine form.
func (c *Config) SyncPairs() []*pairsync.Pair {
	pairs := make([]*pairsync.Pair, 0, len(c.Pairs))
	for _, p := range c.Pairs {
		pair := &pairsync.Pair{
			ID:       p.ID,
			Name:     p.Name,
			Local:    p.Local.endpointConfig(true),
			Cloud:    p.Cloud.endpointConfig(false),
			Interval: c.Interval(),
			Enabled:  p.Enabled,
			LastSync: p.LastSync,
		}
		for _, t := range p.Tables {
			pair.Tables = append(pair.Tables, pairsync.TablePolicy{
				Table:      t.Name,
				Direction:  pairsync.Direction(t.Direction),
				Resolution: pairsync.Resolution(t.Resolution),
				LastSync:   t.LastSync,
				Enabled:    t.Enabled,
			})
		}
		pairs = append(pairs, pair)
	}
	return pairs
}

func (d DatabaseConfig) endpointConfig(isLocal bool) db.Config {
	return db.Config{
		ID:             d.ID,
		Name:           d.Name,
		Dialect:        d.Type,
		Host:           d.Host,
		Port:           d.Port,
		Database:       d.Database,
		Username:       d.Username,
		Password:       d.Password,
		IsLocal:        isLocal,
		ConnectTimeout: time.Duration(d.ConnectTimeoutSeconds) * time.Second,
	}
}

// UpdateSyncTimestamps copies the last-sync values the engine wrote into the
// pairs back into the file representation so Save persists them.
func (c *Config) UpdateSyncTimestamps(pairs []*pairsync.Pair) {
	byID := make(map[string]*pairsync.Pair, len(pairs))
	for _, p := range pairs {
		byID[p.ID] = p
	}
	for i := range c.Pairs {
		p, ok := byID[c.Pairs[i].ID]
		if !ok {
			continue
		}
		c.Pairs[i].LastSync = p.LastSync
		for j := range c.Pairs[i].Tables {
			for _, t := range p.Tables {
				if t.Table == c.Pairs[i].Tables[j].Name {
					c.Pairs[i].Tables[j].LastSync = t.LastSync
				}
			}
		}
	}
}
