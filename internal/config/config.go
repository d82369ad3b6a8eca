// ABOUTME: Runtime configuration with defaults and an optional TOML file
// ABOUTME: Flags in the mains override whatever the file sets
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	tsync "github.com/Resonate-Protocol/tandem/internal/sync"
)

const (
	DefaultListen            = "0.0.0.0:8927"
	DefaultHeartbeatInterval = 5 * time.Second
)

// Config holds settings for both the host and guest binaries
type Config struct {
	Listen            string
	Server            string
	Name              string
	Audio             string
	LeadTime          time.Duration
	SyncInterval      time.Duration
	HeartbeatInterval time.Duration
	AutoGrantMaster   bool
	PeerToPeer        bool
	LogFile           string
	TUI               bool
}

// Default returns the protocol defaults
func Default() Config {
	return Config{
		Listen:            DefaultListen,
		LeadTime:          tsync.DefaultLeadTime,
		SyncInterval:      time.Second,
		HeartbeatInterval: DefaultHeartbeatInterval,
		TUI:               true,
	}
}

type fileConfig struct {
	Listen            string `toml:"listen"`
	Server            string `toml:"server"`
	Name              string `toml:"name"`
	Audio             string `toml:"audio"`
	LeadTime          string `toml:"lead_time"`
	SyncInterval      string `toml:"sync_interval"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	AutoGrantMaster   bool   `toml:"auto_grant_master"`
	PeerToPeer        bool   `toml:"p2p"`
	LogFile           string `toml:"log_file"`
	TUI               bool   `toml:"tui"`
}

// Load reads path over the defaults. Keys missing from the file keep their default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config %s: unknown keys %v", path, undecoded)
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("server") {
		cfg.Server = strings.TrimSpace(raw.Server)
	}
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("audio") {
		cfg.Audio = strings.TrimSpace(raw.Audio)
	}
	if meta.IsDefined("auto_grant_master") {
		cfg.AutoGrantMaster = raw.AutoGrantMaster
	}
	if meta.IsDefined("p2p") {
		cfg.PeerToPeer = raw.PeerToPeer
	}
	if meta.IsDefined("log_file") {
		cfg.LogFile = strings.TrimSpace(raw.LogFile)
	}
	if meta.IsDefined("tui") {
		cfg.TUI = raw.TUI
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"lead_time", raw.LeadTime, &cfg.LeadTime},
		{"sync_interval", raw.SyncInterval, &cfg.SyncInterval},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		if v <= 0 {
			return Config{}, fmt.Errorf("parse %s: must be positive, got %v", d.key, v)
		}
		*d.dst = v
	}

	return cfg, nil
}
