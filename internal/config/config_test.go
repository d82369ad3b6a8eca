// ABOUTME: Tests for configuration defaults and TOML loading
// ABOUTME: Uses temp files for each case
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tandem.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Listen != DefaultListen {
		t.Errorf("expected listen %s, got %s", DefaultListen, cfg.Listen)
	}
	if cfg.LeadTime != 500*time.Millisecond {
		t.Errorf("expected lead time 500ms, got %v", cfg.LeadTime)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Errorf("expected heartbeat 5s, got %v", cfg.HeartbeatInterval)
	}
	if !cfg.TUI {
		t.Error("expected TUI on by default")
	}
	if cfg.AutoGrantMaster {
		t.Error("expected auto grant off by default")
	}
}

func TestLoadOverridesDefinedKeys(t *testing.T) {
	path := writeConfig(t, `
name = "  living room "
audio = "/music/song.flac"
lead_time = "750ms"
auto_grant_master = true
p2p = true
tui = false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Name != "living room" {
		t.Errorf("expected trimmed name, got %q", cfg.Name)
	}
	if cfg.Audio != "/music/song.flac" {
		t.Errorf("unexpected audio %q", cfg.Audio)
	}
	if cfg.LeadTime != 750*time.Millisecond {
		t.Errorf("expected lead time 750ms, got %v", cfg.LeadTime)
	}
	if !cfg.AutoGrantMaster {
		t.Error("expected auto grant on")
	}
	if cfg.TUI {
		t.Error("expected TUI off")
	}
	if !cfg.PeerToPeer {
		t.Error("expected p2p on")
	}

	// untouched keys keep defaults
	if cfg.Listen != DefaultListen {
		t.Errorf("expected default listen, got %s", cfg.Listen)
	}
	if cfg.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Errorf("expected default heartbeat, got %v", cfg.HeartbeatInterval)
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := writeConfig(t, `heartbeat_interval = "soon"`)
	if _, err := Load(path); err == nil {
		t.Error("expected an error for an unparseable duration")
	}

	path = writeConfig(t, `lead_time = "-1s"`)
	if _, err := Load(path); err == nil {
		t.Error("expected an error for a negative lead time")
	}
}

func TestLoadUnknownKey(t *testing.T) {
	path := writeConfig(t, `volume = 11`)
	if _, err := Load(path); err == nil {
		t.Error("expected an error for an unknown key")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
