package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "fxify-trader/internal/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadCreatesTemplate(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.toml")); err != nil {
		t.Errorf("template should be written: %v", err)
	}
	if cfg.Risk.FallbackLossPercent != 0.01 || cfg.Risk.CommentTag != "FXIFY" {
		t.Errorf("unexpected risk defaults %+v", cfg.Risk)
	}
	if cfg.Transport.ReconnectBaseDelay != 2*time.Second || cfg.Transport.MaxReconnectAttempts != 5 {
		t.Errorf("unexpected transport defaults %+v", cfg.Transport)
	}
	if cfg.Store.Path != filepath.Join(dir, "fxtrader.db") {
		t.Errorf("store path = %s", cfg.Store.Path)
	}
}

func TestLoadBridgesAndOverrides(t *testing.T) {
	dir := writeConfig(t, `
default_bridge = "ib-paper"

[[bridges]]
name = "mt5-demo"
type = "mt5"
host = "127.0.0.1"
port = 5555
login = "1001"

[[bridges]]
name = "ib-paper"
type = "IB"
host = "127.0.0.1"
port = 7497
client_id = 3

[risk]
fallback_loss_percent = 0.02

[risk.pips.XAUUSD]
size = 0.1
value = 10.0
`)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("FXIFY_BRIDGE_PASSWORD=s3cret\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FXIFY_LOG_LEVEL", "debug")
	t.Setenv("FXIFY_DB_PATH", "/tmp/other.db")
	// godotenv leaves variables that are already set alone.
	t.Setenv("FXIFY_BRIDGE_PASSWORD", "")
	os.Unsetenv("FXIFY_BRIDGE_PASSWORD")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Bridges) != 2 {
		t.Fatalf("expected 2 bridges, got %d", len(cfg.Bridges))
	}
	b, ok := cfg.Bridge("")
	if !ok || b.Name != "ib-paper" || b.ClientID != 3 || b.Address() != "127.0.0.1:7497" {
		t.Errorf("default bridge = %+v", b)
	}
	if mt5, _ := cfg.Bridge("mt5-demo"); mt5.Password != "s3cret" {
		t.Errorf("password should come from .env, got %q", mt5.Password)
	}
	if cfg.Log.Level != "debug" || cfg.Store.Path != "/tmp/other.db" {
		t.Errorf("env overrides not applied: %+v %+v", cfg.Log, cfg.Store)
	}
	if cfg.Risk.FallbackLossPercent != 0.02 {
		t.Errorf("fallback = %v", cfg.Risk.FallbackLossPercent)
	}
	if p := cfg.Risk.Pips["xauusd"]; p.Size != 0.1 {
		t.Errorf("pip override missing: %+v", cfg.Risk.Pips)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown bridge type", func(c *Config) { c.Bridges = []BridgeConfig{{Name: "x", Type: "ctrader", Port: 1}} }},
		{"bad port", func(c *Config) { c.Bridges = []BridgeConfig{{Name: "x", Type: "mt4", Port: 0}} }},
		{"duplicate name", func(c *Config) {
			c.Bridges = []BridgeConfig{{Name: "x", Type: "mt4", Port: 1}, {Name: "x", Type: "mt5", Port: 2}}
		}},
		{"missing default", func(c *Config) { c.DefaultBridge = "nope" }},
		{"negative timeout", func(c *Config) { c.Transport.ConnectTimeout = -time.Second }},
		{"fallback zero", func(c *Config) { c.Risk.FallbackLossPercent = 0 }},
		{"fallback above one", func(c *Config) { c.Risk.FallbackLossPercent = 1.5 }},
		{"bad pip override", func(c *Config) { c.Risk.Pips = map[string]PipConfig{"xauusd": {Size: 0}} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			if err := cfg.Validate(); err != nil {
				t.Fatalf("default config should validate: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, apperrors.ErrConfigInvalid) {
				t.Errorf("expected ErrConfigInvalid, got %v", err)
			}
		})
	}
}
