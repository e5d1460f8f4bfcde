// Package config provides configuration management for the trading application.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "fxify-trader/internal/errors"
)

// Config holds all application configuration.
type Config struct {
	DefaultBridge string          `mapstructure:"default_bridge"`
	Bridges       []BridgeConfig  `mapstructure:"bridges"`
	Transport     TransportConfig `mapstructure:"transport"`
	Risk          RiskConfig      `mapstructure:"risk"`
	Paper         PaperConfig     `mapstructure:"paper"`
	Store         StoreConfig     `mapstructure:"store"`
	Log           LogConfig       `mapstructure:"log"`
	Audit         AuditConfig     `mapstructure:"audit"`
	Notify        NotifyConfig    `mapstructure:"notify"`
	UI            UIConfig        `mapstructure:"ui"`
}

// BridgeConfig describes one MetaTrader or IB bridge endpoint.
type BridgeConfig struct {
	Name     string `mapstructure:"name"`
	Type     string `mapstructure:"type"` // mt4, mt5, ib
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Login    string `mapstructure:"login"`
	Password string `mapstructure:"password"`
	Server   string `mapstructure:"server"`
	Account  string `mapstructure:"account"`
	ClientID int    `mapstructure:"client_id"`
}

// Address returns host:port.
func (b BridgeConfig) Address() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// TransportConfig holds socket and command timing.
type TransportConfig struct {
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout       time.Duration `mapstructure:"command_timeout"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	WriteInterval        time.Duration `mapstructure:"write_interval"`
	DisconnectTimeout    time.Duration `mapstructure:"disconnect_timeout"`
}

// RiskConfig holds risk engine configuration.
type RiskConfig struct {
	FallbackLossPercent float64              `mapstructure:"fallback_loss_percent"`
	DefaultPipSize      float64              `mapstructure:"default_pip_size"`
	DefaultPipValue     float64              `mapstructure:"default_pip_value"`
	CommentTag          string               `mapstructure:"comment_tag"`
	CalendarFile        string               `mapstructure:"calendar_file"`
	NewsWindowBefore    time.Duration        `mapstructure:"news_window_before"`
	NewsWindowAfter     time.Duration        `mapstructure:"news_window_after"`
	Pips                map[string]PipConfig `mapstructure:"pips"` // keys are lower-cased by viper
}

// PipConfig overrides pip size and value for one symbol.
type PipConfig struct {
	Size  float64 `mapstructure:"size"`
	Value float64 `mapstructure:"value"`
}

// PaperConfig configures the in-memory broker.
type PaperConfig struct {
	InitialBalance float64 `mapstructure:"initial_balance"`
	Currency       string  `mapstructure:"currency"`
	Leverage       int     `mapstructure:"leverage"`
}

// StoreConfig holds database configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds application log configuration.
type LogConfig struct {
	Level   string `mapstructure:"level"`
	File    bool   `mapstructure:"file"`
	Path    string `mapstructure:"path"`
	Console bool   `mapstructure:"console"`
}

// AuditConfig holds audit trail configuration.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// NotifyConfig controls drawdown and violation alerts.
type NotifyConfig struct {
	Bell       bool   `mapstructure:"bell"`
	MinLevel   string `mapstructure:"min_level"` // info, warning, critical
	WebhookURL string `mapstructure:"webhook_url"`
}

// UIConfig holds UI-related configuration.
type UIConfig struct {
	ColorEnabled bool `mapstructure:"color_enabled"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/fxify-trader"
	}
	return filepath.Join(home, ".config", "fxify-trader")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. A missing
// config.toml is replaced by the commented template and loading continues.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	if err := godotenv.Load(filepath.Join(configDir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
		if err := createTemplateConfig(configDir); err != nil {
			return nil, err
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	v := viper.New()
	setDefaults(v, DefaultConfigDir())
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("transport.connect_timeout", "10s")
	v.SetDefault("transport.command_timeout", "30s")
	v.SetDefault("transport.reconnect_base_delay", "2s")
	v.SetDefault("transport.max_reconnect_attempts", 5)
	v.SetDefault("transport.write_interval", "10ms")
	v.SetDefault("transport.disconnect_timeout", "3s")

	v.SetDefault("risk.fallback_loss_percent", 0.01)
	v.SetDefault("risk.default_pip_size", 0.0001)
	v.SetDefault("risk.default_pip_value", 10.0)
	v.SetDefault("risk.comment_tag", "FXIFY")
	v.SetDefault("risk.news_window_before", "2m")
	v.SetDefault("risk.news_window_after", "2m")

	v.SetDefault("paper.initial_balance", 100000.0)
	v.SetDefault("paper.currency", "USD")
	v.SetDefault("paper.leverage", 100)

	v.SetDefault("store.path", filepath.Join(configDir, "fxtrader.db"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", true)
	v.SetDefault("log.path", filepath.Join(configDir, "logs", "fxtrader.log"))
	v.SetDefault("log.console", false)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.dir", filepath.Join(configDir, "audit"))

	v.SetDefault("notify.bell", true)
	v.SetDefault("notify.min_level", "warning")

	v.SetDefault("ui.color_enabled", true)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FXIFY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FXIFY_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("FXIFY_BRIDGE"); v != "" {
		cfg.DefaultBridge = v
	}
	if v := os.Getenv("FXIFY_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("FXIFY_BRIDGE_PASSWORD"); v != "" {
		for i := range cfg.Bridges {
			if cfg.Bridges[i].Password == "" {
				cfg.Bridges[i].Password = v
			}
		}
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", apperrors.ErrConfigInvalid, fmt.Sprintf(format, args...))
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	names := make(map[string]bool)
	for i, b := range c.Bridges {
		if b.Name == "" {
			return invalid("bridge %d has no name", i)
		}
		if names[b.Name] {
			return invalid("duplicate bridge name %q", b.Name)
		}
		names[b.Name] = true
		switch strings.ToLower(b.Type) {
		case "mt4", "mt5", "ib":
		default:
			return invalid("bridge %q: unknown type %q (must be mt4, mt5 or ib)", b.Name, b.Type)
		}
		if b.Port <= 0 || b.Port > 65535 {
			return invalid("bridge %q: port must be between 1 and 65535", b.Name)
		}
	}
	if c.DefaultBridge != "" && !names[c.DefaultBridge] {
		return invalid("default_bridge %q is not configured", c.DefaultBridge)
	}

	t := c.Transport
	if t.ConnectTimeout < 0 || t.CommandTimeout < 0 || t.ReconnectBaseDelay < 0 || t.WriteInterval < 0 || t.DisconnectTimeout < 0 {
		return invalid("transport timeouts must be non-negative")
	}
	if t.MaxReconnectAttempts < 0 {
		return invalid("max_reconnect_attempts must be non-negative")
	}

	switch strings.ToLower(c.Notify.MinLevel) {
	case "", "info", "warning", "critical":
	default:
		return invalid("notify.min_level must be info, warning or critical")
	}

	if c.Risk.FallbackLossPercent <= 0 || c.Risk.FallbackLossPercent > 1 {
		return invalid("fallback_loss_percent must be in (0, 1]")
	}
	if c.Risk.DefaultPipSize <= 0 || c.Risk.DefaultPipValue <= 0 {
		return invalid("default pip size and value must be positive")
	}
	for symbol, p := range c.Risk.Pips {
		if p.Size <= 0 || p.Value <= 0 {
			return invalid("pip override for %s must have positive size and value", strings.ToUpper(symbol))
		}
	}

	if c.Paper.InitialBalance <= 0 {
		return invalid("paper initial_balance must be positive")
	}

	return nil
}

// Bridge returns the named bridge, or the default when name is empty.
func (c *Config) Bridge(name string) (BridgeConfig, bool) {
	if name == "" {
		name = c.DefaultBridge
	}
	if name == "" && len(c.Bridges) > 0 {
		return c.Bridges[0], true
	}
	for _, b := range c.Bridges {
		if b.Name == name {
			return b, true
		}
	}
	return BridgeConfig{}, false
}
