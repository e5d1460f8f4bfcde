package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# FXIFY Trader Configuration

# Bridge used when --bridge is not given
# default_bridge = "mt5-demo"

# One [[bridges]] block per terminal bridge. type: mt4, mt5 or ib.
# Passwords can be left empty and supplied with FXIFY_BRIDGE_PASSWORD.
# [[bridges]]
# name = "mt5-demo"
# type = "mt5"
# host = "127.0.0.1"
# port = 5555
# login = ""
# password = ""
# server = ""

[transport]
connect_timeout = "10s"
command_timeout = "30s"
# Reconnect delay grows linearly: base * attempt
reconnect_base_delay = "2s"
max_reconnect_attempts = 5
# Minimum spacing between outbound frames
write_interval = "10ms"
disconnect_timeout = "3s"

[risk]
# Share of balance assumed at risk when an order has no stop loss
fallback_loss_percent = 0.01
default_pip_size = 0.0001
default_pip_value = 10.0
# Orders placed under an active profile get "[TAG] " prepended to their comment
comment_tag = "FXIFY"
# Optional CSV of high-impact events: time,currency,impact,title
calendar_file = ""
news_window_before = "2m"
news_window_after = "2m"

# Per-symbol pip overrides
# [risk.pips.XAUUSD]
# size = 0.1
# value = 10.0

[paper]
initial_balance = 100000.0
currency = "USD"
leverage = 100

[store]
# path = "~/.config/fxify-trader/fxtrader.db"

[log]
# debug, info, warn, error
level = "info"
file = true
console = false

[audit]
enabled = true

[notify]
# Alerts while 'fxtrader watch' runs. min_level: info, warning or critical.
bell = true
min_level = "warning"
# webhook_url = "https://hooks.example.com/fxify"

[ui]
color_enabled = true
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0600); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return nil
}
