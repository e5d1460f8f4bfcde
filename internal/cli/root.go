// Package cli provides the command-line interface for the trading application.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fxify-trader/internal/audit"
	"fxify-trader/internal/broker"
	"fxify-trader/internal/config"
	"fxify-trader/internal/execution"
	"fxify-trader/internal/logging"
	"fxify-trader/internal/notify"
	"fxify-trader/internal/risk"
	"fxify-trader/internal/store"
	"fxify-trader/internal/transport"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2024-06-01"
)

// App holds the application dependencies. Everything except the broker
// connection is built before a command runs; the connection is opened on
// first use.
type App struct {
	Config    *config.Config
	ConfigDir string
	Logger    zerolog.Logger
	Store     *store.SQLiteStore
	Audit     audit.Sink
	Monitor   *risk.DrawdownMonitor
	Modes     *risk.ModeManager
	Validator *risk.Validator
	Calendar  risk.Calendar
	Pips      *risk.PipTable
	Registry  *broker.Registry

	Broker *execution.GatedBroker
	// Paper is set when the session trades against the simulator.
	Paper *broker.PaperBroker

	bridge  string
	paper   bool
	quotes  []string
	closers []func() error
	now     func() time.Time
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	root, _ := newRootCmd()
	return root
}

func newRootCmd() (*cobra.Command, *App) {
	app := &App{now: time.Now, Registry: broker.DefaultRegistry()}

	rootCmd := &cobra.Command{
		Use:   "fxtrader",
		Short: "FXIFY Trader - risk-gated terminal for MetaTrader and IB bridges",
		Long: `FXIFY Trader connects to MT4, MT5 or Interactive Brokers bridges and
routes every new order through the FXIFY risk engine when a profile is active.

Drawdown limits, trade size caps, news windows and weekend closures are checked
before an order reaches the broker. Closing positions is never blocked.

Use 'fxtrader profile list' to see the available FXIFY programmes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return app.init(cmd)
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/fxify-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&app.bridge, "bridge", "", "bridge name from config (default: default_bridge)")
	rootCmd.PersistentFlags().BoolVar(&app.paper, "paper", false, "trade against the in-memory simulator")
	rootCmd.PersistentFlags().StringSliceVar(&app.quotes, "quote", nil, "seed a paper quote, SYMBOL=BID/ASK (repeatable)")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	addAccountCommands(rootCmd, app)
	addTradingCommands(rootCmd, app)
	addProfileCommands(rootCmd, app)
	addRiskCommands(rootCmd, app)
	addDataCommands(rootCmd, app)

	return rootCmd, app
}

// Execute runs the CLI.
func Execute() error {
	root, app := newRootCmd()
	err := root.Execute()
	if cerr := app.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
	}
	return err
}

func (a *App) init(cmd *cobra.Command) error {
	dir, _ := cmd.Flags().GetString("config")
	if dir == "" {
		dir = config.DefaultConfigDir()
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	a.Config = cfg
	a.ConfigDir = dir

	noColor, _ := cmd.Flags().GetBool("no-color")
	if noColor || !cfg.UI.ColorEnabled {
		color.NoColor = true
	}

	logCfg := logging.DefaultLogConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.File = cfg.Log.File
	logCfg.FilePath = cfg.Log.Path
	logCfg.Console = cfg.Log.Console
	a.Logger = logging.NewLoggerWithConfig(logCfg)
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logging.SetDebugLevel()
		a.Logger = a.Logger.Level(zerolog.DebugLevel)
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	a.Store = st
	a.closers = append(a.closers, st.Close)

	a.Audit = audit.Nop{}
	if cfg.Audit.Enabled {
		auditCfg := audit.DefaultConfig()
		auditCfg.LogDir = cfg.Audit.Dir
		al, err := audit.New(auditCfg)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Audit log unavailable")
		} else {
			a.Audit = al
			a.closers = append(a.closers, al.Close)
		}
	}

	a.Pips = risk.NewPipTable(risk.PipSpec{Size: cfg.Risk.DefaultPipSize, Value: cfg.Risk.DefaultPipValue})
	for symbol, p := range cfg.Risk.Pips {
		a.Pips.Set(strings.ToUpper(symbol), risk.PipSpec{Size: p.Size, Value: p.Value})
	}

	a.Calendar = risk.NoEvents{}
	if cfg.Risk.CalendarFile != "" {
		cal, err := risk.LoadCalendarFile(cfg.Risk.CalendarFile, cfg.Risk.NewsWindowBefore, cfg.Risk.NewsWindowAfter)
		if err != nil {
			return fmt.Errorf("loading calendar: %w", err)
		}
		a.Calendar = cal
	}

	a.Monitor = risk.NewDrawdownMonitor(risk.MonitorConfig{Now: a.now, Logger: a.Logger})
	a.Modes = risk.NewModeManager(st, a.Monitor, a.Logger)
	if err := a.Modes.Load(cmd.Context()); err != nil {
		return fmt.Errorf("loading profiles: %w", err)
	}
	a.Validator = risk.NewValidator(risk.ValidatorConfig{
		Modes:               a.Modes,
		Monitor:             a.Monitor,
		Calendar:            a.Calendar,
		Pips:                a.Pips,
		FallbackLossPercent: cfg.Risk.FallbackLossPercent,
		Now:                 a.now,
		Logger:              a.Logger,
	})
	return nil
}

// Gate returns the connected risk-gated broker, connecting on first use.
func (a *App) Gate(ctx context.Context) (*execution.GatedBroker, error) {
	if a.Broker != nil {
		return a.Broker, nil
	}

	inner, err := a.newBroker(ctx)
	if err != nil {
		return nil, err
	}
	gate := execution.New(inner, execution.Config{
		Validator:  a.Validator,
		Modes:      a.Modes,
		Audit:      a.Audit,
		Recorder:   a.Store,
		CommentTag: a.Config.Risk.CommentTag,
		Logger:     a.Logger,
	})
	if err := gate.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", inner.Name(), err)
	}
	a.Broker = gate
	a.closers = append([]func() error{func() error {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return gate.Disconnect(dctx)
	}}, a.closers...)
	return gate, nil
}

// newBroker builds the unwrapped broker for this session.
func (a *App) newBroker(ctx context.Context) (broker.Broker, error) {
	bridgeCfg, hasBridge := a.Config.Bridge(a.bridge)
	if a.bridge != "" && !hasBridge {
		return nil, fmt.Errorf("bridge %q is not configured", a.bridge)
	}

	if !a.paper {
		if !hasBridge {
			return nil, fmt.Errorf("no bridge configured; add a [[bridges]] entry to %s/config.toml or use --paper", a.ConfigDir)
		}
		return a.bridgeClient(bridgeCfg)
	}

	pc := broker.PaperBrokerConfig{
		Name:           "paper",
		InitialBalance: a.Config.Paper.InitialBalance,
		Currency:       a.Config.Paper.Currency,
		Leverage:       a.Config.Paper.Leverage,
		Logger:         a.Logger,
	}
	if hasBridge {
		source, err := a.bridgeClient(bridgeCfg)
		if err != nil {
			return nil, err
		}
		if err := source.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connecting price source %s: %w", bridgeCfg.Name, err)
		}
		a.closers = append(a.closers, func() error { return source.Disconnect(context.Background()) })
		pc.DataSource = source
	}
	paper := broker.NewPaperBroker(pc)
	for _, s := range a.quotes {
		q, err := ParseQuote(s)
		if err != nil {
			return nil, err
		}
		paper.UpdateQuote(q)
	}
	a.Paper = paper
	return paper, nil
}

func (a *App) bridgeClient(b config.BridgeConfig) (broker.Broker, error) {
	tc := transport.DefaultConfig(b.Address())
	t := a.Config.Transport
	if t.ConnectTimeout > 0 {
		tc.ConnectTimeout = t.ConnectTimeout
	}
	if t.ReconnectBaseDelay > 0 {
		tc.ReconnectBaseDelay = t.ReconnectBaseDelay
	}
	tc.MaxReconnectAttempts = t.MaxReconnectAttempts
	if t.WriteInterval > 0 {
		tc.WriteInterval = t.WriteInterval
	}
	if t.DisconnectTimeout > 0 {
		tc.DisconnectTimeout = t.DisconnectTimeout
	}

	return a.Registry.New(broker.ParseBrokerType(b.Type), broker.Options{
		Name:    b.Name,
		Address: b.Address(),
		Credentials: broker.Credentials{
			Login:    b.Login,
			Password: b.Password,
			Server:   b.Server,
			Account:  b.Account,
			ClientID: b.ClientID,
		},
		Transport:      &tc,
		CommandTimeout: t.CommandTimeout,
		Logger:         a.Logger,
	})
}

// notifier builds the alert channels from the notify config. Terminal alerts
// go to the command's output.
func (a *App) notifier(cmd *cobra.Command, output *Output) notify.Sender {
	nc := a.Config.Notify
	mn := notify.NewMultiNotifier(notify.ParsePriority(nc.MinLevel))
	if !output.IsJSON() {
		mn.AddChannel(notify.NewTerminalNotifier(cmd.OutOrStdout(), nc.Bell, output.colorEnabled))
	}
	if nc.WebhookURL != "" {
		mn.AddChannel(notify.NewWebhookNotifier(nc.WebhookURL))
	}
	return mn
}

// Close releases the broker connection, audit log and store.
func (a *App) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	a.Broker = nil
	return first
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("FXIFY Trader v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(redacted(app.Config))
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": app.ConfigDir})
			} else {
				output.Println(app.ConfigDir)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

func redacted(cfg *config.Config) config.Config {
	out := *cfg
	out.Bridges = make([]config.BridgeConfig, len(cfg.Bridges))
	for i, b := range cfg.Bridges {
		if b.Password != "" {
			b.Password = "****"
		}
		out.Bridges[i] = b
	}
	return out
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Bridges")
	if len(cfg.Bridges) == 0 {
		output.Dim("  none configured")
	}
	for _, b := range cfg.Bridges {
		marker := " "
		if b.Name == cfg.DefaultBridge {
			marker = "*"
		}
		output.Printf(" %s %-12s %-4s %s login=%s\n", marker, b.Name, b.Type, b.Address(), b.Login)
	}
	output.Println()

	output.Bold("Risk Configuration")
	output.Printf("  Fallback loss:   %.2f%% of balance\n", cfg.Risk.FallbackLossPercent*100)
	output.Printf("  Default pip:     %g (value %g)\n", cfg.Risk.DefaultPipSize, cfg.Risk.DefaultPipValue)
	output.Printf("  Comment tag:     [%s]\n", cfg.Risk.CommentTag)
	if cfg.Risk.CalendarFile != "" {
		output.Printf("  Calendar:        %s\n", cfg.Risk.CalendarFile)
	}
	output.Println()

	output.Bold("Transport")
	output.Printf("  Connect timeout: %s\n", cfg.Transport.ConnectTimeout)
	output.Printf("  Command timeout: %s\n", cfg.Transport.CommandTimeout)
	output.Printf("  Reconnect:       %d attempts, base %s\n", cfg.Transport.MaxReconnectAttempts, cfg.Transport.ReconnectBaseDelay)
	output.Println()

	output.Bold("Storage")
	output.Printf("  Database:        %s\n", cfg.Store.Path)
	output.Printf("  Audit:           %v (%s)\n", cfg.Audit.Enabled, cfg.Audit.Dir)
	output.Println()

	output.Bold("Alerts")
	output.Printf("  Minimum level:   %s\n", cfg.Notify.MinLevel)
	output.Printf("  Bell:            %v\n", cfg.Notify.Bell)
	if cfg.Notify.WebhookURL != "" {
		output.Printf("  Webhook:         %s\n", cfg.Notify.WebhookURL)
	}
}
