package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"fxify-trader/internal/broker"
	"fxify-trader/internal/events"
	"fxify-trader/internal/models"
	"fxify-trader/internal/notify"
	"fxify-trader/pkg/utils"
)

// addDataCommands adds market data commands.
func addDataCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newQuoteCmd(app))
	rootCmd.AddCommand(newHistoryCmd(app))
	rootCmd.AddCommand(newWatchCmd(app))
}

func upperAll(symbols []string) []string {
	out := make([]string, len(symbols))
	for i, s := range symbols {
		out[i] = strings.ToUpper(s)
	}
	return out
}

func newQuoteCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "quote SYMBOL...",
		Short: "Get current bid/ask",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			gate, err := app.Gate(cmd.Context())
			if err != nil {
				return err
			}
			quotes, err := gate.GetMarketData(cmd.Context(), upperAll(args))
			if err != nil {
				return fmt.Errorf("fetching quotes: %w", err)
			}
			if output.IsJSON() {
				return output.JSON(quotes)
			}
			table := NewTable(output, "SYMBOL", "BID", "ASK", "SPREAD", "TIME")
			for _, q := range quotes {
				pip := app.Pips.Lookup(q.Symbol)
				table.AddRow(q.Symbol,
					utils.FormatPrice(q.Bid, pip.Size),
					utils.FormatPrice(q.Ask, pip.Size),
					fmt.Sprintf("%.1f", (q.Ask-q.Bid)/pip.Size),
					FormatTime(q.Timestamp))
			}
			table.Render()
			return nil
		},
	}
}

// timeframeDurations maps bridge timeframe names to bar length.
var timeframeDurations = map[string]time.Duration{
	"M1":  time.Minute,
	"M5":  5 * time.Minute,
	"M15": 15 * time.Minute,
	"M30": 30 * time.Minute,
	"H1":  time.Hour,
	"H4":  4 * time.Hour,
	"D1":  24 * time.Hour,
}

func newHistoryCmd(app *App) *cobra.Command {
	var (
		timeframe string
		bars      int
		refresh   bool
	)
	cmd := &cobra.Command{
		Use:   "history SYMBOL",
		Short: "Show historical bars, cached locally",
		Long: `Show historical bars. Bars fetched from the bridge are cached in the local
database and served from there while they are fresh.`,
		Example: `  fxtrader history EURUSD --timeframe H1 --bars 48`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()
			symbol := strings.ToUpper(args[0])
			timeframe = strings.ToUpper(timeframe)
			bar, ok := timeframeDurations[timeframe]
			if !ok {
				return fmt.Errorf("unknown timeframe %q", timeframe)
			}
			to := app.now().UTC()
			from := to.Add(-time.Duration(bars) * bar)

			candles, cached, err := app.loadCandles(ctx, symbol, timeframe, bar, from, to, refresh)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(candles)
			}
			if cached {
				output.Dim("Served from local cache")
			}
			pip := app.Pips.Lookup(symbol)
			table := NewTable(output, "TIME (UTC)", "OPEN", "HIGH", "LOW", "CLOSE", "VOLUME")
			for _, c := range candles {
				table.AddRow(FormatDateTime(c.Timestamp),
					utils.FormatPrice(c.Open, pip.Size), utils.FormatPrice(c.High, pip.Size),
					utils.FormatPrice(c.Low, pip.Size), utils.FormatPrice(c.Close, pip.Size),
					fmt.Sprintf("%.0f", c.Volume))
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVarP(&timeframe, "timeframe", "t", "H1", "bar size: M1, M5, M15, M30, H1, H4, D1")
	cmd.Flags().IntVarP(&bars, "bars", "n", 24, "number of bars")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "ignore the local cache")
	return cmd
}

// loadCandles returns cached bars when the newest one is less than a bar old,
// otherwise fetches from the bridge and updates the cache.
func (a *App) loadCandles(ctx context.Context, symbol, timeframe string, bar time.Duration, from, to time.Time, refresh bool) ([]models.Candle, bool, error) {
	if !refresh {
		latest, err := a.Store.GetCandlesFreshness(ctx, symbol, timeframe)
		if err == nil && !latest.IsZero() && to.Sub(latest) < bar {
			candles, err := a.Store.GetCandles(ctx, symbol, timeframe, from, to)
			if err == nil && len(candles) > 0 {
				return candles, true, nil
			}
		}
	}

	gate, err := a.Gate(ctx)
	if err != nil {
		return nil, false, err
	}
	candles, err := gate.GetHistoricalData(ctx, broker.HistoricalRequest{Symbol: symbol, Timeframe: timeframe, From: from, To: to})
	if err != nil {
		return nil, false, fmt.Errorf("fetching history: %w", err)
	}
	if err := a.Store.SaveCandles(ctx, symbol, timeframe, candles); err != nil {
		a.Logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to cache candles")
	}
	return candles, false, nil
}

func newWatchCmd(app *App) *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "watch SYMBOL...",
		Short: "Stream live quotes and drawdown alerts",
		Long: `Stream live quotes for the given symbols until interrupted. With FXIFY
mode active, drawdown level changes, blocked orders and connection drops are
reported as alerts, and sent to notify.webhook_url when one is configured.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			gate, err := app.Gate(ctx)
			if err != nil {
				return err
			}
			bus := gate.Events()
			ticks, tickToken := bus.Channel(events.Tick, 256)
			defer bus.Unsubscribe(tickToken)
			defer func() {
				published, panics := bus.Stats()
				app.Logger.Debug().Uint64("published", published).Uint64("panics", panics).Msg("Watch stopped")
			}()

			alerter := notify.NewAlerter(notify.AlerterConfig{
				Bus:     bus,
				Monitor: gate.Monitor(),
				Modes:   app.Modes,
				Sender:  app.notifier(cmd, output),
				Logger:  app.Logger,
			})
			alerter.Start(ctx)
			defer alerter.Stop()

			symbols := upperAll(args)
			if err := gate.SubscribeMarketData(ctx, symbols); err != nil {
				return fmt.Errorf("subscribing: %w", err)
			}
			defer func() {
				uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = gate.UnsubscribeMarketData(uctx, symbols)
			}()

			if !output.IsJSON() {
				output.Info("Watching %s (Ctrl+C to stop)", strings.Join(symbols, ", "))
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case e := <-ticks:
					if e.Quote == nil {
						continue
					}
					if output.IsJSON() {
						if err := output.JSON(e.Quote); err != nil {
							return err
						}
						continue
					}
					pip := app.Pips.Lookup(e.Quote.Symbol)
					output.Printf("%s  %-8s %s / %s\n", FormatTime(e.Timestamp), e.Quote.Symbol,
						utils.FormatPrice(e.Quote.Bid, pip.Size), utils.FormatPrice(e.Quote.Ask, pip.Size))
				}
			}
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (default: until interrupted)")
	return cmd
}
