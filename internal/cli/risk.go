package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"fxify-trader/internal/models"
	"fxify-trader/internal/risk"
	"fxify-trader/internal/store"
	"fxify-trader/pkg/utils"
)

// addRiskCommands adds FXIFY risk inspection commands.
func addRiskCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "risk",
		Short: "Inspect drawdown and dry-run orders against the active profile",
	}
	cmd.AddCommand(newRiskDrawdownCmd(app))
	cmd.AddCommand(newRiskCheckCmd(app))
	cmd.AddCommand(newRiskDaysCmd(app))
	rootCmd.AddCommand(cmd)
	rootCmd.AddCommand(newViolationsCmd(app))
	rootCmd.AddCommand(newCalendarCmd(app))
}

func requireActive(app *App) (models.Profile, error) {
	p, ok := app.Modes.Active()
	if !ok {
		return models.Profile{}, fmt.Errorf("FXIFY mode is off; activate a profile first")
	}
	return p, nil
}

func newRiskDrawdownCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "drawdown",
		Short: "Show daily and total drawdown against the active limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			p, err := requireActive(app)
			if err != nil {
				return err
			}
			gate, err := app.Gate(cmd.Context())
			if err != nil {
				return err
			}
			snap := gate.Monitor().Snapshot()
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"profile":  p.Name,
					"level":    snap.Level(),
					"drawdown": snap,
				})
			}
			output.Bold("%s", p.Name)
			acct, _ := gate.Cache().Account()
			printDrawdown(output, snap, p.MinTradingDays, currencyOf(&acct))
			return nil
		},
	}
}

func newRiskCheckCmd(app *App) *cobra.Command {
	var sl, price float64
	var side string
	cmd := &cobra.Command{
		Use:   "check SYMBOL LOTS",
		Short: "Validate an order without sending it",
		Example: `  fxtrader risk check EURUSD 1.5 --sl 1.0950
  fxtrader risk check XAUUSD 3 --side sell`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if _, err := requireActive(app); err != nil {
				return err
			}
			volume, err := strconv.ParseFloat(args[1], 64)
			if err != nil || volume <= 0 {
				return fmt.Errorf("invalid volume %q", args[1])
			}
			dir := models.Direction(strings.ToUpper(side))
			if !dir.Valid() {
				return fmt.Errorf("side must be buy or sell")
			}

			gate, err := app.Gate(cmd.Context())
			if err != nil {
				return err
			}
			acct, err := gate.GetAccountInfo(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetching account: %w", err)
			}
			order := models.OrderRequest{Symbol: strings.ToUpper(args[0]), Direction: dir, Volume: volume, Price: price, StopLoss: sl}
			if order.Price == 0 {
				if q, ok := gate.Cache().Quote(order.Symbol); ok {
					order.Price = q.Mid()
				}
			}

			loss := app.Validator.EstimatePotentialLoss(order, acct.Balance)
			res := app.Validator.ValidateOrder(order, acct.Balance)
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"valid":          res.Valid,
					"potential_loss": loss,
					"rules":          res.Rules,
				})
			}

			output.Printf("Potential loss: %s (%s of balance)\n", utils.FormatMoney(loss, acct.Currency), utils.FormatRatio(loss/acct.Balance))
			if res.Valid {
				output.Success("✓ Order would be accepted")
			} else {
				output.Error("✗ Order would be blocked")
			}
			output.Violations(res.Rules)
			return nil
		},
	}
	cmd.Flags().Float64Var(&sl, "sl", 0, "stop loss price")
	cmd.Flags().Float64Var(&price, "price", 0, "entry price (default: current quote)")
	cmd.Flags().StringVar(&side, "side", "buy", "buy or sell")
	return cmd
}

func newRiskDaysCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "days",
		Short: "List tracked trading days",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			p, err := requireActive(app)
			if err != nil {
				return err
			}
			gate, err := app.Gate(cmd.Context())
			if err != nil {
				return err
			}
			days := gate.Monitor().Days()
			if output.IsJSON() {
				return output.JSON(days)
			}
			table := NewTable(output, "DATE", "START BALANCE", "LOW EQUITY", "TRADES")
			for _, d := range days {
				table.AddRow(d.Date, fmt.Sprintf("%.2f", d.StartBalance), fmt.Sprintf("%.2f", d.LowEquity), strconv.Itoa(d.Trades))
			}
			table.Render()
			if p.MinTradingDays > 0 {
				remaining := p.MinTradingDays - len(days)
				if remaining > 0 {
					output.Printf("\n%d more trading days required\n", remaining)
				} else {
					output.Success("\n✓ Minimum trading days reached")
				}
			}
			return nil
		},
	}
}

func newViolationsCmd(app *App) *cobra.Command {
	var filter store.ViolationFilter
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "violations",
		Short: "Show orders blocked by FXIFY rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if since > 0 {
				filter.Since = app.now().Add(-since)
			}
			filter.Symbol = strings.ToUpper(filter.Symbol)
			records, err := app.Store.GetViolations(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(records)
			}
			if len(records) == 0 {
				output.Dim("No violations recorded")
				return nil
			}
			table := NewTable(output, "TIME", "BROKER", "SYMBOL", "SIDE", "LOTS", "RULES")
			for _, r := range records {
				rules := make([]string, len(r.Violations))
				for i, v := range r.Violations {
					rules[i] = v.Rule
				}
				table.AddRow(FormatDateTime(r.CreatedAt), r.Broker, r.Symbol, output.Direction(r.Direction), utils.FormatLots(r.Volume), strings.Join(rules, ", "))
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 20, "maximum number of records")
	cmd.Flags().StringVar(&filter.Symbol, "symbol", "", "filter by symbol")
	cmd.Flags().StringVar(&filter.Rule, "rule", "", "filter by rule name, e.g. drawdown_limit")
	cmd.Flags().StringVar(&filter.ProfileID, "profile", "", "filter by profile id")
	cmd.Flags().DurationVar(&since, "since", 0, "only show violations newer than this, e.g. 24h")
	return cmd
}

func newCalendarCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "calendar [SYMBOL]",
		Short: "List high-impact news events from the configured calendar",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cal, ok := app.Calendar.(*risk.StaticCalendar)
			if !ok {
				return fmt.Errorf("no calendar configured; set risk.calendar_file")
			}
			now := app.now()
			events := cal.Events()
			if len(args) == 1 {
				symbol := strings.ToUpper(args[0])
				filtered := events[:0]
				for _, e := range events {
					if strings.Contains(symbol, strings.ToUpper(e.Currency)) {
						filtered = append(filtered, e)
					}
				}
				events = filtered
				if active, ok := cal.ActiveEvent(symbol, now); ok && !output.IsJSON() {
					output.Warning("⚠ %s is inside the %s news window", symbol, active.Title)
				}
			}
			if output.IsJSON() {
				return output.JSON(events)
			}
			table := NewTable(output, "TIME (UTC)", "CCY", "IMPACT", "EVENT", "IN")
			for _, e := range events {
				in := "past"
				if d := e.Time.Sub(now); d > 0 {
					in = FormatDuration(d)
				}
				table.AddRow(FormatDateTime(e.Time), e.Currency, string(e.Impact), TruncateString(e.Title, 40), in)
			}
			table.Render()
			return nil
		},
	}
}
