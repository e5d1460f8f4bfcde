package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"fxify-trader/internal/models"
	"fxify-trader/pkg/utils"
)

// addTradingCommands adds order entry and position management commands.
func addTradingCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newOrderCmd(app, models.DirectionBuy))
	rootCmd.AddCommand(newOrderCmd(app, models.DirectionSell))
	rootCmd.AddCommand(newModifyCmd(app))
	rootCmd.AddCommand(newCancelCmd(app))
	rootCmd.AddCommand(newCloseCmd(app))
	rootCmd.AddCommand(newCloseAllCmd(app))
}

func newOrderCmd(app *App, dir models.Direction) *cobra.Command {
	var (
		sl, tp, price float64
		orderType     string
		comment       string
		magic         int64
	)
	verb := strings.ToLower(string(dir))

	cmd := &cobra.Command{
		Use:   verb + " SYMBOL LOTS",
		Short: fmt.Sprintf("Place a %s order", verb),
		Long: fmt.Sprintf(`Place a %s order. Without --type the order executes at market.

With an active FXIFY profile the order is validated first. A rejected order
prints the violated rules and exits with an error; nothing reaches the broker.`, verb),
		Example: fmt.Sprintf(`  fxtrader %[1]s EURUSD 0.5 --sl 1.0950 --tp 1.1100
  fxtrader %[1]s XAUUSD 0.1 --type limit --price 2320`, verb),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			volume, err := strconv.ParseFloat(args[1], 64)
			if err != nil || volume <= 0 {
				return fmt.Errorf("invalid volume %q", args[1])
			}
			ot, err := ParseOrderType(orderType)
			if err != nil {
				return err
			}
			if ot.IsPending() && price <= 0 {
				return fmt.Errorf("--price is required for %s orders", strings.ToLower(string(ot)))
			}

			req := models.OrderRequest{
				Symbol:     strings.ToUpper(args[0]),
				Direction:  dir,
				Volume:     volume,
				Price:      price,
				StopLoss:   sl,
				TakeProfit: tp,
				Type:       ot,
				Comment:    comment,
				Magic:      magic,
			}

			gate, err := app.Gate(cmd.Context())
			if err != nil {
				return err
			}
			var res *models.OrderResult
			if ot.IsPending() {
				res, err = gate.PlacePendingOrder(cmd.Context(), req)
			} else {
				res, err = gate.PlaceMarketOrder(cmd.Context(), req)
			}
			if err != nil {
				return fmt.Errorf("placing order: %w", err)
			}
			return printOrderResult(output, res, fmt.Sprintf("%s %s %s", strings.ToUpper(verb), utils.FormatLots(volume), req.Symbol))
		},
	}

	cmd.Flags().Float64Var(&sl, "sl", 0, "stop loss price")
	cmd.Flags().Float64Var(&tp, "tp", 0, "take profit price")
	cmd.Flags().Float64Var(&price, "price", 0, "entry price for pending orders")
	cmd.Flags().StringVar(&orderType, "type", "market", "order type: market, limit, stop, stop_limit")
	cmd.Flags().StringVar(&comment, "comment", "", "order comment")
	cmd.Flags().Int64Var(&magic, "magic", 0, "expert magic number")
	return cmd
}

// printOrderResult reports a fill or a rejection. Rejections are returned as
// errors so the process exits non-zero.
func printOrderResult(output *Output, res *models.OrderResult, label string) error {
	if output.IsJSON() {
		if err := output.JSON(res); err != nil {
			return err
		}
	}
	if !res.Success {
		if !output.IsJSON() {
			output.Error("✗ %s blocked", label)
			if res.Message != "" {
				output.Dim("  %s", res.Message)
			}
			output.Violations(res.Violations)
		}
		return fmt.Errorf("%s rejected", label)
	}
	if output.IsJSON() {
		return nil
	}
	output.Success("✓ %s", label)
	output.Printf("  Ticket: %s\n", res.Ticket)
	if res.Price > 0 {
		output.Printf("  Price:  %s\n", FormatPrice(res.Price))
	}
	if res.Volume > 0 {
		output.Printf("  Lots:   %s\n", utils.FormatLots(res.Volume))
	}
	output.Violations(res.Violations)
	return nil
}

func newModifyCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modify TICKET",
		Short: "Change stop loss, take profit, price or volume",
		Long: `Modify a position or pending order. Only the flags given are changed.

Stop loss and take profit changes are never blocked. A volume increase is
validated as a new order for the added lots.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			var mod models.OrderModification
			for name, target := range map[string]**float64{
				"sl":     &mod.StopLoss,
				"tp":     &mod.TakeProfit,
				"price":  &mod.Price,
				"volume": &mod.Volume,
			} {
				if cmd.Flags().Changed(name) {
					v, _ := cmd.Flags().GetFloat64(name)
					*target = &v
				}
			}
			if mod.StopLoss == nil && mod.TakeProfit == nil && mod.Price == nil && mod.Volume == nil {
				return fmt.Errorf("nothing to modify")
			}

			gate, err := app.Gate(cmd.Context())
			if err != nil {
				return err
			}
			res, err := gate.ModifyOrder(cmd.Context(), args[0], mod)
			if err != nil {
				return fmt.Errorf("modifying %s: %w", args[0], err)
			}
			if res.Ticket == "" {
				res.Ticket = args[0]
			}
			return printOrderResult(output, res, "MODIFY "+args[0])
		},
	}
	cmd.Flags().Float64("sl", 0, "new stop loss")
	cmd.Flags().Float64("tp", 0, "new take profit")
	cmd.Flags().Float64("price", 0, "new entry price (pending orders)")
	cmd.Flags().Float64("volume", 0, "new volume in lots")
	return cmd
}

func newCancelCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel TICKET",
		Short: "Cancel a pending order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			gate, err := app.Gate(cmd.Context())
			if err != nil {
				return err
			}
			res, err := gate.CancelOrder(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("cancelling %s: %w", args[0], err)
			}
			if res.Ticket == "" {
				res.Ticket = args[0]
			}
			return printOrderResult(output, res, "CANCEL "+args[0])
		},
	}
}

func newCloseCmd(app *App) *cobra.Command {
	var volume float64
	cmd := &cobra.Command{
		Use:   "close TICKET",
		Short: "Close a position, fully or partially",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if volume < 0 {
				return fmt.Errorf("volume must be positive")
			}
			gate, err := app.Gate(cmd.Context())
			if err != nil {
				return err
			}
			res, err := gate.ClosePosition(cmd.Context(), args[0], volume)
			if err != nil {
				return fmt.Errorf("closing %s: %w", args[0], err)
			}
			if res.Ticket == "" {
				res.Ticket = args[0]
			}
			return printOrderResult(output, res, "CLOSE "+args[0])
		},
	}
	cmd.Flags().Float64Var(&volume, "volume", 0, "lots to close (default: entire position)")
	return cmd
}

func newCloseAllCmd(app *App) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "close-all",
		Short: "Close every open position",
		Long: `Close every open position one at a time. A failure on one position does
not stop the others; the summary lists each attempt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if !yes {
				return fmt.Errorf("close-all closes every position; re-run with --yes to confirm")
			}
			gate, err := app.Gate(cmd.Context())
			if err != nil {
				return err
			}
			res, err := gate.CloseAllPositions(cmd.Context())
			if err != nil {
				return fmt.Errorf("closing positions: %w", err)
			}
			if output.IsJSON() {
				if err := output.JSON(res); err != nil {
					return err
				}
			} else {
				if res.Total == 0 {
					output.Dim("No open positions")
					return nil
				}
				table := NewTable(output, "TICKET", "SYMBOL", "RESULT")
				for _, d := range res.Details {
					status := output.Green("closed")
					if !d.Success {
						status = output.Red("failed: " + d.Error)
					}
					table.AddRow(d.Ticket, d.Symbol, status)
				}
				table.Render()
				output.Printf("\nClosed %d of %d\n", res.Closed, res.Total)
			}
			if !res.Success {
				return fmt.Errorf("%d of %d positions could not be closed", res.Total-res.Closed, res.Total)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm closing all positions")
	return cmd
}
