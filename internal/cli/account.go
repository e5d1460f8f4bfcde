package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"fxify-trader/internal/models"
	"fxify-trader/internal/risk"
	"fxify-trader/pkg/utils"
)

// addAccountCommands adds account and portfolio commands.
func addAccountCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newAccountCmd(app))
	rootCmd.AddCommand(newPositionsCmd(app))
	rootCmd.AddCommand(newOrdersCmd(app))
}

type statusView struct {
	Broker     string                  `json:"broker"`
	BrokerType string                  `json:"broker_type"`
	Connected  bool                    `json:"connected"`
	MarketOpen bool                    `json:"market_open"`
	Sessions   []utils.Session         `json:"sessions"`
	Profile    *models.Profile         `json:"profile,omitempty"`
	Drawdown   *risk.DrawdownSnapshot  `json:"drawdown,omitempty"`
	Level      risk.WarningLevel       `json:"level,omitempty"`
	Account    *models.AccountSnapshot `json:"account,omitempty"`
	ConnectErr string                  `json:"connect_error,omitempty"`
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection, market and FXIFY risk status",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()
			now := app.now().UTC()

			view := statusView{
				MarketOpen: utils.IsFXMarketOpen(now),
				Sessions:   utils.ActiveSessions(now),
			}
			if p, ok := app.Modes.Active(); ok {
				view.Profile = &p
			}

			gate, err := app.Gate(ctx)
			if err != nil {
				view.ConnectErr = err.Error()
			} else {
				view.Broker = gate.Name()
				view.BrokerType = string(gate.Type())
				view.Connected = gate.IsConnected()
				if acct, err := gate.GetAccountInfo(ctx); err == nil {
					view.Account = acct
				}
				if view.Profile != nil {
					snap := gate.Monitor().Snapshot()
					view.Drawdown = &snap
					view.Level = snap.Level()
				}
			}

			if output.IsJSON() {
				return output.JSON(view)
			}

			output.Bold("Connection")
			if view.ConnectErr != "" {
				output.Printf("  Broker:      %s\n", output.Red("disconnected"))
				output.Dim("  %s", view.ConnectErr)
			} else {
				output.Printf("  Broker:      %s (%s) %s\n", view.Broker, view.BrokerType, output.Green("connected"))
			}
			output.Println()

			output.Bold("Market")
			if view.MarketOpen {
				output.Printf("  FX market:   %s\n", output.Green("● OPEN"))
			} else {
				output.Printf("  FX market:   %s (reopens %s)\n", output.Red("● CLOSED"), FormatDateTime(utils.NextMarketOpen(now)))
			}
			names := make([]string, len(view.Sessions))
			for i, s := range view.Sessions {
				names[i] = string(s)
			}
			output.Printf("  Sessions:    %s\n", strings.Join(names, ", "))
			output.Println()

			output.Bold("FXIFY Mode")
			if view.Profile == nil {
				output.Printf("  Mode:        %s\n", output.Yellow("inactive (orders pass through unchecked)"))
				return nil
			}
			output.Printf("  Profile:     %s (%s)\n", view.Profile.Name, view.Profile.AccountType)
			if view.Drawdown != nil {
				printDrawdown(output, *view.Drawdown, view.Profile.MinTradingDays, currencyOf(view.Account))
			}
			return nil
		},
	}
}

func currencyOf(acct *models.AccountSnapshot) string {
	if acct == nil || acct.Currency == "" {
		return "USD"
	}
	return acct.Currency
}

func printDrawdown(output *Output, snap risk.DrawdownSnapshot, minDays int, currency string) {
	if !snap.Initialized {
		output.Dim("  Drawdown monitor not initialized")
		return
	}
	output.Printf("  Level:       %s\n", output.Level(snap.Level()))
	output.Printf("  Daily DD:    %s / %s\n", utils.FormatRatio(snap.DailyDrawdown), utils.FormatRatio(snap.MaxDailyDrawdown))
	output.Printf("  Total DD:    %s / %s\n", utils.FormatRatio(snap.TotalDrawdown), utils.FormatRatio(snap.MaxTotalDrawdown))
	output.Printf("  Day start:   %s\n", utils.FormatMoney(snap.StartOfDayBalance, currency))
	output.Printf("  Peak:        %s\n", utils.FormatMoney(snap.PeakBalance, currency))
	if minDays > 0 {
		output.Printf("  Trading days: %d / %d\n", snap.TradingDays, minDays)
	} else {
		output.Printf("  Trading days: %d\n", snap.TradingDays)
	}
}

func newAccountCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "account",
		Short: "Show account balance, equity and margin",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			gate, err := app.Gate(cmd.Context())
			if err != nil {
				return err
			}
			acct, err := gate.GetAccountInfo(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetching account: %w", err)
			}
			if output.IsJSON() {
				return output.JSON(acct)
			}

			pnl := acct.Equity - acct.Balance
			output.Bold("Account %s", acct.Login)
			output.Printf("  Balance:     %s\n", utils.FormatMoney(acct.Balance, acct.Currency))
			output.Printf("  Equity:      %s\n", utils.FormatMoney(acct.Equity, acct.Currency))
			output.Printf("  Floating:    %s\n", output.PnL(pnl, utils.FormatPnL(pnl, acct.Currency)))
			output.Printf("  Margin:      %s\n", utils.FormatMoney(acct.Margin, acct.Currency))
			output.Printf("  Free margin: %s\n", utils.FormatMoney(acct.FreeMargin, acct.Currency))
			if acct.Leverage > 0 {
				output.Printf("  Leverage:    1:%d\n", acct.Leverage)
			}
			return nil
		},
	}
}

func newPositionsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "positions",
		Aliases: []string{"pos"},
		Short:   "List open positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			gate, err := app.Gate(cmd.Context())
			if err != nil {
				return err
			}
			positions, err := gate.GetPositions(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetching positions: %w", err)
			}
			if output.IsJSON() {
				return output.JSON(positions)
			}
			if len(positions) == 0 {
				output.Dim("No open positions")
				return nil
			}

			table := NewTable(output, "TICKET", "SYMBOL", "SIDE", "LOTS", "OPEN", "CURRENT", "SL", "TP", "P&L")
			total := 0.0
			for _, p := range positions {
				total += p.Profit
				table.AddRow(
					p.Ticket,
					p.Symbol,
					output.Direction(p.Direction),
					utils.FormatLots(p.Volume),
					FormatPrice(p.OpenPrice),
					FormatPrice(p.CurrentPrice),
					FormatPrice(p.StopLoss),
					FormatPrice(p.TakeProfit),
					output.PnL(p.Profit, fmt.Sprintf("%.2f", p.Profit)),
				)
			}
			table.Render()
			output.Printf("\n%d positions, floating %s\n", len(positions), output.PnL(total, fmt.Sprintf("%.2f", total)))
			return nil
		},
	}
}

func newOrdersCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "orders",
		Short: "List pending orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			gate, err := app.Gate(cmd.Context())
			if err != nil {
				return err
			}
			orders, err := gate.GetOrders(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetching orders: %w", err)
			}
			if output.IsJSON() {
				return output.JSON(orders)
			}
			if len(orders) == 0 {
				output.Dim("No pending orders")
				return nil
			}

			table := NewTable(output, "TICKET", "SYMBOL", "SIDE", "TYPE", "LOTS", "PRICE", "SL", "TP", "COMMENT")
			for _, o := range orders {
				table.AddRow(
					o.Ticket,
					o.Symbol,
					output.Direction(o.Direction),
					string(o.Type),
					utils.FormatLots(o.Volume),
					FormatPrice(o.OpenPrice),
					FormatPrice(o.StopLoss),
					FormatPrice(o.TakeProfit),
					TruncateString(o.Comment, 24),
				)
			}
			table.Render()
			return nil
		},
	}
}
