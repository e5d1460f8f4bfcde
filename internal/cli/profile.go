package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"fxify-trader/internal/models"
	"fxify-trader/pkg/utils"
)

// addProfileCommands adds FXIFY profile management commands.
func addProfileCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:     "profile",
		Aliases: []string{"profiles"},
		Short:   "Manage FXIFY risk profiles",
		Long: `Manage FXIFY risk profiles. Activating a profile turns FXIFY mode on:
every new order is checked against its limits before it reaches the broker.
Deactivating turns the checks off.`,
	}
	cmd.AddCommand(newProfileListCmd(app))
	cmd.AddCommand(newProfileShowCmd(app))
	cmd.AddCommand(newProfileCreateCmd(app))
	cmd.AddCommand(newProfileUpdateCmd(app))
	cmd.AddCommand(newProfileActivateCmd(app))
	cmd.AddCommand(newProfileDeactivateCmd(app))
	cmd.AddCommand(newProfileDeleteCmd(app))
	rootCmd.AddCommand(cmd)
}

func newProfileListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			profiles := app.Modes.List()
			active, _ := app.Modes.Active()
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"active":   active.ID,
					"profiles": profiles,
				})
			}

			table := NewTable(output, "", "NAME", "TYPE", "DAILY", "TOTAL", "TARGET", "MAX LOTS", "NEWS", "ID")
			for _, p := range profiles {
				marker := ""
				if p.ID == active.ID {
					marker = output.Green("●")
				}
				table.AddRow(marker, p.Name, string(p.AccountType),
					utils.FormatRatio(p.MaxDailyDrawdown), utils.FormatRatio(p.MaxTotalDrawdown),
					ratioOrDash(p.ProfitTarget), lotsOrDash(p.TradeSizeLimit), yesNo(p.AllowNewsTrading), p.ID)
			}
			table.Render()
			if active.ID == "" {
				output.Dim("\nFXIFY mode is off. Activate a profile with 'fxtrader profile activate NAME'.")
			}
			return nil
		},
	}
}

func ratioOrDash(v float64) string {
	if v <= 0 {
		return "-"
	}
	return utils.FormatRatio(v)
}

func lotsOrDash(v float64) string {
	if v <= 0 {
		return "-"
	}
	return utils.FormatLots(v)
}

func yesNo(b bool) string {
	if b {
		return "allowed"
	}
	return "blocked"
}

func newProfileShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show [NAME|ID]",
		Short: "Show a profile (default: the active one)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			var p models.Profile
			if len(args) == 1 {
				var err error
				if p, err = app.Modes.Get(args[0]); err != nil {
					return err
				}
			} else {
				var ok bool
				if p, ok = app.Modes.Active(); !ok {
					return fmt.Errorf("no active profile")
				}
			}
			if output.IsJSON() {
				return output.JSON(p)
			}
			printProfile(output, p)
			return nil
		},
	}
}

func printProfile(output *Output, p models.Profile) {
	output.Bold("%s", p.Name)
	output.Printf("  ID:             %s\n", p.ID)
	output.Printf("  Account type:   %s\n", p.AccountType)
	output.Printf("  Daily DD limit: %s\n", utils.FormatRatio(p.MaxDailyDrawdown))
	output.Printf("  Total DD limit: %s\n", utils.FormatRatio(p.MaxTotalDrawdown))
	output.Printf("  Profit target:  %s\n", ratioOrDash(p.ProfitTarget))
	output.Printf("  Min days:       %d\n", p.MinTradingDays)
	output.Printf("  Max lots:       %s\n", lotsOrDash(p.TradeSizeLimit))
	output.Printf("  News trading:   %s\n", yesNo(p.AllowNewsTrading))
	for k, v := range p.CustomSettings {
		output.Printf("  %s: %s\n", k, v)
	}
}

// profileFlags binds the editable profile fields. Limits are entered in
// percent and stored as fractions.
type profileFlags struct {
	name        string
	accountType string
	daily       float64
	total       float64
	target      float64
	minDays     int
	maxLots     float64
	news        bool
	settings    []string
}

func (f *profileFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "profile name")
	cmd.Flags().StringVar(&f.accountType, "type", string(models.AccountTwoPhase), "account type: one_phase, two_phase, instant_funding")
	cmd.Flags().Float64Var(&f.daily, "daily", 5, "max daily drawdown, percent")
	cmd.Flags().Float64Var(&f.total, "total", 10, "max total drawdown, percent")
	cmd.Flags().Float64Var(&f.target, "target", 0, "profit target, percent")
	cmd.Flags().IntVar(&f.minDays, "min-days", 0, "minimum trading days")
	cmd.Flags().Float64Var(&f.maxLots, "max-lots", 0, "maximum lots per order (0 = no limit)")
	cmd.Flags().BoolVar(&f.news, "news", true, "allow trading around high-impact news")
	cmd.Flags().StringSliceVar(&f.settings, "set", nil, "custom setting KEY=VALUE (repeatable)")
}

// apply copies the flags the user changed onto p.
func (f *profileFlags) apply(cmd *cobra.Command, p *models.Profile, all bool) error {
	changed := func(name string) bool { return all || cmd.Flags().Changed(name) }
	if changed("name") {
		p.Name = f.name
	}
	if changed("type") {
		switch t := models.AccountType(strings.ToLower(f.accountType)); t {
		case models.AccountOnePhase, models.AccountTwoPhase, models.AccountInstantFunding:
			p.AccountType = t
		default:
			return fmt.Errorf("unknown account type %q", f.accountType)
		}
	}
	if changed("daily") {
		p.MaxDailyDrawdown = f.daily / 100
	}
	if changed("total") {
		p.MaxTotalDrawdown = f.total / 100
	}
	if changed("target") {
		p.ProfitTarget = f.target / 100
	}
	if changed("min-days") {
		p.MinTradingDays = f.minDays
	}
	if changed("max-lots") {
		p.TradeSizeLimit = f.maxLots
	}
	if changed("news") {
		p.AllowNewsTrading = f.news
	}
	for _, kv := range f.settings {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("invalid setting %q (want KEY=VALUE)", kv)
		}
		if p.CustomSettings == nil {
			p.CustomSettings = make(map[string]string)
		}
		p.CustomSettings[k] = v
	}
	return nil
}

func newProfileCreateCmd(app *App) *cobra.Command {
	var flags profileFlags
	var activate bool
	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Create a profile",
		Example: `  fxtrader profile create --name "Swing 100k" --type two_phase --daily 5 --total 10 --target 8 --min-days 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			var p models.Profile
			if err := flags.apply(cmd, &p, true); err != nil {
				return err
			}
			created, err := app.Modes.Create(cmd.Context(), p)
			if err != nil {
				return err
			}
			if activate {
				if _, err := app.Modes.Activate(cmd.Context(), created.ID); err != nil {
					return err
				}
			}
			if output.IsJSON() {
				return output.JSON(created)
			}
			output.Success("✓ Profile '%s' created (%s)", created.Name, created.ID)
			if activate {
				output.Success("✓ FXIFY mode active")
			}
			return nil
		},
	}
	flags.bind(cmd)
	cmd.Flags().BoolVar(&activate, "activate", false, "activate the new profile")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newProfileUpdateCmd(app *App) *cobra.Command {
	var flags profileFlags
	cmd := &cobra.Command{
		Use:   "update NAME|ID",
		Short: "Change a profile's limits",
		Long: `Change a profile. Only the flags given are changed. Updating the active
profile restarts drawdown tracking from the current balance.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			p, err := app.Modes.Get(args[0])
			if err != nil {
				return err
			}
			if err := flags.apply(cmd, &p, false); err != nil {
				return err
			}
			updated, err := app.Modes.Update(cmd.Context(), p)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(updated)
			}
			output.Success("✓ Profile '%s' updated", updated.Name)
			return nil
		},
	}
	flags.bind(cmd)
	return cmd
}

func newProfileActivateCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "activate NAME|ID",
		Short: "Turn FXIFY mode on with a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			p, err := app.Modes.Activate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(p)
			}
			output.Success("✓ FXIFY mode active: %s", p.Name)
			output.Dim("  Daily %s, total %s, max lots %s", utils.FormatRatio(p.MaxDailyDrawdown), utils.FormatRatio(p.MaxTotalDrawdown), lotsOrDash(p.TradeSizeLimit))
			return nil
		},
	}
}

func newProfileDeactivateCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate",
		Short: "Turn FXIFY mode off",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Modes.Deactivate(cmd.Context()); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"active": false})
			}
			output.Warning("FXIFY mode off: orders are no longer checked")
			return nil
		},
	}
}

func newProfileDeleteCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME|ID",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			p, err := app.Modes.Get(args[0])
			if err != nil {
				return err
			}
			if err := app.Modes.Delete(cmd.Context(), p.ID); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"deleted": p.ID})
			}
			output.Success("✓ Profile '%s' deleted", p.Name)
			return nil
		},
	}
}
