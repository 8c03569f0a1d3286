package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"curtailment-reconciler/internal/app"
)

var (
	showLevel string
	showFrom  string
	showTo    string
	showDays  int
	showModel string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display aggregates or reconcile state",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch showLevel {
		case app.LevelDaily, app.LevelMonthly, app.LevelYearly, app.LevelState:
		default:
			return fmt.Errorf("--level must be one of daily, monthly, yearly, state")
		}
		if showDays <= 0 {
			return fmt.Errorf("--days must be greater than zero")
		}

		rng, err := defaultRange(showFrom, showTo, showDays, time.Now())
		if err != nil {
			return err
		}

		opts := app.ShowOptions{
			Level: showLevel,
			Range: rng,
			Model: showModel,
		}
		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showLevel, "level", app.LevelDaily, "Level to show: daily, monthly, yearly or state")
	showCmd.Flags().StringVar(&showFrom, "from", "", "First date (YYYY-MM-DD)")
	showCmd.Flags().StringVar(&showTo, "to", "", "Last date, inclusive")
	showCmd.Flags().IntVar(&showDays, "days", 30, "Trailing days to show when --from is omitted")
	showCmd.Flags().StringVar(&showModel, "model", "", "Only show this hardware model")
}
