package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"curtailment-reconciler/internal/app"
	"curtailment-reconciler/internal/fetcher"
	"curtailment-reconciler/internal/period"
)

var (
	difficultySource string
	difficultySince  string
	difficultyDate   string
	difficultyValue  string
)

var difficultyCmd = &cobra.Command{
	Use:   "difficulty",
	Short: "Manage the network difficulty history",
}

var difficultySyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Import difficulty from a node or block explorer",
	RunE: func(cmd *cobra.Command, args []string) error {
		if difficultySource != fetcher.SourceNode && difficultySource != fetcher.SourceExplorer {
			return fmt.Errorf("--source must be %s or %s", fetcher.SourceNode, fetcher.SourceExplorer)
		}
		var since time.Time
		if difficultySince != "" {
			t, err := period.ParseDay(difficultySince)
			if err != nil {
				return fmt.Errorf("invalid --since value: %w", err)
			}
			since = t
		}
		return getApp().DifficultySync(cmd.Context(), app.DifficultySyncOptions{Source: difficultySource, Since: since})
	},
}

var difficultySetCmd = &cobra.Command{
	Use:   "set",
	Short: "Record a difficulty value effective from a date",
	RunE: func(cmd *cobra.Command, args []string) error {
		if difficultyDate == "" || difficultyValue == "" {
			return errors.New("--date and --value must be provided")
		}
		date, err := period.ParseDay(difficultyDate)
		if err != nil {
			return fmt.Errorf("invalid --date value: %w", err)
		}
		value, err := decimal.NewFromString(difficultyValue)
		if err != nil {
			return fmt.Errorf("invalid --value: %w", err)
		}
		return getApp().DifficultySet(cmd.Context(), date, value)
	},
}

func init() {
	difficultySyncCmd.Flags().StringVar(&difficultySource, "source", fetcher.SourceExplorer, "Difficulty source: node or explorer")
	difficultySyncCmd.Flags().StringVar(&difficultySince, "since", "", "Only import points effective on or after this date")

	difficultySetCmd.Flags().StringVar(&difficultyDate, "date", "", "Effective date (YYYY-MM-DD)")
	difficultySetCmd.Flags().StringVar(&difficultyValue, "value", "", "Difficulty value")

	difficultyCmd.AddCommand(difficultySyncCmd)
	difficultyCmd.AddCommand(difficultySetCmd)
}
