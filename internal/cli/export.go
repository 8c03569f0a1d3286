package cli

import (
	"time"

	"github.com/spf13/cobra"

	"curtailment-reconciler/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportModel     string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export daily aggregates as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		rng, err := defaultRange(exportFrom, exportTo, 365, time.Now())
		if err != nil {
			return err
		}

		opts := app.ExportOptions{
			Range:     rng,
			Model:     exportModel,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "First date (YYYY-MM-DD, defaults to one year back)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Last date, inclusive")
	exportCmd.Flags().StringVar(&exportModel, "model", "", "Only export this hardware model")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum dates to export (defaults to config)")
}
