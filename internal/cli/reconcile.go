package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"curtailment-reconciler/internal/app"
)

var (
	reconcileFrom    string
	reconcileTo      string
	reconcileWorkers int
	reconcileDryRun  bool
	reconcileNotify  bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Rebuild calculations and aggregates for a date range",
	RunE: func(cmd *cobra.Command, args []string) error {
		rng, err := parseRange(reconcileFrom, reconcileTo)
		if err != nil {
			return err
		}
		if reconcileWorkers < 0 {
			return fmt.Errorf("--workers cannot be negative")
		}

		opts := app.ReconcileOptions{
			Range:   rng,
			Workers: reconcileWorkers,
			DryRun:  reconcileDryRun,
			Notify:  reconcileNotify,
		}
		return getApp().Reconcile(cmd.Context(), opts)
	},
}

var (
	auditDate   string
	auditFrom   string
	auditTo     string
	auditNotify bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check calculations and aggregates for gaps and drift without writing",
	RunE: func(cmd *cobra.Command, args []string) error {
		if auditDate != "" && (auditFrom != "" || auditTo != "") {
			return fmt.Errorf("--date cannot be combined with --from/--to")
		}
		from, to := auditFrom, auditTo
		if auditDate != "" {
			from, to = auditDate, auditDate
		}
		rng, err := parseRange(from, to)
		if err != nil {
			return err
		}
		return getApp().Audit(cmd.Context(), app.AuditOptions{Range: rng, Notify: auditNotify})
	},
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileFrom, "from", "", "First date to reconcile (YYYY-MM-DD)")
	reconcileCmd.Flags().StringVar(&reconcileTo, "to", "", "Last date to reconcile, inclusive (defaults to --from)")
	reconcileCmd.Flags().IntVar(&reconcileWorkers, "workers", 0, "Concurrent dates (defaults to config)")
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "Reconcile an in-memory copy without writing to storage")
	reconcileCmd.Flags().BoolVar(&reconcileNotify, "notify", false, "Send an alert when dates fail")

	auditCmd.Flags().StringVar(&auditDate, "date", "", "Single date to audit (YYYY-MM-DD)")
	auditCmd.Flags().StringVar(&auditFrom, "from", "", "First date to audit (YYYY-MM-DD)")
	auditCmd.Flags().StringVar(&auditTo, "to", "", "Last date to audit, inclusive")
	auditCmd.Flags().BoolVar(&auditNotify, "notify", false, "Send an alert when the audit finds problems")
}
