package cli

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"curtailment-reconciler/internal/app"
	"curtailment-reconciler/internal/period"
)

var (
	estimateDate       string
	estimateEnergy     string
	estimateModel      string
	estimateDifficulty string
)

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "估算一段弃电量在指定日期可产出的挖矿收益",
	RunE: func(cmd *cobra.Command, args []string) error {
		if estimateDate == "" || estimateEnergy == "" {
			return errors.New("--date 与 --energy 必须提供")
		}
		date, err := period.ParseDay(estimateDate)
		if err != nil {
			return fmt.Errorf("invalid --date value: %w", err)
		}
		energy, err := decimal.NewFromString(estimateEnergy)
		if err != nil {
			return fmt.Errorf("invalid --energy value: %w", err)
		}
		difficulty := decimal.Zero
		if estimateDifficulty != "" {
			difficulty, err = decimal.NewFromString(estimateDifficulty)
			if err != nil {
				return fmt.Errorf("invalid --difficulty value: %w", err)
			}
			if difficulty.Sign() <= 0 {
				return errors.New("--difficulty 必须大于 0")
			}
		}

		return getApp().Estimate(cmd.Context(), app.EstimateOptions{
			Date:       date,
			EnergyMWh:  energy,
			Model:      estimateModel,
			Difficulty: difficulty,
		})
	},
}

func init() {
	estimateCmd.Flags().StringVar(&estimateDate, "date", "", "日期 (YYYY-MM-DD)")
	estimateCmd.Flags().StringVar(&estimateEnergy, "energy", "", "弃电量 MWh")
	estimateCmd.Flags().StringVar(&estimateModel, "model", "", "矿机型号，默认全部")
	estimateCmd.Flags().StringVar(&estimateDifficulty, "difficulty", "", "网络难度，默认从数据库读取")
}
