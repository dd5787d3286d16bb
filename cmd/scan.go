package cmd

import (
	"github.com/michaelpento.lv/liqbot/config"
	"github.com/michaelpento.lv/liqbot/utils"
	"github.com/michaelpento.lv/liqbot/venue"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single liquidation scan and print the opportunities",
	Run: func(cmd *cobra.Command, args []string) {
		log := utils.GetLogger()
		defer utils.CleanupLogger()

		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			log.Fatal("Failed to load configuration", zap.Error(err))
		}

		w, err := buildWorld(cfg, log)
		if err != nil {
			log.Fatal("Failed to build liquidation world", zap.Error(err))
		}

		opportunities, err := w.orchestrator.ScanForLiquidations(cmd.Context(), w.borrowers)
		if err != nil {
			log.Fatal("Scan failed", zap.Error(err))
		}

		if len(opportunities) == 0 {
			log.Info("No liquidatable positions found",
				zap.Int("borrowers", len(w.borrowers)),
				zap.Int("pairs", len(w.orchestrator.TokenPairs())))
			return
		}
		for _, opp := range opportunities {
			fields := []zap.Field{
				zap.String("borrower", opp.Borrower.Hex()),
				zap.String("debt_asset", opp.DebtAsset.Hex()),
				zap.String("collateral_asset", opp.CollateralAsset.Hex()),
				zap.String("max_debt", opp.MaxDebtAmount.String()),
				zap.String("estimated_profit", opp.EstimatedProfit.String()),
				zap.String("estimated_collateral", opp.EstimatedCollateral.String()),
				zap.Uint32("fee_tier", opp.FeeTier),
			}
			// The quoted swap output prices the seized collateral against the
			// actual pool, next to the oracle-based estimate.
			key := venue.NewPoolKey(opp.DebtAsset, opp.CollateralAsset, opp.FeeTier)
			if quoted, err := w.venue.QuoteSwap(key, opp.CollateralAsset, opp.EstimatedCollateral); err == nil {
				fields = append(fields, zap.String("quoted_repayment", quoted.String()))
			}
			log.Info("Liquidation opportunity", fields...)
		}
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
}
