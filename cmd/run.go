package cmd

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/michaelpento.lv/liqbot/config"
	"github.com/michaelpento.lv/liqbot/utils"
	"github.com/michaelpento.lv/liqbot/utils/monitor"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the liquidation bot scan-and-execute loop",
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

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if cfg.PrometheusEnabled {
			startMetricsServer(ctx, cfg.PrometheusEndpoint, log)
			systemMonitor, err := monitor.NewSystemMonitor(ctx, log)
			if err != nil {
				log.Fatal("Failed to start system monitor", zap.Error(err))
			}
			defer systemMonitor.Cleanup()
		}

		log.Info("Liquidation bot started",
			zap.Int("borrowers", len(w.borrowers)),
			zap.Int("pairs", len(w.orchestrator.TokenPairs())),
			zap.Duration("scan_interval", cfg.ScanInterval))

		limiter := rate.NewLimiter(rate.Limit(cfg.ScanRateLimit.RequestsPerSecond), cfg.ScanRateLimit.BurstSize)
		ticker := time.NewTicker(cfg.ScanInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Info("Shutting down gracefully...")
				return
			case <-ticker.C:
			}
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			runOnce(ctx, w, log)
		}
	},
}

// runOnce performs one scan and executes every opportunity it finds as a
// single batch. Individual failures are logged and skipped by the batch.
func runOnce(ctx context.Context, w *world, log *zap.Logger) {
	opportunities, err := w.orchestrator.ScanForLiquidations(ctx, w.borrowers)
	if err != nil {
		log.Error("Scan failed", zap.Error(err))
		return
	}
	if len(opportunities) == 0 {
		log.Debug("No liquidatable positions found")
		return
	}

	borrowers := make([]common.Address, len(opportunities))
	debtAssets := make([]common.Address, len(opportunities))
	collateralAssets := make([]common.Address, len(opportunities))
	debtAmounts := make([]*big.Int, len(opportunities))
	feeTiers := make([]uint32, len(opportunities))
	for i, opp := range opportunities {
		borrowers[i] = opp.Borrower
		debtAssets[i] = opp.DebtAsset
		collateralAssets[i] = opp.CollateralAsset
		debtAmounts[i] = opp.MaxDebtAmount
		feeTiers[i] = opp.FeeTier
	}

	caller := w.orchestrator.Parameters().ProfitReceiver
	events, err := w.orchestrator.BatchExecuteLiquidations(ctx, caller, borrowers, debtAssets, collateralAssets, debtAmounts, feeTiers)
	if err != nil {
		log.Error("Batch execution failed", zap.Error(err))
		return
	}
	for _, event := range events {
		log.Info("Liquidation executed",
			zap.Uint64("attempt_id", event.AttemptID),
			zap.String("borrower", event.Borrower.Hex()),
			zap.String("debt_repaid", event.DebtAmount.String()),
			zap.String("collateral_seized", event.CollateralSeized.String()),
			zap.String("profit", event.Profit.String()))
	}
}

func startMetricsServer(ctx context.Context, endpoint string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: endpoint, Handler: mux}

	go func() {
		log.Info("Metrics server listening", zap.String("endpoint", endpoint))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}

func init() {
	rootCmd.AddCommand(runCmd)
}
