package cmd

import (
	"context"

	"github.com/michaelpento.lv/liqbot/utils"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	logDir  string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "liqbot",
	Short: "A CLI liquidation bot for flash-borrow funded liquidations",
	Long: `A CLI liquidation bot that scans watched borrower positions for
undercollateralized debt and liquidates it atomically with flash-borrowed
capital, paying the swap-funded profit to a configured receiver.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./liqbot.json)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "directory for log files (default is the current directory)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func initConfig() {
	utils.InitLogger(debug, logDir)
}
