package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Environment variables
const (
	EnvConfigPath          = "LIQBOT_CONFIG"
	EnvMinProfit           = "LIQBOT_MIN_PROFIT"
	EnvProfitReceiver      = "LIQBOT_PROFIT_RECEIVER"
	EnvEmergencyLiquidator = "LIQBOT_EMERGENCY_LIQUIDATOR"
	EnvPrometheusEndpoint  = "LIQBOT_PROMETHEUS_ENDPOINT"
)

// LoadEnv loads environment variables from a .env file if present.
func LoadEnv() error {
	return godotenv.Load()
}

// GetEnvWithDefault gets an environment variable with a default value
func GetEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
