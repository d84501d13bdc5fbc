package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the engine.
type Config struct {
	// Persistence
	DatabaseURL string

	// Mode
	PaperTrading bool
	Debug        bool

	// Risk parameters
	MaxLeverage      int
	CapLeverage      bool // cap to MaxLeverage instead of rejecting
	MarginCallLevel  decimal.Decimal
	LiquidationLevel decimal.Decimal
	CommissionRate   decimal.Decimal
	StartingBalance  decimal.Decimal

	// Paper trading simulation
	SlippageEnabled bool
	MaxSlippageBps  int
	PaperLatency    time.Duration
	RejectionRate   float64

	// Timeouts
	OperationTimeout      time.Duration
	DatabaseTimeout       time.Duration
	IntegrityCheckTimeout time.Duration
	RecoveryTimeout       time.Duration

	// Monitoring
	MonitoringInterval  time.Duration
	MaxSlippagePercent  decimal.Decimal
	LiquidationFeePct   decimal.Decimal
	ArchiveRetention    time.Duration
	ProgressTracking    bool
	TransactionRetries  int
	TransactionBackoff  time.Duration

	// Event stream
	StreamListenAddr string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", "data/margind.db"),

		PaperTrading: getEnvBool("PAPER_TRADING", true),
		Debug:        getEnvBool("DEBUG", false),

		MaxLeverage:      getEnvInt("MAX_LEVERAGE", 100),
		CapLeverage:      getEnvBool("CAP_LEVERAGE", false),
		MarginCallLevel:  getEnvDecimal("MARGIN_CALL_LEVEL", decimal.NewFromFloat(0.5)),
		LiquidationLevel: getEnvDecimal("LIQUIDATION_LEVEL", decimal.NewFromFloat(0.2)),
		CommissionRate:   getEnvDecimal("COMMISSION_RATE", decimal.NewFromFloat(0.0001)),
		StartingBalance:  getEnvDecimal("STARTING_BALANCE", decimal.NewFromInt(10000)),

		SlippageEnabled: getEnvBool("SLIPPAGE_ENABLED", true),
		MaxSlippageBps:  getEnvInt("MAX_SLIPPAGE_BPS", 10),
		PaperLatency:    getEnvDuration("PAPER_LATENCY", 50*time.Millisecond),
		RejectionRate:   getEnvFloat("REJECTION_RATE", 0.0),

		OperationTimeout:      getEnvDuration("OPERATION_TIMEOUT", 30*time.Second),
		DatabaseTimeout:       getEnvDuration("DATABASE_TIMEOUT", 15*time.Second),
		IntegrityCheckTimeout: getEnvDuration("INTEGRITY_CHECK_TIMEOUT", 60*time.Second),
		RecoveryTimeout:       getEnvDuration("RECOVERY_TIMEOUT", 120*time.Second),

		MonitoringInterval: getEnvDuration("MONITORING_INTERVAL", 5*time.Second),
		MaxSlippagePercent: getEnvDecimal("MAX_SLIPPAGE_PERCENT", decimal.NewFromFloat(5.0)),
		LiquidationFeePct:  getEnvDecimal("LIQUIDATION_FEE_PERCENT", decimal.NewFromFloat(0.5)),
		ArchiveRetention:   getEnvDuration("ARCHIVE_RETENTION", 720*time.Hour),
		ProgressTracking:   getEnvBool("PROGRESS_TRACKING_ENABLED", true),
		TransactionRetries: getEnvInt("TRANSACTION_RETRIES", 3),
		TransactionBackoff: getEnvDuration("TRANSACTION_BACKOFF", 25*time.Millisecond),

		StreamListenAddr: getEnv("STREAM_LISTEN_ADDR", ":8480"),
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
