// Package config handles engine configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all engine configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Bank rail (SPEI ledger)
	BankBaseURL   string
	BankAPIKey    string
	BankAPISecret string

	// Custody chain settings
	RPCURL           string
	ChainID          int64
	EscrowContract   string
	TokenContract    string
	BridgePrivateKey string // Hex-encoded, with or without 0x prefix
	BridgeWallet     string // Custody funding wallet (holds escrowed asset)
	SettlementWallet string // Platform wallet at the bank rail (redemption source)

	// Automation intervals
	DepositPollInterval  time.Duration
	ReleasePollInterval  time.Duration
	PayoutPollInterval   time.Duration
	RecoveryPollInterval time.Duration

	// Policy
	MaxAutomaticRetries  int
	PlatformFeePercent   string
	ApprovalExpiryPolicy string // "hold" or "flag" for dual-approval escrows past deadline
	ApprovalExpiryGrace  time.Duration

	// Risk assessment collaborator (optional; rule-based fallback when unset)
	RiskAPIURL string
	RiskAPIKey string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultBankBaseURL          = "https://stage.buildwithjuno.com"
	DefaultChainID              = 421614 // Arbitrum Sepolia
	DefaultDepositPollInterval  = time.Minute
	DefaultReleasePollInterval  = 10 * time.Minute
	DefaultPayoutPollInterval   = 2 * time.Minute
	DefaultRecoveryPollInterval = 15 * time.Minute
	DefaultMaxAutomaticRetries  = 3
	DefaultApprovalExpiryPolicy = "hold"
	DefaultApprovalExpiryGrace  = 72 * time.Hour
)

// Load reads configuration from environment variables.
// It loads .env if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		BankBaseURL:          getEnv("BANK_BASE_URL", DefaultBankBaseURL),
		BankAPIKey:           os.Getenv("BANK_API_KEY"),
		BankAPISecret:        os.Getenv("BANK_API_SECRET"),
		RPCURL:               os.Getenv("RPC_URL"),
		ChainID:              getEnvInt64("CHAIN_ID", DefaultChainID),
		EscrowContract:       os.Getenv("ESCROW_CONTRACT"),
		TokenContract:        os.Getenv("TOKEN_CONTRACT"),
		BridgePrivateKey:     os.Getenv("BRIDGE_PRIVATE_KEY"),
		BridgeWallet:         os.Getenv("BRIDGE_WALLET"),
		SettlementWallet:     os.Getenv("SETTLEMENT_WALLET"),
		DepositPollInterval:  getEnvDuration("DEPOSIT_POLL_INTERVAL", DefaultDepositPollInterval),
		ReleasePollInterval:  getEnvDuration("RELEASE_POLL_INTERVAL", DefaultReleasePollInterval),
		PayoutPollInterval:   getEnvDuration("PAYOUT_POLL_INTERVAL", DefaultPayoutPollInterval),
		RecoveryPollInterval: getEnvDuration("RECOVERY_POLL_INTERVAL", DefaultRecoveryPollInterval),
		MaxAutomaticRetries:  int(getEnvInt64("MAX_AUTOMATIC_RETRIES", DefaultMaxAutomaticRetries)),
		PlatformFeePercent:   getEnv("PLATFORM_FEE_PERCENT", "0"),
		ApprovalExpiryPolicy: getEnv("APPROVAL_EXPIRY_POLICY", DefaultApprovalExpiryPolicy),
		ApprovalExpiryGrace:  getEnvDuration("APPROVAL_EXPIRY_GRACE", DefaultApprovalExpiryGrace),
		RiskAPIURL:           os.Getenv("RISK_API_URL"),
		RiskAPIKey:           os.Getenv("RISK_API_KEY"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present. The engine
// must not start with unsafe defaults for custody wallets: a missing key
// here is a fatal configuration error, not a per-payment failure.
func (c *Config) Validate() error {
	if c.BankAPIKey == "" || c.BankAPISecret == "" {
		return fmt.Errorf("BANK_API_KEY and BANK_API_SECRET are required")
	}
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.EscrowContract == "" {
		return fmt.Errorf("ESCROW_CONTRACT is required")
	}
	if c.TokenContract == "" {
		return fmt.Errorf("TOKEN_CONTRACT is required")
	}
	if c.BridgeWallet == "" {
		return fmt.Errorf("BRIDGE_WALLET is required")
	}
	if c.SettlementWallet == "" {
		return fmt.Errorf("SETTLEMENT_WALLET is required")
	}

	if c.BridgePrivateKey == "" {
		return fmt.Errorf("BRIDGE_PRIVATE_KEY is required")
	}
	key := c.BridgePrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("BRIDGE_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	switch c.ApprovalExpiryPolicy {
	case "hold", "flag":
	default:
		return fmt.Errorf("APPROVAL_EXPIRY_POLICY must be \"hold\" or \"flag\", got %q", c.ApprovalExpiryPolicy)
	}

	if c.MaxAutomaticRetries < 1 {
		return fmt.Errorf("MAX_AUTOMATIC_RETRIES must be at least 1")
	}

	return nil
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
