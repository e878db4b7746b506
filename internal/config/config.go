// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/tonescrow/internal/keyseal"
	"github.com/mbd888/tonescrow/internal/ton"
	"github.com/mbd888/tonescrow/internal/validation"
)

// Wallet modes
const (
	WalletModeLiteserver = "liteserver"
	WalletModeSandbox    = "sandbox"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow settings
	FeeRate               string // decimal fraction, e.g. "0.05"
	FeeWallet             string
	PaymentTimeoutMinutes int64
	PaymentCheckInterval  int64 // seconds
	SessionTTLMinutes     int64
	InputStalenessSeconds int64

	// Balance oracle
	OraclePrimaryURL     string
	OracleFallbackURL    string
	OracleAPIKey         string
	OracleTimeoutSeconds int64

	// Custody
	WalletMode    string
	Testnet       bool   // issue testnet addresses (0Q/kQ)
	TonConfigURL  string // liteserver global config; defaults per network
	SignerSealKey string // 64 hex chars, required with DATABASE_URL

	// Security
	AdminSecret        string
	InputRatePerMinute int64

	// Telemetry
	OTLPEndpoint string
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultFeeRate              = "0.05"
	DefaultFeeWallet            = "UQAg3mG5c-QFD_KQQBzJMkd94y_r5pkAFegBijQr3LEbBWZ2"
	DefaultPaymentTimeout       = 60
	DefaultPaymentCheckInterval = 30
	DefaultSessionTTL           = 30
	DefaultInputStaleness       = 300
	DefaultOraclePrimaryURL     = "https://tonapi.io"
	DefaultOracleFallbackURL    = "https://toncenter.com"
	DefaultOracleTimeout        = 10
	DefaultInputRatePerMinute   = 30
	DefaultMainnetConfigURL     = "https://ton.org/global.config.json"
	DefaultTestnetConfigURL     = "https://ton.org/testnet-global.config.json"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		FeeRate:               getEnv("FEE_RATE", DefaultFeeRate),
		FeeWallet:             getEnv("FEE_WALLET", DefaultFeeWallet),
		PaymentTimeoutMinutes: getEnvInt64("PAYMENT_TIMEOUT_MINUTES", DefaultPaymentTimeout),
		PaymentCheckInterval:  getEnvInt64("PAYMENT_CHECK_INTERVAL", DefaultPaymentCheckInterval),
		SessionTTLMinutes:     getEnvInt64("SESSION_TTL_MINUTES", DefaultSessionTTL),
		InputStalenessSeconds: getEnvInt64("INPUT_STALENESS_SECONDS", DefaultInputStaleness),
		OraclePrimaryURL:      getEnv("ORACLE_PRIMARY_URL", DefaultOraclePrimaryURL),
		OracleFallbackURL:     getEnv("ORACLE_FALLBACK_URL", DefaultOracleFallbackURL),
		OracleAPIKey:          os.Getenv("ORACLE_API_KEY"),
		OracleTimeoutSeconds:  getEnvInt64("ORACLE_TIMEOUT_SECONDS", DefaultOracleTimeout),
		WalletMode:            getEnv("WALLET_MODE", WalletModeLiteserver),
		Testnet:               getEnvBool("TON_TESTNET", false),
		TonConfigURL:          os.Getenv("TON_CONFIG_URL"),
		SignerSealKey:         os.Getenv("SIGNER_SEAL_KEY"),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		InputRatePerMinute:    getEnvInt64("INPUT_RATE_PER_MINUTE", DefaultInputRatePerMinute),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if !validation.IsValidAddress(c.FeeWallet) {
		return fmt.Errorf("FEE_WALLET %q is not a valid address", c.FeeWallet)
	}
	if _, err := ton.ParseAddress(c.FeeWallet); err != nil {
		return fmt.Errorf("FEE_WALLET %q has a bad checksum", c.FeeWallet)
	}
	if _, err := ton.ParseFeeRate(c.FeeRate); err != nil {
		return fmt.Errorf("FEE_RATE: %w", err)
	}
	if c.PaymentTimeoutMinutes <= 0 {
		return fmt.Errorf("PAYMENT_TIMEOUT_MINUTES must be positive")
	}
	if c.PaymentCheckInterval <= 0 {
		return fmt.Errorf("PAYMENT_CHECK_INTERVAL must be positive")
	}
	if c.SessionTTLMinutes <= 0 {
		return fmt.Errorf("SESSION_TTL_MINUTES must be positive")
	}
	if c.InputStalenessSeconds <= 0 {
		return fmt.Errorf("INPUT_STALENESS_SECONDS must be positive")
	}
	if c.OracleTimeoutSeconds <= 0 {
		return fmt.Errorf("ORACLE_TIMEOUT_SECONDS must be positive")
	}

	switch c.WalletMode {
	case WalletModeSandbox:
		if c.IsProduction() {
			return fmt.Errorf("WALLET_MODE=sandbox is not allowed in production")
		}
	case WalletModeLiteserver:
	default:
		return fmt.Errorf("WALLET_MODE must be %q or %q", WalletModeLiteserver, WalletModeSandbox)
	}

	if c.DatabaseURL != "" && c.SignerSealKey == "" {
		return fmt.Errorf("SIGNER_SEAL_KEY is required when DATABASE_URL is set")
	}
	if c.SignerSealKey != "" {
		if _, err := keyseal.FromHex(c.SignerSealKey); err != nil {
			return fmt.Errorf("SIGNER_SEAL_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// LiteConfigURL is the global config listing the liteservers to dial.
func (c *Config) LiteConfigURL() string {
	if c.TonConfigURL != "" {
		return c.TonConfigURL
	}
	if c.Testnet {
		return DefaultTestnetConfigURL
	}
	return DefaultMainnetConfigURL
}

// PaymentTimeout is the total monitoring window for one escrow.
func (c *Config) PaymentTimeout() time.Duration {
	return time.Duration(c.PaymentTimeoutMinutes) * time.Minute
}

// CheckInterval is the delay between two balance polls.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.PaymentCheckInterval) * time.Second
}

// SessionTTL is the maximum session age accepted on input.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// InputStaleness is the maximum age of a delivered input.
func (c *Config) InputStaleness() time.Duration {
	return time.Duration(c.InputStalenessSeconds) * time.Second
}

// OracleTimeout bounds each balance source call.
func (c *Config) OracleTimeout() time.Duration {
	return time.Duration(c.OracleTimeoutSeconds) * time.Second
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
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
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
