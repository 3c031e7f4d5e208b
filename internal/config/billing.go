package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type BillingConfig struct {
	DueDayOfMonth     int
	DefaultNucleusFee decimal.Decimal
	AssociationFee    decimal.Decimal
	// LegacyMirror keeps the materialized balance columns on cost
	// centers and member accounts in sync with wallet mutations.
	LegacyMirror bool
	// WalletOnly disables the legacy member-account credit during
	// revenue distribution.
	WalletOnly bool
	// Cron spec for the recurring billing job.
	Schedule string
}

func LoadBillingConfig() *BillingConfig {
	return &BillingConfig{
		DueDayOfMonth:     getEnvAsInt("BILLING_DUE_DAY", 10),
		DefaultNucleusFee: getEnvAsDecimal("BILLING_NUCLEUS_FEE", "10.00"),
		AssociationFee:    getEnvAsDecimal("BILLING_ASSOCIATION_FEE", "30.00"),
		LegacyMirror:      getEnvAsBool("LEDGER_LEGACY_MIRROR", true),
		WalletOnly:        getEnvAsBool("LEDGER_WALLET_ONLY", false),
		Schedule:          getEnv("BILLING_SCHEDULE", "0 6 1 * *"),
	}
}

type ImportConfig struct {
	PreviewRows int
	ChunkSize   int
	UploadDir   string
	// A batch stuck in processing longer than this is treated as
	// abandoned by a dead worker and may be claimed again.
	StaleProcessingAge time.Duration
}

func LoadImportConfig() *ImportConfig {
	return &ImportConfig{
		PreviewRows:        getEnvAsInt("IMPORT_PREVIEW_ROWS", 20),
		ChunkSize:          getEnvAsInt("IMPORT_CHUNK_SIZE", 200),
		UploadDir:          getEnv("IMPORT_UPLOAD_DIR", "./uploads"),
		StaleProcessingAge: getEnvAsDuration("IMPORT_STALE_PROCESSING_AGE", 30*time.Minute),
	}
}

type ERPConfig struct {
	DefaultTimeout       time.Duration
	DefaultMaxRetries    int
	DefaultRetryInterval time.Duration
	StaleKeyAge          time.Duration
}

func LoadERPConfig() *ERPConfig {
	return &ERPConfig{
		DefaultTimeout:       getEnvAsDuration("ERP_TIMEOUT", 10*time.Second),
		DefaultMaxRetries:    getEnvAsInt("ERP_MAX_RETRIES", 3),
		DefaultRetryInterval: getEnvAsDuration("ERP_RETRY_INTERVAL", 2*time.Second),
		StaleKeyAge:          getEnvAsDuration("ERP_STALE_KEY_AGE", 24*time.Hour),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsDecimal(key, defaultVal string) decimal.Decimal {
	if val := os.Getenv(key); val != "" {
		if d, err := decimal.NewFromString(val); err == nil {
			return d
		}
	}
	d, _ := decimal.NewFromString(defaultVal)
	return d
}
