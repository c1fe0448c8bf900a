// Package config loads worker configuration from the environment, with an
// optional .env file in the data directory for deployment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	defaultListenAddr = "127.0.0.1:8166"
	defaultBaseURL    = "https://bys.mthli.com"
	defaultTrialURL   = "https://bys.mthli.com/trial"
	defaultPaymentURL = "https://bys.mthli.com/payment"
)

// Config holds all worker configuration.
type Config struct {
	// ListenAddr is where the worker serves /message and summarize ports.
	// Loopback by default; the senderId check assumes a local client.
	ListenAddr string

	// DataDir holds settings.db and the optional .env override file.
	DataDir string

	// BaseURL is the summarization backend.
	BaseURL string

	// RuntimeID identifies this worker instance. Generated and persisted on
	// first run when not set explicitly.
	RuntimeID string

	// StripeKey enables the payment processor. Empty disables payment
	// checks entirely, which only makes sense in development.
	StripeKey  string
	TrialURL   string
	PaymentURL string

	LogLevel  string
	LogFormat string

	Platform string
}

// Load reads configuration. Precedence: process environment over .env file
// over defaults.
func Load() (*Config, error) {
	dataDir := os.Getenv("BYS_DATA_DIR")
	if dataDir == "" {
		dataDir = defaultDataDir()
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// .env never overrides variables already set in the environment.
	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("failed to load .env file")
		}
	}
	// Development convenience: .env in the working directory.
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr: getenv("BYS_LISTEN_ADDR", defaultListenAddr),
		DataDir:    dataDir,
		BaseURL:    strings.TrimRight(getenv("BYS_BASE_URL", defaultBaseURL), "/"),
		RuntimeID:  os.Getenv("BYS_RUNTIME_ID"),
		StripeKey:  os.Getenv("BYS_STRIPE_KEY"),
		TrialURL:   getenv("BYS_TRIAL_URL", defaultTrialURL),
		PaymentURL: getenv("BYS_PAYMENT_URL", defaultPaymentURL),
		LogLevel:   getenv("BYS_LOG_LEVEL", "info"),
		LogFormat:  getenv("BYS_LOG_FORMAT", "auto"),
		Platform:   getenv("BYS_PLATFORM", runtime.GOOS),
	}

	if cfg.RuntimeID == "" {
		id, err := loadOrCreateRuntimeID(dataDir)
		if err != nil {
			return nil, err
		}
		cfg.RuntimeID = id
	}

	return cfg, nil
}

// loadOrCreateRuntimeID persists a random runtime id across restarts so
// clients keep working without re-reading it from the worker.
func loadOrCreateRuntimeID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "runtime_id")
	if raw, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist runtime id: %w", err)
	}
	return id, nil
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".better-youtube-summary")
	}
	return "."
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
