package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"crashgame/internal/game"
)

type Config struct {
	Port           int
	JWTSecret      string
	AdminToken     string
	MigrationsPath string

	Timing           game.Timing
	LedgerTimeout    time.Duration
	UpstreamAttempts int
	SettingsCacheTTL time.Duration

	ReconcileInterval time.Duration
	ShutdownTimeout   time.Duration

	// per websocket connection
	WSRateLimit float64
	WSRateBurst int
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("PORT", 8080),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		AdminToken:     getEnv("ADMIN_TOKEN", ""),
		MigrationsPath: getEnv("MIGRATIONS_PATH", "./migrations"),
		Timing: game.Timing{
			BettingDuration: getEnvDuration("BETTING_DURATION", game.BETTING_TIME),
			TickInterval:    getEnvDuration("TICK_INTERVAL", game.TICK_INTERVAL),
			SettleDelay:     getEnvDuration("SETTLE_DELAY", game.SETTLE_DELAY),
		},
		LedgerTimeout:    getEnvDuration("LEDGER_TIMEOUT", game.DEFAULT_LEDGER_TIMEOUT),
		UpstreamAttempts: getEnvInt("UPSTREAM_ATTEMPTS", game.DEFAULT_UPSTREAM_ATTEMPTS),
		SettingsCacheTTL: getEnvDuration("SETTINGS_CACHE_TTL", 5*time.Second),

		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", game.DEFAULT_RECONCILE_EVERY),
		ShutdownTimeout:   getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		WSRateLimit: getEnvFloat("WS_RATE_LIMIT", 10),
		WSRateBurst: getEnvInt("WS_RATE_BURST", 20),
	}

	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.Timing.TickInterval <= 0 || cfg.Timing.BettingDuration <= 0 {
		return nil, errors.New("BETTING_DURATION and TICK_INTERVAL must be positive")
	}
	if cfg.UpstreamAttempts < 1 {
		cfg.UpstreamAttempts = 1
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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
