// Package config loads Kestrel configuration from defaults, an optional
// YAML file, and environment overrides, in that order of precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/kestrel/internal/domain"
	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration. A missing .env file and a
// missing config file are both fine; environment variables always win.
func Load(path string) (*domain.Config, error) {
	// Local development convenience; production sets real env vars.
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env file")
	}

	cfg := domain.DefaultConfig()
	if tier(os.Getenv("KESTREL_TIER")) == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if path == "" {
		path = os.Getenv("KESTREL_CONFIG")
	}
	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func tier(v string) domain.Tier {
	if v == string(domain.TierPro) {
		return domain.TierPro
	}
	return domain.TierCommunity
}

func applyFile(cfg *domain.Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides individual settings from KESTREL_* variables.
func applyEnv(cfg *domain.Config) {
	setString(&cfg.Server.Host, "KESTREL_HOST")
	setInt(&cfg.Server.Port, "KESTREL_PORT")

	setString(&cfg.Repository.Driver, "KESTREL_DB_DRIVER")
	setString(&cfg.Repository.SQLitePath, "KESTREL_SQLITE_PATH")
	setString(&cfg.Repository.PostgresHost, "KESTREL_POSTGRES_HOST")
	setInt(&cfg.Repository.PostgresPort, "KESTREL_POSTGRES_PORT")
	setString(&cfg.Repository.PostgresUser, "KESTREL_POSTGRES_USER")
	setString(&cfg.Repository.PostgresPassword, "KESTREL_POSTGRES_PASSWORD")
	setString(&cfg.Repository.PostgresDB, "KESTREL_POSTGRES_DB")

	setString(&cfg.Cache.Type, "KESTREL_CACHE_TYPE")
	setString(&cfg.Cache.RedisAddr, "KESTREL_REDIS_ADDR")
	setString(&cfg.Cache.RedisPassword, "KESTREL_REDIS_PASSWORD")

	setString(&cfg.EventBus.Type, "KESTREL_BUS_TYPE")
	setString(&cfg.EventBus.NATSUrl, "KESTREL_NATS_URL")
	setString(&cfg.EventBus.NATSToken, "KESTREL_NATS_TOKEN")

	setInt(&cfg.Decision.DeadlineMs, "KESTREL_DECISION_DEADLINE_MS")
	setFloat(&cfg.Decision.ApproveCutoff, "KESTREL_APPROVE_CUTOFF")

	setString(&cfg.Scoring.Model, "KESTREL_SCORING_MODEL")
	setString(&cfg.Scoring.Endpoint, "KESTREL_SCORING_ENDPOINT")
	setInt(&cfg.Scoring.TimeoutMs, "KESTREL_SCORING_TIMEOUT_MS")
	setFloat(&cfg.Scoring.FallbackProbability, "KESTREL_SCORING_FALLBACK")

	setString(&cfg.Logging.Level, "KESTREL_LOG_LEVEL")
	setString(&cfg.Logging.Format, "KESTREL_LOG_FORMAT")
}

func setString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func setInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		} else {
			slog.Warn("invalid integer in environment", "key", key, "value", v)
		}
	}
}

func setFloat(target *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		} else {
			slog.Warn("invalid float in environment", "key", key, "value", v)
		}
	}
}
