// Package config содержит логику чтения конфигурации сервиса SMM-панели.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации сервиса SMM-панели.
type Config struct {
	RunAddress       string        `env:"RUN_ADDRESS"`
	DatabaseURI      string        `env:"DATABASE_URI"`
	AuthSecret       string        `env:"AUTH_SECRET"`
	OrderPollPeriod  time.Duration `env:"ORDER_POLL_PERIOD"`
	AutoSyncInterval time.Duration `env:"AUTO_SYNC_INTERVAL"`
}

// Parse считывает конфигурацию из .env, флагов командной строки и переменных
// окружения. Значения окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	// .env опционален: в проде переменные задаются окружением.
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAuthSecret := cfg.AuthSecret
	envOrderPollPeriod := cfg.OrderPollPeriod
	envAutoSyncInterval := cfg.AutoSyncInterval

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for session cookies")
	flag.DurationVar(&cfg.OrderPollPeriod, "p", time.Minute, "period between order status polls")
	flag.DurationVar(&cfg.AutoSyncInterval, "i", 10*time.Minute, "period between catalog auto-sync sweeps")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envOrderPollPeriod != 0 {
		cfg.OrderPollPeriod = envOrderPollPeriod
	}
	if envAutoSyncInterval != 0 {
		cfg.AutoSyncInterval = envAutoSyncInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
