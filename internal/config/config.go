package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"ENV"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	// Evaluator window, in days of dispense history.
	LookbackDays int `mapstructure:"LOOKBACK_DAYS"`

	// Coverage scanner defaults; overridable per run from the CLI.
	CoverageDaysBack int     `mapstructure:"COVERAGE_DAYS_BACK"`
	MinClaims        int     `mapstructure:"MIN_CLAIMS"`
	MinMargin        float64 `mapstructure:"MIN_MARGIN"`
	DMEMinMargin     float64 `mapstructure:"DME_MIN_MARGIN"`

	// Interval for the scheduled coverage scan in serve mode, in hours.
	// 0 disables the scheduler.
	CoverageScanHours int `mapstructure:"COVERAGE_SCAN_HOURS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("LOOKBACK_DAYS", 90)
	v.SetDefault("COVERAGE_DAYS_BACK", 365)
	v.SetDefault("MIN_CLAIMS", 1)
	v.SetDefault("MIN_MARGIN", 10)
	v.SetDefault("DME_MIN_MARGIN", 3)
	v.SetDefault("COVERAGE_SCAN_HOURS", 24)

	// Bind env vars explicitly so Unmarshal picks them up.
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("MIGRATIONS_DIR")
	v.BindEnv("LOOKBACK_DAYS")
	v.BindEnv("COVERAGE_DAYS_BACK")
	v.BindEnv("MIN_CLAIMS")
	v.BindEnv("MIN_MARGIN")
	v.BindEnv("DME_MIN_MARGIN")
	v.BindEnv("COVERAGE_SCAN_HOURS")

	// Try reading .env, but don't fail if missing.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.LookbackDays <= 0 {
		return nil, fmt.Errorf("LOOKBACK_DAYS must be positive, got %d", cfg.LookbackDays)
	}
	if cfg.CoverageDaysBack <= 0 {
		return nil, fmt.Errorf("COVERAGE_DAYS_BACK must be positive, got %d", cfg.CoverageDaysBack)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}
