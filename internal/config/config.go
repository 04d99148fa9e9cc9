// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Storage     StorageConfig     `mapstructure:"storage"`
	Log         LogConfig         `mapstructure:"log"`
	Time        TimeConfig        `mapstructure:"time"`
	Economy     EconomyConfig     `mapstructure:"economy"`
	SecretCoins SecretCoinsConfig `mapstructure:"secret_coins"`
	Flags       map[string]bool   `mapstructure:"flags"`
	Leaderboard LeaderboardConfig `mapstructure:"leaderboard"`
}

// StorageConfig locates the persisted state document.
type StorageConfig struct {
	Dir  string `mapstructure:"dir"`
	File string `mapstructure:"file"`
}

// StatePath returns the full path of the state document.
func (s *StorageConfig) StatePath() string {
	return filepath.Join(s.Dir, s.File)
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// TimeConfig holds the wall-clock zone used by the scheduling collaborator.
type TimeConfig struct {
	Zone string `mapstructure:"zone"`
}

// EconomyConfig holds ledger and challenge amounts.
type EconomyConfig struct {
	DailyGrant   int64 `mapstructure:"daily_grant"`
	DefaultStake int64 `mapstructure:"default_stake"`
}

// SecretCoinsConfig holds the rare-award parameters.
type SecretCoinsConfig struct {
	GlobalCap int     `mapstructure:"global_cap"`
	Odds      float64 `mapstructure:"odds"`
}

// LeaderboardConfig holds the channels the daily Top 10 is posted to.
type LeaderboardConfig struct {
	ChannelIDs []string `mapstructure:"channel_ids"`
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables use underscore separator and uppercase,
	// e.g. STORAGE_DIR, ECONOMY_DAILY_GRANT, LOG_LEVEL.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file not found is OK - env vars can provide all config.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.dir", "./data")
	v.SetDefault("storage.file", "state.json")

	v.SetDefault("log.level", "info")

	v.SetDefault("time.zone", "America/New_York")

	v.SetDefault("economy.daily_grant", 10)
	v.SetDefault("economy.default_stake", 5)

	v.SetDefault("secret_coins.global_cap", 3)
	v.SetDefault("secret_coins.odds", 0.000001)

	// Feature flags default on; deployments disable them per environment.
	v.SetDefault("flags", map[string]bool{
		"optIn":       true,
		"economy":     true,
		"shop":        true,
		"streaks":     true,
		"games":       true,
		"leaderboard": true,
		"secretCoins": true,
		"aiDebate":    true,
	})
}
