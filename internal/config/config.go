// Package config loads server settings from the environment.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration. Empty RedisAddr falls back
// to in-process presence and room fan-out; empty DatabaseURL falls back
// to the in-memory project store.
type Config struct {
	ListenAddr  string
	RedisAddr   string
	DatabaseURL string
	LogLevel    string

	FlushInterval     time.Duration
	PresenceTTL       time.Duration
	PresenceSweep     time.Duration
	LockSweepInterval time.Duration
	EvictionInterval  time.Duration
	ShutdownTimeout   time.Duration
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("LISTEN_ADDR", ":8081")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("FLUSH_INTERVAL", "100ms")
	v.SetDefault("PRESENCE_TTL", "30s")
	v.SetDefault("PRESENCE_SWEEP_INTERVAL", "10s")
	v.SetDefault("LOCK_SWEEP_INTERVAL", "2m")
	v.SetDefault("EVICTION_INTERVAL", "5m")
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")

	cfg := Config{
		ListenAddr:        v.GetString("LISTEN_ADDR"),
		RedisAddr:         v.GetString("REDIS_ADDR"),
		DatabaseURL:       v.GetString("DATABASE_URL"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		FlushInterval:     v.GetDuration("FLUSH_INTERVAL"),
		PresenceTTL:       v.GetDuration("PRESENCE_TTL"),
		PresenceSweep:     v.GetDuration("PRESENCE_SWEEP_INTERVAL"),
		LockSweepInterval: v.GetDuration("LOCK_SWEEP_INTERVAL"),
		EvictionInterval:  v.GetDuration("EVICTION_INTERVAL"),
		ShutdownTimeout:   v.GetDuration("SHUTDOWN_TIMEOUT"),
	}
	return cfg, nil
}
