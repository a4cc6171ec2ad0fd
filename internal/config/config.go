// Package config loads the process configuration from the environment, with
// an optional .env file for local runs.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full set of runtime tunables.
type Config struct {
	DiscordToken string `env:"DISCORD_TOKEN,required"`
	StoragePath  string `env:"STORAGE_PATH" envDefault:"resonix.json"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"LOG_FILE"` // empty means console only

	CacheCapacityBytes int64         `env:"CACHE_CAPACITY_BYTES" envDefault:"268435456"`
	CacheTTL           time.Duration `env:"CACHE_TTL" envDefault:"30m"`
	CacheSweepInterval time.Duration `env:"CACHE_SWEEP_INTERVAL" envDefault:"1m"`

	PreloadDepth    int           `env:"PRELOAD_DEPTH" envDefault:"2"`
	PreloadInterval time.Duration `env:"PRELOAD_INTERVAL" envDefault:"2s"`
	// Shared across all sessions.
	PreloadRatePerSec float64 `env:"PRELOAD_RATE_PER_SEC" envDefault:"1"`
	PreloadBurst      int     `env:"PRELOAD_BURST" envDefault:"3"`

	StartTimeout  time.Duration `env:"START_TIMEOUT" envDefault:"10s"`
	RetryAttempts int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryBase     time.Duration `env:"RETRY_BASE" envDefault:"500ms"`

	TeardownGrace time.Duration `env:"TEARDOWN_GRACE" envDefault:"2m"`

	FFmpegBinary string `env:"FFMPEG_BINARY" envDefault:"ffmpeg"`
}

// Load reads .env when present, then parses the environment.
func Load() (*Config, error) {
	_ = godotenv.Load() // missing .env is fine, system env wins anyway

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
