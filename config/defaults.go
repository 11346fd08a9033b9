package config

import (
	"os"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultPort          = 8000
	DefaultMaxImageBytes = 10 << 20
	DefaultMaxBatchBytes = 25 << 20
	DefaultMaxFrames     = 60
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.max_image_bytes", DefaultMaxImageBytes)
	v.SetDefault("server.max_batch_bytes", DefaultMaxBatchBytes)

	v.SetDefault("database.path", "vetta.db")

	v.SetDefault("storage.base_dir", "scanned")
	v.SetDefault("storage.max_width", 1280)
	v.SetDefault("storage.max_height", 720)
	v.SetDefault("storage.quality", 90)

	v.SetDefault("modules.config", "modules.cfg")
	v.SetDefault("modules.dir", "modules")
	v.SetDefault("modules.paths", []string{"./modules", "~/.vetta/modules"})
	v.SetDefault("modules.debounce_ms", 500)
	v.SetDefault("modules.watch", true)

	v.SetDefault("media.ffmpeg_bin", "ffmpeg")
	v.SetDefault("media.max_frames", DefaultMaxFrames)
	v.SetDefault("media.workers", runtime.NumCPU())
	v.SetDefault("media.frame_cache_size", 1024)

	v.SetDefault("providers.rate_per_second", 0)
	v.SetDefault("providers.timeout_seconds", 30)

	v.SetDefault("auth.token_ttl_hours", 30*24)

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}

// BindEnvVars binds settings that are commonly overridden per deployment
func BindEnvVars(v *viper.Viper) {
	v.BindEnv("media.ffmpeg_bin", "FFMPEG_BIN", "VETTA_MEDIA_FFMPEG_BIN")
	v.BindEnv("database.path", "VETTA_DATABASE_PATH")
	v.BindEnv("providers.risk.url", "VETTA_PROVIDERS_RISK_URL")
	v.BindEnv("providers.tagging.url", "VETTA_PROVIDERS_TAGGING_URL")
	v.BindEnv("providers.secondary.url", "VETTA_PROVIDERS_SECONDARY_URL")
}

// TokenTTL returns the token lifetime, falling back to 30 days
func (c *Config) TokenTTL() time.Duration {
	if c.Auth.TokenTTLHours <= 0 {
		return 30 * 24 * time.Hour
	}
	return time.Duration(c.Auth.TokenTTLHours) * time.Hour
}

// Debounce returns the watcher debounce period
func (c *Config) Debounce() time.Duration {
	if c.Modules.DebounceMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Modules.DebounceMS) * time.Millisecond
}

// ProviderTimeout returns the per-call provider timeout
func (c *Config) ProviderTimeout() time.Duration {
	if c.Providers.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Providers.TimeoutSeconds) * time.Second
}

// MediaWorkers returns the frame scoring concurrency, at least 1
func (c *Config) MediaWorkers() int {
	if c.Media.Workers <= 0 {
		return runtime.NumCPU()
	}
	return c.Media.Workers
}

// MediaTempDir returns the directory for temporary blobs and frames
func (c *Config) MediaTempDir() string {
	if c.Media.TempDir == "" {
		return os.TempDir()
	}
	return c.Media.TempDir
}
