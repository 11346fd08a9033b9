// Package config loads vetta's configuration and watches the module list
// for changes.
//
// Configuration is TOML read through viper. Sources, lowest precedence first:
// built-in defaults, ~/.vetta/vetta.toml, the nearest vetta.toml found by
// walking up from the working directory, then VETTA_* environment variables.
package config

// Config represents the vetta service configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
	Database  DatabaseConfig  `mapstructure:"database" toml:"database"`
	Storage   StorageConfig   `mapstructure:"storage" toml:"storage"`
	Modules   ModulesConfig   `mapstructure:"modules" toml:"modules"`
	Media     MediaConfig     `mapstructure:"media" toml:"media"`
	Providers ProvidersConfig `mapstructure:"providers" toml:"providers"`
	Auth      AuthConfig      `mapstructure:"auth" toml:"auth"`
	Log       LogConfig       `mapstructure:"log" toml:"log"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port          int   `mapstructure:"port" toml:"port"`
	MaxImageBytes int64 `mapstructure:"max_image_bytes" toml:"max_image_bytes"` // single image upload limit
	MaxBatchBytes int64 `mapstructure:"max_batch_bytes" toml:"max_batch_bytes"` // gif/video upload limit
}

// DatabaseConfig configures the SQLite database holding statistics and tokens
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// StorageConfig configures where checked images are persisted
type StorageConfig struct {
	BaseDir   string `mapstructure:"base_dir" toml:"base_dir"`
	MaxWidth  int    `mapstructure:"max_width" toml:"max_width"`
	MaxHeight int    `mapstructure:"max_height" toml:"max_height"`
	Quality   int    `mapstructure:"quality" toml:"quality"` // JPEG quality 1-100
}

// ModulesConfig configures the dynamic module registry
type ModulesConfig struct {
	Config     string   `mapstructure:"config" toml:"config"`           // module list file, one identifier per line
	Dir        string   `mapstructure:"dir" toml:"dir"`                 // watched for binary changes
	Paths      []string `mapstructure:"paths" toml:"paths"`             // search paths for module binaries
	DebounceMS int      `mapstructure:"debounce_ms" toml:"debounce_ms"` // coalesce bursts of file events
	Watch      bool     `mapstructure:"watch" toml:"watch"`
}

// MediaConfig configures the batch (gif/video) scanner
type MediaConfig struct {
	FFmpegBin      string `mapstructure:"ffmpeg_bin" toml:"ffmpeg_bin"`
	FFmpegArgs     string `mapstructure:"ffmpeg_args" toml:"ffmpeg_args"` // shell-quoted extra output args
	MaxFrames      int    `mapstructure:"max_frames" toml:"max_frames"`
	Workers        int    `mapstructure:"workers" toml:"workers"` // concurrent frame scoring tasks
	FrameCacheSize int    `mapstructure:"frame_cache_size" toml:"frame_cache_size"`
	TempDir        string `mapstructure:"temp_dir" toml:"temp_dir"` // empty = os.TempDir()
}

// ProvidersConfig configures the analysis provider endpoints
type ProvidersConfig struct {
	Risk           EndpointConfig `mapstructure:"risk" toml:"risk"`
	Tagging        EndpointConfig `mapstructure:"tagging" toml:"tagging"`
	Secondary      EndpointConfig `mapstructure:"secondary" toml:"secondary"`
	RatePerSecond  float64        `mapstructure:"rate_per_second" toml:"rate_per_second"` // 0 = unlimited
	TimeoutSeconds int            `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
}

// EndpointConfig points at one provider's inference endpoint
type EndpointConfig struct {
	URL string `mapstructure:"url" toml:"url"`
}

// AuthConfig configures API token issuance
type AuthConfig struct {
	TokenTTLHours int `mapstructure:"token_ttl_hours" toml:"token_ttl_hours"`
}

// LogConfig configures the global logger
type LogConfig struct {
	JSON  bool   `mapstructure:"json" toml:"json"`
	Level string `mapstructure:"level" toml:"level"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
