package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"github.com/teranos/vetta/errors"
)

// FileName is the project configuration file searched for by Load
const FileName = "vetta.toml"

// Load reads the configuration. An explicit path is read directly and must
// exist; otherwise user and project files are merged if present.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	} else {
		mergeConfigFiles(v)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, nil
}

// Default returns the configuration made of defaults only
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults always decode; an error here is a programming mistake.
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

// Render encodes cfg as TOML, as shown by `vetta config show`
func Render(cfg *Config) (string, error) {
	b, err := toml.Marshal(cfg)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode config")
	}
	return string(b), nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("VETTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindEnvVars(v)
	SetDefaults(v)
	return v
}

// findProjectConfig walks up from the working directory looking for vetta.toml
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// mergeConfigFiles merges user then project configuration into v
func mergeConfigFiles(v *viper.Viper) {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".vetta", FileName))
	}
	if project := findProjectConfig(); project != "" {
		paths = append(paths, project)
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		tmp := viper.New()
		tmp.SetConfigFile(p)
		tmp.SetConfigType("toml")
		if err := tmp.ReadInConfig(); err != nil {
			continue
		}
		if err := v.MergeConfigMap(tmp.AllSettings()); err != nil {
			continue
		}
	}
}
