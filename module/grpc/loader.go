package grpc

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-getter"
	"github.com/teranos/vetta/errors"
	"github.com/teranos/vetta/module"
	"go.uber.org/zap"
)

// BinaryConfig is the optional <binary>.toml placed next to a module binary
type BinaryConfig struct {
	// Args are appended after --port <n>
	Args []string `toml:"args"`

	// Env is added to the inherited environment
	Env map[string]string `toml:"env"`

	// Address connects to an already running module server instead of launching the binary
	Address string `toml:"address"`

	// StartTimeoutSeconds overrides how long the module may take to become ready
	StartTimeoutSeconds int `toml:"start_timeout_seconds"`
}

// Loader finds module binaries in a list of search paths and runs them as
// supervised child processes
type Loader struct {
	paths  []string
	logger *zap.SugaredLogger
}

var _ module.Loader = (*Loader)(nil)

// NewLoader creates a loader searching paths in order.
// Paths may use ~ and relative forms; invalid ones are skipped with a warning.
func NewLoader(paths []string, logger *zap.SugaredLogger) *Loader {
	expanded := make([]string, 0, len(paths))
	for _, path := range paths {
		abs, err := expandAndValidatePath(path)
		if err != nil {
			logger.Warnw("Invalid module search path, skipping",
				"path", path,
				"error", err,
			)
			continue
		}
		expanded = append(expanded, abs)
	}
	return &Loader{paths: expanded, logger: logger}
}

// Paths returns the expanded search paths
func (l *Loader) Paths() []string {
	out := make([]string, len(l.paths))
	copy(out, l.paths)
	return out
}

// Load starts the module binary for name and returns a connected Proxy.
// Returns module.ErrUnknownModule when no binary exists for name.
func (l *Loader) Load(ctx context.Context, name string) (module.Module, error) {
	binary, err := l.Find(name)
	if err != nil {
		return nil, err
	}

	cfg, err := readBinaryConfig(binary)
	if err != nil {
		return nil, err
	}

	if cfg.Address != "" {
		l.logger.Infow("Attaching to running module", "module", name, "address", cfg.Address)
		return Dial(ctx, name, cfg.Address, l.logger)
	}

	spec := launchSpec{
		name:         name,
		binary:       binary,
		args:         cfg.Args,
		env:          cfg.Env,
		startTimeout: time.Duration(cfg.StartTimeoutSeconds) * time.Second,
	}
	return startProxy(ctx, spec, l.logger)
}

// Find returns the path of the first executable candidate for name
func (l *Loader) Find(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", errors.Wrapf(module.ErrUnknownModule, "invalid module name %q", name)
	}

	for _, searchPath := range l.paths {
		candidates := []string{
			filepath.Join(searchPath, fmt.Sprintf("vetta-%s-module", name)),
			filepath.Join(searchPath, fmt.Sprintf("vetta-%s", name)),
			filepath.Join(searchPath, name),
		}

		for _, candidate := range candidates {
			info, err := os.Stat(candidate)
			if err != nil || info.IsDir() {
				continue
			}
			// Unix permission bits only
			if info.Mode()&0111 == 0 {
				l.logger.Debugw("Found module binary but not executable",
					"module", name,
					"path", candidate,
				)
				continue
			}
			return candidate, nil
		}
	}

	return "", errors.Wrapf(module.ErrUnknownModule, "module binary %q not found in search paths: %s",
		name, strings.Join(l.paths, ", "))
}

// readBinaryConfig loads <binary>.toml if present
func readBinaryConfig(binary string) (BinaryConfig, error) {
	var cfg BinaryConfig
	path := binary + ".toml"
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse module config %s", path)
	}
	return cfg, nil
}

// expandAndValidatePath expands ~ and relative paths and rejects anything
// go-getter detects as a remote source.
func expandAndValidatePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "failed to get home directory")
		}
		path = filepath.Join(home, path[2:])
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "failed to get home directory")
		}
		return home, nil
	}

	pwd, err := os.Getwd()
	if err != nil {
		pwd = "."
	}

	detected, err := getter.Detect(path, pwd, getter.Detectors)
	if err != nil {
		return "", errors.Wrap(err, "invalid path")
	}

	u, err := url.Parse(detected)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse path")
	}

	switch u.Scheme {
	case "file":
		return u.Path, nil
	case "":
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", errors.Wrap(err, "failed to make absolute path")
		}
		return abs, nil
	default:
		return "", errors.Newf("module search path must be local, got %s", u.Scheme)
	}
}
