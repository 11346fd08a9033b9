package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/teranos/vetta/config"
	"github.com/teranos/vetta/errors"
	"github.com/teranos/vetta/logger"
)

// ConfigPath is set by the --config flag
var ConfigPath string

var loadedConfig *config.Config

// loadConfig reads the configuration once per process
func loadConfig() (*config.Config, error) {
	if loadedConfig != nil {
		return loadedConfig, nil
	}
	cfg, err := config.Load(ConfigPath)
	if err != nil {
		return nil, err
	}
	loadedConfig = cfg
	return cfg, nil
}

// InitLogging initializes the global logger from log.json and log.level,
// raised by the -v count
func InitLogging(verbosity int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	level := logger.VerbosityToLevel(verbosity, logger.ParseLevel(cfg.Log.Level))
	if err := logger.Initialize(cfg.Log.JSON, level.String()); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	return nil
}

// ConfigCmd groups configuration subcommands
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect vetta configuration",
	Long: `Inspect vetta configuration.

Configuration sources (in order of precedence):
1. Environment variables (VETTA_* prefix)
2. Project config (nearest vetta.toml walking up from the working directory)
3. User config (~/.vetta/vetta.toml)
4. Default values`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configFormat string

func init() {
	configShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json")
	ConfigCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	switch configFormat {
	case "toml":
		out, err := config.Render(cfg)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
	case "json":
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode config")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
	default:
		return errors.Newf("unsupported format %q (use toml or json)", configFormat)
	}
	return nil
}
