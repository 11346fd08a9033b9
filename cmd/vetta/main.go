package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/teranos/vetta/cmd/vetta/commands"
	"github.com/teranos/vetta/logger"
)

var rootCmd = &cobra.Command{
	Use:   "vetta",
	Short: "vetta - content-moderation intake service",
	Long: `vetta - content-moderation intake service.

vetta scores uploaded images and animated media for risk, tags them, keeps
usage statistics and runs hot-reloadable analysis modules.

Available commands:
  serve    - Start the HTTP API
  check    - Run the image pipeline on a local file
  scan     - Score a local gif or video
  modules  - Inspect analysis modules
  token    - Issue an API token
  stats    - Show usage statistics
  config   - Show the effective configuration
  version  - Show version information

Examples:
  vetta serve                  # Start the API on server.port
  vetta scan clip.mp4          # Score a video
  vetta modules ls             # List modules from modules.cfg
  vetta config show            # Show configuration as TOML`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// config show prints TOML on stdout and must stay clean
		if cmd.Name() == "show" || cmd.Name() == "version" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		return commands.InitLogging(verbosity)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v info, -vv debug)")
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Path to vetta.toml (default: nearest vetta.toml, then ~/.vetta/vetta.toml)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.CheckCmd)
	rootCmd.AddCommand(commands.ScanCmd)
	rootCmd.AddCommand(commands.ModulesCmd)
	rootCmd.AddCommand(commands.TokenCmd)
	rootCmd.AddCommand(commands.StatsCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
