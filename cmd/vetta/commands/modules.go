package commands

import (
	"context"
	"sort"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/vetta/errors"
	"github.com/teranos/vetta/logger"
	modgrpc "github.com/teranos/vetta/module/grpc"
)

// ModulesCmd groups module inspection subcommands
var ModulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "Inspect analysis modules",
}

var modulesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "Load the modules in modules.config and list them",
	RunE:  runModulesLs,
}

var modulesPathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Show where module binaries are searched for",
	RunE:  runModulesPaths,
}

func init() {
	ModulesCmd.AddCommand(modulesLsCmd)
	ModulesCmd.AddCommand(modulesPathsCmd)
}

func runModulesLs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	registry := newRegistry(cfg, logger.Logger.Named("modules"))
	defer registry.Close()

	event, err := registry.Reload(ctx)
	if errors.Is(err, errors.ErrConfigMissing) {
		pterm.Warning.Printfln("Module list %s not found", cfg.Modules.Config)
		return nil
	}
	if err != nil {
		return err
	}

	data := pterm.TableData{{"Name", "Version", "Description", "Status"}}
	for _, meta := range registry.Snapshot().Describe() {
		data = append(data, []string{meta.Name, meta.Version, meta.Description, "loaded"})
	}

	failed := make([]string, 0, len(event.Failed))
	for name := range event.Failed {
		failed = append(failed, name)
	}
	sort.Strings(failed)
	for _, name := range failed {
		data = append(data, []string{name, "", event.Failed[name], "failed"})
	}

	if len(data) == 1 {
		pterm.Info.Printfln("No modules listed in %s", cfg.Modules.Config)
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runModulesPaths(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	loader := modgrpc.NewLoader(cfg.Modules.Paths, logger.Logger)
	paths := loader.Paths()
	if len(paths) == 0 {
		pterm.Warning.Println("No valid module search paths configured")
		return nil
	}
	for i, p := range paths {
		pterm.Printfln("%d. %s", i+1, p)
	}
	return nil
}
