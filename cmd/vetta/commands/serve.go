package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/vetta/auth"
	"github.com/teranos/vetta/config"
	"github.com/teranos/vetta/errors"
	"github.com/teranos/vetta/logger"
	"github.com/teranos/vetta/server"
	"github.com/teranos/vetta/version"
)

// ServeCmd starts the HTTP API
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the vetta HTTP API",
	Long: `Start the vetta HTTP API.

Modules listed in modules.config are loaded at startup. When modules.watch
is enabled, edits to the list and changes to module binaries in modules.dir
reload the registry without restarting the service.`,
	RunE: runServe,
}

var servePort int

func init() {
	ServeCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}
	log := logger.Logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := openService(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		cancel()
		if err := svc.Close(); err != nil {
			log.Warnw("Shutdown errors", "error", err)
		}
	}()

	if cfg.Modules.Watch {
		watcher, err := config.NewWatcher(cfg.Modules.Config, cfg.Modules.Dir, cfg.Debounce(), log.Named("watcher"))
		if err != nil {
			log.Warnw("Module hot reload disabled", "error", err)
		} else {
			watcher.Start()
			defer watcher.Stop()
			go svc.registry.Follow(ctx, watcher.Changes())
		}
	}

	srv, err := server.New(server.Deps{
		Registry: svc.registry,
		Pipeline: svc.pipeline,
		Scanner:  svc.scanner,
		Tokens:   svc.tokens,
		Stats:    svc.stats,
		Auth:     auth.NewMiddleware(svc.tokens, log),
	}, server.Options{
		MaxImageBytes: cfg.Server.MaxImageBytes,
		MaxBatchBytes: cfg.Server.MaxBatchBytes,
	}, log)
	if err != nil {
		return err
	}

	printStartupBanner(cfg, svc.registry.Snapshot().Names())

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.Server.Port))
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "server stopped")
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")
		cancel()
	}

	select {
	case err := <-errChan:
		if err != nil {
			return errors.Wrap(err, "shutdown error")
		}
		pterm.Success.Println("Server stopped cleanly")
		return nil
	case <-sigChan:
		pterm.Warning.Println("Force shutdown - exiting immediately")
		os.Exit(1)
		return nil
	}
}

// printStartupBanner prints where the service listens and what it loaded
func printStartupBanner(cfg *config.Config, modules []string) {
	info := version.Get()

	pterm.DefaultHeader.WithFullWidth().Printfln("vetta %s", info.Version)
	pterm.Info.Printfln("Commit:    %s (built %s)", info.Short(), info.BuildTime)
	pterm.Info.Printfln("Listening: http://localhost:%d", cfg.Server.Port)
	pterm.Info.Printfln("Database:  %s", cfg.Database.Path)
	pterm.Info.Printfln("Storage:   %s", cfg.Storage.BaseDir)
	if len(modules) == 0 {
		pterm.Warning.Printfln("No modules loaded from %s", cfg.Modules.Config)
	} else {
		pterm.Info.Printfln("Modules:   %v", modules)
	}
	if cfg.Modules.Watch {
		pterm.Info.Printfln("Watching:  %s, %s", cfg.Modules.Config, cfg.Modules.Dir)
	}
	pterm.Println()
}
