// vetta-size-module serves the size module as an external gRPC module.
//
// vetta launches it when "size" is listed in modules.cfg and the binary is
// on a module search path, passing the port to listen on:
//
//	vetta-size-module --port 9000
//	vetta-size-module --address localhost:9000
//
// Replacing the binary while vetta runs makes the next reload restart it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/teranos/vetta/module/builtin"
	modgrpc "github.com/teranos/vetta/module/grpc"
	"github.com/teranos/vetta/version"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	port         = flag.Int("port", 9000, "gRPC server port")
	address      = flag.String("address", "", "gRPC server address (overrides port)")
	logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	printVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *printVersion {
		fmt.Printf("vetta-size-module %s\n", version.Version)
		os.Exit(0)
	}

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	addr := *address
	if addr == "" {
		addr = fmt.Sprintf("127.0.0.1:%d", *port)
	}

	size := builtin.NewSize(logger.Named("size"))
	server := modgrpc.NewServer(size, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Infow("Received shutdown signal", "signal", sig)
		cancel()
	}()

	logger.Infow("Starting size module",
		"version", size.Metadata().Version,
		"address", addr,
	)

	if err := server.Serve(ctx, addr); err != nil {
		logger.Errorw("Module server failed", "error", err)
		os.Exit(1)
	}
}

// setupLogger writes JSON lines to stdout, which vetta forwards to its own log
func setupLogger(level string) *zap.SugaredLogger {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(lvl)
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	logger, err := config.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger.Sugar()
}
