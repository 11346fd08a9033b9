// Package server exposes the intake service over HTTP.
//
// Single images go through the pipeline on POST /check, animated media
// through the batch scanner on POST /batch. Module reloads are streamed to
// websocket clients on /ws/modules.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/teranos/vetta/auth"
	"github.com/teranos/vetta/errors"
	"github.com/teranos/vetta/media"
	"github.com/teranos/vetta/module"
	"github.com/teranos/vetta/pipeline"
	"github.com/teranos/vetta/stats"
	"go.uber.org/zap"
)

const (
	// DefaultMaxImageBytes limits a single image upload
	DefaultMaxImageBytes = 10 << 20
	// DefaultMaxBatchBytes limits a gif/video upload
	DefaultMaxBatchBytes = 25 << 20

	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// TokenIssuer issues API tokens; *auth.Store implements it
type TokenIssuer interface {
	Issue(ctx context.Context, email string, renew bool) (string, error)
}

// StatsReader reads usage statistics; *stats.Store implements it
type StatsReader interface {
	Summary(ctx context.Context, n int) (stats.Summary, error)
}

// Checker runs the single-image pipeline; *pipeline.Orchestrator implements it
type Checker interface {
	Process(ctx context.Context, image []byte, snap module.Snapshot) pipeline.Results
}

// BatchScanner scores animated media; *media.Scanner implements it
type BatchScanner interface {
	Scan(ctx context.Context, data []byte, mimeType string) (media.Verdict, error)
}

// Deps are the components the handlers delegate to
type Deps struct {
	Registry *module.Registry
	Pipeline Checker
	Scanner  BatchScanner
	Tokens   TokenIssuer
	Stats    StatsReader
	Auth     *auth.Middleware
}

// Options configures request limits
type Options struct {
	MaxImageBytes int64
	MaxBatchBytes int64
}

// Server is the HTTP API
type Server struct {
	deps    Deps
	opts    Options
	logger  *zap.SugaredLogger
	hub     *moduleHub
	handler http.Handler
}

// New creates the server and subscribes it to registry swaps
func New(deps Deps, opts Options, log *zap.SugaredLogger) (*Server, error) {
	if deps.Registry == nil {
		return nil, errors.New("server requires a module registry")
	}
	if opts.MaxImageBytes <= 0 {
		opts.MaxImageBytes = DefaultMaxImageBytes
	}
	if opts.MaxBatchBytes <= 0 {
		opts.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if deps.Auth == nil {
		deps.Auth = auth.NewMiddleware(nil, log)
	}

	s := &Server{
		deps:   deps,
		opts:   opts,
		logger: log.Named("server"),
	}
	s.hub = newModuleHub(s.logger)
	deps.Registry.OnSwap(s.hub.broadcast)
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe listens on addr and serves until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled, then drains in-flight
// requests and disconnects websocket clients
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()

	s.logger.Infow("HTTP server listening", "address", lis.Addr().String())

	select {
	case err := <-errCh:
		s.hub.close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
	}

	s.logger.Infow("Initiating server shutdown")
	s.hub.close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http server shutdown")
	}
	s.logger.Infow("HTTP server stopped")
	return nil
}
