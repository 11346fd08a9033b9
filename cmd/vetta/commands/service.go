package commands

import (
	"context"
	"database/sql"

	"github.com/teranos/vetta/auth"
	"github.com/teranos/vetta/config"
	"github.com/teranos/vetta/db"
	"github.com/teranos/vetta/errors"
	"github.com/teranos/vetta/media"
	"github.com/teranos/vetta/module"
	"github.com/teranos/vetta/module/builtin"
	modgrpc "github.com/teranos/vetta/module/grpc"
	"github.com/teranos/vetta/pipeline"
	"github.com/teranos/vetta/provider"
	"github.com/teranos/vetta/stats"
	"github.com/teranos/vetta/storage"
	"github.com/teranos/vetta/version"
	"go.uber.org/zap"
)

// service holds the components shared by serve, check and scan
type service struct {
	cfg       *config.Config
	db        *sql.DB
	stats     *stats.Store
	tokens    *auth.Store
	storage   *storage.Store
	providers provider.Set
	scanner   *media.Scanner
	registry  *module.Registry
	pipeline  *pipeline.Orchestrator
	logger    *zap.SugaredLogger
}

// openDatabase opens and migrates the database at database.path
func openDatabase(cfg *config.Config, log *zap.SugaredLogger) (*sql.DB, error) {
	database, err := db.OpenWithMigrations(cfg.Database.Path, log)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", cfg.Database.Path)
	}
	return database, nil
}

// newProviders builds HTTP clients for every configured endpoint.
// An endpoint without a URL stays nil and reports "not configured".
func newProviders(cfg *config.Config, log *zap.SugaredLogger) provider.Set {
	timeout := cfg.ProviderTimeout()
	rate := cfg.Providers.RatePerSecond

	var set provider.Set
	if url := cfg.Providers.Risk.URL; url != "" {
		set.Risk = provider.NewHTTPClient("risk", url, timeout, rate, log)
	}
	if url := cfg.Providers.Tagging.URL; url != "" {
		set.Tagging = provider.NewHTTPClient("tagging", url, timeout, rate, log)
	}
	if url := cfg.Providers.Secondary.URL; url != "" {
		set.Secondary = provider.NewHTTPClient("secondary", url, timeout, rate, log)
	}
	return set
}

// newRegistry builds a registry over modules.config that resolves built-in
// modules first, then module binaries on modules.paths
func newRegistry(cfg *config.Config, log *zap.SugaredLogger) *module.Registry {
	builtins := module.NewBuiltinLoader()
	builtin.Register(builtins, log)

	loader := module.ChainLoader{
		builtins,
		modgrpc.NewLoader(cfg.Modules.Paths, log.Named("grpc")),
	}
	return module.NewRegistry(
		module.FileListSource{Path: cfg.Modules.Config},
		loader,
		log,
		module.WithServiceVersion(version.Version),
	)
}

// newScanner builds the batch scanner from the media section
func newScanner(cfg *config.Config, providers provider.Set, log *zap.SugaredLogger) (*media.Scanner, error) {
	extractor, err := media.NewFFmpegExtractor(cfg.Media.FFmpegBin, cfg.Media.FFmpegArgs, cfg.MediaTempDir(), log)
	if err != nil {
		return nil, err
	}
	return media.NewScanner(extractor, providers, media.Options{
		MaxFrames: cfg.Media.MaxFrames,
		Workers:   cfg.MediaWorkers(),
		TempDir:   cfg.MediaTempDir(),
		CacheSize: cfg.Media.FrameCacheSize,
	}, log)
}

// openService wires every component and builds the first module snapshot
func openService(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*service, error) {
	database, err := openDatabase(cfg, log.Named("db"))
	if err != nil {
		return nil, err
	}

	svc := &service{
		cfg:       cfg,
		db:        database,
		stats:     stats.NewStore(database, log),
		tokens:    auth.NewStore(database, cfg.TokenTTL(), log),
		providers: newProviders(cfg, log.Named("provider")),
		logger:    log,
	}
	svc.storage = storage.NewStore(storage.Options{
		BaseDir:   cfg.Storage.BaseDir,
		MaxWidth:  cfg.Storage.MaxWidth,
		MaxHeight: cfg.Storage.MaxHeight,
		Quality:   cfg.Storage.Quality,
	}, log)

	svc.scanner, err = newScanner(cfg, svc.providers, log)
	if err != nil {
		database.Close()
		return nil, err
	}

	svc.registry = newRegistry(cfg, log.Named("modules"))
	if err := svc.registry.Initialize(ctx); err != nil {
		log.Warnw("Module registry started with errors", "error", err)
	}

	svc.pipeline = pipeline.New(svc.providers, svc.stats, svc.storage, log)
	return svc, nil
}

// Close unloads modules and closes the database
func (s *service) Close() error {
	var errs []error
	if err := s.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "close database"))
	}
	return errors.Join(errs...)
}
