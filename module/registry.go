package module

import (
	"context"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/teranos/vetta/errors"
	"go.uber.org/zap"
)

// ReloadEvent describes the outcome of one reload cycle
type ReloadEvent struct {
	Version uint64            `json:"version"`
	Loaded  []string          `json:"loaded"`
	Removed []string          `json:"removed,omitempty"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// Option configures a Registry
type Option func(*Registry)

// WithServiceVersion enables checking each module's Requires constraint
// against the given service version
func WithServiceVersion(v string) Option {
	return func(r *Registry) {
		parsed, err := semver.NewVersion(v)
		if err != nil {
			r.logger.Warnw("Invalid service version, module constraints will not be checked",
				"version", v, "error", err)
			return
		}
		r.serviceVersion = parsed
	}
}

// Registry owns the active module set.
//
// Reload cycles are serialised by reloadMu. mu guards only the installed
// mapping, so Snapshot never waits for module loading, only for the swap.
type Registry struct {
	source         ListSource
	loader         Loader
	logger         *zap.SugaredLogger
	serviceVersion *semver.Version

	reloadMu      sync.Mutex
	missingLogged bool

	mu      sync.RWMutex
	current Snapshot

	listenersMu sync.Mutex
	listeners   []func(ReloadEvent)
}

// NewRegistry creates a registry with an empty snapshot at version 0
func NewRegistry(source ListSource, loader Loader, logger *zap.SugaredLogger, opts ...Option) *Registry {
	r := &Registry{
		source:  source,
		loader:  loader,
		logger:  logger,
		current: Snapshot{modules: map[string]Module{}},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initialize builds the first snapshot. A missing configuration source is
// logged and leaves the registry empty; it is not an error.
func (r *Registry) Initialize(ctx context.Context) error {
	_, err := r.Reload(ctx)
	if errors.Is(err, errors.ErrConfigMissing) {
		return nil
	}
	return err
}

// OnSwap registers a listener called after every installed snapshot
func (r *Registry) OnSwap(fn func(ReloadEvent)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Snapshot returns the active module set
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Reload re-reads the configuration source and rebuilds the module set.
//
// Modules already active are refreshed in place; new ones are loaded. A
// module that fails either step is left out of the new snapshot without
// affecting its siblings. The new mapping is installed in one swap, after
// which modules missing from the new mapping are closed. If the source
// cannot be read the active snapshot is kept and the error returned.
func (r *Registry) Reload(ctx context.Context) (ReloadEvent, error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	names, err := r.source.List(ctx)
	if err != nil {
		reloadsTotal.WithLabelValues("source_error").Inc()
		if errors.Is(err, errors.ErrConfigMissing) {
			if !r.missingLogged {
				r.logger.Warnw("Module configuration not found, keeping current modules", "error", err)
				r.missingLogged = true
			}
		} else {
			r.logger.Errorw("Failed to read module configuration, keeping current modules", "error", err)
		}
		return ReloadEvent{}, err
	}
	r.missingLogged = false

	previous := r.Snapshot()

	next := make(map[string]Module, len(names))
	order := make([]string, 0, len(names))
	failed := make(map[string]string)

	for _, name := range names {
		m, err := r.loadOne(ctx, name, previous)
		if err != nil {
			failed[name] = err.Error()
			moduleFailuresTotal.WithLabelValues(name).Inc()
			r.logger.Errorw("Failed to load module", "module", name, "error", err)
			continue
		}
		next[name] = m
		order = append(order, name)
		r.logger.Infow("Loaded module", "module", name, "version", m.Metadata().Version)
	}

	r.mu.Lock()
	installed := Snapshot{
		version: r.current.version + 1,
		order:   order,
		modules: next,
	}
	r.current = installed
	r.mu.Unlock()

	var removed []string
	previous.Each(func(name string, old Module) {
		if _, still := next[name]; still {
			return
		}
		removed = append(removed, name)
		if err := old.Close(); err != nil {
			r.logger.Warnw("Error unloading module", "module", name, "error", err)
			return
		}
		r.logger.Infow("Unloaded module", "module", name)
	})

	reloadsTotal.WithLabelValues("ok").Inc()
	activeModules.Set(float64(installed.Len()))

	event := ReloadEvent{
		Version: installed.version,
		Loaded:  installed.Names(),
		Removed: removed,
	}
	if len(failed) > 0 {
		event.Failed = failed
	}
	r.notify(event)
	return event, nil
}

// loadOne refreshes an active module or loads a new one. Panics raised by
// module code are converted to errors.
func (r *Registry) loadOne(ctx context.Context, name string, previous Snapshot) (m Module, err error) {
	defer func() {
		if rec := errors.Recovered(recover()); rec != nil {
			m, err = nil, errors.Mark(rec, errors.ErrModuleLoad)
		}
	}()

	if existing, ok := previous.Get(name); ok {
		if err := existing.Refresh(ctx); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "refresh %s", name), errors.ErrModuleLoad)
		}
		if err := r.validateVersion(existing.Metadata()); err != nil {
			return nil, err
		}
		return existing, nil
	}

	m, err = r.loader.Load(ctx, name)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "load %s", name), errors.ErrModuleLoad)
	}
	if err := r.validateVersion(m.Metadata()); err != nil {
		if cerr := m.Close(); cerr != nil {
			r.logger.Warnw("Error closing incompatible module", "module", name, "error", cerr)
		}
		return nil, err
	}
	return m, nil
}

// validateVersion checks a module's Requires constraint against the service version
func (r *Registry) validateVersion(meta Metadata) error {
	if meta.Requires == "" || r.serviceVersion == nil {
		return nil
	}

	constraint, err := semver.NewConstraint(meta.Requires)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "invalid version constraint %q for %s", meta.Requires, meta.Name), errors.ErrModuleLoad)
	}
	if !constraint.Check(r.serviceVersion) {
		return errors.Mark(errors.Newf("module %s requires vetta %s, running %s",
			meta.Name, meta.Requires, r.serviceVersion), errors.ErrModuleLoad)
	}
	return nil
}

func (r *Registry) notify(event ReloadEvent) {
	r.listenersMu.Lock()
	listeners := make([]func(ReloadEvent), len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(event)
	}
}

// Follow reloads the registry once per notification received on changes,
// until ctx is cancelled or changes is closed. It is the single consumer of
// change notifications, so reloads triggered this way never overlap.
func (r *Registry) Follow(ctx context.Context, changes <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case path, ok := <-changes:
			if !ok {
				return
			}
			r.logger.Infow("Reloading modules", "trigger", path)
			if _, err := r.Reload(ctx); err != nil {
				r.logger.Warnw("Module reload incomplete", "error", err)
			}
		}
	}
}

// Health reports the health of every active module.
// Modules without a health check are reported healthy.
func (r *Registry) Health(ctx context.Context) map[string]HealthStatus {
	snap := r.Snapshot()
	out := make(map[string]HealthStatus, snap.Len())
	snap.Each(func(name string, m Module) {
		if hc, ok := m.(HealthChecker); ok {
			out[name] = hc.Health(ctx)
			return
		}
		out[name] = HealthStatus{Healthy: true}
	})
	return out
}

// Close unloads every module and installs an empty snapshot
func (r *Registry) Close() error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	r.mu.Lock()
	previous := r.current
	r.current = Snapshot{version: previous.version + 1, modules: map[string]Module{}}
	r.mu.Unlock()

	var errs []error
	previous.Each(func(name string, m Module) {
		if err := m.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "close %s", name))
		}
	})
	activeModules.Set(0)
	return errors.Join(errs...)
}
