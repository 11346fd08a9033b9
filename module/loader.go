package module

import (
	"context"
	"sort"
	"sync"

	"github.com/teranos/vetta/errors"
)

// ErrUnknownModule is returned by a Loader that does not know an identifier.
// ChainLoader uses it to fall through to the next loader.
var ErrUnknownModule = errors.New("unknown module")

// Loader creates a fresh Module for an identifier
type Loader interface {
	Load(ctx context.Context, name string) (Module, error)
}

// Factory builds a built-in module
type Factory func() (Module, error)

// BuiltinLoader loads modules compiled into the binary
type BuiltinLoader struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewBuiltinLoader creates an empty built-in loader
func NewBuiltinLoader() *BuiltinLoader {
	return &BuiltinLoader{factories: make(map[string]Factory)}
}

// Register adds a factory, replacing any previous one with the same name
func (l *BuiltinLoader) Register(name string, factory Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[name] = factory
}

// Names returns the registered built-in identifiers in sorted order
func (l *BuiltinLoader) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.factories))
	for name := range l.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load builds the named module
func (l *BuiltinLoader) Load(ctx context.Context, name string) (Module, error) {
	l.mu.RLock()
	factory, ok := l.factories[name]
	l.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownModule, "no built-in module %q", name)
	}
	return factory()
}

// ChainLoader tries each loader in order until one knows the identifier
type ChainLoader []Loader

// Load returns the first module any loader produces
func (c ChainLoader) Load(ctx context.Context, name string) (Module, error) {
	for _, l := range c {
		m, err := l.Load(ctx, name)
		if errors.Is(err, ErrUnknownModule) {
			continue
		}
		return m, err
	}
	return nil, errors.Wrapf(ErrUnknownModule, "module %q not found by any loader", name)
}
