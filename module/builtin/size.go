// Package builtin contains analysis modules compiled into vetta.
package builtin

import (
	"context"
	"sync/atomic"

	"github.com/teranos/vetta/module"
	"github.com/teranos/vetta/version"
	"go.uber.org/zap"
)

// SizeName is the identifier of the size module in modules.cfg
const SizeName = "vetta.size"

// Size reports the byte size of each processed image and counts how many
// images it has seen. The counter survives in-place refreshes.
type Size struct {
	logger    *zap.SugaredLogger
	processed atomic.Int64
	refreshes atomic.Int64
}

// NewSize creates the size module
func NewSize(logger *zap.SugaredLogger) *Size {
	return &Size{logger: logger}
}

// Metadata returns module metadata
func (s *Size) Metadata() module.Metadata {
	return module.Metadata{
		Name:        SizeName,
		Version:     version.Version,
		Description: "Reports the byte size of each image",
	}
}

// ProcessImage returns {"size": n}
func (s *Size) ProcessImage(ctx context.Context, image []byte) (any, error) {
	n := s.processed.Add(1)
	s.logger.Debugw("Processed image", "size", len(image), "processed", n)
	return map[string]any{"size": len(image)}, nil
}

// Refresh keeps the processed counter
func (s *Size) Refresh(ctx context.Context) error {
	s.refreshes.Add(1)
	return nil
}

// Close is a no-op
func (s *Size) Close() error {
	return nil
}

// Health reports the processed count
func (s *Size) Health(ctx context.Context) module.HealthStatus {
	return module.HealthStatus{
		Healthy: true,
		Details: map[string]interface{}{
			"processed": s.processed.Load(),
			"refreshes": s.refreshes.Load(),
		},
	}
}

// Register adds every built-in module to l
func Register(l *module.BuiltinLoader, logger *zap.SugaredLogger) {
	l.Register(SizeName, func() (module.Module, error) {
		return NewSize(logger.Named(SizeName)), nil
	})
}
