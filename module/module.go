// Package module provides the hot-reloadable analysis module registry.
//
// A module is an optional analysis stage identified by name. The set of active
// modules comes from an ordered identifier list (modules.cfg) and is swapped
// atomically on every reload: readers take a Snapshot and never observe a
// mapping that mixes two reload cycles.
//
// Modules come from two places:
//   - built-in factories compiled into the binary (BuiltinLoader)
//   - external module binaries run as supervised child processes and reached
//     over gRPC (package module/grpc)
//
// Both implement Module; the registry does not distinguish between them.
package module

import (
	"context"
)

// Module is a loaded analysis unit owned by the Registry
type Module interface {
	// Metadata returns information about this module
	Metadata() Metadata

	// Refresh reloads the module in place, keeping any state it chooses to keep.
	// It is called when the module is still listed after a configuration change.
	Refresh(ctx context.Context) error

	// Close releases the module's resources. Called once the module is no
	// longer listed, after the new snapshot is installed.
	Close() error
}

// ImageProcessor is implemented by modules that analyse single images.
// The returned value must be JSON-encodable.
type ImageProcessor interface {
	ProcessImage(ctx context.Context, image []byte) (any, error)
}

// HealthChecker is an optional interface for modules that report health
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// Metadata describes a module
type Metadata struct {
	// Name is the module identifier as listed in the configuration
	Name string `json:"name"`

	// Version is the module version (semver)
	Version string `json:"version,omitempty"`

	// Requires is a semver constraint on the service version (e.g. ">= 0.1, < 1")
	Requires string `json:"requires,omitempty"`

	// Description is a human-readable description
	Description string `json:"description,omitempty"`
}

// HealthStatus represents the health of a module
type HealthStatus struct {
	Healthy bool                   `json:"healthy"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}
