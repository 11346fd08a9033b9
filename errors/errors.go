// Package errors provides error handling for vetta.
//
// It re-exports github.com/cockroachdb/errors so every package gets stack
// traces, hints and details from a single import, and defines the sentinel
// errors the intake service classifies failures by.
//
//	if err := extract(); err != nil {
//	    return errors.Wrap(ErrExtraction, err.Error())
//	}
//
//	if errors.Is(err, errors.ErrPayloadTooLarge) {
//	    // 413
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

var (
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
	FlattenHints  = crdb.FlattenHints
)

var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
	Join      = crdb.Join
)

// Sentinel errors. Wrap them to add context; match with Is.
var (
	// ErrExtraction means the frame extractor failed or produced nothing usable.
	// It is the only failure of a batch scan that reaches the caller.
	ErrExtraction = New("frame extraction failed")

	// ErrConfigMissing means the module list source does not exist.
	ErrConfigMissing = New("module configuration missing")

	// ErrModuleLoad means a single module failed to load or refresh.
	ErrModuleLoad = New("module load failed")

	// ErrPayloadTooLarge means an upload exceeded its size limit.
	ErrPayloadTooLarge = New("payload too large")

	// ErrInvalidPayload means an upload was missing or could not be decoded.
	ErrInvalidPayload = New("invalid payload")

	// ErrUnauthorized means the request carried no valid token.
	ErrUnauthorized = New("unauthorized")

	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")
)

// Recovered converts a recovered panic value into an error.
// Returns nil when r is nil so it can be used directly on recover().
func Recovered(r any) error {
	if r == nil {
		return nil
	}
	if err, ok := r.(error); ok {
		return Wrap(err, "panic")
	}
	return Newf("panic: %v", r)
}
