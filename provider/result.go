package provider

import (
	"encoding/json"
)

// Result is the outcome of one provider call: either a value or an error message.
// Provider failures are contained in a Result and never returned as Go errors.
//
// The zero Result is an Err with an empty message.
type Result[T any] struct {
	value T
	msg   string
	ok    bool
}

// Ok wraps a successful value
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v, ok: true}
}

// Err wraps a failure message
func Err[T any](msg string) Result[T] {
	return Result[T]{msg: msg}
}

// FromError returns Err(err.Error()) when err is non-nil, otherwise Ok(v)
func FromError[T any](v T, err error) Result[T] {
	if err != nil {
		return Err[T](err.Error())
	}
	return Ok(v)
}

func (r Result[T]) IsOk() bool { return r.ok }

// Value returns the wrapped value, or the zero value for Err
func (r Result[T]) Value() T { return r.value }

// Message returns the failure message, or "" for Ok
func (r Result[T]) Message() string { return r.msg }

// MarshalJSON encodes Ok as the value itself and Err as {"error": msg}
func (r Result[T]) MarshalJSON() ([]byte, error) {
	if r.ok {
		return json.Marshal(r.value)
	}
	return json.Marshal(map[string]string{"error": r.msg})
}
