// Package errs defines the sentinel error categories shared across the
// engine's internal packages. The root lazyfile package re-exports these
// under its own names so callers never need to import an internal
// package to use errors.Is/errors.As against them.
package errs

import "errors"

var (
	// ErrInvalidArgument marks a programmer error: an out-of-range index
	// or otherwise malformed parameter.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidInitialState marks an illegal on-disk pre-state at Open:
	// exactly one of {cache file, state file} exists, instead of both or
	// neither.
	ErrInvalidInitialState = errors.New("invalid initial state")

	// ErrCorruptFormat marks a footer/size mismatch in a persisted
	// .mref/.mrkl file.
	ErrCorruptFormat = errors.New("corrupt format")

	// ErrHashMismatch marks a chunk whose bytes do not hash to the
	// reference leaf hash.
	ErrHashMismatch = errors.New("hash mismatch")

	// ErrIoError marks a transport or disk I/O failure.
	ErrIoError = errors.New("io error")

	// ErrClosed marks an operation attempted on a closed channel or state.
	ErrClosed = errors.New("closed")

	// ErrIncompleteState marks an attempt to promote a state to a
	// reference before every bit is set.
	ErrIncompleteState = errors.New("incomplete state")

	// ErrPolicyError marks an operation refused by policy (e.g. a
	// file:// origin URL).
	ErrPolicyError = errors.New("policy error")
)
