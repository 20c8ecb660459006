package lazyfile

import "github.com/nosqlbench/lazyfile/internal/errs"

// Error categories a caller can match with errors.Is. These mirror
// internal/errs one-for-one so nothing outside this module ever needs to
// import an internal package.
var (
	ErrInvalidArgument     = errs.ErrInvalidArgument
	ErrInvalidInitialState = errs.ErrInvalidInitialState
	ErrCorruptFormat       = errs.ErrCorruptFormat
	ErrHashMismatch        = errs.ErrHashMismatch
	ErrIoError             = errs.ErrIoError
	ErrClosed              = errs.ErrClosed
	ErrIncompleteState     = errs.ErrIncompleteState
	ErrPolicyError         = errs.ErrPolicyError
)
