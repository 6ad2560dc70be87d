// Package bwerrors defines the error taxonomy used across the batch-write
// coordinator. Every exported error is a sentinel built with
// github.com/pingcap/errors so call sites can Trace/Annotate it and still
// compare against the sentinel with errors.Cause.
package bwerrors

import "github.com/pingcap/errors"

// Configuration errors.
var (
	ErrBatchWriteDisabled = errors.New("batch write is disabled")
	ErrTableNotFound      = errors.New("table not found")
	ErrTablePartitioned   = errors.New("writing to partitioned tables is not supported")
	ErrGeneratedColumn    = errors.New("writing to tables with generated columns is not supported")
)

// Validation errors.
var (
	ErrColumnCountMismatch = errors.New("input column count does not match table schema")
	ErrNullColumn          = errors.New("null value in non-null or auto-increment column")
	ErrDuplicateHandle     = errors.New("duplicate handle value in input")
)

// Conflict errors.
var (
	ErrConflict = errors.New("input row conflicts with existing data and replace is disabled")
)

// Transaction errors.
var (
	ErrCommitTSOrder     = errors.New("commit timestamp is not greater than start timestamp")
	ErrSchemaChanged     = errors.New("table schema changed during prewrite")
	ErrSideChannelClosed = errors.New("side channel closed before commit")
	ErrTableLockRequired = errors.New("server does not support table lock and the override is not set")
)

// IsConflict reports whether err is (or wraps) ErrConflict.
func IsConflict(err error) bool {
	return errors.Cause(err) == ErrConflict
}
