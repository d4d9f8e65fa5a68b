package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying storage failures. The classification drives
// the batch writer's retry loop: connection and timeout failures are worth
// retrying, anything else fails the batch immediately.
var (
	ErrConnectionFailed  = errors.New("storage: connection failed")
	ErrQueryFailed       = errors.New("storage: query failed")
	ErrBatchInsertFailed = errors.New("storage: batch insert failed")
	ErrTimeout           = errors.New("storage: operation timed out")
	ErrInvalidData       = errors.New("storage: invalid data")
	ErrWriterClosed      = errors.New("storage: writer closed")
)

// StorageError carries the operation and table a failure came from.
// Retries is how many attempts were made before giving up, when the
// operation retries at all.
type StorageError struct {
	Op      string
	Table   string
	Err     error
	Retries int
}

func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage.%s(%s): %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("storage.%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the failure is transient enough that the
// same operation may succeed on another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionFailed) || errors.Is(err, ErrTimeout)
}

// WrapConnectionError classifies err as a connection failure.
func WrapConnectionError(op string, err error) error {
	return &StorageError{
		Op:  op,
		Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err),
	}
}

// WrapQueryError classifies err as a query failure on the given table.
func WrapQueryError(op, table string, err error) error {
	return &StorageError{
		Op:    op,
		Table: table,
		Err:   fmt.Errorf("%w: %v", ErrQueryFailed, err),
	}
}
