package storage

import (
	"github.com/pkg/errors"
)

var (
	// ErrStoreUnavailable matches every persistence failure returned by this package.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrDuplicateMessage is returned when a message identity is already tracked.
	ErrDuplicateMessage = errors.New("message already tracked")
)

type storeError struct {
	err error
}

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

func (e *storeError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// unavailable wraps a database error so callers can test for ErrStoreUnavailable
// while the driver error stays reachable through errors.Unwrap.
func unavailable(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(&storeError{err: err}, format, args...)
}
