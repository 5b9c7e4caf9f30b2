package store

import (
	"errors"
	"fmt"
)

// ErrNotFound reports a symbol with no stored row of the requested kind.
var ErrNotFound = errors.New("not found")

// StoreError wraps an I/O failure of the durable store. It aborts the
// operation that hit it; the scheduler retries on its next tick.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
