package dispatcher

import (
	"errors"
	"fmt"
)

var (
	// ErrDynamicDatasourcesDisabled is returned by RegisterDynamicDatasource when the
	// dispatcher was not configured for dynamic datasources.
	ErrDynamicDatasourcesDisabled = errors.New("dynamic datasources are disabled")

	// ErrHeightMismatch is returned when a fetcher answers with a block for another height.
	ErrHeightMismatch = errors.New("fetched block height mismatch")
)

// RetryExhaustedError is returned when a height could not be fetched within the retry
// budget. The run stops since no height may be skipped silently.
type RetryExhaustedError struct {
	Height   uint64
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("height %d failed after %d attempts: %v", e.Height, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}
