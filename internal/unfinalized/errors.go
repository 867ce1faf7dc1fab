package unfinalized

import "fmt"

// ForkDetectedError is returned when a block does not extend the recorded tail.
// Every height at or above ForkHeight must be fetched again.
type ForkDetectedError struct {
	ForkHeight uint64
	Details    string
}

func (e *ForkDetectedError) Error() string {
	return fmt.Sprintf("fork detected at height %d: %s", e.ForkHeight, e.Details)
}

// NewForkError creates a new ForkDetectedError.
func NewForkError(forkHeight uint64, details string) error {
	return &ForkDetectedError{
		ForkHeight: forkHeight,
		Details:    details,
	}
}
