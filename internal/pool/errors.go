package pool

import "errors"

var (
	// ErrChainIDMismatch is returned when an endpoint serves a different chain than the pool.
	ErrChainIDMismatch = errors.New("endpoint chain id does not match pool chain id")

	// ErrUnreachable is returned when an endpoint cannot be contacted while being added.
	ErrUnreachable = errors.New("endpoint unreachable")

	// ErrNoHealthyConnections is returned when no endpoint can serve requests and none can
	// come back: the pool is empty or every endpoint serves another chain.
	ErrNoHealthyConnections = errors.New("no healthy connections")

	// ErrEndpointsDown is returned when every endpoint is Dead or Unchecked after transient
	// failures. The health loop may revive them, so callers may retry.
	ErrEndpointsDown = errors.New("all endpoints down")

	// ErrHeightUnavailable is returned when every endpoint has pruned the requested height.
	ErrHeightUnavailable = errors.New("height unavailable on every endpoint")

	// ErrDuplicateEndpoint is returned when adding an endpoint that is already in the pool.
	ErrDuplicateEndpoint = errors.New("endpoint already in pool")

	// ErrUnknownEndpoint is returned when removing an endpoint that is not in the pool.
	ErrUnknownEndpoint = errors.New("endpoint not in pool")

	// errAllPruned is the internal selection result when live endpoints exist but none
	// retains the requested height.
	errAllPruned = errors.New("all endpoints pruned the height")
)
