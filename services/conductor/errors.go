package conductor

import (
	"errors"

	"corrald/services/conductor/internal/fsm"
	"corrald/services/conductor/internal/store"
)

var (
	// ErrNotOwner means the hash ring maps the node to a different
	// conductor; the caller should re-resolve and retry there.
	ErrNotOwner = errors.New("node is not mapped to this conductor")

	// ErrInterfaceValidation means a hardware interface rejected the node's
	// configuration before any state was changed.
	ErrInterfaceValidation = errors.New("hardware interface validation failed")

	// ErrDriverFailure wraps an error returned by a hardware interface while
	// executing a step. The node has already taken its failure edge.
	ErrDriverFailure = errors.New("hardware step failed")

	// ErrStaleToken means a callback presented a token that does not match
	// the node's current waiting step.
	ErrStaleToken = errors.New("callback token does not match")

	// ErrNoFreeWorker means the dispatch pool is saturated; the request was
	// rejected without touching the node.
	ErrNoFreeWorker = errors.New("no free dispatch worker")

	// Re-exported for callers that only import this package.
	ErrInvalidTransition = fsm.ErrInvalidTransition
	ErrNodeLocked        = store.ErrNodeLocked
	ErrNotFound          = store.ErrNotFound
)

// errorKind maps an error to the stable string carried in RPC replies, so
// the API layer can translate without sharing sentinel values over the wire.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNodeLocked):
		return "locked"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrStaleToken):
		return "stale_token"
	case errors.Is(err, ErrNoFreeWorker):
		return "busy"
	case errors.Is(err, ErrInterfaceValidation):
		return "invalid_config"
	case errors.Is(err, ErrDriverFailure):
		return "driver_failure"
	default:
		return "internal"
	}
}
