package store

import "errors"

var (
	// ErrNotFound indicates the node does not exist.
	ErrNotFound = errors.New("node not found")

	// ErrNodeLocked indicates another conductor holds the reservation.
	ErrNodeLocked = errors.New("node is locked by another conductor")

	// ErrVersionConflict indicates an optimistic update raced a concurrent
	// writer; callers re-read and retry once before surfacing the conflict.
	ErrVersionConflict = errors.New("node version conflict")

	// ErrNodeProtected indicates a delete was attempted from a state that
	// does not allow purging the record.
	ErrNodeProtected = errors.New("node state does not allow deletion")
)
