package assets

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrNotFound          = errors.New("not found")
	ErrInvalidStatus     = errors.New("invalid status transition")
	ErrHashMismatch      = errors.New("hash mismatch")
	ErrInvalidPath       = errors.New("invalid path")
	ErrCapacityExceeded  = errors.New("capacity exceeded")
	ErrExpired           = errors.New("expired")
	ErrMissingChunk      = errors.New("missing chunk")
	ErrInvalidEncoding   = errors.New("invalid encoding")
	ErrInUse             = errors.New("in use")
	ErrStaleContinuation = errors.New("stale continuation token")
	ErrCounterOverflow   = errors.New("counter overflow")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// MissingChunkError names the first index absent from a batch.
type MissingChunkError struct {
	Index uint32
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("missing chunk %d", e.Index)
}

func (e *MissingChunkError) Unwrap() error {
	return ErrMissingChunk
}
