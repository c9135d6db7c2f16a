package store

import "errors"

var (
	ErrConflict            = errors.New("scheduling conflict")
	ErrNotFound            = errors.New("not found")
	ErrCapacityExceeded    = errors.New("capacity exceeded")
	ErrIdempotencyConflict = errors.New("idempotency key conflict")
)
