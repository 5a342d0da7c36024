package storage

import "errors"

// Storage errors shared by every backend.
var (
	// ErrNotFound is returned when a requested record does not exist,
	// including an empty claim queue.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when an insert collides with an existing
	// unique key (strategy name, parameter hash, venue order id).
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition is returned when a status change is not an edge
	// of the pipeline DAG.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrLeaseLost is returned when completing a claim whose lease has been
	// taken over by another worker.
	ErrLeaseLost = errors.New("lease lost")
)
