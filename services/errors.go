package services

import "errors"

var (
	// ErrRunTimeout means a run exceeded its wall-clock budget and the adapter call was abandoned.
	ErrRunTimeout = errors.New("import run exceeded its time budget")

	// ErrMergeConflict wraps any failure inside the merge transaction. Both games are left intact.
	ErrMergeConflict = errors.New("duplicate merge failed")

	ErrPairResolved    = errors.New("similar pair already resolved")
	ErrInvalidSurvivor = errors.New("survivor must be one of the pair's games")
	ErrAccountNotFound = errors.New("no linked account for platform")
	ErrUnsupported     = errors.New("platform not supported")
	ErrEmptyIdentifier = errors.New("account identifier is required")
)
