package translate

import "errors"

var (
	// ErrNotCompleted is returned when an analysis has no result to export yet.
	ErrNotCompleted = errors.New("analysis not completed")

	// ErrMissingGeometry is returned when an analysis has no area of interest.
	ErrMissingGeometry = errors.New("analysis has no geometry")
)
