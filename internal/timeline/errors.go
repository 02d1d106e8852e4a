package timeline

import "errors"

// Domain-specific errors for timeline handling.
var (
	// ErrInvalidTimeline is returned when objects fail validation.
	ErrInvalidTimeline = errors.New("timeline: invalid timeline")

	// ErrUnknownContent is returned when content carries an unknown tag.
	ErrUnknownContent = errors.New("timeline: unknown content type")

	// ErrInvalidMapping is returned when mapping options cannot be decoded.
	ErrInvalidMapping = errors.New("timeline: invalid mapping")
)
