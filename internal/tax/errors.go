package tax

import "errors"

var (
	// ErrNegativeBasis is returned when the caller passes a negative basis.
	ErrNegativeBasis = errors.New("tax: basis must not be negative")

	// ErrInvalidRate is returned when a configured rate cannot be parsed.
	ErrInvalidRate = errors.New("tax: invalid rate")
)
