package shipping

import "errors"

var (
	// ErrMethodInactive is returned when pricing a disabled method.
	ErrMethodInactive = errors.New("shipping: method is not active")

	// ErrInvalidParams is returned for negative subtotals or item counts.
	ErrInvalidParams = errors.New("shipping: invalid rate params")

	// ErrInvalidRule is returned when a method carries negative prices.
	ErrInvalidRule = errors.New("shipping: invalid pricing rule")
)
