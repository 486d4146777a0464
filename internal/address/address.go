// Package address validates shipping and billing addresses attached to orders.
package address

import (
	"context"

	"github.com/dukerupert/ordercore/internal/domain"
)

// Validator defines the interface for address validation.
// Implementations can use external APIs like USPS, Lob or SmartyStreets.
type Validator interface {
	// Validate checks if an address is valid and deliverable.
	// Even if IsValid is false, NormalizedAddress may contain corrections.
	Validate(ctx context.Context, addr domain.Address) (*ValidationResult, error)
}

// ValidationResult contains the outcome of address validation.
type ValidationResult struct {
	IsValid           bool
	NormalizedAddress *domain.Address
	Errors            []ValidationError
}

// ValidationError represents a specific validation error.
type ValidationError struct {
	Field   string
	Message string
}
