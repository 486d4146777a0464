package address

import (
	"context"
	"regexp"
	"strings"

	"github.com/dukerupert/ordercore/internal/domain"
)

var (
	countryCode = regexp.MustCompile(`^[A-Z]{2}$`)
	usZIP       = regexp.MustCompile(`^\d{5}(-\d{4})?$`)
	caPostal    = regexp.MustCompile(`^[A-Z]\d[A-Z] ?\d[A-Z]\d$`)
)

// BasicValidator performs format validation without external API calls.
type BasicValidator struct{}

// NewBasicValidator creates a new basic address validator.
func NewBasicValidator() Validator {
	return &BasicValidator{}
}

// Validate trims every field, upper-cases country and postal code, and
// checks required fields plus US and CA postal formats.
func (v *BasicValidator) Validate(ctx context.Context, addr domain.Address) (*ValidationResult, error) {
	n := domain.Address{
		Name:       strings.TrimSpace(addr.Name),
		Line1:      strings.TrimSpace(addr.Line1),
		Line2:      strings.TrimSpace(addr.Line2),
		City:       strings.TrimSpace(addr.City),
		State:      strings.ToUpper(strings.TrimSpace(addr.State)),
		PostalCode: strings.ToUpper(strings.TrimSpace(addr.PostalCode)),
		Country:    strings.ToUpper(strings.TrimSpace(addr.Country)),
	}

	var errs []ValidationError
	required := func(field, value string) {
		if value == "" {
			errs = append(errs, ValidationError{Field: field, Message: "is required"})
		}
	}
	required("Line1", n.Line1)
	required("City", n.City)
	required("PostalCode", n.PostalCode)
	required("Country", n.Country)

	if n.Country != "" && !countryCode.MatchString(n.Country) {
		errs = append(errs, ValidationError{Field: "Country", Message: "must be a 2 letter ISO code"})
	}

	if n.PostalCode != "" {
		switch n.Country {
		case "US":
			if !usZIP.MatchString(n.PostalCode) {
				errs = append(errs, ValidationError{Field: "PostalCode", Message: "must be a 5 digit ZIP code"})
			}
		case "CA":
			if !caPostal.MatchString(n.PostalCode) {
				errs = append(errs, ValidationError{Field: "PostalCode", Message: "must look like A1A 1A1"})
			}
		}
	}

	if n.Country == "US" && n.State == "" {
		errs = append(errs, ValidationError{Field: "State", Message: "is required for US addresses"})
	}

	return &ValidationResult{
		IsValid:           len(errs) == 0,
		NormalizedAddress: &n,
		Errors:            errs,
	}, nil
}
