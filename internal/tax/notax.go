package tax

import "context"

// NoTaxCalculator returns zero tax for all calculations.
// Used when TAX_ENABLED=false.
type NoTaxCalculator struct{}

// NewNoTaxCalculator creates a new no-tax calculator.
func NewNoTaxCalculator() Calculator {
	return &NoTaxCalculator{}
}

// CalculateTax always returns zero tax.
func (c *NoTaxCalculator) CalculateTax(ctx context.Context, params TaxParams) (*TaxResult, error) {
	if params.BasisMinor < 0 {
		return nil, ErrNegativeBasis
	}
	return zeroResult(params.BasisMinor), nil
}
