package tax

import (
	"context"
)

// Calculator computes tax over an already-discounted basis.
// Implementations: PercentageCalculator, NoTaxCalculator, MockCalculator.
type Calculator interface {
	// CalculateTax returns the tax for params. It must not perform I/O that
	// could block a database transaction.
	CalculateTax(ctx context.Context, params TaxParams) (*TaxResult, error)
}

// TaxParams is the input snapshot for a tax computation.
type TaxParams struct {
	// BasisMinor is max(0, subtotal - discount + shipping) in minor units.
	BasisMinor      int64
	ShippingAddress Address
}

// Address holds the parts of the shipping address tax depends on.
type Address struct {
	City    string
	State   string
	Country string
}

// TaxResult is persisted verbatim on the order's pricing snapshot.
type TaxResult struct {
	TotalTaxMinor int64
	Rate          string
	BasisMinor    int64
	Jurisdiction  string
	Breakdown     []TaxBreakdown
	IsEstimate    bool
}

// TaxBreakdown represents tax for a single jurisdiction.
type TaxBreakdown struct {
	Jurisdiction string // "country", "city"
	Name         string
	Rate         string
	AmountMinor  int64
}

// zeroResult is returned when no tax applies to the basis.
func zeroResult(basis int64) *TaxResult {
	return &TaxResult{Rate: "0", BasisMinor: basis}
}
