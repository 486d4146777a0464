package tax

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/ordercore/internal/money"
)

// PercentageConfig configures a single-jurisdiction percentage calculator.
type PercentageConfig struct {
	// Country is the ISO country code the store collects tax in. Addresses in
	// any other country are taxed at zero. Empty means every country.
	Country string

	// Rate is the default rate, e.g. "0.08".
	Rate string

	// CityRates overrides Rate for specific cities (case-insensitive).
	CityRates map[string]string
}

// PercentageCalculator applies a flat rate, optionally overridden per city.
type PercentageCalculator struct {
	country   string
	rate      decimal.Decimal
	cityRates map[string]decimal.Decimal
}

// NewPercentageCalculator validates cfg and builds the calculator.
func NewPercentageCalculator(cfg PercentageConfig) (Calculator, error) {
	rate, err := money.ParseRate(cfg.Rate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRate, err)
	}

	cities := make(map[string]decimal.Decimal, len(cfg.CityRates))
	for city, raw := range cfg.CityRates {
		r, err := money.ParseRate(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: city %s: %v", ErrInvalidRate, city, err)
		}
		cities[normalizeCity(city)] = r
	}

	return &PercentageCalculator{
		country:   strings.ToUpper(strings.TrimSpace(cfg.Country)),
		rate:      rate,
		cityRates: cities,
	}, nil
}

// CalculateTax computes basis * rate, rounded half-up to minor units.
func (c *PercentageCalculator) CalculateTax(ctx context.Context, params TaxParams) (*TaxResult, error) {
	if params.BasisMinor < 0 {
		return nil, ErrNegativeBasis
	}

	country := strings.ToUpper(strings.TrimSpace(params.ShippingAddress.Country))
	if c.country != "" && country != c.country {
		return zeroResult(params.BasisMinor), nil
	}

	rate := c.rate
	jurisdiction := "country"
	name := "Default Sales Tax"
	if r, ok := c.cityRates[normalizeCity(params.ShippingAddress.City)]; ok {
		rate = r
		jurisdiction = "city"
		name = params.ShippingAddress.City + " Sales Tax"
	}

	amount := money.ApplyRate(params.BasisMinor, rate)

	return &TaxResult{
		TotalTaxMinor: amount,
		Rate:          rate.String(),
		BasisMinor:    params.BasisMinor,
		Jurisdiction:  jurisdictionLabel(country, jurisdiction, params.ShippingAddress.City),
		Breakdown: []TaxBreakdown{{
			Jurisdiction: jurisdiction,
			Name:         name,
			Rate:         rate.String(),
			AmountMinor:  amount,
		}},
	}, nil
}

func jurisdictionLabel(country, level, city string) string {
	if level == "city" {
		return country + "/" + normalizeCity(city)
	}
	return country
}

func normalizeCity(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}
