package tax_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/ordercore/internal/tax"
)

func newCalc(t *testing.T, cfg tax.PercentageConfig) tax.Calculator {
	t.Helper()
	calc, err := tax.NewPercentageCalculator(cfg)
	require.NoError(t, err)
	return calc
}

// Basis $30 (3000 minor) at 8% = $2.40.
func Test_PercentageCalculator_Basic(t *testing.T) {
	calc := newCalc(t, tax.PercentageConfig{Country: "US", Rate: "0.08"})

	result, err := calc.CalculateTax(context.Background(), tax.TaxParams{
		BasisMinor:      3000,
		ShippingAddress: tax.Address{Country: "us", City: "Seattle"},
	})

	require.NoError(t, err)
	assert.Equal(t, int64(240), result.TotalTaxMinor)
	assert.Equal(t, "0.08", result.Rate)
	assert.Equal(t, int64(3000), result.BasisMinor)
	assert.Equal(t, "US", result.Jurisdiction)
	require.Len(t, result.Breakdown, 1)
	assert.Equal(t, "country", result.Breakdown[0].Jurisdiction)
	assert.Equal(t, "Default Sales Tax", result.Breakdown[0].Name)
	assert.Equal(t, int64(240), result.Breakdown[0].AmountMinor)
	assert.False(t, result.IsEstimate)
}

func Test_PercentageCalculator_DifferentTaxRates(t *testing.T) {
	tests := []struct {
		name        string
		rate        string
		basis       int64
		expectedTax int64
	}{
		{name: "zero percent rate", rate: "0", basis: 10500, expectedTax: 0},
		{name: "five percent rate", rate: "0.05", basis: 10000, expectedTax: 500},
		{name: "eight point five percent rate", rate: "0.085", basis: 10000, expectedTax: 850},
		{name: "twelve point five percent rate", rate: "0.125", basis: 8000, expectedTax: 1000},
		{name: "very small rate", rate: "0.001", basis: 100000, expectedTax: 100},
		{name: "rounds up above midpoint", rate: "0.08", basis: 1062, expectedTax: 85},
		{name: "rounds down below midpoint", rate: "0.08", basis: 1040, expectedTax: 83},
		{name: "half rounds up", rate: "0.05", basis: 1010, expectedTax: 51},
		{name: "zero basis", rate: "0.08", basis: 0, expectedTax: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calc := newCalc(t, tax.PercentageConfig{Rate: tt.rate})

			result, err := calc.CalculateTax(context.Background(), tax.TaxParams{
				BasisMinor:      tt.basis,
				ShippingAddress: tax.Address{Country: "US"},
			})

			require.NoError(t, err)
			assert.Equal(t, tt.expectedTax, result.TotalTaxMinor)
		})
	}
}

func Test_PercentageCalculator_JurisdictionMismatchIsZero(t *testing.T) {
	calc := newCalc(t, tax.PercentageConfig{Country: "US", Rate: "0.08"})

	result, err := calc.CalculateTax(context.Background(), tax.TaxParams{
		BasisMinor:      5000,
		ShippingAddress: tax.Address{Country: "CA", City: "Toronto"},
	})

	require.NoError(t, err)
	assert.Equal(t, int64(0), result.TotalTaxMinor)
	assert.Equal(t, int64(5000), result.BasisMinor)
	assert.Empty(t, result.Breakdown)
}

func Test_PercentageCalculator_CityOverride(t *testing.T) {
	calc := newCalc(t, tax.PercentageConfig{
		Country:   "US",
		Rate:      "0.05",
		CityRates: map[string]string{"Seattle": "0.1"},
	})

	result, err := calc.CalculateTax(context.Background(), tax.TaxParams{
		BasisMinor:      2000,
		ShippingAddress: tax.Address{Country: "US", City: " seattle "},
	})

	require.NoError(t, err)
	assert.Equal(t, int64(200), result.TotalTaxMinor)
	assert.Equal(t, "US/seattle", result.Jurisdiction)
	assert.Equal(t, "city", result.Breakdown[0].Jurisdiction)
}

func Test_PercentageCalculator_Errors(t *testing.T) {
	_, err := tax.NewPercentageCalculator(tax.PercentageConfig{Rate: "eight"})
	assert.ErrorIs(t, err, tax.ErrInvalidRate)

	calc := newCalc(t, tax.PercentageConfig{Rate: "0.08"})
	_, err = calc.CalculateTax(context.Background(), tax.TaxParams{BasisMinor: -1})
	assert.ErrorIs(t, err, tax.ErrNegativeBasis)
}
