package shipping

import (
	"github.com/dukerupert/ordercore/internal/domain"
	"github.com/dukerupert/ordercore/internal/money"
)

// Quote applies the flat-rate rules of method:
// base + perItem * (items - 1), free once the subtotal reaches FreeOverMinor.
func Quote(method domain.ShippingMethod, params RateParams) (int64, error) {
	if !method.Active {
		return 0, ErrMethodInactive
	}
	if params.SubtotalMinor < 0 || params.ItemCount < 0 {
		return 0, ErrInvalidParams
	}
	if method.BasePriceMinor < 0 || method.PerItemMinor < 0 {
		return 0, ErrInvalidRule
	}

	if method.FreeOverMinor > 0 && params.SubtotalMinor >= method.FreeOverMinor {
		return 0, nil
	}

	extra := params.ItemCount - 1
	if extra < 0 {
		extra = 0
	}
	perItem, err := money.Mul(method.PerItemMinor, extra)
	if err != nil {
		return 0, err
	}
	return money.Add(method.BasePriceMinor, perItem)
}
