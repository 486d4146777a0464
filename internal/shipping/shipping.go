// Package shipping prices an order's delivery option from the method's rules.
//
// The computed price is frozen onto the order as a snapshot; repricing reads
// the snapshot and never re-runs the rules.
package shipping

import (
	"github.com/dukerupert/ordercore/internal/domain"
)

// RateParams is the order state a shipping price depends on.
type RateParams struct {
	SubtotalMinor int64
	ItemCount     int64
}

// Snapshot prices method for params and returns the order snapshot.
func Snapshot(method domain.ShippingMethod, params RateParams) (*domain.ShippingMethodSnapshot, error) {
	price, err := Quote(method, params)
	if err != nil {
		return nil, err
	}
	return &domain.ShippingMethodSnapshot{
		Code:       method.Code,
		Name:       method.Name,
		PriceMinor: price,
	}, nil
}
