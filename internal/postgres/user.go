package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/dukerupert/ordercore/internal/domain"
)

// =============================================================================
// Users and shipping methods
// =============================================================================

func (q *querier) GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	var u domain.User
	err := q.db.QueryRow(ctx, `SELECT id, roles, segments FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Roles, &u.Segments)
	if err != nil {
		return nil, mapGetErr(err)
	}
	return &u, nil
}

func (q *querier) GetShippingMethod(ctx context.Context, code string) (*domain.ShippingMethod, error) {
	var m domain.ShippingMethod
	err := q.db.QueryRow(ctx, `
		SELECT code, name, base_price_minor, per_item_minor, free_over_minor, active
		FROM shipping_methods WHERE code = $1`, code,
	).Scan(&m.Code, &m.Name, &m.BasePriceMinor, &m.PerItemMinor, &m.FreeOverMinor, &m.Active)
	if err != nil {
		return nil, mapGetErr(err)
	}
	return &m, nil
}
