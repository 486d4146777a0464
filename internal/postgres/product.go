package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/dukerupert/ordercore/internal/domain"
	"github.com/dukerupert/ordercore/internal/repository"
)

// =============================================================================
// Products and variants
// =============================================================================

func (q *querier) GetVariant(ctx context.Context, id uuid.UUID) (*domain.Variant, error) {
	var v domain.Variant
	err := q.db.QueryRow(ctx, `
		SELECT id, product_id, sku, name, price_minor, stock, stock_reserved, active, deleted
		FROM variants WHERE id = $1`, id,
	).Scan(&v.ID, &v.ProductID, &v.SKU, &v.Name, &v.PriceMinor, &v.Stock, &v.StockReserved, &v.Active, &v.Deleted)
	if err != nil {
		return nil, mapGetErr(err)
	}
	return &v, nil
}

func (q *querier) GetProducts(ctx context.Context, ids []uuid.UUID) ([]*domain.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	rows, err := q.db.Query(ctx, `
		SELECT id, name, category_ids, brand_id, in_stock, deleted
		FROM products WHERE id = ANY($1::uuid[])`, strIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Product
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.CategoryIDs, &p.BrandID, &p.InStock, &p.Deleted); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (q *querier) ReserveVariantStock(ctx context.Context, params repository.ReserveStockParams) (bool, error) {
	return affected(q.db.Exec(ctx, `
		UPDATE variants
		SET stock_reserved = stock_reserved + $2
		WHERE id = $1
		  AND $2 > 0
		  AND stock - stock_reserved >= $2
		  AND (NOT $3 OR (active AND NOT deleted))`,
		params.VariantID, params.Quantity, params.RequireSellable))
}

func (q *querier) ConfirmVariantStock(ctx context.Context, variantID uuid.UUID, qty int64) (bool, error) {
	return affected(q.db.Exec(ctx, `
		UPDATE variants
		SET stock = stock - $2, stock_reserved = stock_reserved - $2
		WHERE id = $1 AND stock >= $2 AND stock_reserved >= $2`,
		variantID, qty))
}

func (q *querier) ReleaseVariantStock(ctx context.Context, variantID uuid.UUID, qty int64) (bool, error) {
	return affected(q.db.Exec(ctx, `
		UPDATE variants
		SET stock_reserved = stock_reserved - $2
		WHERE id = $1 AND stock_reserved >= $2`,
		variantID, qty))
}

func (q *querier) RestoreVariantStock(ctx context.Context, variantID uuid.UUID, qty int64) error {
	ok, err := affected(q.db.Exec(ctx, `UPDATE variants SET stock = stock + $2 WHERE id = $1`, variantID, qty))
	if err != nil {
		return err
	}
	if !ok {
		return repository.ErrNotFound
	}
	return nil
}

func (q *querier) RecomputeProductInStock(ctx context.Context, productID uuid.UUID) (bool, error) {
	var inStock bool
	err := q.db.QueryRow(ctx, `
		UPDATE products p
		SET in_stock = EXISTS (
			SELECT 1 FROM variants v
			WHERE v.product_id = p.id AND v.active AND NOT v.deleted AND v.stock - v.stock_reserved > 0
		)
		WHERE p.id = $1
		RETURNING in_stock`, productID,
	).Scan(&inStock)
	if err != nil {
		return false, mapGetErr(err)
	}
	return inStock, nil
}
