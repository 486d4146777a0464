package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dukerupert/ordercore/internal/domain"
	"github.com/dukerupert/ordercore/internal/repository"
)

// =============================================================================
// Stock reservations and events
// =============================================================================

const reservationColumns = `order_id, variant_id, product_id, quantity, status,
	reserved_at, confirmed_at, released_at, expires_at, release_reason`

func scanReservation(row pgx.Row) (*domain.StockReservation, error) {
	var (
		r      domain.StockReservation
		status string
	)
	err := row.Scan(&r.OrderID, &r.VariantID, &r.ProductID, &r.Quantity, &status,
		&r.ReservedAt, &r.ConfirmedAt, &r.ReleasedAt, &r.ExpiresAt, &r.ReleaseReason)
	if err != nil {
		return nil, mapGetErr(err)
	}
	r.Status = domain.ReservationStatus(status)
	return &r, nil
}

func (q *querier) GetStockReservation(ctx context.Context, orderID, variantID uuid.UUID) (*domain.StockReservation, error) {
	return scanReservation(q.db.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM stock_reservations WHERE order_id = $1 AND variant_id = $2`,
		orderID, variantID))
}

func (q *querier) ListStockReservations(ctx context.Context, orderID uuid.UUID) ([]*domain.StockReservation, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+reservationColumns+` FROM stock_reservations WHERE order_id = $1 ORDER BY variant_id`,
		orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.StockReservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *querier) InsertStockReservation(ctx context.Context, r *domain.StockReservation) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO stock_reservations (`+reservationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.OrderID, r.VariantID, r.ProductID, r.Quantity, string(r.Status),
		r.ReservedAt, r.ConfirmedAt, r.ReleasedAt, r.ExpiresAt, r.ReleaseReason)
	return mapInsertErr(err)
}

func (q *querier) UpdateStockReservationStatus(ctx context.Context, t repository.ReservationTransition) (bool, error) {
	return affected(q.db.Exec(ctx, `
		UPDATE stock_reservations
		SET status = $4,
		    confirmed_at = CASE WHEN $4 = 'confirmed' THEN $5 ELSE confirmed_at END,
		    released_at = CASE WHEN $4 = 'released' THEN $5 ELSE released_at END,
		    release_reason = CASE WHEN $4 = 'released' THEN $6 ELSE release_reason END
		WHERE order_id = $1 AND variant_id = $2 AND status = $3`,
		t.OrderID, t.VariantID, string(t.From), string(t.To), t.At, t.Reason))
}

func (q *querier) InsertStockEvent(ctx context.Context, ev *domain.StockEvent) error {
	meta := []byte("{}")
	var err error
	if len(ev.Metadata) > 0 {
		meta, err = json.Marshal(ev.Metadata)
	}
	if err != nil {
		return fmt.Errorf("postgres: encode stock event metadata: %w", err)
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO stock_events (id, order_id, variant_id, product_id, type, quantity, reason, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.OrderID, ev.VariantID, ev.ProductID, string(ev.Type), ev.Quantity, ev.Reason, meta, ev.CreatedAt)
	return mapInsertErr(err)
}
