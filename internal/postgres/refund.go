package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/dukerupert/ordercore/internal/domain"
	"github.com/dukerupert/ordercore/internal/repository"
)

// =============================================================================
// Refund requests
// =============================================================================

func (q *querier) InsertRefundRequest(ctx context.Context, r *domain.RefundRequest) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO refund_requests (id, order_id, idempotency_key, status, amount_minor,
		                             refunded_before_minor, reason, actor, gateway_refund_id, error,
		                             created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.OrderID, r.IdempotencyKey, string(r.Status), r.AmountMinor,
		r.RefundedBeforeMinor, r.Reason, r.Actor, r.GatewayRefundID, r.Error,
		r.CreatedAt, r.UpdatedAt)
	return mapInsertErr(err)
}

func (q *querier) GetRefundRequest(ctx context.Context, orderID uuid.UUID, idempotencyKey string) (*domain.RefundRequest, error) {
	var (
		r      domain.RefundRequest
		status string
	)
	err := q.db.QueryRow(ctx, `
		SELECT id, order_id, idempotency_key, status, amount_minor, refunded_before_minor,
		       reason, actor, gateway_refund_id, error, created_at, updated_at
		FROM refund_requests
		WHERE order_id = $1 AND idempotency_key = $2`, orderID, idempotencyKey,
	).Scan(&r.ID, &r.OrderID, &r.IdempotencyKey, &status, &r.AmountMinor, &r.RefundedBeforeMinor,
		&r.Reason, &r.Actor, &r.GatewayRefundID, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, mapGetErr(err)
	}
	r.Status = domain.RefundRequestStatus(status)
	return &r, nil
}

func (q *querier) UpdateRefundRequest(ctx context.Context, r *domain.RefundRequest) error {
	ok, err := affected(q.db.Exec(ctx, `
		UPDATE refund_requests
		SET status = $3, gateway_refund_id = $4, error = $5, updated_at = $6
		WHERE order_id = $1 AND idempotency_key = $2`,
		r.OrderID, r.IdempotencyKey, string(r.Status), r.GatewayRefundID, r.Error, r.UpdatedAt))
	if err != nil {
		return err
	}
	if !ok {
		return repository.ErrNotFound
	}
	return nil
}
