package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/dukerupert/ordercore/internal/domain"
	"github.com/dukerupert/ordercore/internal/repository"
)

// =============================================================================
// Orders
// =============================================================================

const orderColumns = `document, version`

// orderRow holds the filter columns copied from the document.
type orderRow struct {
	document      []byte
	sessionID     pgtype.Text
	refundedMinor int64
}

func encodeOrder(o *domain.Order) (orderRow, error) {
	doc, err := json.Marshal(o)
	if err != nil {
		return orderRow{}, fmt.Errorf("postgres: encode order: %w", err)
	}
	return orderRow{
		document:      doc,
		sessionID:     pgtype.Text{String: o.Payment.SessionID, Valid: o.Payment.SessionID != ""},
		refundedMinor: o.Refund.AmountRefundedMinor,
	}, nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		doc     []byte
		version int64
	)
	if err := row.Scan(&doc, &version); err != nil {
		return nil, mapGetErr(err)
	}
	var o domain.Order
	if err := json.Unmarshal(doc, &o); err != nil {
		return nil, fmt.Errorf("postgres: decode order: %w", err)
	}
	o.Version = version
	return &o, nil
}

func (q *querier) CreateOrder(ctx context.Context, o *domain.Order) error {
	if o.Version == 0 {
		o.Version = 1
	}
	r, err := encodeOrder(o)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO orders (id, status, stock_status, stock_attempts, payment_session_id, refunded_minor,
		                    expires_at, version, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.ID, string(o.Status), string(o.Stock.Status), o.Stock.Attempts, r.sessionID, r.refundedMinor,
		o.ExpiresAt, o.Version, r.document, o.CreatedAt, o.UpdatedAt)
	return mapInsertErr(err)
}

func (q *querier) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return scanOrder(q.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

func (q *querier) GetOrderBySessionID(ctx context.Context, sessionID string) (*domain.Order, error) {
	if sessionID == "" {
		return nil, repository.ErrNotFound
	}
	return scanOrder(q.db.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE payment_session_id = $1`, sessionID))
}

func (q *querier) UpdateOrder(ctx context.Context, o *domain.Order, cond repository.OrderCondition) (bool, error) {
	r, err := encodeOrder(o)
	if err != nil {
		return false, err
	}

	var refunded pgtype.Int8
	if cond.RefundedMinor != nil {
		refunded = pgtype.Int8{Int64: *cond.RefundedMinor, Valid: true}
	}

	var version int64
	err = q.db.QueryRow(ctx, `
		UPDATE orders
		SET status = $2, stock_status = $3, stock_attempts = $12, payment_session_id = $4, refunded_minor = $5,
		    expires_at = $6, document = $7, updated_at = $8, version = version + 1
		WHERE id = $1
		  AND status = $9
		  AND ($10::bigint = 0 OR version = $10)
		  AND ($11::bigint IS NULL OR refunded_minor = $11)
		RETURNING version`,
		o.ID, string(o.Status), string(o.Stock.Status), r.sessionID, r.refundedMinor,
		o.ExpiresAt, r.document, o.UpdatedAt,
		string(cond.Status), cond.Version, refunded, o.Stock.Attempts,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapInsertErr(err)
	}
	o.Version = version
	return true, nil
}

func (q *querier) ListOrders(ctx context.Context, params repository.ListOrdersParams) ([]*domain.Order, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(params.Statuses) > 0 {
		statuses := make([]string, len(params.Statuses))
		for i, s := range params.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(statuses)+"::text[])")
	}
	if len(params.StockStatuses) > 0 {
		statuses := make([]string, len(params.StockStatuses))
		for i, s := range params.StockStatuses {
			statuses[i] = string(s)
		}
		where = append(where, "stock_status = ANY("+arg(statuses)+"::text[])")
	}
	if params.StockAttemptsBelow > 0 {
		where = append(where, "stock_attempts < "+arg(params.StockAttemptsBelow))
	}
	if params.ExpiresBefore != nil {
		where = append(where, "expires_at < "+arg(*params.ExpiresBefore))
	}
	if params.CreatedBefore != nil {
		where = append(where, "created_at < "+arg(*params.CreatedBefore))
	}

	sql := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY created_at`
	if params.Limit > 0 {
		sql += ` LIMIT ` + arg(params.Limit)
	}

	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
