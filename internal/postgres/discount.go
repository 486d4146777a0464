package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/dukerupert/ordercore/internal/domain"
	"github.com/dukerupert/ordercore/internal/repository"
)

// =============================================================================
// Coupons and promotions
// =============================================================================

const couponColumns = `id, code, type, value, max_discount_minor, min_subtotal_minor,
	starts_at, ends_at, active, max_uses_total, max_uses_per_user, uses_total`

func scanCoupon(row pgx.Row) (*domain.Coupon, error) {
	var (
		c       domain.Coupon
		typ     string
		maxUses pgtype.Int8
		perUser pgtype.Int8
	)
	err := row.Scan(&c.ID, &c.Code, &typ, &c.Value, &c.MaxDiscountMinor, &c.MinSubtotalMinor,
		&c.StartsAt, &c.EndsAt, &c.Active, &maxUses, &perUser, &c.UsesTotal)
	if err != nil {
		return nil, mapGetErr(err)
	}
	c.Type = domain.DiscountType(typ)
	c.MaxUsesTotal = int8Ptr(maxUses)
	c.MaxUsesPerUser = int8Ptr(perUser)
	return &c, nil
}

func (q *querier) GetCoupon(ctx context.Context, id uuid.UUID) (*domain.Coupon, error) {
	return scanCoupon(q.db.QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons WHERE id = $1`, id))
}

func (q *querier) GetCouponByCode(ctx context.Context, code string) (*domain.Coupon, error) {
	return scanCoupon(q.db.QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons WHERE lower(code) = lower($1)`, code))
}

const promotionColumns = `id, name, code, type, value, max_discount_minor, priority, stacking,
	auto_apply, active, starts_at, ends_at, targeting, cities, min_subtotal_minor, scope,
	max_uses_total, max_uses_per_user, uses_total, created_at`

func scanPromotion(row pgx.Row) (*domain.Promotion, error) {
	var (
		p         domain.Promotion
		typ       string
		stacking  string
		targeting []byte
		scope     []byte
		maxUses   pgtype.Int8
		perUser   pgtype.Int8
	)
	err := row.Scan(&p.ID, &p.Name, &p.Code, &typ, &p.Value, &p.MaxDiscountMinor, &p.Priority, &stacking,
		&p.AutoApply, &p.Active, &p.StartsAt, &p.EndsAt, &targeting, &p.Cities, &p.MinSubtotalMinor, &scope,
		&maxUses, &perUser, &p.UsesTotal, &p.CreatedAt)
	if err != nil {
		return nil, mapGetErr(err)
	}
	p.Type = domain.DiscountType(typ)
	p.Stacking = domain.StackingPolicy(stacking)
	p.MaxUsesTotal = int8Ptr(maxUses)
	p.MaxUsesPerUser = int8Ptr(perUser)
	if err := json.Unmarshal(targeting, &p.Targeting); err != nil {
		return nil, fmt.Errorf("postgres: decode promotion targeting: %w", err)
	}
	if err := json.Unmarshal(scope, &p.Scope); err != nil {
		return nil, fmt.Errorf("postgres: decode promotion scope: %w", err)
	}
	return &p, nil
}

func (q *querier) GetPromotion(ctx context.Context, id uuid.UUID) (*domain.Promotion, error) {
	return scanPromotion(q.db.QueryRow(ctx, `SELECT `+promotionColumns+` FROM promotions WHERE id = $1`, id))
}

func (q *querier) GetPromotionByCode(ctx context.Context, code string) (*domain.Promotion, error) {
	return scanPromotion(q.db.QueryRow(ctx,
		`SELECT `+promotionColumns+` FROM promotions WHERE code <> '' AND lower(code) = lower($1)`, code))
}

func (q *querier) ListActivePromotions(ctx context.Context, at time.Time) ([]*domain.Promotion, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+promotionColumns+` FROM promotions
		WHERE active
		  AND (starts_at IS NULL OR starts_at <= $1)
		  AND (ends_at IS NULL OR ends_at > $1)
		ORDER BY id`, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Promotion
	for rows.Next() {
		p, err := scanPromotion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// usageTable maps a redemption kind to the table holding its counter.
func usageTable(kind domain.RedemptionKind) (string, error) {
	switch kind {
	case domain.RedemptionCoupon:
		return "coupons", nil
	case domain.RedemptionPromotion:
		return "promotions", nil
	}
	return "", fmt.Errorf("postgres: unknown redemption kind %q", kind)
}

func (q *querier) IncrementUsage(ctx context.Context, kind domain.RedemptionKind, entityID uuid.UUID) (bool, error) {
	table, err := usageTable(kind)
	if err != nil {
		return false, nil
	}
	return affected(q.db.Exec(ctx, `
		UPDATE `+table+`
		SET uses_total = uses_total + 1
		WHERE id = $1 AND (max_uses_total IS NULL OR uses_total < max_uses_total)`, entityID))
}

func (q *querier) DecrementUsage(ctx context.Context, kind domain.RedemptionKind, entityID uuid.UUID, n int64) (bool, error) {
	table, err := usageTable(kind)
	if err != nil {
		return false, nil
	}
	return affected(q.db.Exec(ctx, `
		UPDATE `+table+`
		SET uses_total = uses_total - $2
		WHERE id = $1 AND uses_total >= $2`, entityID, n))
}

// =============================================================================
// Redemptions and per-user counters
// =============================================================================

const redemptionColumns = `kind, entity_id, order_id, user_id, status, quantity, user_counted,
	reserved_at, confirmed_at, released_at`

func (q *querier) GetRedemption(ctx context.Context, kind domain.RedemptionKind, entityID, orderID uuid.UUID) (*domain.Redemption, error) {
	var (
		r      domain.Redemption
		k      string
		status string
	)
	err := q.db.QueryRow(ctx, `
		SELECT `+redemptionColumns+` FROM discount_redemptions
		WHERE kind = $1 AND entity_id = $2 AND order_id = $3`,
		string(kind), entityID, orderID,
	).Scan(&k, &r.EntityID, &r.OrderID, &r.UserID, &status, &r.Quantity, &r.UserCounted,
		&r.ReservedAt, &r.ConfirmedAt, &r.ReleasedAt)
	if err != nil {
		return nil, mapGetErr(err)
	}
	r.Kind = domain.RedemptionKind(k)
	r.Status = domain.ReservationStatus(status)
	return &r, nil
}

func (q *querier) InsertRedemption(ctx context.Context, r *domain.Redemption) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO discount_redemptions (`+redemptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(r.Kind), r.EntityID, r.OrderID, r.UserID, string(r.Status), r.Quantity, r.UserCounted,
		r.ReservedAt, r.ConfirmedAt, r.ReleasedAt)
	return mapInsertErr(err)
}

func (q *querier) UpdateRedemptionStatus(ctx context.Context, t repository.RedemptionTransition) (bool, error) {
	var counted pgtype.Bool
	if t.UserCounted != nil {
		counted = pgtype.Bool{Bool: *t.UserCounted, Valid: true}
	}
	return affected(q.db.Exec(ctx, `
		UPDATE discount_redemptions
		SET status = $5,
		    reserved_at = CASE WHEN $5 = 'reserved' THEN $6 ELSE reserved_at END,
		    released_at = CASE WHEN $5 = 'reserved' THEN NULL WHEN $5 = 'released' THEN $6 ELSE released_at END,
		    confirmed_at = CASE WHEN $5 = 'confirmed' THEN $6 ELSE confirmed_at END,
		    user_counted = COALESCE($7, user_counted)
		WHERE kind = $1 AND entity_id = $2 AND order_id = $3 AND status = $4`,
		string(t.Kind), t.EntityID, t.OrderID, string(t.From), string(t.To), t.At, counted))
}

func (q *querier) DeleteRedemption(ctx context.Context, kind domain.RedemptionKind, entityID, orderID uuid.UUID) error {
	_, err := q.db.Exec(ctx, `
		DELETE FROM discount_redemptions WHERE kind = $1 AND entity_id = $2 AND order_id = $3`,
		string(kind), entityID, orderID)
	return err
}

func (q *querier) GetUserUsage(ctx context.Context, kind domain.RedemptionKind, entityID, userID uuid.UUID) (int64, error) {
	var uses int64
	err := q.db.QueryRow(ctx, `
		SELECT uses FROM discount_user_usage WHERE kind = $1 AND entity_id = $2 AND user_id = $3`,
		string(kind), entityID, userID,
	).Scan(&uses)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return uses, nil
}

// IncrementUserUsage upserts the counter. The conflict branch only fires
// while uses is below max, so a full counter affects no rows.
func (q *querier) IncrementUserUsage(ctx context.Context, kind domain.RedemptionKind, entityID, userID uuid.UUID, max int64) (bool, error) {
	if max <= 0 {
		return false, nil
	}
	return affected(q.db.Exec(ctx, `
		INSERT INTO discount_user_usage (kind, entity_id, user_id, uses)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (kind, entity_id, user_id) DO UPDATE
		SET uses = discount_user_usage.uses + 1
		WHERE discount_user_usage.uses < $4`,
		string(kind), entityID, userID, max))
}

func (q *querier) DecrementUserUsage(ctx context.Context, kind domain.RedemptionKind, entityID, userID uuid.UUID, n int64) (bool, error) {
	return affected(q.db.Exec(ctx, `
		UPDATE discount_user_usage
		SET uses = uses - $4
		WHERE kind = $1 AND entity_id = $2 AND user_id = $3 AND uses >= $4`,
		string(kind), entityID, userID, n))
}

func int8Ptr(v pgtype.Int8) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
