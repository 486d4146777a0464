package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dukerupert/ordercore/internal/domain"
	"github.com/dukerupert/ordercore/internal/repository"
	"github.com/dukerupert/ordercore/internal/telemetry"
)

// DiscountReservations owns coupon and promotion usage counters.
//
// A reservation counts one use against the global cap and, for signed-in
// users with a per-user cap, one use against the user's cap. The use is
// returned on release and kept on confirm.
type DiscountReservations interface {
	Reserve(ctx context.Context, session repository.Querier, params ReserveDiscountParams) error
	Release(ctx context.Context, session repository.Querier, kind domain.RedemptionKind, entityID, orderID uuid.UUID) error
	Confirm(ctx context.Context, session repository.Querier, kind domain.RedemptionKind, entityID, orderID uuid.UUID) error

	// ReleaseAll releases the order's coupon and every promotion snapshot.
	// It stops at the first error.
	ReleaseAll(ctx context.Context, session repository.Querier, order *domain.Order) error

	// ConfirmAll confirms the order's coupon and every promotion snapshot.
	ConfirmAll(ctx context.Context, session repository.Querier, order *domain.Order) error
}

// ReserveDiscountParams identifies the entity and the order reserving it.
type ReserveDiscountParams struct {
	Entity  domain.DiscountEntity
	OrderID uuid.UUID
	UserID  uuid.NullUUID
}

type discountReservations struct {
	store  repository.Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewDiscountReservations creates the usage-counter component over store.
func NewDiscountReservations(store repository.Store, logger zerolog.Logger, now func() time.Time) DiscountReservations {
	if now == nil {
		now = time.Now
	}
	return &discountReservations{
		store:  store,
		logger: logger.With().Str("component", "discount_reservations").Logger(),
		now:    now,
	}
}

func (d *discountReservations) session(session repository.Querier) repository.Querier {
	if session != nil {
		return session
	}
	return d.store
}

// Reserve inserts the redemption and counts the use. A repeat call for a
// reserved or confirmed row is a no-op; a released row is reserved again.
func (d *discountReservations) Reserve(ctx context.Context, session repository.Querier, params ReserveDiscountParams) error {
	const op = "discount.reserve"

	err := d.session(session).WithinTx(ctx, func(q repository.Querier) error {
		e := params.Entity
		now := d.now()

		existing, err := q.GetRedemption(ctx, e.Kind, e.ID, params.OrderID)
		switch {
		case err == nil:
			if existing.Status != domain.ReservationReleased {
				return nil
			}
		case errors.Is(err, repository.ErrNotFound):
			existing = nil
		default:
			return domain.Internal(err, op, "failed to load redemption")
		}

		userCounted, err := d.countUser(ctx, q, e, params.UserID)
		if err != nil {
			return err
		}

		if existing != nil {
			ok, err := q.UpdateRedemptionStatus(ctx, repository.RedemptionTransition{
				Kind:        e.Kind,
				EntityID:    e.ID,
				OrderID:     params.OrderID,
				From:        domain.ReservationReleased,
				To:          domain.ReservationReserved,
				At:          now,
				UserCounted: &userCounted,
			})
			if err != nil {
				return domain.Internal(err, op, "failed to re-reserve redemption")
			}
			if !ok {
				// Someone else re-reserved it first; undo our user count.
				return d.uncountUser(ctx, q, e, params.UserID, userCounted, nil)
			}
		} else {
			// A unique violation aborts only this savepoint, so the user
			// counter can still be compensated.
			err = q.WithinTx(ctx, func(sp repository.Querier) error {
				return sp.InsertRedemption(ctx, &domain.Redemption{
					Kind:        e.Kind,
					EntityID:    e.ID,
					OrderID:     params.OrderID,
					UserID:      params.UserID,
					Status:      domain.ReservationReserved,
					Quantity:    1,
					UserCounted: userCounted,
					ReservedAt:  now,
				})
			})
			if errors.Is(err, repository.ErrDuplicate) {
				return d.uncountUser(ctx, q, e, params.UserID, userCounted, nil)
			}
			if err != nil {
				return domain.Internal(err, op, "failed to insert redemption")
			}
		}

		ok, err := q.IncrementUsage(ctx, e.Kind, e.ID)
		if err != nil {
			return domain.Internal(err, op, "failed to increment usage")
		}
		if !ok {
			capped := fmt.Errorf("%w: %s %s", ErrMaxUsesReached, e.Kind, describe(e))
			if existing != nil {
				if _, err := q.UpdateRedemptionStatus(ctx, repository.RedemptionTransition{
					Kind: e.Kind, EntityID: e.ID, OrderID: params.OrderID,
					From: domain.ReservationReserved, To: domain.ReservationReleased, At: now,
				}); err != nil {
					d.logger.Error().
						Err(err).
						Str("kind", string(e.Kind)).
						Str("entity_id", e.ID.String()).
						Str("order_id", params.OrderID.String()).
						Msg("failed to roll back re-reserved redemption")
					return errors.Join(domain.Internal(err, op, "failed to roll back redemption"), capped)
				}
			} else if err := q.DeleteRedemption(ctx, e.Kind, e.ID, params.OrderID); err != nil {
				return domain.Internal(err, op, "failed to roll back redemption")
			}
			return d.uncountUser(ctx, q, e, params.UserID, userCounted, capped)
		}
		return nil
	})

	d.observe(params.Entity.Kind, "reserve", err)
	return err
}

// countUser increments the per-user counter when a cap applies.
func (d *discountReservations) countUser(ctx context.Context, q repository.Querier, e domain.DiscountEntity, userID uuid.NullUUID) (bool, error) {
	if e.MaxUsesPerUser == nil || !userID.Valid {
		return false, nil
	}
	ok, err := q.IncrementUserUsage(ctx, e.Kind, e.ID, userID.UUID, *e.MaxUsesPerUser)
	if err != nil {
		return false, domain.Internal(err, "discount.reserve", "failed to increment user usage")
	}
	if !ok {
		return false, fmt.Errorf("%w: %s %s", ErrMaxUsesPerUserReached, e.Kind, describe(e))
	}
	return true, nil
}

// uncountUser undoes countUser and returns cause.
func (d *discountReservations) uncountUser(ctx context.Context, q repository.Querier, e domain.DiscountEntity, userID uuid.NullUUID, counted bool, cause error) error {
	if !counted {
		return cause
	}
	if _, err := q.DecrementUserUsage(ctx, e.Kind, e.ID, userID.UUID, 1); err != nil {
		return domain.Internal(err, "discount.reserve", "failed to roll back user usage")
	}
	return cause
}

// Release returns the reserved use. Only a reserved row is released, so a
// repeat call never decrements twice.
func (d *discountReservations) Release(ctx context.Context, session repository.Querier, kind domain.RedemptionKind, entityID, orderID uuid.UUID) error {
	const op = "discount.release"

	err := d.session(session).WithinTx(ctx, func(q repository.Querier) error {
		r, err := q.GetRedemption(ctx, kind, entityID, orderID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return domain.Internal(err, op, "failed to load redemption")
		}
		if r.Status != domain.ReservationReserved {
			return nil
		}

		ok, err := q.UpdateRedemptionStatus(ctx, repository.RedemptionTransition{
			Kind:     kind,
			EntityID: entityID,
			OrderID:  orderID,
			From:     domain.ReservationReserved,
			To:       domain.ReservationReleased,
			At:       d.now(),
		})
		if err != nil {
			return domain.Internal(err, op, "failed to release redemption")
		}
		if !ok {
			return nil
		}

		qty := r.Quantity
		if qty <= 0 {
			qty = 1
		}
		if ok, err := q.DecrementUsage(ctx, kind, entityID, qty); err != nil {
			return domain.Internal(err, op, "failed to decrement usage")
		} else if !ok {
			d.logger.Warn().
				Str("kind", string(kind)).
				Str("entity_id", entityID.String()).
				Msg("usage counter already below reserved quantity")
		}

		if r.UserCounted && r.UserID.Valid {
			if _, err := q.DecrementUserUsage(ctx, kind, entityID, r.UserID.UUID, qty); err != nil {
				return domain.Internal(err, op, "failed to decrement user usage")
			}
		}
		return nil
	})

	d.observe(kind, "release", err)
	return err
}

// Confirm marks a reserved use as kept. Counters are unchanged.
func (d *discountReservations) Confirm(ctx context.Context, session repository.Querier, kind domain.RedemptionKind, entityID, orderID uuid.UUID) error {
	const op = "discount.confirm"

	err := d.session(session).WithinTx(ctx, func(q repository.Querier) error {
		ok, err := q.UpdateRedemptionStatus(ctx, repository.RedemptionTransition{
			Kind:     kind,
			EntityID: entityID,
			OrderID:  orderID,
			From:     domain.ReservationReserved,
			To:       domain.ReservationConfirmed,
			At:       d.now(),
		})
		if err != nil {
			return domain.Internal(err, op, "failed to confirm redemption")
		}
		if ok {
			return nil
		}

		r, err := q.GetRedemption(ctx, kind, entityID, orderID)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: no redemption of %s %s for order %s", ErrReservationNotFound, kind, entityID, orderID)
		}
		if err != nil {
			return domain.Internal(err, op, "failed to load redemption")
		}
		if r.Status == domain.ReservationReleased {
			return fmt.Errorf("%w: %s %s", ErrReservationAlreadyReleased, kind, entityID)
		}
		return nil
	})

	d.observe(kind, "confirm", err)
	return err
}

func (d *discountReservations) ReleaseAll(ctx context.Context, session repository.Querier, order *domain.Order) error {
	for _, ref := range redemptionRefs(order) {
		if err := d.Release(ctx, session, ref.kind, ref.id, order.ID); err != nil {
			return err
		}
	}
	return nil
}

func (d *discountReservations) ConfirmAll(ctx context.Context, session repository.Querier, order *domain.Order) error {
	for _, ref := range redemptionRefs(order) {
		err := d.Confirm(ctx, session, ref.kind, ref.id, order.ID)
		if errors.Is(err, ErrReservationNotFound) {
			// Snapshot without a reservation, e.g. an uncapped coupon
			// attached before reservations were tracked.
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

type redemptionRef struct {
	kind domain.RedemptionKind
	id   uuid.UUID
}

func redemptionRefs(order *domain.Order) []redemptionRef {
	var refs []redemptionRef
	if order.Coupon != nil && order.Coupon.Reserved {
		refs = append(refs, redemptionRef{domain.RedemptionCoupon, order.Coupon.CouponID})
	}
	for _, p := range order.Promotions {
		refs = append(refs, redemptionRef{domain.RedemptionPromotion, p.PromotionID})
	}
	return refs
}

func describe(e domain.DiscountEntity) string {
	if e.Code != "" {
		return e.Code
	}
	return e.ID.String()
}

func (d *discountReservations) observe(kind domain.RedemptionKind, op string, err error) {
	if telemetry.Business == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = domain.ErrorCode(err)
	}
	telemetry.Business.DiscountReservations.WithLabelValues(string(kind), op, result).Inc()
}
