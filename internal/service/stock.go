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

// ErrReservationConflict is returned when two callers create the same
// (order, variant) reservation at once.
var ErrReservationConflict = domain.Errorf(domain.ECONFLICT, "", "Reservation was created concurrently")

// StockLedger owns every mutation of Variant.stock / stockReserved.
//
// Each operation takes an optional session. With a session the operation
// runs in a savepoint of the caller's transaction; with nil it opens its own.
// Either way an operation is all-or-nothing across its items.
type StockLedger interface {
	Reserve(ctx context.Context, session repository.Querier, params ReserveStockParams) error
	Confirm(ctx context.Context, session repository.Querier, params ConfirmStockParams) error
	Release(ctx context.Context, session repository.Querier, params ReleaseStockParams) error
	RestoreOnRefund(ctx context.Context, session repository.Querier, params RestoreStockParams) error

	// ReleaseReserved releases every still-reserved row of the order and
	// returns how many were released. Confirmed rows are left alone.
	ReleaseReserved(ctx context.Context, session repository.Querier, orderID uuid.UUID, reason string) (int, error)
}

// ReserveStockParams contains the parameters for reserving stock.
type ReserveStockParams struct {
	OrderID              uuid.UUID
	Items                []domain.StockItem
	RequireActiveVariant bool
	ExpiresAt            *time.Time
}

// ConfirmStockParams contains the parameters for confirming reservations.
type ConfirmStockParams struct {
	OrderID uuid.UUID
	Items   []domain.StockItem

	// AllowLegacy back-fills a missing reservation instead of failing. The
	// variant's stockReserved is assumed to already include those units.
	AllowLegacy bool
}

// ReleaseStockParams contains the parameters for releasing reservations.
type ReleaseStockParams struct {
	OrderID uuid.UUID
	Items   []domain.StockItem
	Reason  string
}

// RestoreStockParams contains the parameters for returning refunded units.
type RestoreStockParams struct {
	OrderID  uuid.UUID
	Items    []domain.StockItem
	RefundID string
	Reason   string
}

type stockLedger struct {
	store  repository.Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewStockLedger creates the ledger over store.
func NewStockLedger(store repository.Store, logger zerolog.Logger, now func() time.Time) StockLedger {
	if now == nil {
		now = time.Now
	}
	return &stockLedger{
		store:  store,
		logger: logger.With().Str("component", "stock_ledger").Logger(),
		now:    now,
	}
}

// mutation collects the side outputs of a ledger call.
type mutation struct {
	products map[uuid.UUID]struct{}
	events   []*domain.StockEvent
}

func newMutation() *mutation {
	return &mutation{products: make(map[uuid.UUID]struct{})}
}

func (m *mutation) record(ev *domain.StockEvent) {
	m.products[ev.ProductID] = struct{}{}
	m.events = append(m.events, ev)
}

func (l *stockLedger) run(ctx context.Context, session repository.Querier, op string, fn func(q repository.Querier, m *mutation) error) error {
	q := session
	if q == nil {
		q = l.store
	}

	return q.WithinTx(ctx, func(q repository.Querier) error {
		m := newMutation()
		if err := fn(q, m); err != nil {
			return err
		}
		if err := l.recomputeInStock(ctx, q, m); err != nil {
			return err
		}
		l.appendEvents(ctx, q, op, m.events)
		return nil
	})
}

// Reserve increments stockReserved for each item if enough stock is available.
func (l *stockLedger) Reserve(ctx context.Context, session repository.Querier, params ReserveStockParams) error {
	const op = "stock.reserve"

	err := l.run(ctx, session, op, func(q repository.Querier, m *mutation) error {
		now := l.now()
		for _, item := range params.Items {
			if item.Quantity <= 0 {
				return fmt.Errorf("%w: variant %s", ErrInvalidQuantity, item.VariantID)
			}

			existing, err := q.GetStockReservation(ctx, params.OrderID, item.VariantID)
			switch {
			case err == nil:
				if existing.Status == domain.ReservationReleased {
					return fmt.Errorf("%w: variant %s", ErrReservationAlreadyReleased, item.VariantID)
				}
				if existing.Quantity != item.Quantity {
					return fmt.Errorf("%w: variant %s has %d, requested %d",
						ErrReservationQuantityMismatch, item.VariantID, existing.Quantity, item.Quantity)
				}
				continue
			case !errors.Is(err, repository.ErrNotFound):
				return domain.Internal(err, op, "failed to load reservation")
			}

			variant, err := q.GetVariant(ctx, item.VariantID)
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrVariantNotFound, item.VariantID)
			}
			if err != nil {
				return domain.Internal(err, op, "failed to load variant")
			}

			ok, err := q.ReserveVariantStock(ctx, repository.ReserveStockParams{
				VariantID:       item.VariantID,
				Quantity:        item.Quantity,
				RequireSellable: params.RequireActiveVariant,
			})
			if err != nil {
				return domain.Internal(err, op, "failed to reserve stock")
			}
			if !ok {
				if params.RequireActiveVariant && !variant.Sellable() {
					return fmt.Errorf("%w: variant %s", ErrVariantNotSellable, item.VariantID)
				}
				return fmt.Errorf("%w: variant %s requested %d, available %d",
					ErrOutOfStock, item.VariantID, item.Quantity, variant.Available())
			}

			err = q.WithinTx(ctx, func(sp repository.Querier) error {
				return sp.InsertStockReservation(ctx, &domain.StockReservation{
					OrderID:    params.OrderID,
					VariantID:  item.VariantID,
					ProductID:  variant.ProductID,
					Quantity:   item.Quantity,
					Status:     domain.ReservationReserved,
					ReservedAt: now,
					ExpiresAt:  params.ExpiresAt,
				})
			})
			if errors.Is(err, repository.ErrDuplicate) {
				return fmt.Errorf("%w: variant %s", ErrReservationConflict, item.VariantID)
			}
			if err != nil {
				return domain.Internal(err, op, "failed to insert reservation")
			}

			m.record(l.event(params.OrderID, item.VariantID, variant.ProductID, domain.StockEventReserve, item.Quantity, ""))
		}
		return nil
	})

	l.observe("reserve", err)
	return err
}

// Confirm turns reservations into sold units.
func (l *stockLedger) Confirm(ctx context.Context, session repository.Querier, params ConfirmStockParams) error {
	const op = "stock.confirm"

	err := l.run(ctx, session, op, func(q repository.Querier, m *mutation) error {
		now := l.now()
		for _, item := range params.Items {
			res, err := q.GetStockReservation(ctx, params.OrderID, item.VariantID)
			if errors.Is(err, repository.ErrNotFound) {
				if !params.AllowLegacy {
					return fmt.Errorf("%w: order %s variant %s", ErrReservationNotFound, params.OrderID, item.VariantID)
				}
				res, err = l.backfill(ctx, q, m, params.OrderID, item, now)
			}
			if err != nil {
				return wrapInternal(err, op, "failed to load reservation")
			}

			switch res.Status {
			case domain.ReservationConfirmed:
				continue
			case domain.ReservationReleased:
				return fmt.Errorf("%w: variant %s", ErrReservationAlreadyReleased, item.VariantID)
			}
			if item.Quantity != 0 && item.Quantity != res.Quantity {
				return fmt.Errorf("%w: variant %s has %d, confirming %d",
					ErrReservationQuantityMismatch, item.VariantID, res.Quantity, item.Quantity)
			}

			ok, err := q.UpdateStockReservationStatus(ctx, repository.ReservationTransition{
				OrderID:   params.OrderID,
				VariantID: item.VariantID,
				From:      domain.ReservationReserved,
				To:        domain.ReservationConfirmed,
				At:        now,
			})
			if err != nil {
				return domain.Internal(err, op, "failed to update reservation")
			}
			if !ok {
				// Lost a race; confirmed by someone else is fine.
				again, err := q.GetStockReservation(ctx, params.OrderID, item.VariantID)
				if err == nil && again.Status == domain.ReservationConfirmed {
					continue
				}
				return fmt.Errorf("%w: variant %s", ErrReservationConflict, item.VariantID)
			}

			ok, err = q.ConfirmVariantStock(ctx, item.VariantID, res.Quantity)
			if err != nil {
				return domain.Internal(err, op, "failed to confirm stock")
			}
			if !ok {
				return fmt.Errorf("%w: variant %s quantity %d", ErrStockCounterConflict, item.VariantID, res.Quantity)
			}

			m.record(l.event(params.OrderID, item.VariantID, res.ProductID, domain.StockEventConfirm, res.Quantity, ""))
		}
		return nil
	})

	l.observe("confirm", err)
	return err
}

func (l *stockLedger) backfill(ctx context.Context, q repository.Querier, m *mutation, orderID uuid.UUID, item domain.StockItem, now time.Time) (*domain.StockReservation, error) {
	if item.Quantity <= 0 {
		return nil, fmt.Errorf("%w: variant %s", ErrInvalidQuantity, item.VariantID)
	}

	productID := item.ProductID
	if productID == uuid.Nil {
		variant, err := q.GetVariant(ctx, item.VariantID)
		if err != nil {
			return nil, err
		}
		productID = variant.ProductID
	}

	res := &domain.StockReservation{
		OrderID:    orderID,
		VariantID:  item.VariantID,
		ProductID:  productID,
		Quantity:   item.Quantity,
		Status:     domain.ReservationReserved,
		ReservedAt: now,
	}
	if err := q.InsertStockReservation(ctx, res); err != nil {
		return nil, err
	}

	m.record(l.event(orderID, item.VariantID, productID, domain.StockEventBackfill, item.Quantity, "legacy reservation"))
	l.logger.Warn().
		Str("order_id", orderID.String()).
		Str("variant_id", item.VariantID.String()).
		Msg("back-filled legacy stock reservation")
	return res, nil
}

// Release hands reserved units back to the available pool.
func (l *stockLedger) Release(ctx context.Context, session repository.Querier, params ReleaseStockParams) error {
	const op = "stock.release"

	err := l.run(ctx, session, op, func(q repository.Querier, m *mutation) error {
		for _, item := range params.Items {
			res, err := q.GetStockReservation(ctx, params.OrderID, item.VariantID)
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			if err != nil {
				return domain.Internal(err, op, "failed to load reservation")
			}
			if err := l.releaseOne(ctx, q, m, res, params.Reason); err != nil {
				return err
			}
		}
		return nil
	})

	l.observe("release", err)
	return err
}

// ReleaseReserved releases all reserved rows of an order.
func (l *stockLedger) ReleaseReserved(ctx context.Context, session repository.Querier, orderID uuid.UUID, reason string) (int, error) {
	const op = "stock.release"

	released := 0
	err := l.run(ctx, session, op, func(q repository.Querier, m *mutation) error {
		released = 0
		rows, err := q.ListStockReservations(ctx, orderID)
		if err != nil {
			return domain.Internal(err, op, "failed to list reservations")
		}
		for _, res := range rows {
			if res.Status != domain.ReservationReserved {
				continue
			}
			if err := l.releaseOne(ctx, q, m, res, reason); err != nil {
				return err
			}
			released++
		}
		return nil
	})

	l.observe("release", err)
	return released, err
}

func (l *stockLedger) releaseOne(ctx context.Context, q repository.Querier, m *mutation, res *domain.StockReservation, reason string) error {
	const op = "stock.release"

	switch res.Status {
	case domain.ReservationReleased:
		return nil
	case domain.ReservationConfirmed:
		return fmt.Errorf("%w: variant %s", ErrReservationAlreadyConfirmed, res.VariantID)
	}

	ok, err := q.UpdateStockReservationStatus(ctx, repository.ReservationTransition{
		OrderID:   res.OrderID,
		VariantID: res.VariantID,
		From:      domain.ReservationReserved,
		To:        domain.ReservationReleased,
		At:        l.now(),
		Reason:    reason,
	})
	if err != nil {
		return domain.Internal(err, op, "failed to update reservation")
	}
	if !ok {
		again, err := q.GetStockReservation(ctx, res.OrderID, res.VariantID)
		if err != nil {
			return domain.Internal(err, op, "failed to reload reservation")
		}
		if again.Status == domain.ReservationReleased {
			return nil
		}
		return fmt.Errorf("%w: variant %s", ErrReservationAlreadyConfirmed, res.VariantID)
	}

	ok, err = q.ReleaseVariantStock(ctx, res.VariantID, res.Quantity)
	if err != nil {
		return domain.Internal(err, op, "failed to release stock")
	}
	if !ok {
		return fmt.Errorf("%w: variant %s quantity %d", ErrStockCounterConflict, res.VariantID, res.Quantity)
	}

	m.record(l.event(res.OrderID, res.VariantID, res.ProductID, domain.StockEventRelease, res.Quantity, reason))
	return nil
}

// RestoreOnRefund returns units to stock without touching reservations.
func (l *stockLedger) RestoreOnRefund(ctx context.Context, session repository.Querier, params RestoreStockParams) error {
	const op = "stock.restore"

	err := l.run(ctx, session, op, func(q repository.Querier, m *mutation) error {
		for _, item := range params.Items {
			if item.Quantity <= 0 {
				continue
			}

			productID := item.ProductID
			if productID == uuid.Nil {
				variant, err := q.GetVariant(ctx, item.VariantID)
				if err != nil {
					return wrapInternal(err, op, "failed to load variant")
				}
				productID = variant.ProductID
			}

			if err := q.RestoreVariantStock(ctx, item.VariantID, item.Quantity); err != nil {
				return wrapInternal(err, op, "failed to restore stock")
			}

			ev := l.event(params.OrderID, item.VariantID, productID, domain.StockEventRestore, item.Quantity, params.Reason)
			if params.RefundID != "" {
				ev.Metadata = map[string]string{"refund_id": params.RefundID}
			}
			m.record(ev)
		}
		return nil
	})

	if err == nil {
		l.logger.Info().
			Str("order_id", params.OrderID.String()).
			Str("refund_id", params.RefundID).
			Int("items", len(params.Items)).
			Msg("restored stock on refund")
	}
	l.observe("restore", err)
	return err
}

func (l *stockLedger) recomputeInStock(ctx context.Context, q repository.Querier, m *mutation) error {
	for productID := range m.products {
		if productID == uuid.Nil {
			continue
		}
		if _, err := q.RecomputeProductInStock(ctx, productID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return domain.Internal(err, "stock.recompute", "failed to recompute product stock flag")
		}
	}
	return nil
}

// appendEvents writes the audit log in a savepoint; failures are logged only.
func (l *stockLedger) appendEvents(ctx context.Context, q repository.Querier, op string, events []*domain.StockEvent) {
	if len(events) == 0 {
		return
	}
	err := q.WithinTx(ctx, func(sp repository.Querier) error {
		for _, ev := range events {
			if err := sp.InsertStockEvent(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		l.logger.Warn().Err(err).Str("op", op).Int("events", len(events)).Msg("failed to append stock events")
	}
}

func (l *stockLedger) event(orderID, variantID, productID uuid.UUID, typ domain.StockEventType, qty int64, reason string) *domain.StockEvent {
	return &domain.StockEvent{
		ID:        uuid.New(),
		OrderID:   orderID,
		VariantID: variantID,
		ProductID: productID,
		Type:      typ,
		Quantity:  qty,
		Reason:    reason,
		CreatedAt: l.now(),
	}
}

func (l *stockLedger) observe(op string, err error) {
	if telemetry.Business == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = domain.ErrorCode(err)
	}
	telemetry.Business.StockOperations.WithLabelValues(op, result).Inc()
}

// wrapInternal keeps domain errors intact and wraps anything else.
func wrapInternal(err error, op, message string) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, repository.ErrNotFound) {
		return domain.WrapError(err, domain.ENOTFOUND, op, message)
	}
	return domain.Internal(err, op, message)
}
