// Package repository defines the persistence contract of the order engine.
//
// Every method that mutates a shared counter or a status is a conditional
// update: it reports false (never an error) when its precondition did not
// hold at write time. Callers translate that into a typed domain error.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/ordercore/internal/domain"
)

var (
	// ErrNotFound is returned by Get* methods when no row matches.
	ErrNotFound = errors.New("repository: not found")

	// ErrDuplicate is returned by Insert* methods on a unique key violation.
	ErrDuplicate = errors.New("repository: duplicate key")
)

// Store is the root handle. Its Querier methods run outside any transaction.
type Store interface {
	Querier

	// SupportsTransactions is resolved once when the store is built.
	SupportsTransactions() bool
}

// Querier is a unit of work. Inside WithinTx it is bound to the transaction;
// nested WithinTx calls create savepoints.
type Querier interface {
	OrderQuerier
	CatalogQuerier
	ReservationQuerier
	DiscountQuerier
	RefundQuerier

	// WithinTx runs fn in a transaction (or savepoint when already inside
	// one). fn's error rolls the unit back and is returned unchanged.
	WithinTx(ctx context.Context, fn func(q Querier) error) error
}

// OrderCondition is the precondition of UpdateOrder.
type OrderCondition struct {
	// Status must equal the stored status.
	Status domain.OrderStatus

	// Version, when non-zero, must equal the stored version.
	Version int64

	// RefundedMinor, when set, must equal the stored refunded amount.
	RefundedMinor *int64
}

// ListOrdersParams filters orders for sweeps.
type ListOrdersParams struct {
	Statuses      []domain.OrderStatus
	StockStatuses []domain.StockStatus
	ExpiresBefore *time.Time
	CreatedBefore *time.Time

	// StockAttemptsBelow keeps orders with fewer stock confirmation
	// attempts. Zero disables the filter.
	StockAttemptsBelow int

	Limit int
}

type OrderQuerier interface {
	CreateOrder(ctx context.Context, o *domain.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	GetOrderBySessionID(ctx context.Context, sessionID string) (*domain.Order, error)

	// UpdateOrder writes o if cond holds. On success o.Version is advanced
	// to the stored version.
	UpdateOrder(ctx context.Context, o *domain.Order, cond OrderCondition) (bool, error)

	ListOrders(ctx context.Context, params ListOrdersParams) ([]*domain.Order, error)
}

// ReserveStockParams is the precondition set of ReserveVariantStock.
type ReserveStockParams struct {
	VariantID       uuid.UUID
	Quantity        int64
	RequireSellable bool
}

type CatalogQuerier interface {
	GetVariant(ctx context.Context, id uuid.UUID) (*domain.Variant, error)
	GetProducts(ctx context.Context, ids []uuid.UUID) ([]*domain.Product, error)
	GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetShippingMethod(ctx context.Context, code string) (*domain.ShippingMethod, error)

	// ReserveVariantStock: stock_reserved += q where stock - stock_reserved >= q.
	ReserveVariantStock(ctx context.Context, params ReserveStockParams) (bool, error)

	// ConfirmVariantStock: stock -= q, stock_reserved -= q where both >= q.
	ConfirmVariantStock(ctx context.Context, variantID uuid.UUID, qty int64) (bool, error)

	// ReleaseVariantStock: stock_reserved -= q where stock_reserved >= q.
	ReleaseVariantStock(ctx context.Context, variantID uuid.UUID, qty int64) (bool, error)

	// RestoreVariantStock: stock += q.
	RestoreVariantStock(ctx context.Context, variantID uuid.UUID, qty int64) error

	// RecomputeProductInStock sets products.in_stock from its sellable
	// variants' availability and returns the new value.
	RecomputeProductInStock(ctx context.Context, productID uuid.UUID) (bool, error)
}

// ReservationTransition is the precondition and payload of a status CAS.
type ReservationTransition struct {
	OrderID   uuid.UUID
	VariantID uuid.UUID
	From      domain.ReservationStatus
	To        domain.ReservationStatus
	At        time.Time
	Reason    string
}

type ReservationQuerier interface {
	GetStockReservation(ctx context.Context, orderID, variantID uuid.UUID) (*domain.StockReservation, error)
	ListStockReservations(ctx context.Context, orderID uuid.UUID) ([]*domain.StockReservation, error)
	InsertStockReservation(ctx context.Context, r *domain.StockReservation) error
	UpdateStockReservationStatus(ctx context.Context, t ReservationTransition) (bool, error)
	InsertStockEvent(ctx context.Context, ev *domain.StockEvent) error
}

// RedemptionTransition is the precondition and payload of a redemption CAS.
type RedemptionTransition struct {
	Kind     domain.RedemptionKind
	EntityID uuid.UUID
	OrderID  uuid.UUID
	From     domain.ReservationStatus
	To       domain.ReservationStatus
	At       time.Time

	// UserCounted replaces the stored flag when a released row is re-reserved.
	UserCounted *bool
}

type DiscountQuerier interface {
	GetCoupon(ctx context.Context, id uuid.UUID) (*domain.Coupon, error)
	GetCouponByCode(ctx context.Context, code string) (*domain.Coupon, error)
	GetPromotion(ctx context.Context, id uuid.UUID) (*domain.Promotion, error)
	GetPromotionByCode(ctx context.Context, code string) (*domain.Promotion, error)
	ListActivePromotions(ctx context.Context, at time.Time) ([]*domain.Promotion, error)

	GetRedemption(ctx context.Context, kind domain.RedemptionKind, entityID, orderID uuid.UUID) (*domain.Redemption, error)
	InsertRedemption(ctx context.Context, r *domain.Redemption) error
	UpdateRedemptionStatus(ctx context.Context, t RedemptionTransition) (bool, error)
	DeleteRedemption(ctx context.Context, kind domain.RedemptionKind, entityID, orderID uuid.UUID) error

	// IncrementUsage: uses_total += 1 where max_uses_total is null or uses_total < max_uses_total.
	IncrementUsage(ctx context.Context, kind domain.RedemptionKind, entityID uuid.UUID) (bool, error)

	// DecrementUsage: uses_total -= n where uses_total >= n.
	DecrementUsage(ctx context.Context, kind domain.RedemptionKind, entityID uuid.UUID, n int64) (bool, error)

	GetUserUsage(ctx context.Context, kind domain.RedemptionKind, entityID, userID uuid.UUID) (int64, error)

	// IncrementUserUsage: uses += 1 where uses < max, creating the counter at 1.
	IncrementUserUsage(ctx context.Context, kind domain.RedemptionKind, entityID, userID uuid.UUID, max int64) (bool, error)

	// DecrementUserUsage: uses -= n where uses >= n.
	DecrementUserUsage(ctx context.Context, kind domain.RedemptionKind, entityID, userID uuid.UUID, n int64) (bool, error)
}

type RefundQuerier interface {
	InsertRefundRequest(ctx context.Context, r *domain.RefundRequest) error
	GetRefundRequest(ctx context.Context, orderID uuid.UUID, idempotencyKey string) (*domain.RefundRequest, error)
	UpdateRefundRequest(ctx context.Context, r *domain.RefundRequest) error
}
