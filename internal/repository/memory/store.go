// Package memory is an in-process repository.Store.
//
// It is used by tests and by ENV=dev runs without a database. Conditional
// updates have the same semantics as the Postgres store. Transactions are
// serialized on a single mutex and applied copy-on-write, so a failed unit
// of work leaves no trace.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/ordercore/internal/domain"
	"github.com/dukerupert/ordercore/internal/repository"
)

// Store is a repository.Store held in memory.
type Store struct {
	*view

	mu            sync.Mutex
	transactional bool
}

// Option configures a Store.
type Option func(*Store)

// WithoutTransactions makes WithinTx run fn directly against live state
// with no rollback, and SupportsTransactions report false.
func WithoutTransactions() Option {
	return func(s *Store) { s.transactional = false }
}

// New returns an empty transactional store.
func New(opts ...Option) *Store {
	s := &Store{transactional: true}
	s.view = &view{store: s, st: newState()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SupportsTransactions implements repository.Store.
func (s *Store) SupportsTransactions() bool {
	return s.transactional
}

var _ repository.Store = (*Store)(nil)

// view implements repository.Querier over a state. The root view locks per
// call; transaction views run while the store mutex is already held.
type view struct {
	store *Store
	st    *state
	inTx  bool
}

func (v *view) lock() func() {
	if v.inTx {
		return func() {}
	}
	v.store.mu.Lock()
	return v.store.mu.Unlock
}

// WithinTx implements repository.Querier.
func (v *view) WithinTx(ctx context.Context, fn func(q repository.Querier) error) error {
	if !v.store.transactional {
		return fn(v)
	}

	if !v.inTx {
		v.store.mu.Lock()
		defer v.store.mu.Unlock()
	}

	child := &view{store: v.store, st: v.st.clone(), inTx: true}
	if err := fn(child); err != nil {
		return err
	}
	*v.st = *child.st
	return nil
}

// =============================================================================
// Orders
// =============================================================================

func (v *view) CreateOrder(ctx context.Context, o *domain.Order) error {
	defer v.lock()()
	if _, ok := v.st.orders[o.ID]; ok {
		return repository.ErrDuplicate
	}
	if o.Version == 0 {
		o.Version = 1
	}
	v.st.orders[o.ID] = o.Clone()
	return nil
}

func (v *view) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	defer v.lock()()
	o, ok := v.st.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return o.Clone(), nil
}

func (v *view) GetOrderBySessionID(ctx context.Context, sessionID string) (*domain.Order, error) {
	defer v.lock()()
	for _, o := range v.st.orders {
		if sessionID != "" && o.Payment.SessionID == sessionID {
			return o.Clone(), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (v *view) UpdateOrder(ctx context.Context, o *domain.Order, cond repository.OrderCondition) (bool, error) {
	defer v.lock()()
	cur, ok := v.st.orders[o.ID]
	if !ok {
		return false, nil
	}
	if cur.Status != cond.Status {
		return false, nil
	}
	if cond.Version != 0 && cur.Version != cond.Version {
		return false, nil
	}
	if cond.RefundedMinor != nil && cur.Refund.AmountRefundedMinor != *cond.RefundedMinor {
		return false, nil
	}
	o.Version = cur.Version + 1
	v.st.orders[o.ID] = o.Clone()
	return true, nil
}

func (v *view) ListOrders(ctx context.Context, params repository.ListOrdersParams) ([]*domain.Order, error) {
	defer v.lock()()
	var out []*domain.Order
	for _, o := range v.st.orders {
		if len(params.Statuses) > 0 && !containsStatus(params.Statuses, o.Status) {
			continue
		}
		if len(params.StockStatuses) > 0 && !containsStockStatus(params.StockStatuses, o.Stock.Status) {
			continue
		}
		if params.StockAttemptsBelow > 0 && o.Stock.Attempts >= params.StockAttemptsBelow {
			continue
		}
		if params.ExpiresBefore != nil && (o.ExpiresAt == nil || !o.ExpiresAt.Before(*params.ExpiresBefore)) {
			continue
		}
		if params.CreatedBefore != nil && !o.CreatedAt.Before(*params.CreatedBefore) {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if params.Limit > 0 && len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out, nil
}

// =============================================================================
// Catalog
// =============================================================================

func (v *view) GetVariant(ctx context.Context, id uuid.UUID) (*domain.Variant, error) {
	defer v.lock()()
	vr, ok := v.st.variants[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &vr, nil
}

func (v *view) GetProducts(ctx context.Context, ids []uuid.UUID) ([]*domain.Product, error) {
	defer v.lock()()
	out := make([]*domain.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := v.st.products[id]; ok {
			p := p
			out = append(out, &p)
		}
	}
	return out, nil
}

func (v *view) GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	defer v.lock()()
	u, ok := v.st.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (v *view) GetShippingMethod(ctx context.Context, code string) (*domain.ShippingMethod, error) {
	defer v.lock()()
	m, ok := v.st.shipping[code]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &m, nil
}

func (v *view) ReserveVariantStock(ctx context.Context, params repository.ReserveStockParams) (bool, error) {
	defer v.lock()()
	vr, ok := v.st.variants[params.VariantID]
	if !ok || params.Quantity <= 0 {
		return false, nil
	}
	if params.RequireSellable && !vr.Sellable() {
		return false, nil
	}
	if vr.Stock-vr.StockReserved < params.Quantity {
		return false, nil
	}
	vr.StockReserved += params.Quantity
	v.st.variants[vr.ID] = vr
	return true, nil
}

func (v *view) ConfirmVariantStock(ctx context.Context, variantID uuid.UUID, qty int64) (bool, error) {
	defer v.lock()()
	vr, ok := v.st.variants[variantID]
	if !ok || vr.Stock < qty || vr.StockReserved < qty {
		return false, nil
	}
	vr.Stock -= qty
	vr.StockReserved -= qty
	v.st.variants[variantID] = vr
	return true, nil
}

func (v *view) ReleaseVariantStock(ctx context.Context, variantID uuid.UUID, qty int64) (bool, error) {
	defer v.lock()()
	vr, ok := v.st.variants[variantID]
	if !ok || vr.StockReserved < qty {
		return false, nil
	}
	vr.StockReserved -= qty
	v.st.variants[variantID] = vr
	return true, nil
}

func (v *view) RestoreVariantStock(ctx context.Context, variantID uuid.UUID, qty int64) error {
	defer v.lock()()
	vr, ok := v.st.variants[variantID]
	if !ok {
		return repository.ErrNotFound
	}
	vr.Stock += qty
	v.st.variants[variantID] = vr
	return nil
}

func (v *view) RecomputeProductInStock(ctx context.Context, productID uuid.UUID) (bool, error) {
	defer v.lock()()
	p, ok := v.st.products[productID]
	if !ok {
		return false, repository.ErrNotFound
	}
	inStock := false
	for _, vr := range v.st.variants {
		if vr.ProductID == productID && vr.Sellable() && vr.Available() > 0 {
			inStock = true
			break
		}
	}
	p.InStock = inStock
	v.st.products[productID] = p
	return inStock, nil
}

// =============================================================================
// Reservations
// =============================================================================

func (v *view) GetStockReservation(ctx context.Context, orderID, variantID uuid.UUID) (*domain.StockReservation, error) {
	defer v.lock()()
	r, ok := v.st.reservations[reservationKey{orderID, variantID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &r, nil
}

func (v *view) ListStockReservations(ctx context.Context, orderID uuid.UUID) ([]*domain.StockReservation, error) {
	defer v.lock()()
	var out []*domain.StockReservation
	for k, r := range v.st.reservations {
		if k.order == orderID {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].VariantID.String() < out[j].VariantID.String()
	})
	return out, nil
}

func (v *view) InsertStockReservation(ctx context.Context, r *domain.StockReservation) error {
	defer v.lock()()
	k := reservationKey{r.OrderID, r.VariantID}
	if _, ok := v.st.reservations[k]; ok {
		return repository.ErrDuplicate
	}
	v.st.reservations[k] = *r
	return nil
}

func (v *view) UpdateStockReservationStatus(ctx context.Context, t repository.ReservationTransition) (bool, error) {
	defer v.lock()()
	k := reservationKey{t.OrderID, t.VariantID}
	r, ok := v.st.reservations[k]
	if !ok || r.Status != t.From {
		return false, nil
	}
	r.Status = t.To
	switch t.To {
	case domain.ReservationConfirmed:
		r.ConfirmedAt = ptrTime(t.At)
	case domain.ReservationReleased:
		r.ReleasedAt = ptrTime(t.At)
		r.ReleaseReason = t.Reason
	}
	v.st.reservations[k] = r
	return true, nil
}

func (v *view) InsertStockEvent(ctx context.Context, ev *domain.StockEvent) error {
	defer v.lock()()
	v.st.events = append(v.st.events, *ev)
	return nil
}

// =============================================================================
// Discounts
// =============================================================================

func (v *view) GetCoupon(ctx context.Context, id uuid.UUID) (*domain.Coupon, error) {
	defer v.lock()()
	c, ok := v.st.coupons[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (v *view) GetCouponByCode(ctx context.Context, code string) (*domain.Coupon, error) {
	defer v.lock()()
	for _, c := range v.st.coupons {
		if strings.EqualFold(c.Code, code) {
			c := c
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (v *view) GetPromotion(ctx context.Context, id uuid.UUID) (*domain.Promotion, error) {
	defer v.lock()()
	p, ok := v.st.promotions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (v *view) GetPromotionByCode(ctx context.Context, code string) (*domain.Promotion, error) {
	defer v.lock()()
	for _, p := range v.st.promotions {
		if p.Code != "" && strings.EqualFold(p.Code, code) {
			p := p
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (v *view) ListActivePromotions(ctx context.Context, at time.Time) ([]*domain.Promotion, error) {
	defer v.lock()()
	var out []*domain.Promotion
	for _, p := range v.st.promotions {
		if p.ActiveAt(at) {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (v *view) GetRedemption(ctx context.Context, kind domain.RedemptionKind, entityID, orderID uuid.UUID) (*domain.Redemption, error) {
	defer v.lock()()
	r, ok := v.st.redemptions[redemptionKey{kind, entityID, orderID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &r, nil
}

func (v *view) InsertRedemption(ctx context.Context, r *domain.Redemption) error {
	defer v.lock()()
	k := redemptionKey{r.Kind, r.EntityID, r.OrderID}
	if _, ok := v.st.redemptions[k]; ok {
		return repository.ErrDuplicate
	}
	v.st.redemptions[k] = *r
	return nil
}

func (v *view) UpdateRedemptionStatus(ctx context.Context, t repository.RedemptionTransition) (bool, error) {
	defer v.lock()()
	k := redemptionKey{t.Kind, t.EntityID, t.OrderID}
	r, ok := v.st.redemptions[k]
	if !ok || r.Status != t.From {
		return false, nil
	}
	r.Status = t.To
	switch t.To {
	case domain.ReservationReserved:
		r.ReservedAt = t.At
		r.ReleasedAt = nil
	case domain.ReservationConfirmed:
		r.ConfirmedAt = ptrTime(t.At)
	case domain.ReservationReleased:
		r.ReleasedAt = ptrTime(t.At)
	}
	if t.UserCounted != nil {
		r.UserCounted = *t.UserCounted
	}
	v.st.redemptions[k] = r
	return true, nil
}

func (v *view) DeleteRedemption(ctx context.Context, kind domain.RedemptionKind, entityID, orderID uuid.UUID) error {
	defer v.lock()()
	delete(v.st.redemptions, redemptionKey{kind, entityID, orderID})
	return nil
}

func (v *view) IncrementUsage(ctx context.Context, kind domain.RedemptionKind, entityID uuid.UUID) (bool, error) {
	defer v.lock()()
	switch kind {
	case domain.RedemptionCoupon:
		c, ok := v.st.coupons[entityID]
		if !ok || c.Exhausted() {
			return false, nil
		}
		c.UsesTotal++
		v.st.coupons[entityID] = c
	case domain.RedemptionPromotion:
		p, ok := v.st.promotions[entityID]
		if !ok || p.Exhausted() {
			return false, nil
		}
		p.UsesTotal++
		v.st.promotions[entityID] = p
	default:
		return false, nil
	}
	return true, nil
}

func (v *view) DecrementUsage(ctx context.Context, kind domain.RedemptionKind, entityID uuid.UUID, n int64) (bool, error) {
	defer v.lock()()
	switch kind {
	case domain.RedemptionCoupon:
		c, ok := v.st.coupons[entityID]
		if !ok || c.UsesTotal < n {
			return false, nil
		}
		c.UsesTotal -= n
		v.st.coupons[entityID] = c
	case domain.RedemptionPromotion:
		p, ok := v.st.promotions[entityID]
		if !ok || p.UsesTotal < n {
			return false, nil
		}
		p.UsesTotal -= n
		v.st.promotions[entityID] = p
	default:
		return false, nil
	}
	return true, nil
}

func (v *view) GetUserUsage(ctx context.Context, kind domain.RedemptionKind, entityID, userID uuid.UUID) (int64, error) {
	defer v.lock()()
	return v.st.userUsage[usageKey{kind, entityID, userID}], nil
}

func (v *view) IncrementUserUsage(ctx context.Context, kind domain.RedemptionKind, entityID, userID uuid.UUID, max int64) (bool, error) {
	defer v.lock()()
	k := usageKey{kind, entityID, userID}
	if v.st.userUsage[k] >= max {
		return false, nil
	}
	v.st.userUsage[k]++
	return true, nil
}

func (v *view) DecrementUserUsage(ctx context.Context, kind domain.RedemptionKind, entityID, userID uuid.UUID, n int64) (bool, error) {
	defer v.lock()()
	k := usageKey{kind, entityID, userID}
	if v.st.userUsage[k] < n {
		return false, nil
	}
	v.st.userUsage[k] -= n
	return true, nil
}

// =============================================================================
// Refunds
// =============================================================================

func (v *view) InsertRefundRequest(ctx context.Context, r *domain.RefundRequest) error {
	defer v.lock()()
	k := refundKey{r.OrderID, r.IdempotencyKey}
	if _, ok := v.st.refunds[k]; ok {
		return repository.ErrDuplicate
	}
	v.st.refunds[k] = *r
	return nil
}

func (v *view) GetRefundRequest(ctx context.Context, orderID uuid.UUID, idempotencyKey string) (*domain.RefundRequest, error) {
	defer v.lock()()
	r, ok := v.st.refunds[refundKey{orderID, idempotencyKey}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &r, nil
}

func (v *view) UpdateRefundRequest(ctx context.Context, r *domain.RefundRequest) error {
	defer v.lock()()
	k := refundKey{r.OrderID, r.IdempotencyKey}
	if _, ok := v.st.refunds[k]; !ok {
		return repository.ErrNotFound
	}
	v.st.refunds[k] = *r
	return nil
}

func containsStatus(list []domain.OrderStatus, s domain.OrderStatus) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func containsStockStatus(list []domain.StockStatus, s domain.StockStatus) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
