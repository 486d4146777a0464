package memory

import (
	"github.com/google/uuid"

	"github.com/dukerupert/ordercore/internal/domain"
)

// Seed and inspection helpers. These bypass conditional updates and exist
// for tests and dev fixtures only.

func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.products[p.ID] = p
}

func (s *Store) PutVariant(v domain.Variant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.variants[v.ID] = v
}

func (s *Store) PutCoupon(c domain.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.coupons[c.ID] = c
}

func (s *Store) PutPromotion(p domain.Promotion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.promotions[p.ID] = p
}

func (s *Store) PutUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.users[u.ID] = u
}

func (s *Store) PutShippingMethod(m domain.ShippingMethod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.shipping[m.Code] = m
}

// Variant returns a copy of the stored variant.
func (s *Store) Variant(id uuid.UUID) domain.Variant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.variants[id]
}

// Product returns a copy of the stored product.
func (s *Store) Product(id uuid.UUID) domain.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.products[id]
}

// Coupon returns a copy of the stored coupon.
func (s *Store) Coupon(id uuid.UUID) domain.Coupon {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.coupons[id]
}

// Promotion returns a copy of the stored promotion.
func (s *Store) Promotion(id uuid.UUID) domain.Promotion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.promotions[id]
}

// UserUsage returns the per-user counter for an entity.
func (s *Store) UserUsage(kind domain.RedemptionKind, entityID, userID uuid.UUID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.userUsage[usageKey{kind, entityID, userID}]
}

// StockEvents returns a copy of the stock event log.
func (s *Store) StockEvents() []domain.StockEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.StockEvent(nil), s.st.events...)
}
