package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CATALOG & STOCK TYPES
// =============================================================================

// Product is read for promotion scope and carries the derived InStock flag.
type Product struct {
	ID          uuid.UUID
	Name        string
	CategoryIDs []string
	BrandID     string
	InStock     bool
	Deleted     bool
}

// Variant owns the stock counters. Available = Stock - StockReserved.
type Variant struct {
	ID            uuid.UUID
	ProductID     uuid.UUID
	SKU           string
	Name          string
	PriceMinor    int64
	Stock         int64
	StockReserved int64
	Active        bool
	Deleted       bool
}

// Available returns the units not yet promised to any order.
func (v *Variant) Available() int64 {
	return v.Stock - v.StockReserved
}

// Sellable reports whether the variant may take new reservations.
func (v *Variant) Sellable() bool {
	return v.Active && !v.Deleted
}

// ReservationStatus is monotonic: reserved → confirmed or reserved → released.
type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "reserved"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationReleased  ReservationStatus = "released"
)

// StockReservation is one row per (order, variant). Quantity never changes.
type StockReservation struct {
	OrderID       uuid.UUID
	VariantID     uuid.UUID
	ProductID     uuid.UUID
	Quantity      int64
	Status        ReservationStatus
	ReservedAt    time.Time
	ConfirmedAt   *time.Time
	ReleasedAt    *time.Time
	ExpiresAt     *time.Time
	ReleaseReason string
}

// StockItem is a (variant, quantity) request passed to the ledger.
type StockItem struct {
	VariantID uuid.UUID
	ProductID uuid.UUID
	Quantity  int64
}

// StockEventType names an entry in the append-only stock event log.
type StockEventType string

const (
	StockEventReserve  StockEventType = "reserve"
	StockEventConfirm  StockEventType = "confirm"
	StockEventRelease  StockEventType = "release"
	StockEventRestore  StockEventType = "restore"
	StockEventBackfill StockEventType = "backfill"
)

type StockEvent struct {
	ID        uuid.UUID
	OrderID   uuid.UUID
	VariantID uuid.UUID
	ProductID uuid.UUID
	Type      StockEventType
	Quantity  int64
	Reason    string
	Metadata  map[string]string
	CreatedAt time.Time
}

// StockItemsFromOrder converts line items to ledger items.
func StockItemsFromOrder(o *Order) []StockItem {
	items := make([]StockItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, StockItem{
			VariantID: it.VariantID,
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
		})
	}
	return items
}
