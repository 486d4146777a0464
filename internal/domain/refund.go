package domain

import (
	"time"

	"github.com/google/uuid"
)

// RefundRequestStatus tracks a single idempotent refund attempt.
type RefundRequestStatus string

const (
	RefundRequestCreated    RefundRequestStatus = "created"
	RefundRequestProcessing RefundRequestStatus = "processing"
	RefundRequestSucceeded  RefundRequestStatus = "succeeded"
	RefundRequestFailed     RefundRequestStatus = "failed"
)

// RefundRequest is one row per (order, idempotency key).
type RefundRequest struct {
	ID                  uuid.UUID
	OrderID             uuid.UUID
	IdempotencyKey      string
	Status              RefundRequestStatus
	AmountMinor         int64
	RefundedBeforeMinor int64
	Reason              string
	Actor               string
	GatewayRefundID     string
	Error               string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
