package service

import (
	"github.com/dukerupert/ordercore/internal/domain"
)

// Lookup errors - use domain.ENOTFOUND
var (
	ErrOrderNotFound          = domain.Errorf(domain.ENOTFOUND, "", "Order not found")
	ErrVariantNotFound        = domain.Errorf(domain.ENOTFOUND, "", "Variant not found")
	ErrCouponNotFound         = domain.Errorf(domain.ENOTFOUND, "", "Coupon not found")
	ErrPromotionNotFound      = domain.Errorf(domain.ENOTFOUND, "", "Promotion not found")
	ErrShippingMethodNotFound = domain.Errorf(domain.ENOTFOUND, "", "Shipping method not found")
	ErrReservationNotFound    = domain.Errorf(domain.ENOTFOUND, "", "Stock reservation not found")
)

// Concurrency conflicts - use domain.ECONFLICT. Never retried by the core.
var (
	ErrOutOfStock                  = domain.Errorf(domain.ECONFLICT, "", "Insufficient stock")
	ErrOrderStatusConflict         = domain.Errorf(domain.ECONFLICT, "", "Order was modified concurrently")
	ErrReservationQuantityMismatch = domain.Errorf(domain.ECONFLICT, "", "Existing reservation has a different quantity")
	ErrRefundRaceDetected          = domain.Errorf(domain.ECONFLICT, "", "Order refunds changed while refunding")
	ErrStockCounterConflict        = domain.Errorf(domain.ECONFLICT, "", "Stock counters do not cover the reservation")
	ErrRefundInProgress            = domain.Errorf(domain.ECONFLICT, "", "A refund with this idempotency key is in progress")
)

// Business-rule violations - use domain.EINVALID / domain.EGONE
var (
	ErrInvalidStatusTransition     = domain.Errorf(domain.EINVALID, "", "Status transition not allowed")
	ErrOrderNotEditable            = domain.Errorf(domain.EINVALID, "", "Order can no longer be edited")
	ErrOrderNotCheckoutable        = domain.Errorf(domain.EINVALID, "", "Order is not ready for checkout")
	ErrDiscountExceedsSubtotal     = domain.Errorf(domain.EINVALID, "", "Discount exceeds subtotal")
	ErrMaxUsesReached              = domain.Errorf(domain.EINVALID, "", "Usage limit reached")
	ErrMaxUsesPerUserReached       = domain.Errorf(domain.EINVALID, "", "Per-user usage limit reached")
	ErrCouponNotApplicable         = domain.Errorf(domain.EINVALID, "", "Coupon cannot be applied to this order")
	ErrPromotionNotApplicable      = domain.Errorf(domain.EINVALID, "", "Promotion code cannot be applied to this order")
	ErrEmptyOrder                  = domain.Errorf(domain.EINVALID, "", "Order must contain at least one item")
	ErrInvalidQuantity             = domain.Errorf(domain.EINVALID, "", "Quantity must be greater than 0")
	ErrVariantNotSellable          = domain.Errorf(domain.EINVALID, "", "Variant is not available for sale")
	ErrInvalidLineItem             = domain.Errorf(domain.EINVALID, "", "Line item snapshot is invalid")
	ErrReservationAlreadyReleased  = domain.Errorf(domain.EGONE, "", "Reservation was already released")
	ErrReservationAlreadyConfirmed = domain.Errorf(domain.EINVALID, "", "Reservation is confirmed and can only be restored")
)

// Refund errors
var (
	ErrRefundKeyRequired       = domain.Errorf(domain.EINVALID, "", "Refund idempotency key is required")
	ErrOrderNotRefundable      = domain.Errorf(domain.EINVALID, "", "Order status does not allow refunds")
	ErrRefundWindowExpired     = domain.Errorf(domain.EINVALID, "", "Refund window has expired")
	ErrRefundAmountInvalid     = domain.Errorf(domain.EINVALID, "", "Refund amount exceeds the refundable balance")
	ErrAlreadyFullyRefunded    = domain.Errorf(domain.EINVALID, "", "Order is already fully refunded")
	ErrPaymentReferenceMissing = domain.Errorf(domain.EINVALID, "", "Order has no captured payment to refund")
	ErrRefundPreviouslyFailed  = domain.Errorf(domain.EPAYMENT, "", "A refund with this idempotency key previously failed")
	ErrRestockInvalid          = domain.Errorf(domain.EINVALID, "", "Restock items exceed the units sold on the order")

	// ErrRefundDbFinalizationFailed means the gateway refunded but the local
	// commit did not. Retrying would refund twice.
	ErrRefundDbFinalizationFailed = domain.Errorf(domain.ERECONCILE, "", "Refund succeeded at the gateway but local finalization failed")
)

// Infrastructure errors
var (
	ErrTransactionsRequired = domain.Errorf(domain.ETXREQUIRED, "", "Operation requires a store with transaction support")
	ErrGatewayFailed        = domain.Errorf(domain.EUNAVAILABLE, "", "Payment gateway request failed")
)
