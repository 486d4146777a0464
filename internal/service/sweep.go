package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dukerupert/ordercore/internal/domain"
	"github.com/dukerupert/ordercore/internal/jobs"
	"github.com/dukerupert/ordercore/internal/repository"
	"github.com/dukerupert/ordercore/internal/telemetry"
)

// Sweep names.
const (
	SweepReconcilePaid = "reconcile_paid"
	SweepExpiredOrders = "expired_orders"
	SweepStaleDrafts   = "stale_drafts"
)

// SweepResult summarizes one sweep run. One order failing never stops the run.
type SweepResult struct {
	Sweep     string
	Scanned   int
	Succeeded int
	Failed    int
	Skipped   int
}

func (r *SweepResult) record(result string) {
	switch result {
	case "ok":
		r.Succeeded++
	case "skipped":
		r.Skipped++
	default:
		r.Failed++
	}
	if telemetry.Business != nil {
		telemetry.Business.SweepOrders.WithLabelValues(r.Sweep, result).Inc()
	}
}

// errSkip marks an order that no longer matches the sweep's filter.
var errSkip = errors.New("sweep: order no longer eligible")

// sweep loads a batch and runs fn on each order in isolation.
func (s *checkoutService) sweep(ctx context.Context, name string, params repository.ListOrdersParams, fn func(ctx context.Context, id uuid.UUID) error) (*SweepResult, error) {
	params.Limit = s.cfg.SweepBatchSize
	orders, err := s.store.ListOrders(ctx, params)
	if err != nil {
		return nil, domain.Internal(err, "sweep."+name, "failed to list orders")
	}
	if telemetry.Business != nil {
		telemetry.Business.SweepRuns.WithLabelValues(name).Inc()
	}

	res := &SweepResult{Sweep: name, Scanned: len(orders)}
	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		err := fn(ctx, o.ID)
		switch {
		case err == nil:
			res.record("ok")
		case errors.Is(err, errSkip), errors.Is(err, ErrOrderStatusConflict):
			res.record("skipped")
		default:
			res.record("failed")
			s.logger.Error().Err(err).Str("sweep", name).Str("order_id", o.ID.String()).Msg("sweep failed for order")
		}
	}

	s.logger.Info().
		Str("sweep", name).
		Int("scanned", res.Scanned).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Msg("sweep finished")
	return res, nil
}

func (s *checkoutService) ReconcilePaidOrders(ctx context.Context) (*SweepResult, error) {
	if err := s.requireTransactions(); err != nil {
		return nil, err
	}
	return s.sweep(ctx, SweepReconcilePaid, repository.ListOrdersParams{
		Statuses:           []domain.OrderStatus{domain.OrderStatusPaid, domain.OrderStatusPaymentReceived},
		StockStatuses:      []domain.StockStatus{domain.StockStatusReserved, domain.StockStatusConfirmFailed},
		StockAttemptsBelow: s.cfg.MaxConfirmAttempts,
	}, s.reconcileOne)
}

func (s *checkoutService) reconcileOne(ctx context.Context, id uuid.UUID) error {
	var (
		work      finalizeWork
		exhausted *domain.Order
	)
	err := s.store.WithinTx(ctx, func(q repository.Querier) error {
		o, err := loadOrder(ctx, q, id)
		if err != nil {
			return err
		}
		if o.Status != domain.OrderStatusPaid && o.Status != domain.OrderStatusPaymentReceived {
			return errSkip
		}
		if o.Stock.Status == domain.StockStatusConfirmed || o.Stock.Attempts >= s.cfg.MaxConfirmAttempts {
			return errSkip
		}

		confirmed, _, err := s.confirmStock(ctx, q, o, ActorSweep, &work)
		if err != nil {
			return err
		}
		if !confirmed && o.Stock.Attempts >= s.cfg.MaxConfirmAttempts {
			msg, merr := jobs.NotifyPaymentIssue(notification(o, "stock confirmation retries exhausted"))
			work.messages = s.effects.add(work.messages, msg, merr)
			exhausted = o
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.dispatch(ctx, work.results, work.messages)
	if exhausted != nil {
		telemetry.CaptureReconcile(
			fmt.Errorf("stock confirmation failed %d times: %s", exhausted.Stock.Attempts, exhausted.Stock.LastError),
			exhausted.ID.String(),
			map[string]interface{}{"status": string(exhausted.Status)},
		)
		return fmt.Errorf("order %s: stock confirmation retries exhausted", id)
	}
	return nil
}

func (s *checkoutService) CancelExpiredOrders(ctx context.Context) (*SweepResult, error) {
	now := s.now()
	return s.sweep(ctx, SweepExpiredOrders, repository.ListOrdersParams{
		Statuses:      []domain.OrderStatus{domain.OrderStatusPendingPayment},
		ExpiresBefore: &now,
	}, func(ctx context.Context, id uuid.UUID) error {
		return s.cancelIf(ctx, id, "payment window expired", func(o *domain.Order) bool {
			return o.Status == domain.OrderStatusPendingPayment && o.ExpiresAt != nil && !o.ExpiresAt.After(now)
		})
	})
}

func (s *checkoutService) CancelStaleDraftOrders(ctx context.Context) (*SweepResult, error) {
	cutoff := s.now().Add(-s.cfg.DraftTTL)
	return s.sweep(ctx, SweepStaleDrafts, repository.ListOrdersParams{
		Statuses:      []domain.OrderStatus{domain.OrderStatusDraft},
		CreatedBefore: &cutoff,
	}, func(ctx context.Context, id uuid.UUID) error {
		return s.cancelIf(ctx, id, "draft abandoned", func(o *domain.Order) bool {
			return o.Status == domain.OrderStatusDraft && o.CreatedAt.Before(cutoff)
		})
	})
}

// cancelIf cancels the order when eligible still holds after reloading it.
func (s *checkoutService) cancelIf(ctx context.Context, id uuid.UUID, reason string, eligible func(*domain.Order) bool) error {
	var (
		res       *TransitionResult
		sessionID string
	)
	err := s.store.WithinTx(ctx, func(q repository.Querier) error {
		o, err := loadOrder(ctx, q, id)
		if err != nil {
			return err
		}
		if !eligible(o) {
			return errSkip
		}
		if o.Payment.Status == domain.PaymentStatusPending {
			sessionID = o.Payment.SessionID
		}
		res, err = s.status.Apply(ctx, q, o, TransitionParams{
			OrderID: o.ID,
			From:    o.Status,
			To:      domain.OrderStatusCancelled,
			Actor:   ActorSweep,
			Reason:  reason,
		})
		return err
	})
	if err != nil {
		return err
	}

	s.status.Dispatch(ctx, res)
	s.expireSession(ctx, id, sessionID)
	return nil
}
