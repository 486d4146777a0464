package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/ordercore/internal/service"
)

type fakeSweeper struct {
	reconcile, expired, drafts atomic.Int32

	// block, when set, holds every reconcile run until closed.
	block   chan struct{}
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (f *fakeSweeper) ReconcilePaidOrders(ctx context.Context) (*service.SweepResult, error) {
	f.reconcile.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	return &service.SweepResult{Sweep: service.SweepReconcilePaid}, nil
}

func (f *fakeSweeper) CancelExpiredOrders(ctx context.Context) (*service.SweepResult, error) {
	f.expired.Add(1)
	return &service.SweepResult{Sweep: service.SweepExpiredOrders, Scanned: 2, Succeeded: 2}, nil
}

func (f *fakeSweeper) CancelStaleDraftOrders(ctx context.Context) (*service.SweepResult, error) {
	f.drafts.Add(1)
	return nil, errors.New("store unavailable")
}

func fastConfig() Config {
	return Config{
		ReconcileInterval: 5 * time.Millisecond,
		ExpiryInterval:    5 * time.Millisecond,
		DraftInterval:     5 * time.Millisecond,
		MaxConcurrency:    3,
	}
}

func TestWorker_RunsEverySweep(t *testing.T) {
	f := &fakeSweeper{}
	w := NewWorker(f, fastConfig(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	require.Eventually(t, func() bool {
		return f.reconcile.Load() >= 2 && f.expired.Load() >= 2 && f.drafts.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_SweepNeverOverlapsItself(t *testing.T) {
	f := &fakeSweeper{block: make(chan struct{})}
	w := NewWorker(f, fastConfig(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	require.Eventually(t, func() bool { return f.reconcile.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), f.reconcile.Load(), "ticks are skipped while a run is active")

	close(f.block)
	require.Eventually(t, func() bool { return f.reconcile.Load() >= 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), f.maxSeen.Load())

	cancel()
	<-done
}

func TestWorker_RunOnce(t *testing.T) {
	f := &fakeSweeper{}
	w := NewWorker(f, Config{}, zerolog.Nop())

	results := w.RunOnce(context.Background())

	require.Len(t, results, 2, "a failed sweep contributes no result")
	assert.Equal(t, service.SweepReconcilePaid, results[0].Sweep)
	assert.Equal(t, 2, results[1].Succeeded)
	assert.Equal(t, int32(1), f.drafts.Load())
}
