// Package worker runs the order engine's periodic sweeps.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dukerupert/ordercore/internal/service"
)

// Sweeper is the part of the checkout service the worker drives.
type Sweeper interface {
	ReconcilePaidOrders(ctx context.Context) (*service.SweepResult, error)
	CancelExpiredOrders(ctx context.Context) (*service.SweepResult, error)
	CancelStaleDraftOrders(ctx context.Context) (*service.SweepResult, error)
}

// Config holds worker configuration
type Config struct {
	// WorkerID uniquely identifies this worker instance
	WorkerID string

	ReconcileInterval time.Duration
	ExpiryInterval    time.Duration
	DraftInterval     time.Duration

	// MaxConcurrency is the maximum number of sweeps running at once
	MaxConcurrency int

	// RunTimeout bounds a single sweep run
	RunTimeout time.Duration
}

// Worker schedules sweeps on fixed intervals. A sweep never overlaps
// with a previous run of itself.
type Worker struct {
	config  Config
	sweeper Sweeper
	logger  zerolog.Logger

	sem     chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[string]bool
}

type job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) (*service.SweepResult, error)
}

// NewWorker creates a new sweep worker
func NewWorker(sweeper Sweeper, config Config, logger zerolog.Logger) *Worker {
	if config.WorkerID == "" {
		config.WorkerID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}
	if config.ReconcileInterval <= 0 {
		config.ReconcileInterval = time.Minute
	}
	if config.ExpiryInterval <= 0 {
		config.ExpiryInterval = time.Minute
	}
	if config.DraftInterval <= 0 {
		config.DraftInterval = 15 * time.Minute
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 2
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = 5 * time.Minute
	}

	return &Worker{
		config:  config,
		sweeper: sweeper,
		logger:  logger.With().Str("worker_id", config.WorkerID).Logger(),
		sem:     make(chan struct{}, config.MaxConcurrency),
		running: make(map[string]bool),
	}
}

func (w *Worker) jobs() []job {
	return []job{
		{name: service.SweepReconcilePaid, interval: w.config.ReconcileInterval, run: w.sweeper.ReconcilePaidOrders},
		{name: service.SweepExpiredOrders, interval: w.config.ExpiryInterval, run: w.sweeper.CancelExpiredOrders},
		{name: service.SweepStaleDrafts, interval: w.config.DraftInterval, run: w.sweeper.CancelStaleDraftOrders},
	}
}

// Start runs sweeps until ctx is cancelled, then waits for in-flight runs.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info().
		Dur("reconcile_interval", w.config.ReconcileInterval).
		Dur("expiry_interval", w.config.ExpiryInterval).
		Dur("draft_interval", w.config.DraftInterval).
		Int("max_concurrency", w.config.MaxConcurrency).
		Msg("worker starting")

	var loops sync.WaitGroup
	for _, j := range w.jobs() {
		loops.Add(1)
		go func(j job) {
			defer loops.Done()
			w.loop(ctx, j)
		}(j)
	}

	<-ctx.Done()
	loops.Wait()
	w.wg.Wait()
	w.logger.Info().Msg("worker stopped")
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context, j job) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.trigger(ctx, j)
		}
	}
}

// trigger starts j unless it is already running or the worker is at
// max concurrency. Skipped ticks are not queued.
func (w *Worker) trigger(ctx context.Context, j job) {
	w.mu.Lock()
	if w.running[j.name] {
		w.mu.Unlock()
		w.logger.Debug().Str("sweep", j.name).Msg("previous run still active, skipping tick")
		return
	}

	select {
	case w.sem <- struct{}{}:
	default:
		w.mu.Unlock()
		return
	}
	w.running[j.name] = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.running, j.name)
			w.mu.Unlock()
			<-w.sem
		}()
		w.runJob(ctx, j)
	}()
}

func (w *Worker) runJob(ctx context.Context, j job) *service.SweepResult {
	ctx, cancel := context.WithTimeout(ctx, w.config.RunTimeout)
	defer cancel()

	res, err := j.run(ctx)
	if err != nil {
		w.logger.Error().Err(err).Str("sweep", j.name).Msg("sweep run failed")
	}
	return res
}

// RunOnce runs every sweep sequentially and returns their results.
func (w *Worker) RunOnce(ctx context.Context) []*service.SweepResult {
	var results []*service.SweepResult
	for _, j := range w.jobs() {
		if res := w.runJob(ctx, j); res != nil {
			results = append(results, res)
		}
	}
	return results
}
