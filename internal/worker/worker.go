// Package worker drives the claim/execute poll loop. Any number of workers,
// in any number of processes, can run against the same store: all
// coordination happens through the delivery records' lease fields.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tgbroadcast/internal/metrics"
	"tgbroadcast/internal/model"
	"tgbroadcast/internal/repository"
)

// RunLister returns the runs a worker should poll for claimable work.
type RunLister interface {
	ListUnsettled() ([]*model.BroadcastRun, error)
}

// DeliveryClaimer is the slice of the delivery repository the poll loop uses.
type DeliveryClaimer interface {
	ClaimBatch(runID string, limit int, leaseFor time.Duration, token string) ([]*model.BroadcastDelivery, error)
}

// Executor resolves one claimed record to an outcome and releases its lease.
type Executor interface {
	Execute(ctx context.Context, run *model.BroadcastRun, d *model.BroadcastDelivery) model.DeliveryStatus
}

type Worker struct {
	Runs       RunLister
	Deliveries DeliveryClaimer
	Executor   Executor

	BatchSize    int
	LeaseFor     time.Duration
	PollInterval time.Duration
	Log          *zap.Logger

	// Wake receives run ids from the launch queue so a freshly started run is
	// picked up before the next poll tick. Nil is fine; polling alone is
	// sufficient for correctness.
	Wake <-chan string
}

func New(runs RunLister, deliveries DeliveryClaimer, exec Executor, batchSize int, leaseFor, pollInterval time.Duration, log *zap.Logger) *Worker {
	if batchSize <= 0 {
		batchSize = 20
	}
	if leaseFor <= 0 {
		leaseFor = 2 * time.Minute
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Worker{
		Runs:         runs,
		Deliveries:   deliveries,
		Executor:     exec,
		BatchSize:    batchSize,
		LeaseFor:     leaseFor,
		PollInterval: pollInterval,
		Log:          log,
	}
}

// Run polls until the context is cancelled. Each sweep drains every active
// run; between sweeps the worker idles on the poll interval or a wake signal.
func (w *Worker) Run(ctx context.Context) {
	w.Log.Info("worker started",
		zap.Int("batch_size", w.BatchSize),
		zap.Duration("lease", w.LeaseFor),
		zap.Duration("poll_interval", w.PollInterval),
	)

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		w.Sweep(ctx)

		select {
		case <-ctx.Done():
			w.Log.Info("worker stopped")
			return
		case <-ticker.C:
		case runID := <-w.wakeChan():
			w.Log.Debug("woken for run", zap.String("run_id", runID))
		}
	}
}

// Sweep claims and executes until no run has eligible records left.
func (w *Worker) Sweep(ctx context.Context) {
	runs, err := w.Runs.ListUnsettled()
	if err != nil {
		w.Log.Error("failed to list runs", zap.Error(err))
		return
	}

	for _, run := range runs {
		if ctx.Err() != nil {
			return
		}
		// Claims are only issued for running broadcasts; a cancelled run
		// merely waits for its in-flight records to settle.
		if run.Status != model.RunRunning {
			continue
		}
		w.drain(ctx, run)
	}
}

func (w *Worker) drain(ctx context.Context, run *model.BroadcastRun) {
	for {
		if ctx.Err() != nil {
			return
		}
		token := uuid.NewString()
		batch, err := w.Deliveries.ClaimBatch(run.ID, w.BatchSize, w.LeaseFor, token)
		if err != nil {
			w.Log.Error("failed to claim batch", zap.String("run_id", run.ID), zap.Error(err))
			return
		}
		if len(batch) == 0 {
			return
		}
		metrics.ClaimedTotal.Add(float64(len(batch)))

		for _, d := range batch {
			if ctx.Err() != nil {
				// Unfinished claims are recovered by lease expiry.
				return
			}
			w.Executor.Execute(ctx, run, d)
		}
	}
}

func (w *Worker) wakeChan() <-chan string {
	if w.Wake != nil {
		return w.Wake
	}
	// nil channel blocks forever, leaving only the ticker
	return nil
}

var _ RunLister = (*repository.RunRepository)(nil)
var _ DeliveryClaimer = (*repository.DeliveryRepository)(nil)
