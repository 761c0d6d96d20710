package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultStaleClaimAge is how long an entry may stay in_progress before a
// starting worker assumes its previous holder died.
const DefaultStaleClaimAge = 15 * time.Minute

// Worker repeatedly processes batches under a single lease identity.
type Worker struct {
	orch       *Orchestrator
	id         string
	opts       BatchOptions
	idle       time.Duration
	staleAfter time.Duration
}

// NewWorker creates a worker with a fresh lease identifier. idle is the wait
// between polls of an empty queue.
func NewWorker(orch *Orchestrator, opts BatchOptions, idle time.Duration) *Worker {
	id := opts.WorkerID
	if id == "" {
		id = "worker-" + uuid.NewString()
	}
	opts.WorkerID = id
	if idle <= 0 {
		idle = 30 * time.Second
	}
	return &Worker{
		orch:       orch,
		id:         id,
		opts:       opts,
		idle:       idle,
		staleAfter: DefaultStaleClaimAge,
	}
}

// ID returns the lease identifier written to claimed_by.
func (w *Worker) ID() string { return w.id }

// RunOnce recovers stale leases and processes a single batch.
func (w *Worker) RunOnce(ctx context.Context) (*BatchReport, error) {
	if _, err := w.orch.store.ReleaseStaleClaims(ctx, w.staleAfter); err != nil {
		return nil, err
	}
	return w.orch.ProcessBatch(ctx, w.opts)
}

// Run processes batches until ctx is cancelled. onBatch, if set, sees every
// non-empty report.
func (w *Worker) Run(ctx context.Context, onBatch func(*BatchReport)) error {
	if _, err := w.orch.store.ReleaseStaleClaims(ctx, w.staleAfter); err != nil {
		return err
	}
	slog.Info("Worker started", "worker", w.id, "batch_size", w.opts.BatchSize)

	for {
		report, err := w.orch.ProcessBatch(ctx, w.opts)
		if ctx.Err() != nil {
			slog.Info("Worker stopped", "worker", w.id)
			return nil
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Batch failed", "worker", w.id, "error", err)
		}
		if report != nil && report.Claimed > 0 {
			if onBatch != nil {
				onBatch(report)
			}
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("Worker stopped", "worker", w.id)
			return nil
		case <-time.After(w.idle):
		}
	}
}
