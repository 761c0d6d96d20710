package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Veraticus/saffron/internal/common"
	"github.com/Veraticus/saffron/internal/evidence"
	"github.com/Veraticus/saffron/internal/model"
	"github.com/Veraticus/saffron/internal/storage"
)

// BatchOptions configures one ProcessBatch call. Zero values fall back to
// the orchestrator's pipeline settings.
type BatchOptions struct {
	WorkerID    string
	BatchSize   int
	MaxAttempts int
	Workers     int
	Cooldown    time.Duration
}

// BatchReport summarizes a processed batch.
type BatchReport struct {
	Errors         []error
	Duration       time.Duration
	Claimed        int
	Resolved       int
	Requeued       int
	ManualRequired int
	Skipped        int
	Released       int
}

func (r *BatchReport) add(status model.QueueStatus) {
	switch status {
	case model.QueueResolved:
		r.Resolved++
	case model.QueuePending:
		r.Requeued++
	case model.QueueManualRequired:
		r.ManualRequired++
	case model.QueueSkipped:
		r.Skipped++
	}
}

func (o *Orchestrator) batchOptions(opts BatchOptions) BatchOptions {
	if opts.BatchSize <= 0 {
		opts.BatchSize = o.cfg.BatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = o.cfg.MaxAttempts
	}
	if opts.Workers <= 0 {
		opts.Workers = max(o.cfg.Workers, 1)
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = o.cfg.Cooldown
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "worker-" + uuid.NewString()
	}
	return opts
}

// waitCooldown blocks until Cooldown has passed since the previous batch ended.
func (o *Orchestrator) waitCooldown(ctx context.Context, cooldown time.Duration) error {
	if o.lastBatch.IsZero() || cooldown <= 0 {
		return nil
	}
	wait := time.Until(o.lastBatch.Add(cooldown))
	if wait <= 0 {
		return nil
	}

	slog.Debug("Waiting for batch cooldown", "wait", wait)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ProcessBatch claims up to BatchSize pending entries and escalates each one
// through the evidence stages, in parallel up to Workers. Cancellation is
// honored between entries; an interrupted entry is released to pending.
func (o *Orchestrator) ProcessBatch(ctx context.Context, opts BatchOptions) (*BatchReport, error) {
	opts = o.batchOptions(opts)

	o.batchMu.Lock()
	defer o.batchMu.Unlock()

	if err := o.waitCooldown(ctx, opts.Cooldown); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { o.lastBatch = time.Now() }()

	entries, err := o.store.ClaimPending(ctx, opts.BatchSize, opts.WorkerID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue entries: %w", err)
	}

	report := &BatchReport{Claimed: len(entries)}
	if len(entries) == 0 {
		return report, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(opts.Workers)

	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			status, err := o.processEntry(ctx, entry, opts)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				report.Released++
			case err != nil:
				report.Errors = append(report.Errors, fmt.Errorf("queue entry %d: %w", entry.ID, err))
			default:
				report.add(status)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)
	slog.Info("Processed batch",
		"worker", opts.WorkerID,
		"claimed", report.Claimed,
		"resolved", report.Resolved,
		"requeued", report.Requeued,
		"manual_required", report.ManualRequired,
		"skipped", report.Skipped,
		"released", report.Released,
		"errors", len(report.Errors),
		"duration", report.Duration)

	if ctx.Err() != nil {
		return report, ctx.Err()
	}
	return report, nil
}

// processEntry runs one leased entry to its next state. Store writes after
// the stages ran use a context that survives cancellation so the lease is
// always settled.
func (o *Orchestrator) processEntry(ctx context.Context, entry model.QueueEntry, opts BatchOptions) (model.QueueStatus, error) {
	writeCtx := context.WithoutCancel(ctx)

	if err := ctx.Err(); err != nil {
		return o.release(writeCtx, entry, opts.WorkerID, err)
	}

	txn, err := o.store.GetTransaction(ctx, entry.TransactionID)
	if errors.Is(err, common.ErrNotFound) {
		return o.finish(writeCtx, entry, opts.WorkerID, model.QueueManualRequired,
			fmt.Sprintf("transaction %s no longer exists", entry.TransactionID))
	}
	if err != nil {
		if ctx.Err() != nil {
			return o.release(writeCtx, entry, opts.WorkerID, ctx.Err())
		}
		_, _ = o.release(writeCtx, entry, opts.WorkerID, err)
		return "", err
	}

	record := func(a evidence.StageAttempt) {
		if err := o.store.RecordAttempt(writeCtx, attemptRecord(entry.ID, a)); err != nil {
			slog.Warn("Failed to record stage attempt", "queue_id", entry.ID, "stage", a.Stage, "error", err)
		}
	}

	outcome, err := o.resolver.Resolve(ctx, *txn, record)
	if err != nil {
		return o.release(writeCtx, entry, opts.WorkerID, err)
	}

	if outcome.Kind == evidence.Resolved {
		return o.commitOutcome(writeCtx, entry, opts.WorkerID, outcome.Result)
	}

	attempts := entry.Attempts + 1
	to := model.QueuePending
	summary := outcome.Summary()
	switch {
	case attempts >= opts.MaxAttempts:
		to = model.QueueSkipped
		summary = fmt.Sprintf("%v after %d attempts: %s", common.ErrExhausted, attempts, summary)
	case outcome.Kind == evidence.Exhausted:
		to = model.QueueManualRequired
		summary = fmt.Sprintf("%v: %s", common.ErrExhausted, summary)
	}

	err = o.store.TransitionEntry(writeCtx, storage.QueueTransition{
		ID:                entry.ID,
		To:                to,
		ClaimedBy:         opts.WorkerID,
		Summary:           summary,
		IncrementAttempts: true,
	})
	if err != nil {
		return "", err
	}
	if to.Terminal() {
		slog.Warn("Queue entry needs attention",
			"queue_id", entry.ID, "transaction_id", entry.TransactionID, "status", to, "summary", summary)
	}
	return to, nil
}

func (o *Orchestrator) commitOutcome(ctx context.Context, entry model.QueueEntry, workerID string, result *evidence.StageResult) (model.QueueStatus, error) {
	dominant := result.Dominant()
	err := o.store.CommitResolution(ctx, storage.Resolution{
		Assignment: model.CategoryAssignment{
			TransactionID: entry.TransactionID,
			CategoryID:    dominant.CategoryID,
			Source:        dominant.Source,
		},
		Evidence:  result.Evidence,
		QueueID:   entry.ID,
		QueueFrom: []model.QueueStatus{model.QueueInProgress},
		ClaimedBy: workerID,
		Summary:   result.Summary,
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit resolution: %w", err)
	}
	return model.QueueResolved, nil
}

func (o *Orchestrator) finish(ctx context.Context, entry model.QueueEntry, workerID string, to model.QueueStatus, summary string) (model.QueueStatus, error) {
	err := o.store.TransitionEntry(ctx, storage.QueueTransition{
		ID:        entry.ID,
		To:        to,
		ClaimedBy: workerID,
		Summary:   summary,
	})
	if err != nil {
		return "", err
	}
	return to, nil
}

func (o *Orchestrator) release(ctx context.Context, entry model.QueueEntry, workerID string, cause error) (model.QueueStatus, error) {
	if err := o.store.ReleaseClaim(ctx, entry.ID, workerID); err != nil {
		slog.Error("Failed to release queue entry", "queue_id", entry.ID, "error", err)
	}
	return model.QueuePending, cause
}

func attemptRecord(queueID int64, a evidence.StageAttempt) *model.AttemptRecord {
	rec := &model.AttemptRecord{
		QueueID:     queueID,
		Stage:       a.Stage,
		StartedAt:   a.StartedAt,
		CompletedAt: a.CompletedAt,
		Success:     a.Success(),
	}
	if a.Result != nil {
		rec.Summary = a.Result.Summary
		rec.RawResponse = a.Result.Raw
	}
	if a.Failure != nil {
		rec.Error = a.Failure.Error()
		if rec.Summary == "" {
			rec.Summary = a.Failure.Reason
		}
		if a.Failure.Raw != "" {
			rec.RawResponse = a.Failure.Raw
		}
	}
	return rec
}
