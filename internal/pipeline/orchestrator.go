// Package pipeline drives classification: the rule engine fast path, the
// queue of unresolved transactions and the evidence escalation that drains it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/saffron/internal/common"
	"github.com/Veraticus/saffron/internal/config"
	"github.com/Veraticus/saffron/internal/evidence"
	"github.com/Veraticus/saffron/internal/model"
	"github.com/Veraticus/saffron/internal/rules"
	"github.com/Veraticus/saffron/internal/service"
	"github.com/Veraticus/saffron/internal/storage"
)

// RuleEvaluator is the fast path consulted before any queueing.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, txn model.Transaction) (*rules.Match, error)
}

// Escalator runs the evidence stages for one transaction.
type Escalator interface {
	Resolve(ctx context.Context, txn model.Transaction, record func(evidence.StageAttempt)) (evidence.Outcome, error)
}

// Result describes what Classify did with a transaction.
type Result struct {
	// Assignment is set when the transaction has a category.
	Assignment *model.CategoryAssignment
	// Queued is set when the transaction awaits evidence.
	Queued *model.QueueEntry
	// Provisional is the matched rule when it asked for corroborating evidence.
	Provisional *model.ClassificationRule
	// Existing is true when an earlier assignment was returned unchanged.
	Existing bool
}

// Orchestrator classifies transactions and processes the queue.
type Orchestrator struct {
	store     service.Storage
	rules     RuleEvaluator
	resolver  Escalator
	lastBatch time.Time
	cfg       config.Pipeline
	batchMu   sync.Mutex
}

// New creates an orchestrator.
func New(store service.Storage, ruleEngine RuleEvaluator, resolver Escalator, cfg config.Pipeline) *Orchestrator {
	return &Orchestrator{
		store:    store,
		rules:    ruleEngine,
		resolver: resolver,
		cfg:      cfg,
	}
}

// Classify assigns txn a category through the rule engine, or queues it for
// evidence. Without force an existing assignment is returned untouched.
func (o *Orchestrator) Classify(ctx context.Context, txn model.Transaction, force bool) (*Result, error) {
	if !force {
		existing, err := o.store.GetAssignment(ctx, txn.ID)
		if err == nil {
			return &Result{Assignment: existing, Existing: true}, nil
		}
		if !errors.Is(err, common.ErrNotFound) {
			return nil, fmt.Errorf("failed to check assignment: %w", err)
		}
	}

	match, err := o.rules.Evaluate(ctx, txn)
	if err != nil {
		return nil, fmt.Errorf("rule evaluation failed: %w", err)
	}

	if match != nil && match.Terminal() {
		return o.commitRule(ctx, txn, match.Rule)
	}

	entry, created, err := o.store.Enqueue(ctx, txn.ID, model.DefaultQueuePriority)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", txn.ID, err)
	}
	if !created && force && entry.Status.Terminal() {
		if err := o.store.ResetEntry(ctx, entry.ID); err != nil {
			return nil, fmt.Errorf("failed to reset queue entry: %w", err)
		}
		if entry, err = o.store.GetQueueEntry(ctx, entry.ID); err != nil {
			return nil, err
		}
	}

	result := &Result{Queued: entry}
	if match != nil {
		rule := match.Rule
		result.Provisional = &rule
		slog.Info("Provisional rule match queued for evidence",
			"transaction_id", txn.ID, "rule", rule.Name, "category_id", rule.TargetCategoryID)
	}
	return result, nil
}

func (o *Orchestrator) commitRule(ctx context.Context, txn model.Transaction, rule model.ClassificationRule) (*Result, error) {
	ruleID := rule.ID
	res := storage.Resolution{
		Assignment: model.CategoryAssignment{
			TransactionID: txn.ID,
			CategoryID:    rule.TargetCategoryID,
			Source:        model.SourceRule,
			RuleID:        &ruleID,
		},
		Evidence: []model.EvidenceRecord{{
			TransactionID:       txn.ID,
			ItemDescription:     txn.Description,
			ItemPrice:           txn.Amount.Abs(),
			ItemQuantity:        1,
			CategoryID:          rule.TargetCategoryID,
			Source:              model.SourceRule,
			ProvenanceReference: fmt.Sprintf("Matched rule '%s': %s", rule.Name, rule.Expression),
			Confidence:          decimal.NewFromInt(1),
		}},
		Summary: fmt.Sprintf("matched rule %q", rule.Name),
	}

	// A transaction already waiting in the queue is settled with it.
	if err := o.attachQueueEntry(ctx, txn.ID, &res); err != nil {
		return nil, err
	}

	if err := o.store.CommitResolution(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to commit rule match: %w", err)
	}

	assignment, err := o.store.GetAssignment(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	return &Result{Assignment: assignment}, nil
}

// attachQueueEntry points res at the transaction's queue entry, if any.
// An entry leased by a worker cannot be settled from outside.
func (o *Orchestrator) attachQueueEntry(ctx context.Context, transactionID string, res *storage.Resolution) error {
	entry, err := o.store.GetQueueEntryByTransaction(ctx, transactionID)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if entry.Status == model.QueueInProgress {
		return fmt.Errorf("transaction %s: %w by %s", transactionID, common.ErrAlreadyClaimed, entry.ClaimedBy)
	}
	res.QueueID = entry.ID
	res.QueueFrom = []model.QueueStatus{entry.Status}
	return nil
}

// ClassifyReport summarizes a ClassifyPending run.
type ClassifyReport struct {
	Errors   []error
	Total    int
	Assigned int
	Queued   int
}

// ClassifyPending runs Classify over transactions that have neither an
// assignment nor a queue entry. limit <= 0 means all of them.
func (o *Orchestrator) ClassifyPending(ctx context.Context, limit int, progress func(done, total int)) (*ClassifyReport, error) {
	txns, err := o.store.ListUnclassified(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unclassified transactions: %w", err)
	}

	report := &ClassifyReport{Total: len(txns)}
	for i, txn := range txns {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		result, err := o.Classify(ctx, txn, false)
		switch {
		case err != nil:
			report.Errors = append(report.Errors, fmt.Errorf("%s: %w", txn.ID, err))
		case result.Assignment != nil:
			report.Assigned++
		default:
			report.Queued++
		}
		if progress != nil {
			progress(i+1, len(txns))
		}
	}

	slog.Info("Classified pending transactions",
		"total", report.Total, "assigned", report.Assigned, "queued", report.Queued, "failed", len(report.Errors))
	return report, nil
}

// ResolveManually records an operator decision through the same write path
// the pipeline uses, tagged as manual.
func (o *Orchestrator) ResolveManually(ctx context.Context, transactionID string, categoryID int64, note string) error {
	txn, err := o.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}

	provenance := "operator"
	if note = strings.TrimSpace(note); note != "" {
		provenance = "operator: " + note
	}

	res := storage.Resolution{
		Assignment: model.CategoryAssignment{
			TransactionID: txn.ID,
			CategoryID:    categoryID,
			Source:        model.SourceManual,
		},
		Evidence: []model.EvidenceRecord{{
			TransactionID:       txn.ID,
			ItemDescription:     txn.Description,
			ItemPrice:           txn.Amount.Abs(),
			ItemQuantity:        1,
			CategoryID:          categoryID,
			Source:              model.SourceManual,
			ProvenanceReference: provenance,
			Confidence:          decimal.NewFromInt(1),
		}},
		Summary: "resolved manually",
	}
	if err := o.attachQueueEntry(ctx, txn.ID, &res); err != nil {
		return err
	}

	return o.store.CommitResolution(ctx, res)
}
