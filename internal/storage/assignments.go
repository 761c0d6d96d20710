package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/saffron/internal/common"
	"github.com/Veraticus/saffron/internal/model"
)

var decimalOne = decimal.NewFromInt(1)

// Resolution is committed atomically once a transaction's category is decided.
type Resolution struct {
	Summary    string
	ClaimedBy  string
	QueueFrom  []model.QueueStatus
	Evidence   []model.EvidenceRecord
	Assignment model.CategoryAssignment
	QueueID    int64
}

// CommitResolution writes the assignment (overwriting any previous one), appends
// the evidence and, when QueueID is set, moves the queue entry to resolved.
// The queue entry must currently be in one of QueueFrom and, if ClaimedBy is
// set, leased to that worker; otherwise nothing is written.
func (s *SQLiteStorage) CommitResolution(ctx context.Context, res Resolution) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	a := res.Assignment
	if err := validateString(a.TransactionID, "transactionID"); err != nil {
		return err
	}
	if !a.Source.Valid() {
		return fmt.Errorf("%w: unknown assignment source %q", ErrInvalidEvidence, a.Source)
	}
	if err := validateEvidence(res.Evidence); err != nil {
		return err
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := categoryExists(ctx, tx, a.CategoryID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("category %d: %w", a.CategoryID, common.ErrNotFound)
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO category_assignments (transaction_id, category_id, source, rule_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(transaction_id) DO UPDATE SET
				category_id = excluded.category_id,
				source = excluded.source,
				rule_id = excluded.rule_id,
				updated_at = excluded.updated_at`,
			a.TransactionID, a.CategoryID, string(a.Source), a.RuleID, now, now); err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("assignment of %s references a missing transaction or rule: %w", a.TransactionID, common.ErrNotFound)
			}
			return fmt.Errorf("failed to save assignment: %w", err)
		}

		if err := insertEvidenceTx(ctx, tx, res.Evidence, now); err != nil {
			return err
		}

		if res.QueueID == 0 {
			return nil
		}
		return transitionTx(ctx, tx, transition{
			id:        res.QueueID,
			from:      res.QueueFrom,
			to:        model.QueueResolved,
			claimedBy: res.ClaimedBy,
			source:    a.Source,
			summary:   res.Summary,
			now:       now,
		})
	})
	if err != nil {
		return err
	}

	logResolution(res)
	return nil
}

// GetAssignment returns the category assignment of a transaction.
func (s *SQLiteStorage) GetAssignment(ctx context.Context, transactionID string) (*model.CategoryAssignment, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	var (
		a      model.CategoryAssignment
		source string
		ruleID sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT transaction_id, category_id, source, rule_id, created_at, updated_at
		FROM category_assignments WHERE transaction_id = ?`, transactionID).
		Scan(&a.TransactionID, &a.CategoryID, &source, &ruleID, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assignment for %s: %w", transactionID, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	a.Source = model.EvidenceSource(source)
	if ruleID.Valid {
		id := ruleID.Int64
		a.RuleID = &id
	}
	return &a, nil
}

func insertEvidenceTx(ctx context.Context, tx *sql.Tx, records []model.EvidenceRecord, now time.Time) error {
	if len(records) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO category_evidence
		(transaction_id, item_description, item_price, item_quantity, category_id, source,
		 provenance_reference, confidence, raw_payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare evidence insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.TransactionID, r.ItemDescription, r.ItemPrice.String(), r.ItemQuantity, r.CategoryID,
			string(r.Source), r.ProvenanceReference, r.Confidence.String(), r.RawPayload, now); err != nil {
			return fmt.Errorf("failed to insert evidence: %w", err)
		}
	}
	return nil
}

// ListEvidence returns every evidence record stored for a transaction, oldest first.
func (s *SQLiteStorage) ListEvidence(ctx context.Context, transactionID string) ([]model.EvidenceRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, item_description, item_price, item_quantity, category_id,
		       source, provenance_reference, confidence, raw_payload, created_at
		FROM category_evidence
		WHERE transaction_id = ?
		ORDER BY id`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query evidence: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []model.EvidenceRecord
	for rows.Next() {
		var (
			r                 model.EvidenceRecord
			price, confidence string
			source            string
		)
		if err := rows.Scan(&r.ID, &r.TransactionID, &r.ItemDescription, &price, &r.ItemQuantity,
			&r.CategoryID, &source, &r.ProvenanceReference, &confidence, &r.RawPayload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan evidence: %w", err)
		}
		if r.ItemPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("%w: evidence price %q", common.ErrDatabaseCorrupted, price)
		}
		if r.Confidence, err = decimal.NewFromString(confidence); err != nil {
			return nil, fmt.Errorf("%w: evidence confidence %q", common.ErrDatabaseCorrupted, confidence)
		}
		r.Source = model.EvidenceSource(source)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating evidence: %w", err)
	}
	return records, nil
}

func logResolution(res Resolution) {
	slog.Debug("committed resolution",
		"transaction_id", res.Assignment.TransactionID,
		"category_id", res.Assignment.CategoryID,
		"source", res.Assignment.Source,
		"evidence", len(res.Evidence))
}
