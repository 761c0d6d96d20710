package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Veraticus/saffron/internal/common"
	"github.com/Veraticus/saffron/internal/model"
)

const queueColumns = `id, transaction_id, status, priority, attempts, claimed_by,
	resolution_source, summary, created_at, updated_at, resolved_at`

func scanQueueEntry(row interface{ Scan(...any) error }) (model.QueueEntry, error) {
	var (
		e          model.QueueEntry
		status     string
		source     string
		resolvedAt sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.TransactionID, &status, &e.Priority, &e.Attempts, &e.ClaimedBy,
		&source, &e.Summary, &e.CreatedAt, &e.UpdatedAt, &resolvedAt); err != nil {
		return e, err
	}
	e.Status = model.QueueStatus(status)
	e.ResolutionSource = model.EvidenceSource(source)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		e.ResolvedAt = &t
	}
	return e, nil
}

func queryQueue(ctx context.Context, q queryer, query string, args ...any) ([]model.QueueEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	return entries, nil
}

// Enqueue creates a pending entry for a transaction. If the transaction already
// has an entry, that entry is returned unchanged and created is false.
func (s *SQLiteStorage) Enqueue(ctx context.Context, transactionID string, priority int) (*model.QueueEntry, bool, error) {
	if err := validateContext(ctx); err != nil {
		return nil, false, err
	}
	if err := validateString(transactionID, "transactionID"); err != nil {
		return nil, false, err
	}

	var (
		entry   model.QueueEntry
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		result, err := tx.ExecContext(ctx, `
			INSERT INTO classification_queue (transaction_id, status, priority, created_at, updated_at)
			VALUES (?, 'pending', ?, ?, ?)
			ON CONFLICT(transaction_id) DO NOTHING`,
			transactionID, priority, now, now)
		if isForeignKeyViolation(err) {
			return fmt.Errorf("transaction %s: %w", transactionID, common.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to enqueue: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		created = n == 1

		entry, err = scanQueueEntry(tx.QueryRowContext(ctx,
			`SELECT `+queueColumns+` FROM classification_queue WHERE transaction_id = ?`, transactionID))
		if err != nil {
			return fmt.Errorf("failed to read queue entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		slog.Debug("enqueued transaction", "transaction_id", transactionID, "queue_id", entry.ID, "priority", priority)
	}
	return &entry, created, nil
}

// ClaimPending leases up to limit pending entries to workerID, ordered by
// priority then age. Each claim is a conditional update on status, so an
// entry taken by another worker in the meantime is simply not returned.
func (s *SQLiteStorage) ClaimPending(ctx context.Context, limit int, workerID string) ([]model.QueueEntry, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(workerID, "workerID"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	var claimed []model.QueueEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		candidates, err := queryQueue(ctx, tx, `
			SELECT `+queueColumns+`
			FROM classification_queue
			WHERE status = 'pending'
			ORDER BY priority, created_at, id
			LIMIT ?`, limit)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, c := range candidates {
			result, err := tx.ExecContext(ctx, `
				UPDATE classification_queue
				SET status = 'in_progress', claimed_by = ?, updated_at = ?
				WHERE id = ? AND status = 'pending'`,
				workerID, now, c.ID)
			if err != nil {
				return fmt.Errorf("failed to claim entry %d: %w", c.ID, err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read rows affected: %w", err)
			}
			if n == 0 {
				continue
			}
			c.Status = model.QueueInProgress
			c.ClaimedBy = workerID
			c.UpdatedAt = now
			claimed = append(claimed, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(claimed) > 0 {
		slog.Debug("claimed queue entries", "worker", workerID, "count", len(claimed))
	}
	return claimed, nil
}

// QueueTransition moves a leased entry out of in_progress.
type QueueTransition struct {
	To                model.QueueStatus
	ClaimedBy         string
	Summary           string
	ID                int64
	IncrementAttempts bool
}

// TransitionEntry applies a transition from in_progress for the lease holder.
// Resolving goes through CommitResolution instead, together with the assignment.
func (s *SQLiteStorage) TransitionEntry(ctx context.Context, t QueueTransition) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if t.To == model.QueueResolved {
		return fmt.Errorf("%w: resolution must be committed with its assignment", common.ErrInvalidTransition)
	}
	if !model.CanTransition(model.QueueInProgress, t.To) {
		return fmt.Errorf("%w: in_progress -> %s", common.ErrInvalidTransition, t.To)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return transitionTx(ctx, tx, transition{
			id:        t.ID,
			from:      []model.QueueStatus{model.QueueInProgress},
			to:        t.To,
			claimedBy: t.ClaimedBy,
			summary:   t.Summary,
			increment: t.IncrementAttempts,
			now:       time.Now().UTC(),
		})
	})
	if err != nil {
		return err
	}

	slog.Debug("queue transition", "queue_id", t.ID, "to", t.To, "attempt_counted", t.IncrementAttempts)
	return nil
}

// ReleaseClaim returns an interrupted entry to pending without counting an attempt.
func (s *SQLiteStorage) ReleaseClaim(ctx context.Context, id int64, workerID string) error {
	return s.TransitionEntry(ctx, QueueTransition{
		ID:        id,
		To:        model.QueuePending,
		ClaimedBy: workerID,
	})
}

// ReleaseStaleClaims returns entries that have been in_progress for longer than
// maxAge to pending. It recovers leases held by workers that died mid-batch.
func (s *SQLiteStorage) ReleaseStaleClaims(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE classification_queue
		SET status = 'pending', claimed_by = '', updated_at = ?
		WHERE status = 'in_progress' AND updated_at < ?`,
		now, now.Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		slog.Warn("released stale queue claims", "count", n, "max_age", maxAge)
	}
	return int(n), nil
}

// ResetEntry puts an entry that is not currently leased back to pending with
// a fresh attempt budget. It is used when a classification is forced.
func (s *SQLiteStorage) ResetEntry(ctx context.Context, id int64) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE classification_queue
		SET status = 'pending', attempts = 0, claimed_by = '', resolution_source = '',
		    summary = '', resolved_at = NULL, updated_at = ?
		WHERE id = ? AND status != 'in_progress'`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to reset queue entry: %w", err)
	}
	return expectOneRow(result, fmt.Errorf("%w: entry %d is missing or leased", common.ErrInvalidTransition, id))
}

type transition struct {
	now       time.Time
	to        model.QueueStatus
	claimedBy string
	source    model.EvidenceSource
	summary   string
	from      []model.QueueStatus
	id        int64
	increment bool
}

func transitionTx(ctx context.Context, tx *sql.Tx, t transition) error {
	if len(t.from) == 0 {
		return fmt.Errorf("%w: no source status for entry %d", common.ErrInvalidTransition, t.id)
	}

	var resolvedAt any
	if t.to.Terminal() {
		resolvedAt = t.now
	}
	attempts := 0
	if t.increment {
		attempts = 1
	}

	placeholders, statusArgs := statusList(t.from)
	query := `
		UPDATE classification_queue
		SET status = ?, attempts = attempts + ?, claimed_by = '',
		    resolution_source = ?, summary = ?, resolved_at = ?, updated_at = ?
		WHERE id = ? AND status IN (` + placeholders + `)`
	args := []any{string(t.to), attempts, string(t.source), t.summary, resolvedAt, t.now, t.id}
	args = append(args, statusArgs...)
	if t.claimedBy != "" {
		query += ` AND claimed_by = ?`
		args = append(args, t.claimedBy)
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update queue entry %d: %w", t.id, err)
	}
	return expectOneRow(result, fmt.Errorf("%w: entry %d is not %s for this worker",
		common.ErrInvalidTransition, t.id, joinStatuses(t.from)))
}

func statusList(statuses []model.QueueStatus) (string, []any) {
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(placeholders, ", "), args
}

func joinStatuses(statuses []model.QueueStatus) string {
	parts := make([]string, len(statuses))
	for i, st := range statuses {
		parts[i] = string(st)
	}
	return strings.Join(parts, "|")
}

// GetQueueEntry returns a queue entry by ID.
func (s *SQLiteStorage) GetQueueEntry(ctx context.Context, id int64) (*model.QueueEntry, error) {
	return s.getQueueEntry(ctx, `id = ?`, id)
}

// GetQueueEntryByTransaction returns the queue entry of a transaction.
func (s *SQLiteStorage) GetQueueEntryByTransaction(ctx context.Context, transactionID string) (*model.QueueEntry, error) {
	return s.getQueueEntry(ctx, `transaction_id = ?`, transactionID)
}

func (s *SQLiteStorage) getQueueEntry(ctx context.Context, where string, arg any) (*model.QueueEntry, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	e, err := scanQueueEntry(s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM classification_queue WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue entry %v: %w", arg, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue entry: %w", err)
	}
	return &e, nil
}

// ListQueue returns queue entries in claim order. An empty status lists all
// entries; a limit of zero means no limit.
func (s *SQLiteStorage) ListQueue(ctx context.Context, status model.QueueStatus, limit int) ([]model.QueueEntry, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	if limit <= 0 {
		limit = -1
	}

	if status == "" {
		return queryQueue(ctx, s.db, `SELECT `+queueColumns+`
			FROM classification_queue ORDER BY priority, created_at, id LIMIT ?`, limit)
	}
	return queryQueue(ctx, s.db, `SELECT `+queueColumns+`
		FROM classification_queue WHERE status = ? ORDER BY priority, created_at, id LIMIT ?`,
		string(status), limit)
}

// RecordAttempt appends a stage attempt to the log and sets its ID.
func (s *SQLiteStorage) RecordAttempt(ctx context.Context, attempt *model.AttemptRecord) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if attempt == nil {
		return fmt.Errorf("%w: attempt", ErrNilParameter)
	}
	if err := validateString(attempt.Stage, "stage"); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO classification_attempts
		(queue_id, stage, started_at, completed_at, success, summary, error, raw_response)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.QueueID, attempt.Stage, attempt.StartedAt.UTC(), attempt.CompletedAt.UTC(),
		attempt.Success, attempt.Summary, attempt.Error, attempt.RawResponse)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get attempt ID: %w", err)
	}
	attempt.ID = id
	return nil
}

// ListAttempts returns the attempt log of a queue entry, oldest first.
func (s *SQLiteStorage) ListAttempts(ctx context.Context, queueID int64) ([]model.AttemptRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, queue_id, stage, started_at, completed_at, success, summary, error, raw_response
		FROM classification_attempts
		WHERE queue_id = ?
		ORDER BY id`, queueID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attempts []model.AttemptRecord
	for rows.Next() {
		var a model.AttemptRecord
		if err := rows.Scan(&a.ID, &a.QueueID, &a.Stage, &a.StartedAt, &a.CompletedAt,
			&a.Success, &a.Summary, &a.Error, &a.RawResponse); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}
	return attempts, nil
}
