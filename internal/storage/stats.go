package storage

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/saffron/internal/common"
	"github.com/Veraticus/saffron/internal/model"
)

// CategoryCount is one row of the assignment distribution.
type CategoryCount struct {
	Total      decimal.Decimal
	Name       string
	CategoryID int64
	Count      int
}

// CoverageStats summarizes how much of the ledger is classified and how.
type CoverageStats struct {
	BySource     map[model.EvidenceSource]int
	Queue        map[model.QueueStatus]int
	Distribution []CategoryCount
	Transactions int
	Assigned     int
}

// Coverage returns the assigned fraction between 0 and 1.
func (c CoverageStats) Coverage() float64 {
	if c.Transactions == 0 {
		return 0
	}
	return float64(c.Assigned) / float64(c.Transactions)
}

// CoverageStats gathers classification coverage, queue depth and the
// per-category distribution of assignments.
func (s *SQLiteStorage) CoverageStats(ctx context.Context) (*CoverageStats, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	stats := &CoverageStats{
		BySource: make(map[model.EvidenceSource]int),
		Queue:    make(map[model.QueueStatus]int),
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&stats.Transactions); err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM category_assignments`).Scan(&stats.Assigned); err != nil {
		return nil, fmt.Errorf("failed to count assignments: %w", err)
	}

	if err := s.countInto(ctx, `SELECT source, COUNT(*) FROM category_assignments GROUP BY source`,
		func(key string, n int) { stats.BySource[model.EvidenceSource(key)] = n }); err != nil {
		return nil, err
	}
	if err := s.countInto(ctx, `SELECT status, COUNT(*) FROM classification_queue GROUP BY status`,
		func(key string, n int) { stats.Queue[model.QueueStatus(key)] = n }); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, t.amount
		FROM category_assignments a
		JOIN categories c ON c.id = a.category_id
		JOIN transactions t ON t.id = a.transaction_id
		ORDER BY c.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query distribution: %w", err)
	}
	defer func() { _ = rows.Close() }()

	index := make(map[int64]int)
	for rows.Next() {
		var (
			id     int64
			name   string
			amount string
		)
		if err := rows.Scan(&id, &name, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan distribution: %w", err)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("%w: amount %q", common.ErrDatabaseCorrupted, amount)
		}
		i, ok := index[id]
		if !ok {
			i = len(stats.Distribution)
			index[id] = i
			stats.Distribution = append(stats.Distribution, CategoryCount{CategoryID: id, Name: name})
		}
		stats.Distribution[i].Count++
		stats.Distribution[i].Total = stats.Distribution[i].Total.Add(d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating distribution: %w", err)
	}

	return stats, nil
}

func (s *SQLiteStorage) countInto(ctx context.Context, query string, set func(string, int)) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan count: %w", err)
		}
		set(key, n)
	}
	return rows.Err()
}
