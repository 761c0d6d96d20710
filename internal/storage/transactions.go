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

const transactionColumns = `t.id, t.date, t.description, t.amount, t.currency,
	t.external_id, t.account_name, t.notes, t.created_at`

func scanTransaction(row interface{ Scan(...any) error }) (model.Transaction, error) {
	var (
		txn    model.Transaction
		amount string
	)
	if err := row.Scan(&txn.ID, &txn.Date, &txn.Description, &amount, &txn.Currency,
		&txn.ExternalID, &txn.AccountName, &txn.Notes, &txn.CreatedAt); err != nil {
		return txn, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return txn, fmt.Errorf("%w: amount %q: %w", common.ErrDatabaseCorrupted, amount, err)
	}
	txn.Amount = d
	return txn, nil
}

func queryTransactions(ctx context.Context, q queryer, query string, args ...any) ([]model.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var txns []model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txns, nil
}

// SaveTransactions stores ingested transactions. Transactions are immutable:
// an ID that already exists is left as it was. It returns how many were new.
func (s *SQLiteStorage) SaveTransactions(ctx context.Context, transactions []model.Transaction) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	if err := validateTransactions(transactions); err != nil {
		return 0, err
	}

	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO transactions
			(id, date, description, amount, currency, external_id, account_name, notes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		now := time.Now().UTC()
		for _, txn := range transactions {
			currency := txn.Currency
			if currency == "" {
				currency = model.DefaultCurrency
			}
			result, err := stmt.ExecContext(ctx,
				txn.ID, txn.Date.UTC(), txn.Description, txn.Amount.String(), currency,
				txn.ExternalID, txn.AccountName, txn.Notes, now)
			if err != nil {
				return fmt.Errorf("failed to insert transaction %s: %w", txn.ID, err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read rows affected: %w", err)
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	slog.Info("saved transactions", "received", len(transactions), "new", inserted)
	return inserted, nil
}

// GetTransaction returns a transaction by ID.
func (s *SQLiteStorage) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions t WHERE t.id = ?`, id)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &txn, nil
}

// ListUnclassified returns transactions that have neither an assignment nor a
// queue entry, oldest first. A limit of zero means no limit.
func (s *SQLiteStorage) ListUnclassified(ctx context.Context, limit int) ([]model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	return queryTransactions(ctx, s.db, `
		SELECT `+transactionColumns+`
		FROM transactions t
		WHERE NOT EXISTS (SELECT 1 FROM category_assignments a WHERE a.transaction_id = t.id)
		  AND NOT EXISTS (SELECT 1 FROM classification_queue q WHERE q.transaction_id = t.id)
		ORDER BY t.date, t.id
		LIMIT ?`, limit)
}

// ListTransactionsByCategory returns transactions assigned anywhere in the
// subtree rooted at categoryID, newest first.
func (s *SQLiteStorage) ListTransactionsByCategory(ctx context.Context, categoryID int64) ([]model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	return queryTransactions(ctx, s.db, `
		SELECT `+transactionColumns+`
		FROM category_closure cc
		JOIN category_assignments a ON a.category_id = cc.descendant_id
		JOIN transactions t ON t.id = a.transaction_id
		WHERE cc.ancestor_id = ?
		ORDER BY t.date DESC, t.id`, categoryID)
}

// LabeledTransaction is a transaction with the category it is assigned to,
// if any.
type LabeledTransaction struct {
	CategoryID *int64
	model.Transaction
}

// ListLabeledTransactions returns every transaction with its assignment,
// oldest first.
func (s *SQLiteStorage) ListLabeledTransactions(ctx context.Context) ([]LabeledTransaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`, a.category_id
		FROM transactions t
		LEFT JOIN category_assignments a ON a.transaction_id = t.id
		ORDER BY t.date, t.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []LabeledTransaction
	for rows.Next() {
		var (
			lt       LabeledTransaction
			amount   string
			category sql.NullInt64
		)
		if err := rows.Scan(&lt.ID, &lt.Date, &lt.Description, &amount, &lt.Currency,
			&lt.ExternalID, &lt.AccountName, &lt.Notes, &lt.CreatedAt, &category); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if lt.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("%w: amount %q: %w", common.ErrDatabaseCorrupted, amount, err)
		}
		if category.Valid {
			id := category.Int64
			lt.CategoryID = &id
		}
		out = append(out, lt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return out, nil
}
