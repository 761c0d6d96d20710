package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 5

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

func execAll(tx *sql.Tx, queries []string) error {
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Transactions and category forest with closure index",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS transactions (
					id TEXT PRIMARY KEY,
					date DATETIME NOT NULL,
					description TEXT NOT NULL,
					amount TEXT NOT NULL,
					currency TEXT NOT NULL DEFAULT 'GBP',
					external_id TEXT NOT NULL DEFAULT '',
					account_name TEXT NOT NULL DEFAULT '',
					notes TEXT NOT NULL DEFAULT '',
					created_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_transactions_date ON transactions(date)`,

				`CREATE TABLE IF NOT EXISTS categories (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL UNIQUE COLLATE NOCASE,
					parent_id INTEGER REFERENCES categories(id),
					commitment_level INTEGER CHECK (commitment_level BETWEEN 0 AND 4),
					frequency TEXT NOT NULL DEFAULT '',
					is_essential INTEGER NOT NULL DEFAULT 0,
					description TEXT NOT NULL DEFAULT '',
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_categories_parent ON categories(parent_id)`,

				`CREATE TABLE IF NOT EXISTS category_closure (
					ancestor_id INTEGER NOT NULL REFERENCES categories(id),
					descendant_id INTEGER NOT NULL REFERENCES categories(id),
					depth INTEGER NOT NULL CHECK (depth >= 0),
					PRIMARY KEY (ancestor_id, descendant_id)
				)`,
				`CREATE INDEX idx_closure_descendant ON category_closure(descendant_id, depth)`,
			})
		},
	},
	{
		Version:     2,
		Description: "Classification rules, assignments and evidence",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS classification_rules (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL UNIQUE,
					expression TEXT NOT NULL,
					target_category_id INTEGER NOT NULL REFERENCES categories(id),
					priority INTEGER NOT NULL DEFAULT 100,
					requires_further_evidence INTEGER NOT NULL DEFAULT 0,
					active INTEGER NOT NULL DEFAULT 1,
					description TEXT NOT NULL DEFAULT '',
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_rules_active_priority ON classification_rules(active, priority)`,

				`CREATE TABLE IF NOT EXISTS category_assignments (
					transaction_id TEXT PRIMARY KEY REFERENCES transactions(id),
					category_id INTEGER NOT NULL REFERENCES categories(id),
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_assignments_category ON category_assignments(category_id)`,

				`CREATE TABLE IF NOT EXISTS category_evidence (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					transaction_id TEXT NOT NULL REFERENCES transactions(id),
					item_description TEXT NOT NULL DEFAULT '',
					item_price TEXT NOT NULL,
					item_quantity INTEGER NOT NULL DEFAULT 1,
					category_id INTEGER NOT NULL REFERENCES categories(id),
					source TEXT NOT NULL CHECK (source IN ('rule', 'email', 'web', 'manual')),
					provenance_reference TEXT NOT NULL DEFAULT '',
					confidence TEXT NOT NULL,
					raw_payload TEXT NOT NULL DEFAULT '',
					created_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_evidence_transaction ON category_evidence(transaction_id)`,
			})
		},
	},
	{
		Version:     3,
		Description: "Classification queue and attempt log",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS classification_queue (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					transaction_id TEXT NOT NULL UNIQUE REFERENCES transactions(id),
					status TEXT NOT NULL DEFAULT 'pending'
						CHECK (status IN ('pending', 'in_progress', 'resolved', 'manual_required', 'skipped')),
					priority INTEGER NOT NULL DEFAULT 100,
					attempts INTEGER NOT NULL DEFAULT 0,
					claimed_by TEXT NOT NULL DEFAULT '',
					resolution_source TEXT NOT NULL DEFAULT '',
					summary TEXT NOT NULL DEFAULT '',
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL,
					resolved_at DATETIME
				)`,
				`CREATE INDEX idx_queue_claim ON classification_queue(status, priority, created_at)`,

				`CREATE TABLE IF NOT EXISTS classification_attempts (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					queue_id INTEGER NOT NULL REFERENCES classification_queue(id),
					stage TEXT NOT NULL,
					started_at DATETIME NOT NULL,
					completed_at DATETIME NOT NULL,
					success INTEGER NOT NULL DEFAULT 0,
					summary TEXT NOT NULL DEFAULT '',
					error TEXT NOT NULL DEFAULT '',
					raw_response TEXT NOT NULL DEFAULT ''
				)`,
				`CREATE INDEX idx_attempts_queue ON classification_attempts(queue_id)`,
			})
		},
	},
	{
		Version:     4,
		Description: "Record assignment source and matching rule",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`ALTER TABLE category_assignments ADD COLUMN source TEXT NOT NULL DEFAULT 'manual'`,
				`ALTER TABLE category_assignments ADD COLUMN rule_id INTEGER REFERENCES classification_rules(id)`,
				`CREATE INDEX idx_assignments_source ON category_assignments(source)`,
			})
		},
	},
	{
		Version:     5,
		Description: "Rule set revision counter",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`CREATE TABLE IF NOT EXISTS rule_set_revision (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					revision INTEGER NOT NULL
				)`,
				`INSERT INTO rule_set_revision (id, revision) VALUES (1, 0)`,
			}
			for _, event := range []string{"INSERT", "UPDATE", "DELETE"} {
				queries = append(queries, fmt.Sprintf(`CREATE TRIGGER rules_revision_%s AFTER %s ON classification_rules
					BEGIN
						UPDATE rule_set_revision SET revision = revision + 1 WHERE id = 1;
					END`, strings.ToLower(event), event))
			}
			return execAll(tx, queries)
		},
	},
}

// Migrate runs all pending database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	currentVersion, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	finalVersion, err := s.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}

	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}

// SchemaVersion returns the applied schema version.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}
