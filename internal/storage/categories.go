package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/Veraticus/saffron/internal/common"
	"github.com/Veraticus/saffron/internal/model"
)

// NewCategory describes a category to create.
type NewCategory struct {
	ParentID        *int64
	CommitmentLevel *int
	Name            string
	Description     string
	Frequency       model.Frequency
	IsEssential     bool
}

const categoryColumns = `c.id, c.name, c.parent_id, c.commitment_level, c.frequency,
	c.is_essential, c.description, c.created_at, c.updated_at`

func scanCategory(row interface{ Scan(...any) error }) (model.Category, error) {
	var (
		cat       model.Category
		parentID  sql.NullInt64
		level     sql.NullInt64
		frequency string
	)
	if err := row.Scan(&cat.ID, &cat.Name, &parentID, &level, &frequency,
		&cat.IsEssential, &cat.Description, &cat.CreatedAt, &cat.UpdatedAt); err != nil {
		return cat, err
	}
	if parentID.Valid {
		id := parentID.Int64
		cat.ParentID = &id
	}
	if level.Valid {
		l := int(level.Int64)
		cat.CommitmentLevel = &l
	}
	cat.Frequency = model.Frequency(frequency)
	return cat, nil
}

func queryCategories(ctx context.Context, q queryer, query string, args ...any) ([]model.Category, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var categories []model.Category
	for rows.Next() {
		cat, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, cat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating categories: %w", err)
	}
	return categories, nil
}

func categoryExists(ctx context.Context, q queryer, id int64) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM categories WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check category %d: %w", id, err)
	}
	return exists, nil
}

// CreateCategory inserts a category and indexes it under its parent's ancestors.
func (s *SQLiteStorage) CreateCategory(ctx context.Context, nc NewCategory) (*model.Category, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateNewCategory(nc); err != nil {
		return nil, err
	}

	s.structureMu.Lock()
	defer s.structureMu.Unlock()

	var created model.Category
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cat, err := createCategoryTx(ctx, tx, nc)
		if err != nil {
			return err
		}
		created = *cat
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("created category", "id", created.ID, "name", created.Name, "parent_id", created.ParentID)
	return &created, nil
}

func createCategoryTx(ctx context.Context, tx *sql.Tx, nc NewCategory) (*model.Category, error) {
	if nc.ParentID != nil {
		ok, err := categoryExists(ctx, tx, *nc.ParentID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, common.NewStructuralError("create", *nc.ParentID, common.ErrInvalidParent)
		}
	}

	now := time.Now().UTC()
	name := strings.TrimSpace(nc.Name)
	result, err := tx.ExecContext(ctx, `
		INSERT INTO categories (name, parent_id, commitment_level, frequency, is_essential, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		name, nc.ParentID, nc.CommitmentLevel, string(nc.Frequency), nc.IsEssential, nc.Description, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("category %q: %w", name, common.ErrDuplicateEntry)
		}
		return nil, fmt.Errorf("failed to insert category: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get category ID: %w", err)
	}

	if nc.ParentID != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO category_closure (ancestor_id, descendant_id, depth)
			SELECT ancestor_id, ?, depth + 1
			FROM category_closure
			WHERE descendant_id = ?`, id, *nc.ParentID); err != nil {
			return nil, fmt.Errorf("failed to index ancestors: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO category_closure (ancestor_id, descendant_id, depth) VALUES (?, ?, 0)`, id, id); err != nil {
		return nil, fmt.Errorf("failed to insert self edge: %w", err)
	}

	return &model.Category{
		ID:              id,
		Name:            name,
		ParentID:        nc.ParentID,
		CommitmentLevel: nc.CommitmentLevel,
		Frequency:       nc.Frequency,
		IsEssential:     nc.IsEssential,
		Description:     nc.Description,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// GetCategory returns a category by ID.
func (s *SQLiteStorage) GetCategory(ctx context.Context, id int64) (*model.Category, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+categoryColumns+` FROM categories c WHERE c.id = ?`, id)
	cat, err := scanCategory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("category %d: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get category: %w", err)
	}
	return &cat, nil
}

// GetCategoryByName returns a category by its name, ignoring case.
func (s *SQLiteStorage) GetCategoryByName(ctx context.Context, name string) (*model.Category, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(name, "name"); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+categoryColumns+` FROM categories c WHERE c.name = ?`, strings.TrimSpace(name))
	cat, err := scanCategory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("category %q: %w", name, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get category by name: %w", err)
	}
	return &cat, nil
}

// ListCategories returns every category ordered by name.
func (s *SQLiteStorage) ListCategories(ctx context.Context) ([]model.Category, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return queryCategories(ctx, s.db, `SELECT `+categoryColumns+` FROM categories c ORDER BY c.name`)
}

// MoveCategory re-parents a category with its whole subtree. A nil newParent
// makes it a root. Edges inside the subtree are left untouched.
func (s *SQLiteStorage) MoveCategory(ctx context.Context, id int64, newParent *int64) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	s.structureMu.Lock()
	defer s.structureMu.Unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := categoryExists(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("category %d: %w", id, common.ErrNotFound)
		}

		if newParent != nil {
			ok, err := categoryExists(ctx, tx, *newParent)
			if err != nil {
				return err
			}
			if !ok {
				return common.NewStructuralError("move", id, common.ErrInvalidParent)
			}

			// newParent inside the subtree (itself included) would close a loop.
			var inSubtree bool
			if err := tx.QueryRowContext(ctx, `
				SELECT EXISTS(SELECT 1 FROM category_closure WHERE ancestor_id = ? AND descendant_id = ?)`,
				id, *newParent).Scan(&inSubtree); err != nil {
				return fmt.Errorf("failed to check for cycle: %w", err)
			}
			if inSubtree {
				return common.NewStructuralError("move", id, common.ErrCycleDetected)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM category_closure
			WHERE descendant_id IN (SELECT descendant_id FROM category_closure WHERE ancestor_id = ?)
			  AND ancestor_id NOT IN (SELECT descendant_id FROM category_closure WHERE ancestor_id = ?)`,
			id, id); err != nil {
			return fmt.Errorf("failed to detach subtree: %w", err)
		}

		if newParent != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO category_closure (ancestor_id, descendant_id, depth)
				SELECT a.ancestor_id, d.descendant_id, a.depth + d.depth + 1
				FROM category_closure a
				CROSS JOIN category_closure d
				WHERE a.descendant_id = ? AND d.ancestor_id = ?`,
				*newParent, id); err != nil {
				return fmt.Errorf("failed to attach subtree: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE categories SET parent_id = ?, updated_at = ? WHERE id = ?`,
			newParent, time.Now().UTC(), id); err != nil {
			return fmt.Errorf("failed to update parent: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("moved category", "id", id, "new_parent", newParent)
	return nil
}

// DeleteCategory removes a category. With cascade the whole subtree goes,
// deepest descendants first; without it a category with children is rejected.
// Categories still referenced by assignments, evidence or rules are never removed.
func (s *SQLiteStorage) DeleteCategory(ctx context.Context, id int64, cascade bool) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	s.structureMu.Lock()
	defer s.structureMu.Unlock()

	var removed int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT descendant_id FROM category_closure
			WHERE ancestor_id = ?
			ORDER BY depth DESC, descendant_id`, id)
		if err != nil {
			return fmt.Errorf("failed to collect subtree: %w", err)
		}
		var subtree []int64
		for rows.Next() {
			var d int64
			if err := rows.Scan(&d); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan subtree: %w", err)
			}
			subtree = append(subtree, d)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("failed to close subtree rows: %w", err)
		}

		if len(subtree) == 0 {
			return fmt.Errorf("category %d: %w", id, common.ErrNotFound)
		}
		if len(subtree) > 1 && !cascade {
			return common.NewStructuralError("delete", id, common.ErrHasChildren)
		}

		var referenced bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM category_closure cc
				WHERE cc.ancestor_id = ? AND (
					EXISTS(SELECT 1 FROM category_assignments a WHERE a.category_id = cc.descendant_id)
					OR EXISTS(SELECT 1 FROM category_evidence e WHERE e.category_id = cc.descendant_id)
					OR EXISTS(SELECT 1 FROM classification_rules r WHERE r.target_category_id = cc.descendant_id)
				)
			)`, id).Scan(&referenced); err != nil {
			return fmt.Errorf("failed to check category references: %w", err)
		}
		if referenced {
			return common.NewStructuralError("delete", id, ErrCategoryInUse)
		}

		for _, d := range subtree {
			if _, err := tx.ExecContext(ctx, `DELETE FROM category_closure WHERE descendant_id = ?`, d); err != nil {
				return fmt.Errorf("failed to remove edges of category %d: %w", d, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM categories WHERE id = ?`, d); err != nil {
				return fmt.Errorf("failed to remove category %d: %w", d, err)
			}
		}
		removed = len(subtree)
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("deleted category", "id", id, "removed", removed, "cascade", cascade)
	return nil
}

// ErrCategoryInUse is returned when deleting a category that still has
// assignments, evidence or rules pointing at it.
var ErrCategoryInUse = errors.New("category in use")

// Ancestors returns the category and its ancestors, nearest first.
func (s *SQLiteStorage) Ancestors(ctx context.Context, id int64) ([]model.Category, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	cats, err := queryCategories(ctx, s.db, `
		SELECT `+categoryColumns+`
		FROM category_closure cc
		JOIN categories c ON c.id = cc.ancestor_id
		WHERE cc.descendant_id = ?
		ORDER BY cc.depth`, id)
	if err != nil {
		return nil, err
	}
	if len(cats) == 0 {
		return nil, fmt.Errorf("category %d: %w", id, common.ErrNotFound)
	}
	return cats, nil
}

// Descendants returns the category and everything below it, shallowest first.
func (s *SQLiteStorage) Descendants(ctx context.Context, id int64) ([]model.Category, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	cats, err := queryCategories(ctx, s.db, `
		SELECT `+categoryColumns+`
		FROM category_closure cc
		JOIN categories c ON c.id = cc.descendant_id
		WHERE cc.ancestor_id = ?
		ORDER BY cc.depth, c.name`, id)
	if err != nil {
		return nil, err
	}
	if len(cats) == 0 {
		return nil, fmt.Errorf("category %d: %w", id, common.ErrNotFound)
	}
	return cats, nil
}

// EffectiveCommitmentLevel resolves the commitment level of a category from the
// nearest ancestor (itself included) that defines one. It returns nil when none does.
func (s *SQLiteStorage) EffectiveCommitmentLevel(ctx context.Context, id int64) (*int, error) {
	ancestors, err := s.Ancestors(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, a := range ancestors {
		if a.CommitmentLevel != nil {
			level := *a.CommitmentLevel
			return &level, nil
		}
	}
	return nil, nil
}

// IsEssential reports whether a category counts as essential spending.
func (s *SQLiteStorage) IsEssential(ctx context.Context, id int64) (bool, error) {
	cat, err := s.GetCategory(ctx, id)
	if err != nil {
		return false, err
	}
	level, err := s.EffectiveCommitmentLevel(ctx, id)
	if err != nil {
		return false, err
	}
	return cat.Essential(level), nil
}

// SubtreeAggregate sums the amounts of all transactions assigned to the
// category or any of its descendants.
func (s *SQLiteStorage) SubtreeAggregate(ctx context.Context, id int64) (decimal.Decimal, error) {
	if err := validateContext(ctx); err != nil {
		return decimal.Zero, err
	}

	ok, err := categoryExists(ctx, s.db, id)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, fmt.Errorf("category %d: %w", id, common.ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.amount
		FROM category_closure cc
		JOIN category_assignments a ON a.category_id = cc.descendant_id
		JOIN transactions t ON t.id = a.transaction_id
		WHERE cc.ancestor_id = ?`, id)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query subtree amounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan amount: %w", err)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: amount %q: %w", common.ErrDatabaseCorrupted, raw, err)
		}
		total = total.Add(amount)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("error iterating amounts: %w", err)
	}
	return total, nil
}

// ClosureEdges returns the whole closure index, ordered for stable comparison.
func (s *SQLiteStorage) ClosureEdges(ctx context.Context) ([]model.ClosureEdge, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ancestor_id, descendant_id, depth
		FROM category_closure
		ORDER BY ancestor_id, descendant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query closure: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var edges []model.ClosureEdge
	for rows.Next() {
		var e model.ClosureEdge
		if err := rows.Scan(&e.AncestorID, &e.DescendantID, &e.Depth); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
