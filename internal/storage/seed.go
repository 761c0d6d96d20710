package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Veraticus/saffron/internal/model"
)

// SeedNode is one category in a YAML seed tree.
type SeedNode struct {
	CommitmentLevel *int            `yaml:"commitment_level"`
	Name            string          `yaml:"name"`
	Description     string          `yaml:"description"`
	Frequency       model.Frequency `yaml:"frequency"`
	Children        []SeedNode      `yaml:"children"`
	Essential       bool            `yaml:"essential"`
}

// ParseSeed decodes a YAML list of category trees.
func ParseSeed(r io.Reader) ([]SeedNode, error) {
	var nodes []SeedNode
	if err := yaml.NewDecoder(r).Decode(&nodes); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse category seed: %w", err)
	}
	return nodes, nil
}

// SeedCategories creates the given trees in one transaction. Categories that
// already exist by name are reused as parents and left unchanged.
// It returns the number of categories created.
func (s *SQLiteStorage) SeedCategories(ctx context.Context, nodes []SeedNode) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}

	s.structureMu.Lock()
	defer s.structureMu.Unlock()

	created := 0
	var walk func(tx *sql.Tx, parent *int64, nodes []SeedNode) error
	walk = func(tx *sql.Tx, parent *int64, nodes []SeedNode) error {
		for _, n := range nodes {
			nc := NewCategory{
				Name:            n.Name,
				Description:     n.Description,
				ParentID:        parent,
				CommitmentLevel: n.CommitmentLevel,
				Frequency:       n.Frequency,
				IsEssential:     n.Essential,
			}
			if err := validateNewCategory(nc); err != nil {
				return fmt.Errorf("seed %q: %w", n.Name, err)
			}

			var id int64
			err := tx.QueryRowContext(ctx, `SELECT id FROM categories WHERE name = ?`, strings.TrimSpace(n.Name)).Scan(&id)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				cat, err := createCategoryTx(ctx, tx, nc)
				if err != nil {
					return fmt.Errorf("seed %q: %w", n.Name, err)
				}
				id = cat.ID
				created++
			case err != nil:
				return fmt.Errorf("failed to look up %q: %w", n.Name, err)
			}

			if err := walk(tx, &id, n.Children); err != nil {
				return err
			}
		}
		return nil
	}

	if err := s.withTx(ctx, func(tx *sql.Tx) error { return walk(tx, nil, nodes) }); err != nil {
		return 0, err
	}

	slog.Info("seeded categories", "created", created)
	return created, nil
}
