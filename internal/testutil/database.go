// Package testutil provides shared test fixtures: a migrated in-memory store
// seeded with a category tree, and transaction builders.
package testutil

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/saffron/internal/model"
	"github.com/Veraticus/saffron/internal/storage"
)

// TestDB represents a test database with associated test utilities.
type TestDB struct {
	Storage    *storage.SQLiteStorage
	t          *testing.T
	categories map[string]model.Category
}

// SetupTestDB creates a new in-memory test database seeded with the given
// category trees. It automatically handles migrations and cleanup.
//
// Example:
//
//	db := testutil.SetupTestDB(t, testutil.StandardTree())
//	groceries := db.MustCategory("Groceries")
func SetupTestDB(t *testing.T, tree []storage.SeedNode) *TestDB {
	t.Helper()

	store, err := storage.NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	if len(tree) > 0 {
		if _, err := store.SeedCategories(ctx, tree); err != nil {
			t.Fatalf("failed to seed categories: %v", err)
		}
	}

	db := &TestDB{Storage: store, t: t}
	db.Reload()
	return db
}

// Reload refreshes the category lookup after the test changes the tree.
func (db *TestDB) Reload() {
	db.t.Helper()
	cats, err := db.Storage.ListCategories(context.Background())
	if err != nil {
		db.t.Fatalf("failed to list categories: %v", err)
	}
	db.categories = make(map[string]model.Category, len(cats))
	for _, c := range cats {
		db.categories[strings.ToLower(c.Name)] = c
	}
}

// MustCategory returns the category with the given name or fails the test.
func (db *TestDB) MustCategory(name string) model.Category {
	db.t.Helper()
	cat, ok := db.categories[strings.ToLower(name)]
	if !ok {
		db.t.Fatalf("category %q not found in test data", name)
	}
	return cat
}

// MustSaveTransactions stores transactions or fails the test.
func (db *TestDB) MustSaveTransactions(txns ...model.Transaction) {
	db.t.Helper()
	if _, err := db.Storage.SaveTransactions(context.Background(), txns); err != nil {
		db.t.Fatalf("failed to save transactions: %v", err)
	}
}

// MustCreateRule stores a rule targeting the named category or fails the test.
func (db *TestDB) MustCreateRule(name, expression, category string, priority int, provisional bool) model.ClassificationRule {
	db.t.Helper()
	rule := model.ClassificationRule{
		Name:                    name,
		Expression:              expression,
		TargetCategoryID:        db.MustCategory(category).ID,
		Priority:                priority,
		RequiresFurtherEvidence: provisional,
		Active:                  true,
	}
	if err := db.Storage.CreateRule(context.Background(), &rule); err != nil {
		db.t.Fatalf("failed to create rule %q: %v", name, err)
	}
	return rule
}

// NewTransaction builds a GBP transaction. amount is a decimal string.
func NewTransaction(id, description, amount string, date time.Time) model.Transaction {
	return model.Transaction{
		ID:          id,
		Date:        date,
		Description: description,
		Amount:      decimal.RequireFromString(amount),
		Currency:    model.DefaultCurrency,
		AccountName: "Current Account",
	}
}

func level(l int) *int { return &l }

// StandardTree is a small household taxonomy with inherited commitment levels.
//
//	Living (1, essential)
//	  Groceries
//	  Household
//	  Utilities (0)
//	Shopping (3)
//	  Electronics
//	  Books
//	  Clothing
//	Leisure (4)
//	  Eating Out
//	  Subscriptions (2)
//	Travel
func StandardTree() []storage.SeedNode {
	return []storage.SeedNode{
		{
			Name: "Living", CommitmentLevel: level(1), Essential: true, Frequency: model.FrequencyMonthly,
			Children: []storage.SeedNode{
				{Name: "Groceries"},
				{Name: "Household"},
				{Name: "Utilities", CommitmentLevel: level(0)},
			},
		},
		{
			Name: "Shopping", CommitmentLevel: level(3), Frequency: model.FrequencyIrregular,
			Children: []storage.SeedNode{
				{Name: "Electronics"},
				{Name: "Books"},
				{Name: "Clothing"},
			},
		},
		{
			Name: "Leisure", CommitmentLevel: level(4),
			Children: []storage.SeedNode{
				{Name: "Eating Out"},
				{Name: "Subscriptions", CommitmentLevel: level(2), Frequency: model.FrequencyMonthly},
			},
		},
		{Name: "Travel"},
	}
}
