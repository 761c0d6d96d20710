package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/saffron/internal/model"
)

// Helper function to create test storage.
func createTestStorage(t *testing.T) (*SQLiteStorage, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStorage(dbPath)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		t.Fatalf("Failed to migrate: %v", err)
	}

	return store, func() { _ = store.Close() }
}

func testTransaction(id, description, amount string) model.Transaction {
	return model.Transaction{
		ID:          id,
		Date:        time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC),
		Description: description,
		Amount:      decimal.RequireFromString(amount),
		Currency:    "GBP",
		AccountName: "Current",
	}
}

func mustCreate(t *testing.T, s *SQLiteStorage, name string, parent *int64) *model.Category {
	t.Helper()
	cat, err := s.CreateCategory(context.Background(), NewCategory{Name: name, ParentID: parent})
	require.NoError(t, err)
	return cat
}

func TestMigrate(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	version, err := store.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExpectedSchemaVersion, version)

	// Running again is a no-op.
	require.NoError(t, store.Migrate(ctx))

	for _, table := range []string{
		"transactions", "categories", "category_closure", "classification_rules",
		"category_assignments", "category_evidence", "classification_queue", "classification_attempts",
	} {
		var name string
		err := store.db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		assert.NoError(t, err, "table %s should exist", table)
	}
}

func TestNewSQLiteStorage_EmptyPath(t *testing.T) {
	_, err := NewSQLiteStorage("  ")
	assert.ErrorIs(t, err, ErrEmptyString)
}

func TestSaveTransactions(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	txns := []model.Transaction{
		testTransaction("t1", "TESCO STORES 1234", "-23.45"),
		testTransaction("t2", "AMAZON.CO.UK", "-60.00"),
	}
	n, err := store.SaveTransactions(ctx, txns)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Immutable: saving the same IDs again changes nothing.
	changed := testTransaction("t1", "SOMETHING ELSE", "-1.00")
	n, err = store.SaveTransactions(ctx, []model.Transaction{changed})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := store.GetTransaction(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "TESCO STORES 1234", got.Description)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("-23.45")))
	assert.Equal(t, "GBP", got.Currency)

	unclassified, err := store.ListUnclassified(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, unclassified, 2)

	_, err = store.SaveTransactions(ctx, []model.Transaction{{ID: "x"}})
	assert.ErrorIs(t, err, ErrInvalidTransaction)
}

func TestListLabeledTransactions(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	cat := mustCreate(t, store, "Groceries", nil)
	_, err := store.SaveTransactions(ctx, []model.Transaction{
		testTransaction("t1", "TESCO STORES 1234", "-23.45"),
		testTransaction("t2", "AMAZON.CO.UK", "-60.00"),
	})
	require.NoError(t, err)
	require.NoError(t, store.CommitResolution(ctx, Resolution{
		Assignment: model.CategoryAssignment{TransactionID: "t1", CategoryID: cat.ID, Source: model.SourceManual},
	}))

	got, err := store.ListLabeledTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].ID)
	require.NotNil(t, got[0].CategoryID)
	assert.Equal(t, cat.ID, *got[0].CategoryID)
	assert.True(t, got[0].Amount.Equal(decimal.RequireFromString("-23.45")))
	assert.Equal(t, "t2", got[1].ID)
	assert.Nil(t, got[1].CategoryID)
}

func TestSnapshot(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	mustCreate(t, store, "Living", nil)

	path, err := store.Snapshot(ctx, "before-upgrade")
	require.NoError(t, err)
	assert.FileExists(t, path)

	_, err = store.Snapshot(ctx, "before-upgrade")
	assert.ErrorIs(t, err, ErrSnapshotExists)

	_, err = store.Snapshot(ctx, "../escape")
	assert.Error(t, err)

	snap, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	defer func() { _ = snap.Close() }()
	cats, err := snap.ListCategories(ctx)
	require.NoError(t, err)
	assert.Len(t, cats, 1)
}
