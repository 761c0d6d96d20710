// Package service defines the interfaces between the pipeline and its collaborators.
package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/saffron/internal/model"
	"github.com/Veraticus/saffron/internal/storage"
)

// CategoryStore is the taxonomy side of the persistence layer.
type CategoryStore interface {
	CreateCategory(ctx context.Context, nc storage.NewCategory) (*model.Category, error)
	GetCategory(ctx context.Context, id int64) (*model.Category, error)
	GetCategoryByName(ctx context.Context, name string) (*model.Category, error)
	ListCategories(ctx context.Context) ([]model.Category, error)
	MoveCategory(ctx context.Context, id int64, newParent *int64) error
	DeleteCategory(ctx context.Context, id int64, cascade bool) error
	Ancestors(ctx context.Context, id int64) ([]model.Category, error)
	Descendants(ctx context.Context, id int64) ([]model.Category, error)
	EffectiveCommitmentLevel(ctx context.Context, id int64) (*int, error)
	SubtreeAggregate(ctx context.Context, id int64) (decimal.Decimal, error)
}

// RuleStore lists rules in evaluation order.
type RuleStore interface {
	ListRules(ctx context.Context, activeOnly bool) ([]model.ClassificationRule, error)
	RuleRevision(ctx context.Context) (int64, error)
}

// QueueStore is the classification queue and its attempt log.
type QueueStore interface {
	Enqueue(ctx context.Context, transactionID string, priority int) (*model.QueueEntry, bool, error)
	ClaimPending(ctx context.Context, limit int, workerID string) ([]model.QueueEntry, error)
	TransitionEntry(ctx context.Context, t storage.QueueTransition) error
	ReleaseClaim(ctx context.Context, id int64, workerID string) error
	ReleaseStaleClaims(ctx context.Context, maxAge time.Duration) (int, error)
	ResetEntry(ctx context.Context, id int64) error
	GetQueueEntry(ctx context.Context, id int64) (*model.QueueEntry, error)
	GetQueueEntryByTransaction(ctx context.Context, transactionID string) (*model.QueueEntry, error)
	ListQueue(ctx context.Context, status model.QueueStatus, limit int) ([]model.QueueEntry, error)
	RecordAttempt(ctx context.Context, attempt *model.AttemptRecord) error
	ListAttempts(ctx context.Context, queueID int64) ([]model.AttemptRecord, error)
}

// Storage defines the contract for our persistence layer.
type Storage interface {
	CategoryStore
	RuleStore
	QueueStore

	// Transaction operations
	SaveTransactions(ctx context.Context, transactions []model.Transaction) (int, error)
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	ListUnclassified(ctx context.Context, limit int) ([]model.Transaction, error)
	ListLabeledTransactions(ctx context.Context) ([]storage.LabeledTransaction, error)

	// Assignment operations
	GetAssignment(ctx context.Context, transactionID string) (*model.CategoryAssignment, error)
	CommitResolution(ctx context.Context, res storage.Resolution) error
	ListEvidence(ctx context.Context, transactionID string) ([]model.EvidenceRecord, error)

	// Database management
	Migrate(ctx context.Context) error
	Close() error
}

var _ Storage = (*storage.SQLiteStorage)(nil)
