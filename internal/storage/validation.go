// Package storage provides the SQLite persistence layer: the category forest
// with its closure index, rules, assignments, evidence and the classification queue.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/saffron/internal/model"
)

// Validation errors.
var (
	ErrNilContext         = errors.New("context cannot be nil")
	ErrEmptyString        = errors.New("string parameter cannot be empty")
	ErrNilParameter       = errors.New("parameter cannot be nil")
	ErrEmptySlice         = errors.New("slice cannot be empty")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrInvalidCategory    = errors.New("invalid category")
	ErrInvalidRule        = errors.New("invalid rule")
	ErrInvalidEvidence    = errors.New("invalid evidence")
	ErrInvalidStatus      = errors.New("invalid queue status")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

// validateTransactions validates a slice of transactions.
func validateTransactions(transactions []model.Transaction) error {
	if transactions == nil {
		return fmt.Errorf("%w: transactions", ErrNilParameter)
	}
	if len(transactions) == 0 {
		return fmt.Errorf("%w: transactions", ErrEmptySlice)
	}

	for i := range transactions {
		if err := validateTransaction(&transactions[i]); err != nil {
			return fmt.Errorf("transaction at index %d: %w", i, err)
		}
	}
	return nil
}

// validateTransaction validates a single transaction.
func validateTransaction(txn *model.Transaction) error {
	if txn == nil {
		return fmt.Errorf("%w: transaction", ErrNilParameter)
	}
	if txn.ID == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidTransaction)
	}
	if txn.Date.IsZero() {
		return fmt.Errorf("%w: missing date", ErrInvalidTransaction)
	}
	if strings.TrimSpace(txn.Description) == "" {
		return fmt.Errorf("%w: missing description", ErrInvalidTransaction)
	}
	return nil
}

func validateNewCategory(c NewCategory) error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidCategory)
	}
	if err := model.ValidateCommitmentLevel(c.CommitmentLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCategory, err)
	}
	if !c.Frequency.Valid() {
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidCategory, c.Frequency)
	}
	return nil
}

func validateRule(rule *model.ClassificationRule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule", ErrNilParameter)
	}
	if strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidRule)
	}
	if strings.TrimSpace(rule.Expression) == "" {
		return fmt.Errorf("%w: missing expression", ErrInvalidRule)
	}
	if rule.TargetCategoryID <= 0 {
		return fmt.Errorf("%w: missing target category", ErrInvalidRule)
	}
	return nil
}

func validateEvidence(records []model.EvidenceRecord) error {
	for i, rec := range records {
		if rec.TransactionID == "" {
			return fmt.Errorf("%w: record %d missing transaction", ErrInvalidEvidence, i)
		}
		if rec.CategoryID <= 0 {
			return fmt.Errorf("%w: record %d missing category", ErrInvalidEvidence, i)
		}
		if !rec.Source.Valid() {
			return fmt.Errorf("%w: record %d has unknown source %q", ErrInvalidEvidence, i, rec.Source)
		}
		if rec.ItemQuantity < 0 {
			return fmt.Errorf("%w: record %d has negative quantity", ErrInvalidEvidence, i)
		}
		if rec.Confidence.IsNegative() || rec.Confidence.GreaterThan(decimalOne) {
			return fmt.Errorf("%w: record %d confidence must be between 0 and 1", ErrInvalidEvidence, i)
		}
	}
	return nil
}
