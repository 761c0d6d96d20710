// Package model defines the core domain models used throughout the application.
package model

import (
	"fmt"
	"time"
)

// Frequency describes how often spending in a category recurs.
type Frequency string

// Frequency constants.
const (
	FrequencyMonthly    Frequency = "monthly"
	FrequencyQuarterly  Frequency = "quarterly"
	FrequencySemiAnnual Frequency = "semi_annual"
	FrequencyAnnual     Frequency = "annual"
	FrequencyIrregular  Frequency = "irregular"
)

// Valid reports whether f is a known frequency. The empty value is allowed.
func (f Frequency) Valid() bool {
	switch f {
	case "", FrequencyMonthly, FrequencyQuarterly, FrequencySemiAnnual, FrequencyAnnual, FrequencyIrregular:
		return true
	}
	return false
}

// Commitment level bounds. 0 is non-negotiable, 4 is discretionary savings.
const (
	MinCommitmentLevel = 0
	MaxCommitmentLevel = 4

	// EssentialCommitmentThreshold is the highest level still treated as essential
	// when the category does not set IsEssential explicitly.
	EssentialCommitmentThreshold = 1
)

// Category is a node in the category forest.
type Category struct {
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ParentID        *int64
	CommitmentLevel *int
	Name            string
	Description     string
	Frequency       Frequency
	ID              int64
	IsEssential     bool
}

// IsRoot reports whether the category has no parent.
func (c Category) IsRoot() bool {
	return c.ParentID == nil
}

// Essential reports whether spending in the category is essential given its
// resolved commitment level. IsEssential always wins.
func (c Category) Essential(effectiveLevel *int) bool {
	if c.IsEssential {
		return true
	}
	if effectiveLevel == nil {
		return false
	}
	return *effectiveLevel <= EssentialCommitmentThreshold
}

// ValidateCommitmentLevel checks that a level lies within 0–4.
func ValidateCommitmentLevel(level *int) error {
	if level == nil {
		return nil
	}
	if *level < MinCommitmentLevel || *level > MaxCommitmentLevel {
		return fmt.Errorf("commitment level %d out of range [%d, %d]", *level, MinCommitmentLevel, MaxCommitmentLevel)
	}
	return nil
}

// ClosureEdge is one row of the category transitive-closure index.
type ClosureEdge struct {
	AncestorID   int64
	DescendantID int64
	Depth        int
}
