package model

import "time"

// EvidenceSource identifies where a categorization decision came from.
type EvidenceSource string

// Evidence sources.
const (
	SourceRule   EvidenceSource = "rule"
	SourceEmail  EvidenceSource = "email"
	SourceWeb    EvidenceSource = "web"
	SourceManual EvidenceSource = "manual"
)

// Valid reports whether s is a known evidence source.
func (s EvidenceSource) Valid() bool {
	switch s {
	case SourceRule, SourceEmail, SourceWeb, SourceManual:
		return true
	}
	return false
}

// CategoryAssignment links a transaction to exactly one category.
type CategoryAssignment struct {
	CreatedAt     time.Time
	UpdatedAt     time.Time
	RuleID        *int64
	TransactionID string
	Source        EvidenceSource
	CategoryID    int64
}
