package model

import "time"

// ClassificationRule maps an expression over transaction attributes to a category.
// Lower Priority values are evaluated first.
type ClassificationRule struct {
	CreatedAt               time.Time
	UpdatedAt               time.Time
	Name                    string
	Expression              string
	Description             string
	ID                      int64
	TargetCategoryID        int64
	Priority                int
	RequiresFurtherEvidence bool
	Active                  bool
}
