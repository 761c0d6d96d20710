package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EvidenceRecord is one item-level piece of evidence supporting a category.
type EvidenceRecord struct {
	CreatedAt           time.Time
	ItemPrice           decimal.Decimal
	Confidence          decimal.Decimal
	TransactionID       string
	ItemDescription     string
	Source              EvidenceSource
	ProvenanceReference string
	RawPayload          string
	ID                  int64
	CategoryID          int64
	ItemQuantity        int
}

// Value is price times quantity.
func (e EvidenceRecord) Value() decimal.Decimal {
	return e.ItemPrice.Abs().Mul(decimal.NewFromInt(int64(e.ItemQuantity)))
}

// DominantEvidence returns the record with the largest value. Ties keep the
// earliest record. It returns nil for an empty slice.
func DominantEvidence(records []EvidenceRecord) *EvidenceRecord {
	var best *EvidenceRecord
	for i := range records {
		if best == nil || records[i].Value().GreaterThan(best.Value()) {
			best = &records[i]
		}
	}
	return best
}
