package model

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is used when a source does not state one.
const DefaultCurrency = "GBP"

// Transaction is an immutable ledger record supplied by ingestion.
type Transaction struct {
	Date        time.Time
	CreatedAt   time.Time
	Amount      decimal.Decimal
	ID          string
	Description string
	Currency    string
	ExternalID  string
	AccountName string
	Notes       string
}

// GenerateID derives a stable identifier for sources that do not supply one.
func (t *Transaction) GenerateID() string {
	data := fmt.Sprintf("%s:%s:%s:%s:%s",
		t.Date.Format("2006-01-02"),
		t.Amount.StringFixed(2),
		t.Description,
		t.AccountName,
		t.ExternalID)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:16])
}

// IsDebit reports whether the transaction is money leaving the account.
func (t *Transaction) IsDebit() bool {
	return t.Amount.IsNegative()
}
