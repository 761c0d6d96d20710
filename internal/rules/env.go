package rules

import (
	"time"

	"github.com/Veraticus/saffron/internal/model"
)

// Env is the set of transaction attributes visible to rule expressions.
//
//	description matches "(?i)^tesco" && amount < 0
//	lower(account_name) == "joint" && abs(amount) > 100
//	date.Weekday().String() == "Saturday"
type Env struct {
	Date        time.Time `expr:"date"`
	Description string    `expr:"description"`
	Currency    string    `expr:"currency"`
	AccountName string    `expr:"account_name"`
	ExternalID  string    `expr:"external_id"`
	Notes       string    `expr:"notes"`
	Amount      float64   `expr:"amount"`
}

// NewEnv projects a transaction into the expression environment.
func NewEnv(txn model.Transaction) Env {
	amount, _ := txn.Amount.Float64()
	return Env{
		Date:        txn.Date,
		Description: txn.Description,
		Currency:    txn.Currency,
		AccountName: txn.AccountName,
		ExternalID:  txn.ExternalID,
		Notes:       txn.Notes,
		Amount:      amount,
	}
}
