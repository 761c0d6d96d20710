// Package evidence escalates unresolved transactions through external
// evidence stages: receipt search first, merchant identification second.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/saffron/internal/common"
	"github.com/Veraticus/saffron/internal/model"
)

// Stage names, as recorded in the attempt log.
const (
	StageReceiptSearch          = "receipt_search"
	StageMerchantIdentification = "merchant_identification"
)

// DateWindow is an inclusive date range.
type DateWindow struct {
	From time.Time
	To   time.Time
}

// WindowAround returns the window of whole days from date-days to date+days.
func WindowAround(date time.Time, days int) DateWindow {
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	return DateWindow{
		From: day.AddDate(0, 0, -days),
		To:   day.AddDate(0, 0, days+1).Add(-time.Nanosecond),
	}
}

// Contains reports whether t falls inside the window.
func (w DateWindow) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// ReceiptItem is one purchased line on a receipt.
type ReceiptItem struct {
	Price        decimal.Decimal `json:"price"`
	Name         string          `json:"name"`
	CategoryHint string          `json:"category_hint"`
	Quantity     int             `json:"quantity"`
}

// Receipt is a purchase record found in the mailbox.
type Receipt struct {
	OrderDate time.Time
	Total     decimal.Decimal
	Shipping  decimal.Decimal
	// Confidence is the extractor's own confidence. Zero means not reported.
	Confidence decimal.Decimal
	Merchant   string
	Currency   string
	// Reference identifies the source message.
	Reference string
	Raw       string
	Items     []ReceiptItem
}

// ItemsTotal is the sum of price times quantity over all items.
func (r Receipt) ItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range r.Items {
		q := it.Quantity
		if q <= 0 {
			q = 1
		}
		sum = sum.Add(it.Price.Mul(decimal.NewFromInt(int64(q))))
	}
	return sum
}

// ReceiptSearcher finds receipts for a merchant within a date window.
type ReceiptSearcher interface {
	Search(ctx context.Context, merchantHint string, window DateWindow) ([]Receipt, error)
}

// MerchantInfo describes what a merchant does.
type MerchantInfo struct {
	Confidence   decimal.Decimal
	Name         string
	BusinessType string
	Reference    string
	Raw          string
}

// MerchantIdentifier looks up the business behind a merchant string.
type MerchantIdentifier interface {
	Identify(ctx context.Context, merchantHint string) (*MerchantInfo, error)
}

// CategoryLookup lists the taxonomy so evidence can be mapped onto it.
type CategoryLookup interface {
	ListCategories(ctx context.Context) ([]model.Category, error)
}

// StageFailure is returned by a stage that produced no usable evidence.
// Transient failures (timeouts, rate limits, outages) may succeed on retry;
// definitive ones (nothing found, unmappable) will not.
type StageFailure struct {
	Err       error
	Stage     string
	Reason    string
	Raw       string
	Transient bool
}

func (f *StageFailure) Error() string {
	kind := "definitive"
	if f.Transient {
		kind = "transient"
	}
	if f.Err != nil {
		return fmt.Sprintf("%s failed (%s): %s: %v", f.Stage, kind, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s failed (%s): %s", f.Stage, kind, f.Reason)
}

func (f *StageFailure) Unwrap() error {
	return f.Err
}

func definitive(stage, reason string) *StageFailure {
	return &StageFailure{Stage: stage, Reason: reason}
}

func transient(stage, reason string, err error) *StageFailure {
	return &StageFailure{Stage: stage, Reason: reason, Err: err, Transient: true}
}

// asStageFailure classifies an error from a capability. Stage failures pass
// through and cancellation is returned as is. A call the provider refused
// outright is definitive; exhausted retries and anything unrecognised count
// as an outage that a later pass may get past.
func asStageFailure(stage, reason string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var sf *StageFailure
	if errors.As(err, &sf) {
		if sf.Stage == "" {
			sf.Stage = stage
		}
		return sf
	}
	var refused *common.RetryableError
	if !errors.Is(err, common.ErrMaxRetries) && errors.As(err, &refused) && !refused.Retryable {
		f := definitive(stage, reason)
		f.Err = err
		return f
	}
	return transient(stage, reason, err)
}

// StageResult is the evidence a stage produced for one transaction.
type StageResult struct {
	Confidence decimal.Decimal
	Stage      string
	Summary    string
	Raw        string
	Evidence   []model.EvidenceRecord
}

// Dominant returns the evidence record that decides the category.
func (r StageResult) Dominant() *model.EvidenceRecord {
	return model.DominantEvidence(r.Evidence)
}

// Stage is one escalation step.
type Stage interface {
	Name() string
	Run(ctx context.Context, txn model.Transaction) (*StageResult, error)
}
