package evidence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/saffron/internal/config"
	"github.com/Veraticus/saffron/internal/model"
)

// Confidence bands for how well a receipt's items add up to its total.
var (
	confidenceExact    = decimal.RequireFromString("0.95")
	confidenceClose    = decimal.RequireFromString("0.85")
	confidenceLoose    = decimal.RequireFromString("0.70")
	confidenceFallback = decimal.RequireFromString("0.50")

	ratioExact = decimal.RequireFromString("0.05")
	ratioClose = decimal.RequireFromString("0.10")
	ratioLoose = decimal.RequireFromString("0.20")
)

// ReceiptStage searches the mailbox for the receipt behind a transaction and
// turns its line items into evidence.
type ReceiptStage struct {
	searcher   ReceiptSearcher
	categories CategoryLookup
	mapper     *CategoryMapper
	senders    map[string][]string
	cfg        config.Pipeline
}

// NewReceiptStage creates the receipt search stage.
func NewReceiptStage(searcher ReceiptSearcher, categories CategoryLookup, mapper *CategoryMapper,
	mappings config.Mappings, cfg config.Pipeline) *ReceiptStage {
	return &ReceiptStage{
		searcher:   searcher,
		categories: categories,
		mapper:     mapper,
		senders:    mappings.MerchantSenders,
		cfg:        cfg,
	}
}

// Name implements Stage.
func (s *ReceiptStage) Name() string { return StageReceiptSearch }

// Run implements Stage.
func (s *ReceiptStage) Run(ctx context.Context, txn model.Transaction) (*StageResult, error) {
	merchant := ExtractMerchant(txn.Description, s.senders)
	if merchant == "" {
		return nil, definitive(StageReceiptSearch, "no merchant in description")
	}

	window := WindowAround(txn.Date, s.cfg.SearchWindowDays)
	receipts, err := s.searcher.Search(ctx, merchant, window)
	if err != nil {
		return nil, asStageFailure(StageReceiptSearch, "receipt search failed", err)
	}

	var inWindow []Receipt
	for _, r := range receipts {
		if r.OrderDate.IsZero() || window.Contains(r.OrderDate) {
			inWindow = append(inWindow, r)
		}
	}
	best := closestReceipt(inWindow, txn.Date)
	if best == nil {
		return nil, definitive(StageReceiptSearch, fmt.Sprintf("no receipts from %q between %s and %s",
			merchant, window.From.Format(time.DateOnly), window.To.Format(time.DateOnly)))
	}

	cats, err := s.categories.ListCategories(ctx)
	if err != nil {
		return nil, transient(StageReceiptSearch, "failed to list categories", err)
	}

	confidence, notes := s.confidence(*best, txn)

	var records []model.EvidenceRecord
	var unmapped []string
	for _, item := range best.Items {
		cat := s.mapper.MapItem(item.CategoryHint, item.Name, cats)
		if cat == nil {
			unmapped = append(unmapped, item.Name)
			continue
		}
		qty := item.Quantity
		if qty <= 0 {
			qty = 1
		}
		records = append(records, model.EvidenceRecord{
			TransactionID:       txn.ID,
			ItemDescription:     item.Name,
			ItemPrice:           item.Price,
			ItemQuantity:        qty,
			CategoryID:          cat.ID,
			Source:              model.SourceEmail,
			ProvenanceReference: best.Reference,
			Confidence:          confidence,
		})
	}
	if len(records) == 0 {
		f := definitive(StageReceiptSearch, fmt.Sprintf("no receipt items map to a category (%s)", strings.Join(unmapped, ", ")))
		f.Raw = best.Raw
		return nil, f
	}
	if len(unmapped) > 0 {
		notes = append(notes, fmt.Sprintf("unmapped items: %s", strings.Join(unmapped, ", ")))
	}

	// Shipping follows the dominant item and is recorded even when free.
	dominant := model.DominantEvidence(records)
	records = append(records, model.EvidenceRecord{
		TransactionID:       txn.ID,
		ItemDescription:     "Shipping",
		ItemPrice:           best.Shipping,
		ItemQuantity:        1,
		CategoryID:          dominant.CategoryID,
		Source:              model.SourceEmail,
		ProvenanceReference: best.Reference,
		Confidence:          confidence,
	})
	records[0].RawPayload = best.Raw

	summary := fmt.Sprintf("receipt %s from %s: %d items, total %s",
		best.Reference, merchantLabel(*best, merchant), len(best.Items), best.Total.StringFixed(2))
	if len(notes) > 0 {
		summary += "; " + strings.Join(notes, "; ")
	}

	return &StageResult{
		Stage:      StageReceiptSearch,
		Evidence:   records,
		Confidence: confidence,
		Summary:    summary,
		Raw:        best.Raw,
	}, nil
}

// confidence scores a receipt by how well items plus shipping add up to its
// stated total. A total that disagrees with the bank amount is only noted for
// the reviewer.
func (s *ReceiptStage) confidence(r Receipt, txn model.Transaction) (decimal.Decimal, []string) {
	var notes []string

	conf := confidenceFallback
	if r.Total.IsPositive() {
		ratio := r.ItemsTotal().Add(r.Shipping).Sub(r.Total).Abs().Div(r.Total)
		switch {
		case ratio.LessThanOrEqual(ratioExact):
			conf = confidenceExact
		case ratio.LessThanOrEqual(ratioClose):
			conf = confidenceClose
		case ratio.LessThanOrEqual(ratioLoose):
			conf = confidenceLoose
		}
	}

	if note := amountDivergence(r.Total, txn.Amount.Abs(), s.cfg.AmountTolerance); note != "" {
		notes = append(notes, note)
	}

	if r.Confidence.IsPositive() {
		conf = decimal.Min(conf, r.Confidence)
	}
	return conf, notes
}

// amountDivergence describes a receipt total that is further than tolerance
// (a fraction of amount) from the bank amount, or returns "".
func amountDivergence(total, amount, tolerance decimal.Decimal) string {
	if !amount.IsPositive() || !total.IsPositive() {
		return ""
	}
	diff := total.Sub(amount).Abs().Div(amount)
	if diff.LessThanOrEqual(tolerance) {
		return ""
	}
	return fmt.Sprintf("receipt total %s differs from amount %s by %s%%",
		total.StringFixed(2), amount.StringFixed(2), diff.Mul(decimal.NewFromInt(100)).StringFixed(1))
}

// closestReceipt picks the receipt whose order date is nearest the
// transaction date. Receipts without a date rank last.
func closestReceipt(receipts []Receipt, date time.Time) *Receipt {
	var (
		best     *Receipt
		bestDist time.Duration
	)
	for i := range receipts {
		r := &receipts[i]
		dist := time.Duration(1<<63 - 1)
		if !r.OrderDate.IsZero() {
			dist = r.OrderDate.Sub(date).Abs()
		}
		if best == nil || dist < bestDist {
			best, bestDist = r, dist
		}
	}
	return best
}

func merchantLabel(r Receipt, hint string) string {
	if r.Merchant != "" {
		return r.Merchant
	}
	return hint
}
