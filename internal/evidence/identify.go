package evidence

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/saffron/internal/config"
	"github.com/Veraticus/saffron/internal/model"
)

// MerchantStage identifies the business behind a transaction and maps its
// business type onto a category.
type MerchantStage struct {
	identifier MerchantIdentifier
	categories CategoryLookup
	mapper     *CategoryMapper
	senders    map[string][]string
}

// NewMerchantStage creates the merchant identification stage.
func NewMerchantStage(identifier MerchantIdentifier, categories CategoryLookup, mapper *CategoryMapper,
	mappings config.Mappings) *MerchantStage {
	return &MerchantStage{
		identifier: identifier,
		categories: categories,
		mapper:     mapper,
		senders:    mappings.MerchantSenders,
	}
}

// Name implements Stage.
func (s *MerchantStage) Name() string { return StageMerchantIdentification }

// Run implements Stage.
func (s *MerchantStage) Run(ctx context.Context, txn model.Transaction) (*StageResult, error) {
	merchant := ExtractMerchant(txn.Description, s.senders)
	if merchant == "" {
		return nil, definitive(StageMerchantIdentification, "no merchant in description")
	}

	info, err := s.identifier.Identify(ctx, merchant)
	if err != nil {
		return nil, asStageFailure(StageMerchantIdentification, "merchant lookup failed", err)
	}
	if info == nil || info.BusinessType == "" {
		return nil, definitive(StageMerchantIdentification, fmt.Sprintf("merchant %q not identified", merchant))
	}

	cats, err := s.categories.ListCategories(ctx)
	if err != nil {
		return nil, transient(StageMerchantIdentification, "failed to list categories", err)
	}

	cat := s.mapper.MapBusinessType(info.BusinessType, cats)
	if cat == nil {
		f := definitive(StageMerchantIdentification,
			fmt.Sprintf("business type %q of %q has no category", info.BusinessType, merchant))
		f.Raw = info.Raw
		return nil, f
	}

	confidence := info.Confidence
	if !confidence.IsPositive() {
		confidence = confidenceFallback
	}
	confidence = decimal.Min(confidence, decimal.NewFromInt(1))

	name := info.Name
	if name == "" {
		name = merchant
	}

	return &StageResult{
		Stage:      StageMerchantIdentification,
		Confidence: confidence,
		Summary:    fmt.Sprintf("%s identified as %s -> %s", name, info.BusinessType, cat.Name),
		Raw:        info.Raw,
		Evidence: []model.EvidenceRecord{{
			TransactionID:       txn.ID,
			ItemDescription:     name,
			ItemPrice:           txn.Amount.Abs(),
			ItemQuantity:        1,
			CategoryID:          cat.ID,
			Source:              model.SourceWeb,
			ProvenanceReference: info.Reference,
			Confidence:          confidence,
			RawPayload:          info.Raw,
		}},
	}, nil
}
