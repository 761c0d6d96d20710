package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/saffron/internal/evidence"
)

const merchantSystemPrompt = "You identify merchants from bank statement descriptors. " +
	"Respond only with a single JSON object and no commentary."

// MerchantIdentifier asks the model what kind of business a merchant is.
// Answers are cached per merchant.
type MerchantIdentifier struct {
	req   *requester
	cache *ttlCache[evidence.MerchantInfo]
	model string
}

var _ evidence.MerchantIdentifier = (*MerchantIdentifier)(nil)

// NewMerchantIdentifier creates an identifier over client.
func NewMerchantIdentifier(client Client, cfg Config, logger *slog.Logger) *MerchantIdentifier {
	model := cfg.Model
	if model == "" {
		model = "anthropic"
	}
	return &MerchantIdentifier{
		req:   newRequester(client, cfg, logger),
		cache: newTTLCache[evidence.MerchantInfo](cfg.CacheTTL),
		model: model,
	}
}

type identifiedMerchant struct {
	Name         string          `json:"name"`
	BusinessType string          `json:"business_type"`
	Confidence   decimal.Decimal `json:"confidence"`
}

// Identify implements evidence.MerchantIdentifier.
func (m *MerchantIdentifier) Identify(ctx context.Context, merchantHint string) (*evidence.MerchantInfo, error) {
	key := strings.ToLower(strings.TrimSpace(merchantHint))
	if key == "" {
		return nil, fmt.Errorf("empty merchant")
	}

	if info, ok := m.cache.get(key); ok {
		m.req.logger.Debug("cache hit for merchant", "merchant", key)
		return &info, nil
	}

	var parsed identifiedMerchant
	raw, err := m.req.completeJSON(ctx, Request{
		System:    merchantSystemPrompt,
		Prompt:    buildMerchantPrompt(merchantHint),
		MaxTokens: 256,
	}, &parsed)
	if err != nil {
		return nil, fmt.Errorf("identifying merchant %q: %w", merchantHint, err)
	}

	info := evidence.MerchantInfo{
		Name:         strings.TrimSpace(parsed.Name),
		BusinessType: strings.ToLower(strings.TrimSpace(parsed.BusinessType)),
		Confidence:   parsed.Confidence,
		Reference:    "llm:" + m.model,
		Raw:          raw,
	}
	if info.Name == "" {
		info.Name = merchantHint
	}

	m.cache.set(key, info)
	return &info, nil
}

// Close releases the cache.
func (m *MerchantIdentifier) Close() {
	m.cache.Close()
}

func buildMerchantPrompt(merchant string) string {
	return fmt.Sprintf(`A bank statement shows a payment to %q.

Identify the business and what kind of business it is. Return JSON:
{"name": "canonical business name", "business_type": "one or two words such as supermarket, restaurant, electronics, pharmacy, or unknown", "confidence": 0.8}`, merchant)
}
