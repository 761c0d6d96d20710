package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/saffron/internal/evidence"
)

// ErrNotAReceipt is returned when an email holds no purchase.
var ErrNotAReceipt = errors.New("email is not a receipt")

const maxEmailBody = 20000

const receiptSystemPrompt = "You extract purchase details from order confirmation emails. " +
	"Respond only with a single JSON object and no commentary."

// Email is a message handed to the extractor.
type Email struct {
	Date    time.Time
	ID      string
	From    string
	Subject string
	Body    string
}

// ReceiptExtractor turns order emails into structured receipts.
type ReceiptExtractor struct {
	req *requester
}

// NewReceiptExtractor creates an extractor over client.
func NewReceiptExtractor(client Client, cfg Config, logger *slog.Logger) *ReceiptExtractor {
	return &ReceiptExtractor{req: newRequester(client, cfg, logger)}
}

type extractedItem struct {
	Name         string          `json:"name"`
	CategoryHint string          `json:"category_hint"`
	Price        decimal.Decimal `json:"price"`
	Quantity     int             `json:"quantity"`
}

type extractedReceipt struct {
	Merchant     string          `json:"merchant"`
	OrderDate    string          `json:"order_date"`
	Currency     string          `json:"currency"`
	Items        []extractedItem `json:"items"`
	ShippingCost decimal.Decimal `json:"shipping_cost"`
	Total        decimal.Decimal `json:"total"`
	Confidence   decimal.Decimal `json:"confidence"`
	IsReceipt    bool            `json:"is_receipt"`
}

// Extract asks the model for the receipt inside msg.
func (e *ReceiptExtractor) Extract(ctx context.Context, msg Email) (*evidence.Receipt, error) {
	var parsed extractedReceipt
	raw, err := e.req.completeJSON(ctx, Request{
		System: receiptSystemPrompt,
		Prompt: buildReceiptPrompt(msg),
	}, &parsed)
	if err != nil {
		return nil, fmt.Errorf("extracting receipt from %s: %w", msg.ID, err)
	}

	if !parsed.IsReceipt || len(parsed.Items) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotAReceipt, msg.ID)
	}

	receipt := &evidence.Receipt{
		Merchant:   strings.TrimSpace(parsed.Merchant),
		Currency:   strings.ToUpper(parsed.Currency),
		Total:      parsed.Total,
		Shipping:   parsed.ShippingCost,
		Confidence: parsed.Confidence,
		Reference:  "gmail:" + msg.ID,
		Raw:        raw,
		OrderDate:  msg.Date,
	}
	if date, err := time.Parse("2006-01-02", parsed.OrderDate); err == nil {
		receipt.OrderDate = date
	}

	for _, item := range parsed.Items {
		if strings.TrimSpace(item.Name) == "" {
			continue
		}
		quantity := item.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		receipt.Items = append(receipt.Items, evidence.ReceiptItem{
			Name:         strings.TrimSpace(item.Name),
			CategoryHint: strings.TrimSpace(item.CategoryHint),
			Price:        item.Price,
			Quantity:     quantity,
		})
	}
	if len(receipt.Items) == 0 {
		return nil, fmt.Errorf("%w: %s has no named items", ErrNotAReceipt, msg.ID)
	}

	return receipt, nil
}

func buildReceiptPrompt(msg Email) string {
	body := msg.Body
	if len(body) > maxEmailBody {
		body = body[:maxEmailBody]
	}

	var sb strings.Builder
	sb.WriteString("Extract the purchase from this email.\n\n")
	fmt.Fprintf(&sb, "From: %s\nSubject: %s\nDate: %s\n\n", msg.From, msg.Subject, msg.Date.Format("2006-01-02"))
	sb.WriteString(body)
	sb.WriteString(`

Return JSON with this shape:
{
  "is_receipt": true,
  "merchant": "store name",
  "order_date": "YYYY-MM-DD",
  "currency": "GBP",
  "items": [{"name": "item", "price": 12.34, "quantity": 1, "category_hint": "electronics"}],
  "shipping_cost": 0,
  "total": 12.34,
  "confidence": 0.9
}
Prices are per unit. Use is_receipt false when the email is not an order or payment confirmation.`)
	return sb.String()
}
