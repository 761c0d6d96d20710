package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/saffron/internal/common"
)

// fakeAnthropic serves canned replies and counts requests.
type fakeAnthropic struct {
	replies  []string
	statuses []int
	calls    atomic.Int32
	mu       sync.Mutex
	lastBody anthropicRequest
}

func (f *fakeAnthropic) last() anthropicRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastBody
}

func (f *fakeAnthropic) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := int(f.calls.Add(1)) - 1
	f.mu.Lock()
	_ = json.NewDecoder(r.Body).Decode(&f.lastBody)
	f.mu.Unlock()

	if r.Header.Get("x-api-key") != "test-key" || r.Header.Get("anthropic-version") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if n < len(f.statuses) && f.statuses[n] != http.StatusOK {
		w.WriteHeader(f.statuses[n])
		_, _ = w.Write([]byte(`{"error":"boom"}`))
		return
	}

	reply := f.replies[min(n, len(f.replies)-1)]
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "msg_1",
		"type":    "message",
		"role":    "assistant",
		"content": []map[string]string{{"type": "text", "text": reply}},
	})
}

func testConfig(url string) Config {
	return Config{
		APIKey:        "test-key",
		BaseURL:       url,
		MaxRetries:    3,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 5 * time.Millisecond,
		RateLimit:     600,
	}
}

func newTestClient(t *testing.T, fake *fakeAnthropic) (Client, Config) {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	cfg := testConfig(server.URL)
	client, err := NewClient(cfg)
	require.NoError(t, err)
	return client, cfg
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(Config{})
	require.ErrorIs(t, err, common.ErrMissingConfig)

	_, err = NewClient(Config{Provider: "openai", APIKey: "k"})
	require.Error(t, err)

	client, err := NewClient(Config{APIKey: "k"})
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestAnthropicComplete(t *testing.T) {
	t.Run("returns reply text", func(t *testing.T) {
		fake := &fakeAnthropic{replies: []string{"hello"}}
		client, _ := newTestClient(t, fake)

		text, err := client.Complete(context.Background(), Request{System: "sys", Prompt: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "hello", text)
		body := fake.last()
		assert.Equal(t, "sys", body.System)
		require.Len(t, body.Messages, 1)
		assert.Equal(t, "hi", body.Messages[0].Content)
		assert.Equal(t, 1024, body.MaxTokens)
	})

	t.Run("rate limit is retryable", func(t *testing.T) {
		fake := &fakeAnthropic{statuses: []int{http.StatusTooManyRequests}, replies: []string{"x"}}
		client, _ := newTestClient(t, fake)

		_, err := client.Complete(context.Background(), Request{Prompt: "hi"})
		require.ErrorIs(t, err, common.ErrRateLimit)
		assert.True(t, common.IsRetryable(err))
	})

	t.Run("client error is not retryable", func(t *testing.T) {
		fake := &fakeAnthropic{statuses: []int{http.StatusBadRequest}, replies: []string{"x"}}
		client, _ := newTestClient(t, fake)

		_, err := client.Complete(context.Background(), Request{Prompt: "hi"})
		require.Error(t, err)
		assert.False(t, common.IsRetryable(err))
	})
}

func TestCleanMarkdownWrapper(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"whitespace", "  {\"a\":1}\n", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanMarkdownWrapper(tt.in))
		})
	}
}

func TestReceiptExtractor(t *testing.T) {
	msg := Email{
		ID:      "18c0ffee",
		From:    "auto-confirm@amazon.co.uk",
		Subject: "Your Amazon.co.uk order",
		Body:    "Order total £60.00",
		Date:    time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC),
	}

	t.Run("parses items after a retry", func(t *testing.T) {
		fake := &fakeAnthropic{
			statuses: []int{http.StatusInternalServerError},
			replies: []string{"```json\n" + `{
				"is_receipt": true,
				"merchant": "Amazon",
				"order_date": "2024-03-01",
				"currency": "gbp",
				"items": [
					{"name": "USB cable", "price": 12.00, "quantity": 1, "category_hint": "electronics"},
					{"name": "Paperback", "price": "45.00", "quantity": 0, "category_hint": "books"},
					{"name": " ", "price": 1}
				],
				"shipping_cost": 3,
				"total": 60.00,
				"confidence": 0.8
			}` + "\n```"},
		}
		client, cfg := newTestClient(t, fake)
		extractor := NewReceiptExtractor(client, cfg, nil)

		receipt, err := extractor.Extract(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, int32(2), fake.calls.Load())

		assert.Equal(t, "Amazon", receipt.Merchant)
		assert.Equal(t, "GBP", receipt.Currency)
		assert.Equal(t, "gmail:18c0ffee", receipt.Reference)
		assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), receipt.OrderDate)
		assert.True(t, receipt.Total.Equal(decimal.NewFromInt(60)))
		assert.True(t, receipt.Shipping.Equal(decimal.NewFromInt(3)))
		assert.True(t, receipt.Confidence.Equal(decimal.RequireFromString("0.8")))
		require.Len(t, receipt.Items, 2)
		assert.Equal(t, "USB cable", receipt.Items[0].Name)
		assert.Equal(t, 1, receipt.Items[1].Quantity)
		assert.True(t, receipt.Items[1].Price.Equal(decimal.NewFromInt(45)))
		assert.NotEmpty(t, receipt.Raw)
	})

	t.Run("not a receipt", func(t *testing.T) {
		fake := &fakeAnthropic{replies: []string{`{"is_receipt": false, "items": []}`}}
		client, cfg := newTestClient(t, fake)

		_, err := NewReceiptExtractor(client, cfg, nil).Extract(context.Background(), msg)
		require.ErrorIs(t, err, ErrNotAReceipt)
	})

	t.Run("unparseable reply", func(t *testing.T) {
		fake := &fakeAnthropic{replies: []string{"I could not find anything"}}
		client, cfg := newTestClient(t, fake)

		_, err := NewReceiptExtractor(client, cfg, nil).Extract(context.Background(), msg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse JSON response")
	})

	t.Run("falls back to message date", func(t *testing.T) {
		fake := &fakeAnthropic{replies: []string{`{"is_receipt": true, "order_date": "last tuesday",
			"items": [{"name": "Milk", "price": 1.2}], "total": 1.2}`}}
		client, cfg := newTestClient(t, fake)

		receipt, err := NewReceiptExtractor(client, cfg, nil).Extract(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, msg.Date, receipt.OrderDate)
	})
}

func TestMerchantIdentifier(t *testing.T) {
	fake := &fakeAnthropic{replies: []string{
		`{"name": "Tesco", "business_type": "Supermarket", "confidence": 0.92}`,
	}}
	client, cfg := newTestClient(t, fake)
	cfg.Model = "claude-test"

	identifier := NewMerchantIdentifier(client, cfg, nil)
	defer identifier.Close()

	info, err := identifier.Identify(context.Background(), "TESCO STORES")
	require.NoError(t, err)
	assert.Equal(t, "Tesco", info.Name)
	assert.Equal(t, "supermarket", info.BusinessType)
	assert.True(t, info.Confidence.Equal(decimal.RequireFromString("0.92")))
	assert.Equal(t, "llm:claude-test", info.Reference)

	again, err := identifier.Identify(context.Background(), "tesco stores ")
	require.NoError(t, err)
	assert.Equal(t, info.Name, again.Name)
	assert.Equal(t, int32(1), fake.calls.Load(), "second lookup should hit the cache")

	_, err = identifier.Identify(context.Background(), "  ")
	require.Error(t, err)
}
