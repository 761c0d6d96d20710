package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Veraticus/saffron/internal/common"
	"github.com/Veraticus/saffron/internal/evidence"
	"github.com/Veraticus/saffron/internal/llm"
)

var testSenders = map[string][]string{
	"amazon": {"amazon.co.uk", "amazon.com"},
}

func testWindow() evidence.DateWindow {
	return evidence.WindowAround(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 7)
}

func TestBuildQuery(t *testing.T) {
	t.Run("known merchant searches sender domains", func(t *testing.T) {
		q := BuildQuery("Amazon", testWindow(), testSenders)
		assert.True(t, strings.HasPrefix(q, "{from:amazon.co.uk from:amazon.com}"), q)
		assert.Contains(t, q, `subject:"order confirmation"`)
		assert.Contains(t, q, "subject:receipt")
		assert.Contains(t, q, "after:2024/02/23")
		assert.Contains(t, q, "before:2024/03/09")
	})

	t.Run("unknown merchant searches by name", func(t *testing.T) {
		q := BuildQuery("corner shop", testWindow(), testSenders)
		assert.True(t, strings.HasPrefix(q, `"corner shop" {`), q)
	})
}

func TestHTMLText(t *testing.T) {
	doc := `<html><head><title>x</title><style>p{color:red}</style></head>
		<body><p>USB cable</p><p>£12.00</p><script>track()</script></body></html>`
	assert.Equal(t, "USB cable £12.00", htmlText(doc))
}

func encode(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func TestToEmail(t *testing.T) {
	msg := &gmailapi.Message{
		Id:           "m1",
		InternalDate: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC).UnixMilli(),
		Payload: &gmailapi.MessagePart{
			MimeType: "multipart/alternative",
			Headers: []*gmailapi.MessagePartHeader{
				{Name: "From", Value: "auto-confirm@amazon.co.uk"},
				{Name: "Subject", Value: "Your order"},
			},
			Parts: []*gmailapi.MessagePart{
				{MimeType: "text/html", Body: &gmailapi.MessagePartBody{Data: encode("<b>html body</b>")}},
				{MimeType: "text/plain; charset=UTF-8", Body: &gmailapi.MessagePartBody{Data: encode("plain body")}},
			},
		},
	}

	email := toEmail(msg)
	assert.Equal(t, "m1", email.ID)
	assert.Equal(t, "auto-confirm@amazon.co.uk", email.From)
	assert.Equal(t, "Your order", email.Subject)
	assert.Equal(t, "plain body", email.Body)
	assert.Equal(t, 2, email.Date.Day())

	msg.Payload.Parts = msg.Payload.Parts[:1]
	assert.Equal(t, "html body", toEmail(msg).Body)
}

// fakeExtractor returns receipts keyed by message ID.
type fakeExtractor struct {
	receipts map[string]*evidence.Receipt
	err      error
	seen     []llm.Email
}

func (f *fakeExtractor) Extract(_ context.Context, msg llm.Email) (*evidence.Receipt, error) {
	f.seen = append(f.seen, msg)
	if r, ok := f.receipts[msg.ID]; ok {
		return r, nil
	}
	if f.err != nil {
		return nil, f.err
	}
	return nil, llm.ErrNotAReceipt
}

func newFakeMailbox(t *testing.T, ids ...string) (*gmailapi.Service, *string) {
	t.Helper()
	var query string

	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query().Get("q")
		refs := make([]map[string]string, len(ids))
		for i, id := range ids {
			refs[i] = map[string]string{"id": id}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": refs})
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/messages/")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":           id,
			"internalDate": "1709337600000",
			"payload": map[string]any{
				"mimeType": "text/plain",
				"headers":  []map[string]string{{"name": "Subject", "value": "Order " + id}},
				"body":     map[string]string{"data": encode("body of " + id)},
			},
		})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	svc, err := gmailapi.NewService(context.Background(),
		option.WithEndpoint(server.URL+"/"),
		option.WithHTTPClient(server.Client()))
	require.NoError(t, err)
	return svc, &query
}

func TestSearcherSearch(t *testing.T) {
	t.Run("returns extracted receipts and skips other mail", func(t *testing.T) {
		svc, query := newFakeMailbox(t, "m1", "m2")
		extractor := &fakeExtractor{receipts: map[string]*evidence.Receipt{
			"m2": {Merchant: "Amazon", Total: decimal.NewFromInt(60), Reference: "gmail:m2"},
		}}

		receipts, err := NewSearcher(svc, extractor, testSenders, "").Search(context.Background(), "amazon", testWindow())
		require.NoError(t, err)
		require.Len(t, receipts, 1)
		assert.Equal(t, "gmail:m2", receipts[0].Reference)
		assert.Contains(t, *query, "from:amazon.co.uk")

		require.Len(t, extractor.seen, 2)
		assert.Equal(t, "Order m1", extractor.seen[0].Subject)
		assert.Equal(t, "body of m1", extractor.seen[0].Body)
	})

	t.Run("extraction errors surface when nothing was found", func(t *testing.T) {
		svc, _ := newFakeMailbox(t, "m1")
		boom := errors.New("llm unavailable")

		_, err := NewSearcher(svc, &fakeExtractor{err: boom}, testSenders, "me").Search(context.Background(), "amazon", testWindow())
		require.ErrorIs(t, err, boom)
	})

	t.Run("empty mailbox", func(t *testing.T) {
		svc, _ := newFakeMailbox(t)

		receipts, err := NewSearcher(svc, &fakeExtractor{}, testSenders, "me").Search(context.Background(), "amazon", testWindow())
		require.NoError(t, err)
		assert.Empty(t, receipts)
	})
}

func TestSearcherRetriesMailboxErrors(t *testing.T) {
	newSearcher := func(t *testing.T, statuses ...int) (*Searcher, *atomic.Int32) {
		t.Helper()
		var calls atomic.Int32
		mux := http.NewServeMux()
		mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, _ *http.Request) {
			n := int(calls.Add(1))
			if n <= len(statuses) {
				w.WriteHeader(statuses[n-1])
				_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": statuses[n-1], "message": "nope"}})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"messages": []any{}})
		})
		server := httptest.NewServer(mux)
		t.Cleanup(server.Close)

		svc, err := gmailapi.NewService(context.Background(),
			option.WithEndpoint(server.URL+"/"),
			option.WithHTTPClient(server.Client()))
		require.NoError(t, err)

		s := NewSearcher(svc, &fakeExtractor{}, testSenders, "me")
		s.backoff = common.Backoff{Attempts: 3, Initial: time.Millisecond, Max: time.Millisecond}
		return s, &calls
	}

	t.Run("server errors are retried", func(t *testing.T) {
		s, calls := newSearcher(t, http.StatusServiceUnavailable, http.StatusTooManyRequests)

		receipts, err := s.Search(context.Background(), "amazon", testWindow())
		require.NoError(t, err)
		assert.Empty(t, receipts)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("persistent outage gives up", func(t *testing.T) {
		s, calls := newSearcher(t, http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway)

		_, err := s.Search(context.Background(), "amazon", testWindow())
		require.ErrorIs(t, err, common.ErrMaxRetries)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		s, calls := newSearcher(t, http.StatusNotFound)

		_, err := s.Search(context.Background(), "amazon", testWindow())
		require.Error(t, err)
		assert.False(t, common.IsRetryable(err))
		assert.Equal(t, int32(1), calls.Load())
	})
}
