// Package gmail searches a Gmail mailbox for order confirmations and turns
// them into receipts.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/Veraticus/saffron/internal/common"
	"github.com/Veraticus/saffron/internal/evidence"
	"github.com/Veraticus/saffron/internal/llm"
)

// orderKeywords narrow a search to order and payment emails.
var orderKeywords = []string{
	"order confirmation",
	"order",
	"receipt",
	"invoice",
	"your order",
	"order dispatched",
	"shipped",
	"delivery",
	"purchase",
}

const defaultMaxResults = 10

// Extractor turns one email into a receipt.
type Extractor interface {
	Extract(ctx context.Context, msg llm.Email) (*evidence.Receipt, error)
}

// Searcher implements evidence.ReceiptSearcher over the Gmail API.
type Searcher struct {
	svc        *gmailapi.Service
	extractor  Extractor
	senders    map[string][]string
	user       string
	backoff    common.Backoff
	maxResults int64
}

var _ evidence.ReceiptSearcher = (*Searcher)(nil)

// NewSearcher creates a searcher. senders maps merchant keys to their
// email domains.
func NewSearcher(svc *gmailapi.Service, extractor Extractor, senders map[string][]string, user string) *Searcher {
	if user == "" {
		user = "me"
	}
	return &Searcher{
		svc:        svc,
		extractor:  extractor,
		senders:    senders,
		user:       user,
		backoff:    common.DefaultBackoff(),
		maxResults: defaultMaxResults,
	}
}

// Search implements evidence.ReceiptSearcher.
func (s *Searcher) Search(ctx context.Context, merchantHint string, window evidence.DateWindow) ([]evidence.Receipt, error) {
	query := BuildQuery(merchantHint, window, s.senders)
	slog.Debug("Searching mailbox", "query", query)

	var list *gmailapi.ListMessagesResponse
	err := common.Retry(ctx, "gmail search", s.backoff, func(ctx context.Context) error {
		var err error
		list, err = s.svc.Users.Messages.List(s.user).Q(query).MaxResults(s.maxResults).Context(ctx).Do()
		return classifyAPIError(err)
	})
	if err != nil {
		return nil, fmt.Errorf("gmail search failed: %w", err)
	}

	var (
		receipts []evidence.Receipt
		lastErr  error
	)
	for _, ref := range list.Messages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var msg *gmailapi.Message
		err := common.Retry(ctx, "gmail fetch", s.backoff, func(ctx context.Context) error {
			var err error
			msg, err = s.svc.Users.Messages.Get(s.user, ref.Id).Format("full").Context(ctx).Do()
			return classifyAPIError(err)
		})
		if err != nil {
			return nil, fmt.Errorf("gmail fetch %s failed: %w", ref.Id, err)
		}

		receipt, err := s.extractor.Extract(ctx, toEmail(msg))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			if !errors.Is(err, llm.ErrNotAReceipt) {
				lastErr = err
			}
			slog.Debug("Skipping message", "id", ref.Id, "error", err)
			continue
		}
		receipts = append(receipts, *receipt)
	}

	// Only fail when extraction errors hid every candidate.
	if len(receipts) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return receipts, nil
}

// classifyAPIError marks Gmail API failures for Retry: throttling and server
// errors are retried, other HTTP errors are not. Transport errors are retried.
func classifyAPIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return &common.RetryableError{Err: err, Retryable: true}
	}
	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		return &common.RetryableError{Err: fmt.Errorf("%w: %w", common.ErrRateLimit, err), Retryable: true}
	case apiErr.Code >= http.StatusInternalServerError:
		return &common.RetryableError{Err: err, Retryable: true}
	}
	return &common.RetryableError{Err: err}
}

// BuildQuery renders a Gmail search for receipts from merchant inside window.
// Known merchants are searched by sender domain, others by name.
func BuildQuery(merchant string, window evidence.DateWindow, senders map[string][]string) string {
	var parts []string

	merchant = strings.ToLower(strings.TrimSpace(merchant))
	if domains := senders[merchant]; len(domains) > 0 {
		from := make([]string, len(domains))
		for i, d := range domains {
			from[i] = "from:" + d
		}
		parts = append(parts, "{"+strings.Join(from, " ")+"}")
	} else if merchant != "" {
		parts = append(parts, quote(merchant))
	}

	keywords := make([]string, len(orderKeywords))
	for i, k := range orderKeywords {
		keywords[i] = "subject:" + quote(k)
	}
	parts = append(parts, "{"+strings.Join(keywords, " ")+"}")

	// before: is exclusive, so search up to the day after the window ends.
	parts = append(parts,
		"after:"+window.From.Format("2006/01/02"),
		"before:"+window.To.AddDate(0, 0, 1).Format("2006/01/02"))

	return strings.Join(parts, " ")
}

func quote(s string) string {
	if strings.ContainsAny(s, " \t") {
		return `"` + s + `"`
	}
	return s
}

// toEmail flattens a Gmail message into text the extractor can read.
func toEmail(msg *gmailapi.Message) llm.Email {
	email := llm.Email{
		ID:   msg.Id,
		Date: time.UnixMilli(msg.InternalDate).UTC(),
	}
	if msg.Payload == nil {
		email.Body = msg.Snippet
		return email
	}

	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			email.From = h.Value
		case "subject":
			email.Subject = h.Value
		}
	}

	plain, htmlBody := collectBodies(msg.Payload)
	switch {
	case plain != "":
		email.Body = plain
	case htmlBody != "":
		email.Body = htmlText(htmlBody)
	default:
		email.Body = msg.Snippet
	}
	return email
}

func collectBodies(part *gmailapi.MessagePart) (string, string) {
	var plain, htmlBody string
	if part.Body != nil && part.Body.Data != "" {
		data := decodeBody(part.Body.Data)
		switch {
		case strings.HasPrefix(part.MimeType, "text/plain"):
			plain = data
		case strings.HasPrefix(part.MimeType, "text/html"):
			htmlBody = data
		}
	}
	for _, child := range part.Parts {
		p, h := collectBodies(child)
		if plain == "" {
			plain = p
		}
		if htmlBody == "" {
			htmlBody = h
		}
	}
	return plain, htmlBody
}

func decodeBody(data string) string {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(raw)
}

// htmlText keeps the visible text of an HTML document.
func htmlText(doc string) string {
	z := html.NewTokenizer(strings.NewReader(doc))
	var (
		sb   strings.Builder
		skip int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(sb.String()), " ")
		case html.StartTagToken:
			if name, _ := z.TagName(); isHidden(name) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); isHidden(name) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
				sb.WriteByte(' ')
			}
		}
	}
}

func isHidden(tag []byte) bool {
	t := string(tag)
	return t == "script" || t == "style" || t == "head"
}
