package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Veraticus/saffron/internal/common"
)

// requester wraps a Client with rate limiting and retries.
type requester struct {
	client      Client
	logger      *slog.Logger
	rateLimiter *rateLimiter
	backoff     common.Backoff
}

func newRequester(client Client, cfg Config, logger *slog.Logger) *requester {
	if logger == nil {
		logger = slog.Default()
	}

	backoff := common.Backoff{Attempts: cfg.MaxRetries, Initial: cfg.RetryDelay, Max: cfg.MaxRetryDelay}
	return &requester{
		client:      client,
		logger:      logger,
		backoff:     backoff,
		rateLimiter: newRateLimiter(cfg.RateLimit),
	}
}

// completeJSON sends req and decodes the reply into out. Reply is returned
// raw so callers can keep it as provenance.
func (r *requester) completeJSON(ctx context.Context, req Request, out any) (string, error) {
	if err := r.rateLimiter.wait(ctx); err != nil {
		return "", err
	}

	var reply string
	err := common.Retry(ctx, "llm request", r.backoff, func(ctx context.Context) error {
		text, err := r.client.Complete(ctx, req)
		if err != nil {
			r.logger.Warn("LLM request attempt failed", "error", err)
			return err
		}
		reply = text
		return nil
	})
	if err != nil {
		return "", err
	}

	if err := json.Unmarshal([]byte(cleanMarkdownWrapper(reply)), out); err != nil {
		return reply, fmt.Errorf("failed to parse JSON response: %w", err)
	}
	return reply, nil
}
