package llm

import (
	"context"
	"time"

	"github.com/Veraticus/saffron/internal/config"
)

// Client defines the interface for LLM providers.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Request is a single prompt sent to a provider.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Config holds configuration for the LLM capabilities.
type Config struct {
	Provider      string
	APIKey        string
	Model         string
	BaseURL       string
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	CacheTTL      time.Duration
	RateLimit     int
	Temperature   float64
	MaxTokens     int
}

// ConfigFrom converts the application settings into a client configuration.
func ConfigFrom(cfg config.LLM) Config {
	return Config{
		Provider:  "anthropic",
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		BaseURL:   cfg.BaseURL,
		MaxTokens: cfg.MaxTokens,
		RateLimit: cfg.RequestsPerMinute,
		CacheTTL:  cfg.CacheTTL,
	}
}
