package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/Veraticus/saffron/internal/common"
)

// Pipeline holds the knobs of the classification pipeline.
type Pipeline struct {
	// AmountTolerance is the relative divergence between a receipt total and
	// the transaction amount (0.05 = 5%) beyond which the attempt summary
	// flags it for review. It never blocks acceptance.
	AmountTolerance decimal.Decimal
	// AcceptConfidence is the minimum confidence for a stage result to resolve
	// an entry automatically.
	AcceptConfidence decimal.Decimal
	// RejectConfidence is the confidence below which stage output is discarded
	// instead of being persisted as evidence.
	RejectConfidence decimal.Decimal
	Cooldown         time.Duration
	StageTimeout     time.Duration
	SearchWindowDays int
	BatchSize        int
	MaxAttempts      int
	Workers          int
}

// DefaultPipeline returns the documented defaults.
func DefaultPipeline() Pipeline {
	return Pipeline{
		AmountTolerance:  decimal.RequireFromString("0.05"),
		AcceptConfidence: decimal.RequireFromString("0.90"),
		RejectConfidence: decimal.RequireFromString("0.50"),
		Cooldown:         2 * time.Second,
		StageTimeout:     30 * time.Second,
		SearchWindowDays: 7,
		BatchSize:        25,
		MaxAttempts:      3,
		Workers:          4,
	}
}

// Validate checks the pipeline settings for consistency.
func (p Pipeline) Validate() error {
	if p.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive", common.ErrInvalidConfig)
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max attempts must be positive", common.ErrInvalidConfig)
	}
	if p.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive", common.ErrInvalidConfig)
	}
	if p.Cooldown < 0 {
		return fmt.Errorf("%w: cooldown cannot be negative", common.ErrInvalidConfig)
	}
	if p.AmountTolerance.IsNegative() {
		return fmt.Errorf("%w: amount tolerance cannot be negative", common.ErrInvalidConfig)
	}
	one := decimal.NewFromInt(1)
	for name, v := range map[string]decimal.Decimal{
		"accept confidence": p.AcceptConfidence,
		"reject confidence": p.RejectConfidence,
	} {
		if v.IsNegative() || v.GreaterThan(one) {
			return fmt.Errorf("%w: %s must be between 0 and 1", common.ErrInvalidConfig, name)
		}
	}
	if p.RejectConfidence.GreaterThan(p.AcceptConfidence) {
		return fmt.Errorf("%w: reject confidence above accept confidence", common.ErrInvalidConfig)
	}
	return nil
}

// FromViper reads pipeline settings from viper (config file or SAFFRON_ env vars),
// falling back to DefaultPipeline for anything unset.
func FromViper(v *viper.Viper) (Pipeline, error) {
	cfg := DefaultPipeline()

	if v.IsSet("pipeline.batch_size") {
		cfg.BatchSize = v.GetInt("pipeline.batch_size")
	}
	if v.IsSet("pipeline.max_attempts") {
		cfg.MaxAttempts = v.GetInt("pipeline.max_attempts")
	}
	if v.IsSet("pipeline.workers") {
		cfg.Workers = v.GetInt("pipeline.workers")
	}
	if v.IsSet("pipeline.cooldown") {
		cfg.Cooldown = v.GetDuration("pipeline.cooldown")
	}
	if v.IsSet("pipeline.stage_timeout") {
		cfg.StageTimeout = v.GetDuration("pipeline.stage_timeout")
	}
	if v.IsSet("pipeline.search_window_days") {
		cfg.SearchWindowDays = v.GetInt("pipeline.search_window_days")
	}

	for key, dst := range map[string]*decimal.Decimal{
		"pipeline.amount_tolerance":  &cfg.AmountTolerance,
		"pipeline.accept_confidence": &cfg.AcceptConfidence,
		"pipeline.reject_confidence": &cfg.RejectConfidence,
	} {
		if !v.IsSet(key) {
			continue
		}
		d, err := decimal.NewFromString(v.GetString(key))
		if err != nil {
			return cfg, fmt.Errorf("%w: %s: %w", common.ErrInvalidConfig, key, err)
		}
		*dst = d
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// DatabasePath resolves the SQLite path from viper with the default location.
func DatabasePath(v *viper.Viper) string {
	return resolvePath(v.GetString("database.path"), defaultDatabaseFile)
}

// LLM holds settings for the extraction/identification model provider.
type LLM struct {
	APIKey            string
	Model             string
	BaseURL           string
	MaxTokens         int
	RequestsPerMinute int
	CacheTTL          time.Duration
}

// LoadLLM reads LLM settings, falling back to ANTHROPIC_API_KEY.
func LoadLLM(v *viper.Viper) LLM {
	cfg := LLM{
		APIKey:            v.GetString("llm.api_key"),
		Model:             v.GetString("llm.model"),
		BaseURL:           v.GetString("llm.base_url"),
		MaxTokens:         v.GetInt("llm.max_tokens"),
		RequestsPerMinute: v.GetInt("llm.requests_per_minute"),
		CacheTTL:          v.GetDuration("llm.cache_ttl"),
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return cfg
}

// Gmail holds OAuth settings for the receipt mailbox.
type Gmail struct {
	ClientID     string
	ClientSecret string
	TokenFile    string
	User         string
}

// Enabled reports whether enough settings exist to build a mailbox client.
func (g Gmail) Enabled() bool {
	return g.ClientID != "" && g.ClientSecret != ""
}

// LoadGmail reads Gmail settings with GOOGLE_* environment fallbacks.
func LoadGmail(v *viper.Viper) Gmail {
	cfg := Gmail{
		ClientID:     v.GetString("gmail.client_id"),
		ClientSecret: v.GetString("gmail.client_secret"),
		TokenFile:    v.GetString("gmail.token_file"),
		User:         v.GetString("gmail.user"),
	}
	if cfg.ClientID == "" {
		cfg.ClientID = os.Getenv("GOOGLE_CLIENT_ID")
	}
	if cfg.ClientSecret == "" {
		cfg.ClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	}
	cfg.TokenFile = resolvePath(cfg.TokenFile, defaultTokenFile)
	if cfg.User == "" {
		cfg.User = "me"
	}
	return cfg
}
