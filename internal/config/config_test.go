package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/saffron/internal/common"
)

func TestPipelineValidation(t *testing.T) {
	tests := []struct {
		mutate  func(p *Pipeline)
		name    string
		errMsg  string
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(_ *Pipeline) {},
		},
		{
			name:    "zero batch size",
			mutate:  func(p *Pipeline) { p.BatchSize = 0 },
			wantErr: true,
			errMsg:  "batch size must be positive",
		},
		{
			name:    "zero max attempts",
			mutate:  func(p *Pipeline) { p.MaxAttempts = 0 },
			wantErr: true,
			errMsg:  "max attempts must be positive",
		},
		{
			name:    "negative cooldown",
			mutate:  func(p *Pipeline) { p.Cooldown = -time.Second },
			wantErr: true,
			errMsg:  "cooldown cannot be negative",
		},
		{
			name:    "accept confidence above one",
			mutate:  func(p *Pipeline) { p.AcceptConfidence = decimal.NewFromFloat(1.5) },
			wantErr: true,
			errMsg:  "accept confidence must be between 0 and 1",
		},
		{
			name: "reject above accept",
			mutate: func(p *Pipeline) {
				p.AcceptConfidence = decimal.RequireFromString("0.4")
				p.RejectConfidence = decimal.RequireFromString("0.6")
			},
			wantErr: true,
			errMsg:  "reject confidence above accept confidence",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPipeline()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, common.ErrInvalidConfig)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestFromViper(t *testing.T) {
	t.Run("defaults when unset", func(t *testing.T) {
		cfg, err := FromViper(viper.New())
		require.NoError(t, err)
		assert.Equal(t, DefaultPipeline(), cfg)
		assert.True(t, cfg.AmountTolerance.Equal(decimal.RequireFromString("0.05")))
		assert.True(t, cfg.AcceptConfidence.Equal(decimal.RequireFromString("0.9")))
		assert.True(t, cfg.RejectConfidence.Equal(decimal.RequireFromString("0.5")))
	})

	t.Run("overrides", func(t *testing.T) {
		v := viper.New()
		v.Set("pipeline.batch_size", 5)
		v.Set("pipeline.cooldown", "10s")
		v.Set("pipeline.amount_tolerance", "0.1")

		cfg, err := FromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.BatchSize)
		assert.Equal(t, 10*time.Second, cfg.Cooldown)
		assert.True(t, cfg.AmountTolerance.Equal(decimal.RequireFromString("0.1")))
	})

	t.Run("bad decimal", func(t *testing.T) {
		v := viper.New()
		v.Set("pipeline.accept_confidence", "high")

		_, err := FromViper(v)
		assert.ErrorIs(t, err, common.ErrInvalidConfig)
	})
}

func TestLoadMappings(t *testing.T) {
	t.Run("empty path returns defaults", func(t *testing.T) {
		m, err := LoadMappings("")
		require.NoError(t, err)
		assert.Equal(t, "Groceries", m.BusinessTypes["supermarket"])
		assert.Contains(t, m.MerchantSenders["tesco"], "tesco.com")
	})

	t.Run("overlay replaces present tables only", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mappings.yaml")
		content := `business_types:
  bakery: Bread
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		m, err := LoadMappings(path)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"bakery": "Bread"}, m.BusinessTypes)
		assert.NotEmpty(t, m.CategoryHints)
		assert.NotEmpty(t, m.MerchantSenders)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("business_types: [1, 2"), 0o600))

		_, err := LoadMappings(path)
		assert.Error(t, err)
	})
}

func TestLoadGmailDefaults(t *testing.T) {
	t.Setenv("GOOGLE_CLIENT_ID", "")
	t.Setenv("GOOGLE_CLIENT_SECRET", "")

	cfg := LoadGmail(viper.New())
	assert.False(t, cfg.Enabled())
	assert.Equal(t, "me", cfg.User)
	assert.NotEmpty(t, cfg.TokenFile)
}

func TestResolvePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SAFFRON_DATA", "/srv/saffron")

	tests := []struct {
		name         string
		configured   string
		homeRelative string
		want         string
	}{
		{name: "default under home", homeRelative: defaultDatabaseFile, want: filepath.Join(home, defaultDatabaseFile)},
		{name: "no default", want: ""},
		{name: "tilde", configured: "~/books/ledger.db", want: filepath.Join(home, "books/ledger.db")},
		{name: "bare tilde", configured: "~", want: home},
		{name: "tilde user is left alone", configured: "~bob/x.db", want: "~bob/x.db"},
		{name: "env var", configured: "$SAFFRON_DATA/saffron.db", want: "/srv/saffron/saffron.db"},
		{name: "relative", configured: "./data/../saffron.db", want: "saffron.db"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolvePath(tt.configured, tt.homeRelative))
		})
	}
}

func TestDatabasePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	v := viper.New()
	assert.Equal(t, filepath.Join(home, ".local/share/saffron/saffron.db"), DatabasePath(v))

	v.Set("database.path", "~/saffron.db")
	assert.Equal(t, filepath.Join(home, "saffron.db"), DatabasePath(v))
}
