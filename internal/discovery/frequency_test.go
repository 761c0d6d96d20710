package discovery

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrequentPhrases(t *testing.T) {
	txns := described(
		"CARD PAYMENT TO TESCO 1234",
		"CARD PAYMENT TO SAINSBURYS",
		"CARD PAYMENT TO BOOTS 99",
		"DIRECT DEBIT NETFLIX",
		"DIRECT DEBIT NETFLIX",
		"AMAZON",
	)

	t.Run("keeps the longest phrase with the same count", func(t *testing.T) {
		phrases := FrequentPhrases(txns, DefaultFrequencyOptions())
		require.Len(t, phrases, 2)

		assert.Equal(t, "CARD PAYMENT TO", phrases[0].Text)
		assert.Equal(t, 3, phrases[0].Count)
		assert.True(t, phrases[0].Share.Equal(decimal.RequireFromString("0.5")))
		assert.Len(t, phrases[0].Samples, 3)

		assert.Equal(t, "DIRECT DEBIT NETFLIX", phrases[1].Text)
		assert.Equal(t, 2, phrases[1].Count)
		assert.True(t, phrases[1].Share.Equal(decimal.RequireFromString("0.3333")))
	})

	t.Run("threshold", func(t *testing.T) {
		opts := DefaultFrequencyOptions()
		opts.Threshold = decimal.RequireFromString("0.5")
		phrases := FrequentPhrases(txns, opts)
		require.Len(t, phrases, 1)
		assert.Equal(t, "CARD PAYMENT TO", phrases[0].Text)
	})

	t.Run("shorter phrase with more uses survives", func(t *testing.T) {
		more := append(described("CARD PAYMENT REFUND"), txns...)
		phrases := FrequentPhrases(more, DefaultFrequencyOptions())

		counts := make(map[string]int)
		for _, p := range phrases {
			counts[p.Text] = p.Count
		}
		assert.Equal(t, 4, counts["CARD PAYMENT"])
		assert.Equal(t, 3, counts["CARD PAYMENT TO"])
		assert.NotContains(t, counts, "PAYMENT TO")
		assert.Equal(t, "CARD PAYMENT", phrases[0].Text)
	})

	t.Run("no transactions", func(t *testing.T) {
		assert.Empty(t, FrequentPhrases(nil, DefaultFrequencyOptions()))
	})
}
