package discovery

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/saffron/internal/model"
)

// FrequencyOptions controls which phrases FrequentPhrases reports.
type FrequencyOptions struct {
	// Threshold is the share of transactions a phrase must appear in.
	Threshold  decimal.Decimal
	MinWords   int
	MaxWords   int
	MinLength  int
	MaxSamples int
}

// DefaultFrequencyOptions reports phrases of two to six words and at least
// ten characters that appear in a tenth of the transactions.
func DefaultFrequencyOptions() FrequencyOptions {
	return FrequencyOptions{
		Threshold:  decimal.RequireFromString("0.10"),
		MinWords:   2,
		MaxWords:   6,
		MinLength:  10,
		MaxSamples: 5,
	}
}

// Phrase is a run of words shared by many descriptors, such as a payment
// processor prefix.
type Phrase struct {
	Text    string
	Share   decimal.Decimal
	Samples []string
	Count   int
}

// phraseWords splits a descriptor into uppercase words, dropping any that carry digits.
func phraseWords(description string) []string {
	s := punctuationPattern.ReplaceAllString(strings.ToUpper(description), " ")
	fields := strings.Fields(s)
	out := fields[:0]
	for _, f := range fields {
		if !digitPattern.MatchString(f) {
			out = append(out, f)
		}
	}
	return out
}

// FrequentPhrases counts word n-grams across txns, once per transaction, and
// returns those reaching the threshold, most frequent first. A phrase inside
// a longer reported phrase with the same count is dropped.
func FrequentPhrases(txns []model.Transaction, opts FrequencyOptions) []Phrase {
	def := DefaultFrequencyOptions()
	if opts.MinWords < 1 {
		opts.MinWords = def.MinWords
	}
	if opts.MaxWords < opts.MinWords {
		opts.MaxWords = max(def.MaxWords, opts.MinWords)
	}
	if opts.MaxSamples < 1 {
		opts.MaxSamples = def.MaxSamples
	}
	if len(txns) == 0 {
		return nil
	}

	total := decimal.NewFromInt(int64(len(txns)))
	minCount := int(opts.Threshold.Mul(total).IntPart())
	if minCount < 2 {
		minCount = 2
	}

	counts := make(map[string]int)
	samples := make(map[string][]string)
	for _, t := range txns {
		ws := phraseWords(t.Description)
		seen := make(map[string]bool)
		for n := opts.MinWords; n <= opts.MaxWords; n++ {
			for i := 0; i+n <= len(ws); i++ {
				text := strings.Join(ws[i:i+n], " ")
				if len(text) < opts.MinLength || seen[text] {
					continue
				}
				seen[text] = true
				counts[text]++
				if len(samples[text]) < opts.MaxSamples {
					samples[text] = append(samples[text], t.Description)
				}
			}
		}
	}

	var candidates []Phrase
	for text, count := range counts {
		if count < minCount {
			continue
		}
		candidates = append(candidates, Phrase{
			Text:    text,
			Count:   count,
			Share:   decimal.NewFromInt(int64(count)).Div(total).Round(4),
			Samples: samples[text],
		})
	}

	// Longest first so every phrase is checked against the longer ones kept.
	sort.Slice(candidates, func(i, j int) bool {
		wi, wj := strings.Count(candidates[i].Text, " "), strings.Count(candidates[j].Text, " ")
		if wi != wj {
			return wi > wj
		}
		return candidates[i].Text < candidates[j].Text
	})

	var kept []Phrase
	for _, p := range candidates {
		if !subsumed(p, kept) {
			kept = append(kept, p)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Count != kept[j].Count {
			return kept[i].Count > kept[j].Count
		}
		return kept[i].Text < kept[j].Text
	})
	return kept
}

func subsumed(p Phrase, kept []Phrase) bool {
	for _, k := range kept {
		if k.Count == p.Count && strings.Contains(" "+k.Text+" ", " "+p.Text+" ") {
			return true
		}
	}
	return false
}
