package evidence

import (
	"regexp"
	"sort"
	"strings"
)

var (
	paymentPrefixes = []string{
		"card payment to ", "direct debit to ", "payment to ", "purchase at ",
		"contactless ", "pos ", "visa ", "dd ",
	}
	noiseRe  = regexp.MustCompile(`[*#]|\b\d[\d/.-]*\b|\bref\b.*$`)
	domainRe = regexp.MustCompile(`\.(co\.uk|com|de|es|pl|fr)\b`)
)

// ExtractMerchant turns a bank description into a merchant hint. Known
// merchants (keys of senders) are recognized first; otherwise the description
// is stripped of payment prefixes, references and numbers.
func ExtractMerchant(description string, senders map[string][]string) string {
	d := strings.ToLower(strings.TrimSpace(description))
	if d == "" {
		return ""
	}

	keys := make([]string, 0, len(senders))
	for k := range senders {
		keys = append(keys, k)
	}
	// Longer keys first so "john lewis" wins over a shorter overlapping key.
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	compact := strings.ReplaceAll(d, " ", "")
	for _, k := range keys {
		if strings.Contains(d, k) || strings.Contains(compact, strings.ReplaceAll(k, " ", "")) {
			return k
		}
	}

	for _, p := range paymentPrefixes {
		d = strings.TrimPrefix(d, p)
	}
	d = domainRe.ReplaceAllString(d, "")
	d = noiseRe.ReplaceAllString(d, " ")
	words := strings.Fields(d)
	if len(words) > 3 {
		words = words[:3]
	}
	return strings.Join(words, " ")
}
