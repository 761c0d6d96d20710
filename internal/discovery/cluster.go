// Package discovery finds groups of unclassified transactions that share a
// merchant, asks a Proposer for a rule covering each group, and measures
// candidate rules against the stored ledger before they are created.
package discovery

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/saffron/internal/model"
)

// UnclusteredKey is the key of descriptors with nothing left after normalization.
const UnclusteredKey = "UNCLUSTERED"

var (
	digitPattern       = regexp.MustCompile(`[0-9]+`)
	punctuationPattern = regexp.MustCompile(`[*#@.]+`)
)

// noiseWords are trading suffixes and payment boilerplate that say nothing
// about the merchant.
var noiseWords = map[string]bool{
	"STORES": true, "STORE": true, "LTD": true, "LIMITED": true, "SA": true,
	"INC": true, "ORDER": true, "PAYMENT": true, "EXPRESS": true, "ONLINE": true,
	"DIRECT": true, "DEBIT": true, "CARD": true, "UK": true, "GB": true,
	"PLC": true, "CO": true, "LLC": true, "COM": true, "ORG": true, "NET": true,
}

// Normalize reduces a bank descriptor to the words that identify the merchant.
//
//	"TESCO STORES 3217"  -> "TESCO"
//	"AMAZON.CO.UK ORDER" -> "AMAZON"
func Normalize(description string) string {
	s := strings.ToUpper(description)
	s = digitPattern.ReplaceAllString(s, "")
	s = punctuationPattern.ReplaceAllString(s, " ")

	words := strings.Fields(s)
	kept := make([]string, 0, len(words))
	for _, w := range words {
		if !noiseWords[w] {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		kept = words
	}
	return strings.Join(kept, " ")
}

// ClusterKey is the first word of the normalized descriptor.
func ClusterKey(description string) string {
	words := strings.Fields(Normalize(description))
	if len(words) == 0 {
		return UnclusteredKey
	}
	return words[0]
}

// Cluster is a group of transactions sharing a ClusterKey.
type Cluster struct {
	Key          string
	Hash         string
	Transactions []model.Transaction
	Samples      []model.Transaction
}

// Size is the number of transactions in the cluster.
func (c Cluster) Size() int {
	return len(c.Transactions)
}

// IDs is the set of the cluster's transaction IDs.
func (c Cluster) IDs() map[string]bool {
	ids := make(map[string]bool, len(c.Transactions))
	for _, t := range c.Transactions {
		ids[t.ID] = true
	}
	return ids
}

// ClusterOptions bounds cluster size and the samples kept per cluster.
type ClusterOptions struct {
	MinSize    int
	MaxSamples int
}

// DefaultClusterOptions keeps clusters of two or more with five samples each.
func DefaultClusterOptions() ClusterOptions {
	return ClusterOptions{MinSize: 2, MaxSamples: 5}
}

// ClusterStats summarizes a clustering run.
type ClusterStats struct {
	Coverage  decimal.Decimal
	Average   decimal.Decimal
	Total     int
	Clusters  int
	Clustered int
	Largest   int
	Smallest  int
}

// ClusterTransactions groups txns by ClusterKey, largest first. Groups smaller
// than MinSize and descriptors with no usable words are left out.
func ClusterTransactions(txns []model.Transaction, opts ClusterOptions) ([]Cluster, ClusterStats) {
	if opts.MinSize < 1 {
		opts.MinSize = 1
	}
	if opts.MaxSamples < 1 {
		opts.MaxSamples = DefaultClusterOptions().MaxSamples
	}

	groups := make(map[string][]model.Transaction)
	for _, t := range txns {
		key := ClusterKey(t.Description)
		if key == UnclusteredKey {
			continue
		}
		groups[key] = append(groups[key], t)
	}

	clusters := make([]Cluster, 0, len(groups))
	for key, members := range groups {
		if len(members) < opts.MinSize {
			continue
		}
		sum := sha256.Sum256([]byte(key))
		clusters = append(clusters, Cluster{
			Key:          key,
			Hash:         fmt.Sprintf("%x", sum[:8]),
			Transactions: members,
			Samples:      members[:min(len(members), opts.MaxSamples)],
		})
	}

	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].Size() != clusters[j].Size() {
			return clusters[i].Size() > clusters[j].Size()
		}
		return clusters[i].Key < clusters[j].Key
	})

	return clusters, clusterStats(len(txns), clusters)
}

func clusterStats(total int, clusters []Cluster) ClusterStats {
	stats := ClusterStats{Total: total, Clusters: len(clusters)}
	for i, c := range clusters {
		stats.Clustered += c.Size()
		if i == 0 || c.Size() > stats.Largest {
			stats.Largest = c.Size()
		}
		if i == 0 || c.Size() < stats.Smallest {
			stats.Smallest = c.Size()
		}
	}
	if total > 0 {
		stats.Coverage = percent(stats.Clustered, total)
	}
	if len(clusters) > 0 {
		stats.Average = decimal.NewFromInt(int64(stats.Clustered)).
			Div(decimal.NewFromInt(int64(len(clusters)))).Round(1)
	}
	return stats
}

func percent(part, whole int) decimal.Decimal {
	return decimal.NewFromInt(int64(part)).Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(whole))).Round(1)
}
