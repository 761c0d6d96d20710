package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/saffron/internal/model"
	"github.com/Veraticus/saffron/internal/rules"
	"github.com/Veraticus/saffron/internal/storage"
)

// Proposal is a rule suggested for a cluster.
type Proposal struct {
	Expression   string
	CategoryName string
	// Confidence is the proposer's own rating: high, medium or low.
	Confidence string
	Reasoning  string
	Raw        string
}

// ProposalRequest is what a Proposer sees of a cluster.
type ProposalRequest struct {
	Cluster    Cluster
	Categories []model.Category
}

// Proposer suggests rule expressions for clusters.
type Proposer interface {
	Propose(ctx context.Context, req ProposalRequest) (*Proposal, error)
	// Refine asks again after previous was rejected for the given reason.
	Refine(ctx context.Context, req ProposalRequest, previous Proposal, problem string) (*Proposal, error)
}

// Store is the ledger view discovery reads.
type Store interface {
	ListLabeledTransactions(ctx context.Context) ([]storage.LabeledTransaction, error)
	ListCategories(ctx context.Context) ([]model.Category, error)
	ListRules(ctx context.Context, activeOnly bool) ([]model.ClassificationRule, error)
}

// Options tunes a discovery run.
type Options struct {
	MinPrecision decimal.Decimal
	MinCoverage  decimal.Decimal
	Clusters     ClusterOptions
	MaxClusters  int
	MaxSamples   int
	// Refine allows one retry per cluster with the rejection reason.
	Refine bool
}

// DefaultOptions proposes rules for the ten largest clusters and accepts
// those at least 90% precise that cover half their cluster.
func DefaultOptions() Options {
	return Options{
		Clusters:     DefaultClusterOptions(),
		MaxClusters:  10,
		MinPrecision: decimal.RequireFromString("0.9"),
		MinCoverage:  decimal.RequireFromString("0.5"),
		MaxSamples:   5,
		Refine:       true,
	}
}

// Candidate is the outcome for one cluster.
type Candidate struct {
	Proposal   *Proposal
	Category   *model.Category
	Cluster    Cluster
	Conflicts  []Conflict
	Validation Validation
	// Coverage is the share of the cluster the expression matches.
	Coverage decimal.Decimal
	// Problem says why the candidate should not become a rule. Empty when it can.
	Problem string
	Refined bool
}

// Acceptable reports whether the candidate passed validation.
func (c Candidate) Acceptable() bool {
	return c.Proposal != nil && c.Category != nil && c.Problem == ""
}

// Rule builds the classification rule for an acceptable candidate.
func (c Candidate) Rule(priority int) model.ClassificationRule {
	return model.ClassificationRule{
		Name:             strings.ToLower(c.Cluster.Key),
		Expression:       c.Proposal.Expression,
		Description:      c.Proposal.Reasoning,
		TargetCategoryID: c.Category.ID,
		Priority:         priority,
		Active:           true,
	}
}

// Report is the result of a discovery run.
type Report struct {
	Candidates []Candidate
	Stats      ClusterStats
}

// Accepted returns the acceptable candidates.
func (r *Report) Accepted() []Candidate {
	var out []Candidate
	for _, c := range r.Candidates {
		if c.Acceptable() {
			out = append(out, c)
		}
	}
	return out
}

// Discoverer proposes and validates rules for unassigned transactions.
type Discoverer struct {
	store    Store
	proposer Proposer
	opts     Options
}

// NewDiscoverer creates a discoverer. Zero counts fall back to DefaultOptions.
func NewDiscoverer(store Store, proposer Proposer, opts Options) *Discoverer {
	def := DefaultOptions()
	if opts.MaxClusters <= 0 {
		opts.MaxClusters = def.MaxClusters
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = def.MaxSamples
	}
	if opts.Clusters.MinSize <= 0 {
		opts.Clusters.MinSize = def.Clusters.MinSize
	}
	if opts.Clusters.MaxSamples <= 0 {
		opts.Clusters.MaxSamples = def.Clusters.MaxSamples
	}
	return &Discoverer{store: store, proposer: proposer, opts: opts}
}

// ledger is one consistent read of the store.
type ledger struct {
	byName     map[string]model.Category
	labels     map[string]int64
	population []model.Transaction
	unassigned []model.Transaction
	categories []model.Category
	rules      []model.ClassificationRule
}

func (d *Discoverer) load(ctx context.Context) (*ledger, error) {
	labeled, err := d.store.ListLabeledTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	categories, err := d.store.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	active, err := d.store.ListRules(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	l := &ledger{
		byName:     make(map[string]model.Category, len(categories)),
		labels:     make(map[string]int64),
		population: make([]model.Transaction, 0, len(labeled)),
		categories: categories,
		rules:      active,
	}
	for _, c := range categories {
		l.byName[strings.ToLower(c.Name)] = c
	}
	for _, lt := range labeled {
		l.population = append(l.population, lt.Transaction)
		if lt.CategoryID == nil {
			l.unassigned = append(l.unassigned, lt.Transaction)
			continue
		}
		l.labels[lt.ID] = *lt.CategoryID
	}
	return l, nil
}

// Discover clusters unassigned transactions and evaluates a proposed rule for
// each of the largest clusters. A proposer failure is recorded on its
// candidate and the run continues.
func (d *Discoverer) Discover(ctx context.Context) (*Report, error) {
	l, err := d.load(ctx)
	if err != nil {
		return nil, err
	}

	clusters, stats := ClusterTransactions(l.unassigned, d.opts.Clusters)
	if len(clusters) > d.opts.MaxClusters {
		clusters = clusters[:d.opts.MaxClusters]
	}
	slog.Info("Clustered unassigned transactions",
		"transactions", stats.Total, "clusters", stats.Clusters, "coverage", stats.Coverage.String()+"%")

	report := &Report{Stats: stats}
	for _, cluster := range clusters {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := d.candidate(ctx, l, cluster)
		if err != nil {
			return nil, err
		}
		report.Candidates = append(report.Candidates, c)
	}
	return report, nil
}

func (d *Discoverer) candidate(ctx context.Context, l *ledger, cluster Cluster) (Candidate, error) {
	req := ProposalRequest{Cluster: cluster, Categories: l.categories}
	c := Candidate{Cluster: cluster}

	proposal, err := d.proposer.Propose(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return c, ctxErr
		}
		slog.Warn("Rule proposal failed", "cluster", cluster.Key, "error", err)
		c.Problem = fmt.Sprintf("proposal failed: %v", err)
		return c, nil
	}
	d.check(l, &c, proposal)

	if c.Problem == "" || !d.opts.Refine {
		return c, nil
	}

	refined, err := d.proposer.Refine(ctx, req, *proposal, c.Problem)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return c, ctxErr
		}
		slog.Warn("Rule refinement failed", "cluster", cluster.Key, "error", err)
		return c, nil
	}
	retry := Candidate{Cluster: cluster, Refined: true}
	d.check(l, &retry, refined)
	return retry, nil
}

// check fills in validation results for p and sets Problem when it falls short.
func (d *Discoverer) check(l *ledger, c *Candidate, p *Proposal) {
	c.Proposal = p

	program, err := rules.Compile(p.Expression)
	if err != nil {
		c.Problem = fmt.Sprintf("expression does not compile: %v", err)
		return
	}
	cat, ok := l.byName[strings.ToLower(strings.TrimSpace(p.CategoryName))]
	if !ok {
		c.Problem = fmt.Sprintf("no category named %q", p.CategoryName)
		return
	}
	c.Category = &cat

	// Transactions already filed under the proposed category count in its favor.
	positive := c.Cluster.IDs()
	for id, categoryID := range l.labels {
		if categoryID == cat.ID {
			positive[id] = true
		}
	}

	v, err := Validate(program, l.population, positive, d.opts.MaxSamples)
	if err != nil {
		c.Problem = err.Error()
		return
	}
	c.Validation = v
	c.Conflicts = FindConflicts(program, map[int64]bool{cat.ID: true}, l.population, l.rules, d.opts.MaxSamples)

	inCluster := 0
	for _, t := range c.Cluster.Transactions {
		if ok, err := rules.Matches(program, t); err == nil && ok {
			inCluster++
		}
	}
	c.Coverage = ratio(inCluster, c.Cluster.Size())

	switch {
	case inCluster == 0:
		c.Problem = "matches none of the cluster's transactions"
	case v.Precision.LessThan(d.opts.MinPrecision):
		c.Problem = fmt.Sprintf("precision %s is below %s: it also matches %d unrelated transactions, such as %q",
			v.Precision.StringFixed(2), d.opts.MinPrecision.StringFixed(2), v.FalsePositives,
			v.FalsePositiveSamples[0].Description)
	case c.Coverage.LessThan(d.opts.MinCoverage):
		c.Problem = fmt.Sprintf("matches only %d of %d transactions in the cluster", inCluster, c.Cluster.Size())
	}
}
