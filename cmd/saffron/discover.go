package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Veraticus/saffron/internal/cli"
	"github.com/Veraticus/saffron/internal/common"
	"github.com/Veraticus/saffron/internal/config"
	"github.com/Veraticus/saffron/internal/discovery"
	"github.com/Veraticus/saffron/internal/llm"
	"github.com/Veraticus/saffron/internal/model"
	"github.com/Veraticus/saffron/internal/rules"
	"github.com/Veraticus/saffron/internal/storage"
)

func unassigned(labeled []storage.LabeledTransaction) []model.Transaction {
	var out []model.Transaction
	for _, lt := range labeled {
		if lt.CategoryID == nil {
			out = append(out, lt.Transaction)
		}
	}
	return out
}

func clustersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clusters",
		Short: "Group unassigned transactions by merchant and show common phrases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			limit, _ := cmd.Flags().GetInt("limit")
			opts := discovery.DefaultClusterOptions()
			opts.MinSize, _ = cmd.Flags().GetInt("min-size")

			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			labeled, err := store.ListLabeledTransactions(ctx)
			if err != nil {
				return err
			}
			txns := unassigned(labeled)
			if len(txns) == 0 {
				cmd.Println(cli.FormatInfo("Every transaction is assigned."))
				return nil
			}

			clusters, stats := discovery.ClusterTransactions(txns, opts)
			cmd.Println(cli.RenderBox(cli.ChartIcon+" Clusters", fmt.Sprintf(
				"Unassigned: %d\nClusters:   %d\nClustered:  %d (%s%%)\nSizes:      %d to %d, average %s",
				stats.Total, stats.Clusters, stats.Clustered, stats.Coverage.String(),
				stats.Smallest, stats.Largest, stats.Average.String())))

			if len(clusters) > limit && limit > 0 {
				clusters = clusters[:limit]
			}
			rows := make([][]string, 0, len(clusters))
			for _, c := range clusters {
				rows = append(rows, []string{c.Key, strconv.Itoa(c.Size()), truncate(c.Samples[0].Description, 50)})
			}
			if len(rows) > 0 {
				cmd.Print(cli.RenderTable([]string{"Key", "Size", "Example"}, rows))
			}

			phrases := discovery.FrequentPhrases(txns, discovery.DefaultFrequencyOptions())
			if len(phrases) == 0 {
				return nil
			}
			cmd.Println(cli.FormatTitle("Frequent phrases"))
			rows = rows[:0]
			for _, p := range phrases {
				rows = append(rows, []string{p.Text, strconv.Itoa(p.Count), p.Share.Shift(2).StringFixed(1) + "%"})
			}
			cmd.Print(cli.RenderTable([]string{"Phrase", "Transactions", "Share"}, rows))
			return nil
		},
	}
	cmd.Flags().Int("min-size", discovery.DefaultClusterOptions().MinSize, "Smallest cluster to show")
	cmd.Flags().Int("limit", 20, "Clusters to show (0 for all)")
	return cmd
}

func validateRuleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate EXPRESSION",
		Short: "Measure an expression against the transactions already assigned to a category",
		Long: `Run an expression over every stored transaction. Transactions assigned
anywhere under --category count as correct matches. Reports precision, coverage
and the existing rules that match the same transactions.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			categoryRef, _ := cmd.Flags().GetString("category")
			samples, _ := cmd.Flags().GetInt("samples")

			program, err := rules.Compile(args[0])
			if err != nil {
				return common.NewUserError("invalid rule expression", err)
			}

			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			target, err := resolveCategory(ctx, store, categoryRef)
			if err != nil {
				return err
			}
			subtree, err := store.Descendants(ctx, target.ID)
			if err != nil {
				return err
			}
			inTarget := make(map[int64]bool, len(subtree))
			for _, c := range subtree {
				inTarget[c.ID] = true
			}

			labeled, err := store.ListLabeledTransactions(ctx)
			if err != nil {
				return err
			}
			population := make([]model.Transaction, 0, len(labeled))
			positive := make(map[string]bool)
			for _, lt := range labeled {
				population = append(population, lt.Transaction)
				if lt.CategoryID != nil && inTarget[*lt.CategoryID] {
					positive[lt.ID] = true
				}
			}

			v, err := discovery.Validate(program, population, positive, samples)
			if err != nil {
				return err
			}
			existing, err := store.ListRules(ctx, true)
			if err != nil {
				return err
			}
			conflicts := discovery.FindConflicts(program, inTarget, population, existing, samples)

			printValidation(cmd, target.Name, v, conflicts)
			return nil
		},
	}
	cmd.Flags().String("category", "", "Category the expression should select (ID or name)")
	cmd.Flags().Int("samples", 5, "Example transactions to show")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func printValidation(cmd *cobra.Command, category string, v discovery.Validation, conflicts []discovery.Conflict) {
	cmd.Println(cli.RenderBox(cli.ChartIcon+" "+category, fmt.Sprintf(
		"Matches:   %d\nCorrect:   %d\nOther:     %d\nPrecision: %s\nCoverage:  %s of %d assigned",
		v.Matches, v.TruePositives, v.FalsePositives,
		pct(v.Precision), pct(v.Coverage), v.Positives)))

	for _, t := range v.FalsePositiveSamples {
		cmd.Println(cli.FormatWarning(fmt.Sprintf("also matches %s  %s", t.Amount.StringFixed(2), t.Description)))
	}
	for _, c := range conflicts {
		line := fmt.Sprintf("overlaps rule %q on %d transactions", c.Rule.Name, c.Overlap)
		if c.SameTarget {
			cmd.Println(cli.FormatInfo(line + " (same category)"))
			continue
		}
		cmd.Println(cli.FormatWarning(line))
	}
}

func pct(d decimal.Decimal) string {
	return d.Shift(2).StringFixed(1) + "%"
}

func discoverRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Propose rules for clusters of unassigned transactions",
		Long: `Cluster unassigned transactions by merchant, ask the LLM for a rule per
cluster, and check each proposal against every stored transaction. Proposals
that miss the precision or coverage bar are sent back once with the reason.
With --accept the passing proposals are created as rules.`,
		Args: cobra.NoArgs,
		RunE: runDiscover,
	}
	def := discovery.DefaultOptions()
	cmd.Flags().Int("clusters", def.MaxClusters, "Largest clusters to propose rules for")
	cmd.Flags().Int("min-size", def.Clusters.MinSize, "Smallest cluster worth a rule")
	cmd.Flags().String("min-precision", def.MinPrecision.String(), "Lowest acceptable precision (0-1)")
	cmd.Flags().String("min-coverage", def.MinCoverage.String(), "Lowest acceptable share of the cluster matched (0-1)")
	cmd.Flags().Bool("no-refine", false, "Do not send rejected proposals back")
	cmd.Flags().Bool("accept", false, "Create rules for passing proposals")
	cmd.Flags().Int("priority", 100, "Priority of created rules")
	return cmd
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	opts := discovery.DefaultOptions()
	opts.MaxClusters, _ = cmd.Flags().GetInt("clusters")
	opts.Clusters.MinSize, _ = cmd.Flags().GetInt("min-size")
	noRefine, _ := cmd.Flags().GetBool("no-refine")
	opts.Refine = !noRefine
	accept, _ := cmd.Flags().GetBool("accept")
	priority, _ := cmd.Flags().GetInt("priority")

	var err error
	for flag, dst := range map[string]*decimal.Decimal{"min-precision": &opts.MinPrecision, "min-coverage": &opts.MinCoverage} {
		raw, _ := cmd.Flags().GetString(flag)
		if *dst, err = decimal.NewFromString(raw); err != nil {
			return common.NewUserError("invalid --"+flag, err)
		}
	}

	llmCfg := llm.ConfigFrom(config.LoadLLM(viper.GetViper()))
	client, err := llm.NewClient(llmCfg)
	if err != nil {
		if errors.Is(err, common.ErrMissingConfig) {
			return common.NewUserError("rule discovery needs an LLM API key (ANTHROPIC_API_KEY or llm.api_key)", err)
		}
		return err
	}

	store, err := initStorage(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	proposer := llm.NewRuleProposer(client, llmCfg, slog.Default())
	report, err := discovery.NewDiscoverer(store, proposer, opts).Discover(ctx)
	if err != nil {
		return err
	}
	if len(report.Candidates) == 0 {
		cmd.Println(cli.FormatInfo("No clusters large enough to propose rules for."))
		return nil
	}

	printDiscovery(cmd, report)
	if !accept {
		return nil
	}
	return acceptCandidates(ctx, cmd, store, report.Accepted(), priority)
}

func printDiscovery(cmd *cobra.Command, report *discovery.Report) {
	rows := make([][]string, 0, len(report.Candidates))
	for _, c := range report.Candidates {
		expression, category, status := "", "", "ok"
		if c.Proposal != nil {
			expression = c.Proposal.Expression
		}
		if c.Category != nil {
			category = c.Category.Name
		}
		if !c.Acceptable() {
			status = "rejected"
		} else if c.Refined {
			status = "ok (refined)"
		}
		rows = append(rows, []string{
			c.Cluster.Key, strconv.Itoa(c.Cluster.Size()), truncate(expression, 48), category,
			pct(c.Validation.Precision), pct(c.Coverage), status,
		})
	}
	cmd.Print(cli.RenderTable([]string{"Cluster", "Size", "Expression", "Category", "Precision", "Coverage", "Status"}, rows))

	for _, c := range report.Candidates {
		if c.Problem != "" {
			cmd.Println(cli.FormatWarning(fmt.Sprintf("%s: %s", c.Cluster.Key, c.Problem)))
		}
		for _, conflict := range c.Conflicts {
			if !conflict.SameTarget {
				cmd.Println(cli.FormatWarning(fmt.Sprintf("%s: overlaps rule %q on %d transactions",
					c.Cluster.Key, conflict.Rule.Name, conflict.Overlap)))
			}
		}
	}
}

// ruleCreator is the store surface acceptCandidates needs.
type ruleCreator interface {
	CreateRule(ctx context.Context, rule *model.ClassificationRule) error
}

// acceptCandidates creates a rule per candidate. A name already taken gets
// the cluster hash appended.
func acceptCandidates(ctx context.Context, cmd *cobra.Command, store ruleCreator, candidates []discovery.Candidate, priority int) error {
	created := 0
	for _, c := range candidates {
		rule := c.Rule(priority)
		err := store.CreateRule(ctx, &rule)
		if errors.Is(err, common.ErrDuplicateEntry) {
			rule.Name = strings.Join([]string{rule.Name, c.Cluster.Hash}, "-")
			err = store.CreateRule(ctx, &rule)
		}
		if err != nil {
			return fmt.Errorf("creating rule for %s: %w", c.Cluster.Key, err)
		}
		created++
		cmd.Println(cli.FormatSuccess(fmt.Sprintf("Created rule %q (id %d) → %s", rule.Name, rule.ID, c.Category.Name)))
	}
	if created == 0 {
		cmd.Println(cli.FormatInfo("No proposals passed validation."))
	}
	return nil
}
