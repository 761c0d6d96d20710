package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Veraticus/saffron/internal/discovery"
)

const ruleSystemPrompt = "You write classification rules for bank transactions. " +
	"Respond only with a single JSON object and no commentary."

// RuleProposer asks the model for rule expressions covering transaction clusters.
type RuleProposer struct {
	req *requester
}

var _ discovery.Proposer = (*RuleProposer)(nil)

// NewRuleProposer creates a proposer over client.
func NewRuleProposer(client Client, cfg Config, logger *slog.Logger) *RuleProposer {
	return &RuleProposer{req: newRequester(client, cfg, logger)}
}

type proposedRule struct {
	Expression   string `json:"expression"`
	CategoryName string `json:"category_name"`
	Confidence   string `json:"confidence"`
	Reasoning    string `json:"reasoning"`
}

// Propose implements discovery.Proposer.
func (p *RuleProposer) Propose(ctx context.Context, req discovery.ProposalRequest) (*discovery.Proposal, error) {
	return p.ask(ctx, req.Cluster.Key, buildRulePrompt(req, nil, ""))
}

// Refine implements discovery.Proposer.
func (p *RuleProposer) Refine(ctx context.Context, req discovery.ProposalRequest, previous discovery.Proposal, problem string) (*discovery.Proposal, error) {
	return p.ask(ctx, req.Cluster.Key, buildRulePrompt(req, &previous, problem))
}

func (p *RuleProposer) ask(ctx context.Context, key, prompt string) (*discovery.Proposal, error) {
	var parsed proposedRule
	raw, err := p.req.completeJSON(ctx, Request{
		System:    ruleSystemPrompt,
		Prompt:    prompt,
		MaxTokens: 512,
	}, &parsed)
	if err != nil {
		return nil, fmt.Errorf("proposing rule for %s: %w", key, err)
	}

	proposal := &discovery.Proposal{
		Expression:   strings.TrimSpace(parsed.Expression),
		CategoryName: strings.TrimSpace(parsed.CategoryName),
		Confidence:   strings.ToLower(strings.TrimSpace(parsed.Confidence)),
		Reasoning:    strings.TrimSpace(parsed.Reasoning),
		Raw:          raw,
	}
	if proposal.Expression == "" {
		return nil, errors.New("reply has no expression")
	}
	switch proposal.Confidence {
	case "high", "medium", "low":
	default:
		proposal.Confidence = "low"
	}
	return proposal, nil
}

func buildRulePrompt(req discovery.ProposalRequest, previous *discovery.Proposal, problem string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "These %d bank transactions share the merchant key %q. Samples:\n",
		req.Cluster.Size(), req.Cluster.Key)
	for _, t := range req.Cluster.Samples {
		fmt.Fprintf(&sb, "- %s  %s  %s\n", t.Date.Format("2006-01-02"), t.Amount.StringFixed(2), t.Description)
	}

	sb.WriteString("\nCategories:\n")
	for _, c := range req.Categories {
		if c.Description != "" {
			fmt.Fprintf(&sb, "- %d: %s - %s\n", c.ID, c.Name, c.Description)
			continue
		}
		fmt.Fprintf(&sb, "- %d: %s\n", c.ID, c.Name)
	}

	sb.WriteString(`
Write one rule that matches these transactions and as few others as possible.
Rules are expr-lang boolean expressions over these fields: description (string),
amount (number, negative for debits), currency, account_name, external_id,
notes, date. Prefer anchored, case-insensitive regular expressions, for example:
  description matches "(?i)^tesco\\b"
  description matches "(?i)netflix" && amount < 0
`)

	if previous != nil {
		fmt.Fprintf(&sb, "\nThe previous rule %q for category %q was rejected: %s\nWrite a better one.\n",
			previous.Expression, previous.CategoryName, problem)
	}

	sb.WriteString(`
Return JSON:
{"expression": "...", "category_name": "exact name from the list", "confidence": "high|medium|low", "reasoning": "one sentence"}`)
	return sb.String()
}
