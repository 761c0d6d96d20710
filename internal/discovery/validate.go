package discovery

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/expr-lang/expr/vm"
	"github.com/shopspring/decimal"

	"github.com/Veraticus/saffron/internal/model"
	"github.com/Veraticus/saffron/internal/rules"
)

// Validation measures an expression against a population of transactions
// where some are known positives.
type Validation struct {
	Precision            decimal.Decimal
	Coverage             decimal.Decimal
	TruePositiveSamples  []model.Transaction
	FalsePositiveSamples []model.Transaction
	Matches              int
	TruePositives        int
	FalsePositives       int
	Positives            int
}

// Validate runs program over population. Precision is the share of matches
// that are positives; coverage is the share of positives matched.
func Validate(program *vm.Program, population []model.Transaction, positive map[string]bool, maxSamples int) (Validation, error) {
	v := Validation{Positives: len(positive)}
	for _, t := range population {
		ok, err := rules.Matches(program, t)
		if err != nil {
			return v, fmt.Errorf("evaluating against transaction %s: %w", t.ID, err)
		}
		if !ok {
			continue
		}
		v.Matches++
		if positive[t.ID] {
			v.TruePositives++
			if len(v.TruePositiveSamples) < maxSamples {
				v.TruePositiveSamples = append(v.TruePositiveSamples, t)
			}
			continue
		}
		v.FalsePositives++
		if len(v.FalsePositiveSamples) < maxSamples {
			v.FalsePositiveSamples = append(v.FalsePositiveSamples, t)
		}
	}

	v.Precision = ratio(v.TruePositives, v.Matches)
	v.Coverage = ratio(v.TruePositives, v.Positives)
	return v, nil
}

func ratio(part, whole int) decimal.Decimal {
	if whole == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(part)).Div(decimal.NewFromInt(int64(whole))).Round(4)
}

// Conflict is an existing rule that matches some of the same transactions.
type Conflict struct {
	Samples []model.Transaction
	Rule    model.ClassificationRule
	Overlap int
	// SameTarget is set when the existing rule already assigns one of the
	// target categories.
	SameTarget bool
}

// FindConflicts reports the existing rules whose matches overlap program's on
// population, largest overlap first. Rules that no longer compile are skipped.
func FindConflicts(program *vm.Program, targets map[int64]bool, population []model.Transaction,
	existing []model.ClassificationRule, maxSamples int,
) []Conflict {
	var matched []model.Transaction
	for _, t := range population {
		if ok, err := rules.Matches(program, t); err == nil && ok {
			matched = append(matched, t)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	var conflicts []Conflict
	for _, rule := range existing {
		other, err := rules.Compile(rule.Expression)
		if err != nil {
			slog.Debug("skipping uncompilable rule in conflict check", "rule", rule.Name, "error", err)
			continue
		}
		c := Conflict{Rule: rule, SameTarget: targets[rule.TargetCategoryID]}
		for _, t := range matched {
			if ok, err := rules.Matches(other, t); err == nil && ok {
				c.Overlap++
				if len(c.Samples) < maxSamples {
					c.Samples = append(c.Samples, t)
				}
			}
		}
		if c.Overlap > 0 {
			conflicts = append(conflicts, c)
		}
	}

	sort.SliceStable(conflicts, func(i, j int) bool {
		return conflicts[i].Overlap > conflicts[j].Overlap
	})
	return conflicts
}
