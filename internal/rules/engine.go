// Package rules evaluates user-defined classification rules against transactions.
//
// Rules are expressions over Env compiled with expr-lang/expr. The compiled set
// is an immutable snapshot shared by all callers. It is rebuilt when the store
// reports a new rule revision or after Invalidate.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/Veraticus/saffron/internal/model"
)

// RuleSource lists rules in evaluation order (ascending priority).
type RuleSource interface {
	ListRules(ctx context.Context, activeOnly bool) ([]model.ClassificationRule, error)
}

// RevisionSource is a RuleSource that can tell when its rules changed.
// Engines over such a source rebuild their snapshot without Invalidate.
type RevisionSource interface {
	RuleSource
	RuleRevision(ctx context.Context) (int64, error)
}

// DefinitionError reports a rule whose expression cannot be compiled or
// evaluated. Such rules are skipped, never fatal.
type DefinitionError struct {
	Err        error
	RuleName   string
	Expression string
	RuleID     int64
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("rule %q (%d): invalid expression %q: %v", e.RuleName, e.RuleID, e.Expression, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

// Match is the first rule that matched a transaction.
type Match struct {
	Rule model.ClassificationRule
}

// Terminal reports whether the match settles the category without further evidence.
func (m Match) Terminal() bool {
	return !m.Rule.RequiresFurtherEvidence
}

type compiledRule struct {
	program *vm.Program
	rule    model.ClassificationRule
}

type snapshot struct {
	loadedAt   time.Time
	rules      []compiledRule
	invalid    []DefinitionError
	revision   int64
	generation uint64
}

// Engine evaluates the active rule set.
type Engine struct {
	source     RuleSource
	current    atomic.Pointer[snapshot]
	generation atomic.Uint64
	loadMu     sync.Mutex
}

// NewEngine creates an engine backed by source.
func NewEngine(source RuleSource) *Engine {
	return &Engine{source: source}
}

// Compile type-checks an expression against Env.
func Compile(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, errors.New("empty expression")
	}
	return expr.Compile(expression, expr.Env(Env{}), expr.AsBool())
}

// Invalidate drops the compiled snapshot. A load already in flight when
// Invalidate runs is not reused.
func (e *Engine) Invalidate() {
	e.generation.Add(1)
	e.current.Store(nil)
}

// Reload compiles a fresh snapshot immediately.
func (e *Engine) Reload(ctx context.Context) error {
	e.Invalidate()
	_, err := e.snapshot(ctx)
	return err
}

func (e *Engine) snapshot(ctx context.Context) (*snapshot, error) {
	revision, err := e.revision(ctx)
	if err != nil {
		return nil, err
	}
	if s := e.current.Load(); e.fresh(s, revision) {
		return s, nil
	}

	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	if s := e.current.Load(); e.fresh(s, revision) {
		return s, nil
	}

	generation := e.generation.Load()
	rules, err := e.source.ListRules(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	s := &snapshot{loadedAt: time.Now(), revision: revision, generation: generation}
	for _, rule := range rules {
		program, err := Compile(rule.Expression)
		if err != nil {
			defErr := DefinitionError{RuleID: rule.ID, RuleName: rule.Name, Expression: rule.Expression, Err: err}
			slog.Warn("skipping malformed rule", "error", &defErr)
			s.invalid = append(s.invalid, defErr)
			continue
		}
		s.rules = append(s.rules, compiledRule{rule: rule, program: program})
	}

	slog.Debug("compiled rule snapshot",
		"rules", len(s.rules), "invalid", len(s.invalid), "revision", revision)
	e.current.Store(s)
	return s, nil
}

// fresh reports whether s can still serve evaluations. The revision is read
// before the rules are listed, so a change made mid-load forces another load.
func (e *Engine) fresh(s *snapshot, revision int64) bool {
	return s != nil && s.generation == e.generation.Load() && s.revision == revision
}

func (e *Engine) revision(ctx context.Context) (int64, error) {
	rs, ok := e.source.(RevisionSource)
	if !ok {
		return 0, nil
	}
	revision, err := rs.RuleRevision(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to check rule revision: %w", err)
	}
	return revision, nil
}

// Evaluate returns the first matching rule in priority order, or nil when no
// rule matches. Rules that fail at runtime are logged and skipped.
func (e *Engine) Evaluate(ctx context.Context, txn model.Transaction) (*Match, error) {
	s, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	env := NewEnv(txn)
	for _, cr := range s.rules {
		ok, err := run(cr.program, env)
		if err != nil {
			slog.Warn("rule evaluation failed",
				"error", &DefinitionError{RuleID: cr.rule.ID, RuleName: cr.rule.Name, Expression: cr.rule.Expression, Err: err},
				"transaction_id", txn.ID)
			continue
		}
		if ok {
			return &Match{Rule: cr.rule}, nil
		}
	}
	return nil, nil
}

// MatchingRules returns every rule that matches, in priority order.
func (e *Engine) MatchingRules(ctx context.Context, txn model.Transaction) ([]model.ClassificationRule, error) {
	s, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	env := NewEnv(txn)
	var matches []model.ClassificationRule
	for _, cr := range s.rules {
		if ok, err := run(cr.program, env); err == nil && ok {
			matches = append(matches, cr.rule)
		}
	}
	return matches, nil
}

// InvalidRules returns the rules skipped in the current snapshot.
func (e *Engine) InvalidRules(ctx context.Context) ([]DefinitionError, error) {
	s, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return append([]DefinitionError(nil), s.invalid...), nil
}

// TestExpression compiles and runs an expression against a single transaction.
func TestExpression(expression string, txn model.Transaction) (bool, error) {
	program, err := Compile(expression)
	if err != nil {
		return false, fmt.Errorf("failed to compile expression: %w", err)
	}
	ok, err := run(program, NewEnv(txn))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	return ok, nil
}

// Matches runs a compiled expression against txn.
func Matches(program *vm.Program, txn model.Transaction) (bool, error) {
	return run(program, NewEnv(txn))
}

func run(program *vm.Program, env Env) (bool, error) {
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("expression returned %T, not bool", out)
	}
	return ok, nil
}
