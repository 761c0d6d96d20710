package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/saffron/internal/model"
)

type fakeSource struct {
	err   error
	rules []model.ClassificationRule
	mu    sync.Mutex
	loads int
}

func (f *fakeSource) ListRules(_ context.Context, _ bool) ([]model.ClassificationRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return f.rules, f.err
}

func txn(description, amount string) model.Transaction {
	return model.Transaction{
		ID:          "txn-1",
		Date:        time.Date(2024, 5, 4, 0, 0, 0, 0, time.UTC),
		Description: description,
		Amount:      decimal.RequireFromString(amount),
		Currency:    "GBP",
		AccountName: "Joint",
	}
}

func rule(id int64, name, expression string, target int64) model.ClassificationRule {
	return model.ClassificationRule{
		ID:               id,
		Name:             name,
		Expression:       expression,
		TargetCategoryID: target,
		Priority:         int(id) * 10,
		Active:           true,
	}
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	source := &fakeSource{rules: []model.ClassificationRule{
		rule(1, "amazon", `description contains "AMAZON"`, 100),
		rule(2, "amazon-uk", `description contains "AMAZON.CO.UK"`, 200),
	}}
	engine := NewEngine(source)

	match, err := engine.Evaluate(context.Background(), txn("AMAZON.CO.UK", "-25.00"))
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "amazon", match.Rule.Name)
	assert.Equal(t, int64(100), match.Rule.TargetCategoryID)
	assert.True(t, match.Terminal())

	all, err := engine.MatchingRules(context.Background(), txn("AMAZON.CO.UK", "-25.00"))
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEvaluate_NoMatch(t *testing.T) {
	engine := NewEngine(&fakeSource{rules: []model.ClassificationRule{
		rule(1, "tesco", `description matches "(?i)tesco"`, 1),
	}})

	match, err := engine.Evaluate(context.Background(), txn("SAINSBURYS", "-5"))
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestEvaluate_SkipsBrokenRules(t *testing.T) {
	source := &fakeSource{rules: []model.ClassificationRule{
		rule(1, "syntax", `description contains (`, 1),
		rule(2, "wrong-type", `amount + 1`, 2),
		rule(3, "runtime", `int(notes) > 0`, 3),
		rule(4, "good", `lower(description) contains "tesco" && amount < 0`, 4),
	}}
	engine := NewEngine(source)

	match, err := engine.Evaluate(context.Background(), txn("TESCO STORES 2041", "-12.30"))
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "good", match.Rule.Name)

	invalid, err := engine.InvalidRules(context.Background())
	require.NoError(t, err)
	require.Len(t, invalid, 2)
	assert.Equal(t, "syntax", invalid[0].RuleName)
	assert.Equal(t, "wrong-type", invalid[1].RuleName)

	var defErr *DefinitionError
	assert.True(t, errors.As(&invalid[0], &defErr))
	assert.Contains(t, invalid[0].Error(), "syntax")
}

func TestEvaluate_Provisional(t *testing.T) {
	r := rule(1, "amazon", `description contains "AMAZON"`, 9)
	r.RequiresFurtherEvidence = true
	engine := NewEngine(&fakeSource{rules: []model.ClassificationRule{r}})

	match, err := engine.Evaluate(context.Background(), txn("AMAZON MKTPLACE", "-9.99"))
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.False(t, match.Terminal())
}

func TestSnapshotCaching(t *testing.T) {
	source := &fakeSource{rules: []model.ClassificationRule{
		rule(1, "tesco", `description contains "TESCO"`, 1),
	}}
	engine := NewEngine(source)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Evaluate(ctx, txn("TESCO", "-1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, source.loads)

	source.mu.Lock()
	source.rules = append(source.rules, rule(0, "all", `true`, 2))
	source.rules[0], source.rules[1] = source.rules[1], source.rules[0]
	source.mu.Unlock()

	match, err := engine.Evaluate(ctx, txn("TESCO", "-1"))
	require.NoError(t, err)
	assert.Equal(t, "tesco", match.Rule.Name, "stale snapshot until invalidated")

	engine.Invalidate()
	match, err = engine.Evaluate(ctx, txn("TESCO", "-1"))
	require.NoError(t, err)
	assert.Equal(t, "all", match.Rule.Name)
	assert.Equal(t, 2, source.loads)
}

func TestEvaluate_SourceError(t *testing.T) {
	engine := NewEngine(&fakeSource{err: errors.New("db down")})
	_, err := engine.Evaluate(context.Background(), txn("X", "1"))
	assert.ErrorContains(t, err, "db down")
}

func TestTestExpression(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		want       bool
		wantErr    bool
	}{
		{name: "regex", expression: `description matches "^TESCO"`, want: true},
		{name: "amount", expression: `abs(amount) > 20`, want: true},
		{name: "account", expression: `account_name == "Joint"`, want: true},
		{name: "currency", expression: `currency != "GBP"`, want: false},
		{name: "date", expression: `date.Weekday().String() == "Saturday"`, want: true},
		{name: "unknown field", expression: `merchant == "x"`, wantErr: true},
		{name: "not bool", expression: `description`, wantErr: true},
		{name: "empty", expression: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TestExpression(tt.expression, txn("TESCO STORES", "-23.10"))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// revisionedSource reports a new revision whenever its rules are replaced.
type revisionedSource struct {
	fakeSource
	revision int64
	// during runs inside ListRules, before the rules are returned.
	during func()
}

func (r *revisionedSource) RuleRevision(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revision, nil
}

func (r *revisionedSource) ListRules(ctx context.Context, activeOnly bool) ([]model.ClassificationRule, error) {
	if r.during != nil {
		r.during()
	}
	return r.fakeSource.ListRules(ctx, activeOnly)
}

func (r *revisionedSource) replace(rules ...model.ClassificationRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = rules
	r.revision++
}

func TestSnapshot_ReloadsOnRevisionChange(t *testing.T) {
	source := &revisionedSource{fakeSource: fakeSource{rules: []model.ClassificationRule{
		rule(1, "tesco", `description contains "TESCO"`, 1),
	}}}
	engine := NewEngine(source)
	ctx := context.Background()

	match, err := engine.Evaluate(ctx, txn("TESCO", "-1"))
	require.NoError(t, err)
	assert.Equal(t, "tesco", match.Rule.Name)
	_, err = engine.Evaluate(ctx, txn("TESCO", "-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, source.loads)

	source.replace(rule(1, "everything", `true`, 2))
	match, err = engine.Evaluate(ctx, txn("TESCO", "-1"))
	require.NoError(t, err)
	assert.Equal(t, "everything", match.Rule.Name)
	assert.Equal(t, 2, source.loads)
}

func TestSnapshot_InvalidateDuringLoad(t *testing.T) {
	source := &revisionedSource{fakeSource: fakeSource{rules: []model.ClassificationRule{
		rule(1, "tesco", `description contains "TESCO"`, 1),
	}}}
	engine := NewEngine(source)
	ctx := context.Background()

	// The first load races with an invalidation, so its result is not reused.
	first := true
	source.during = func() {
		if first {
			first = false
			engine.Invalidate()
		}
	}

	_, err := engine.Evaluate(ctx, txn("TESCO", "-1"))
	require.NoError(t, err)
	_, err = engine.Evaluate(ctx, txn("TESCO", "-1"))
	require.NoError(t, err)
	assert.Equal(t, 2, source.loads)

	_, err = engine.Evaluate(ctx, txn("TESCO", "-1"))
	require.NoError(t, err)
	assert.Equal(t, 2, source.loads)
}
