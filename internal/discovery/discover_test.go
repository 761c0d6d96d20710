package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/saffron/internal/model"
	"github.com/Veraticus/saffron/internal/storage"
	"github.com/Veraticus/saffron/internal/testutil"
)

// scriptedProposer answers each cluster key with successive proposals.
type scriptedProposer struct {
	answers  map[string][]Proposal
	errs     map[string]error
	calls    map[string]int
	problems []string
}

func newScriptedProposer() *scriptedProposer {
	return &scriptedProposer{
		answers: make(map[string][]Proposal),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (p *scriptedProposer) next(key string) (*Proposal, error) {
	if err := p.errs[key]; err != nil {
		return nil, err
	}
	list := p.answers[key]
	if len(list) == 0 {
		return nil, errors.New("no answer scripted")
	}
	answer := list[min(p.calls[key], len(list)-1)]
	p.calls[key]++
	return &answer, nil
}

func (p *scriptedProposer) Propose(_ context.Context, req ProposalRequest) (*Proposal, error) {
	return p.next(req.Cluster.Key)
}

func (p *scriptedProposer) Refine(_ context.Context, req ProposalRequest, _ Proposal, problem string) (*Proposal, error) {
	p.problems = append(p.problems, problem)
	return p.next(req.Cluster.Key)
}

func assign(t *testing.T, db *testutil.TestDB, txnID, category string) {
	t.Helper()
	require.NoError(t, db.Storage.CommitResolution(context.Background(), storage.Resolution{
		Assignment: model.CategoryAssignment{
			TransactionID: txnID,
			CategoryID:    db.MustCategory(category).ID,
			Source:        model.SourceManual,
		},
	}))
}

func setupLedger(t *testing.T) *testutil.TestDB {
	t.Helper()
	db := testutil.SetupTestDB(t, testutil.StandardTree())
	db.MustSaveTransactions(
		testutil.NewTransaction("n1", "NETFLIX.COM 1", "-9.99", day),
		testutil.NewTransaction("n2", "NETFLIX.COM 2", "-9.99", day),
		testutil.NewTransaction("n3", "NETFLIX.COM 3", "-9.99", day),
		testutil.NewTransaction("n0", "NETFLIX.COM 0", "-9.99", day),
		testutil.NewTransaction("t1", "TESCO STORES 1", "-20.00", day),
		testutil.NewTransaction("t2", "TESCO STORES 2", "-30.00", day),
		testutil.NewTransaction("b1", "TESCO BANK INTEREST", "-4.00", day),
		testutil.NewTransaction("x1", "UNIQUE MERCHANT", "-1.00", day),
	)
	assign(t, db, "n0", "Subscriptions")
	assign(t, db, "b1", "Travel")
	return db
}

func TestDiscover(t *testing.T) {
	db := setupLedger(t)
	db.MustCreateRule("streaming", `description contains "NETFLIX"`, "Leisure", 100, false)

	proposer := newScriptedProposer()
	proposer.answers["NETFLIX"] = []Proposal{
		{Expression: `description matches "(?i)netflix"`, CategoryName: "subscriptions", Confidence: "high", Reasoning: "streaming"},
	}
	proposer.answers["TESCO"] = []Proposal{
		{Expression: `description startsWith "TESCO"`, CategoryName: "Groceries"},
		{Expression: `description matches "(?i)^tesco stores"`, CategoryName: "Groceries"},
	}

	report, err := NewDiscoverer(db.Storage, proposer, DefaultOptions()).Discover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6, report.Stats.Total, "assigned transactions are not clustered")
	assert.Equal(t, 2, report.Stats.Clusters)
	require.Len(t, report.Candidates, 2)

	netflix := report.Candidates[0]
	assert.Equal(t, "NETFLIX", netflix.Cluster.Key)
	assert.True(t, netflix.Acceptable(), netflix.Problem)
	assert.False(t, netflix.Refined)
	assert.Equal(t, db.MustCategory("Subscriptions").ID, netflix.Category.ID)
	assert.Equal(t, 4, netflix.Validation.TruePositives, "already filed under the category counts")
	assert.Equal(t, 0, netflix.Validation.FalsePositives)
	assert.Equal(t, "1", netflix.Coverage.String())
	require.Len(t, netflix.Conflicts, 1)
	assert.Equal(t, "streaming", netflix.Conflicts[0].Rule.Name)
	assert.Equal(t, 4, netflix.Conflicts[0].Overlap)
	assert.False(t, netflix.Conflicts[0].SameTarget)

	tesco := report.Candidates[1]
	assert.Equal(t, "TESCO", tesco.Cluster.Key)
	assert.True(t, tesco.Acceptable(), tesco.Problem)
	assert.True(t, tesco.Refined)
	assert.Equal(t, `description matches "(?i)^tesco stores"`, tesco.Proposal.Expression)
	require.Len(t, proposer.problems, 1)
	assert.Contains(t, proposer.problems[0], "precision 0.67 is below 0.90")
	assert.Contains(t, proposer.problems[0], "TESCO BANK INTEREST")

	assert.Len(t, report.Accepted(), 2)

	rule := tesco.Rule(50)
	assert.Equal(t, "tesco", rule.Name)
	assert.Equal(t, 50, rule.Priority)
	assert.Equal(t, db.MustCategory("Groceries").ID, rule.TargetCategoryID)
	assert.True(t, rule.Active)
}

func TestDiscover_Rejections(t *testing.T) {
	db := setupLedger(t)
	opts := DefaultOptions()
	opts.Refine = false

	proposer := newScriptedProposer()
	proposer.errs["NETFLIX"] = errors.New("provider unavailable")
	proposer.answers["TESCO"] = []Proposal{{Expression: `description startsWith "TESCO S"`, CategoryName: "Gadgets"}}

	report, err := NewDiscoverer(db.Storage, proposer, opts).Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Candidates, 2)

	assert.False(t, report.Candidates[0].Acceptable())
	assert.Nil(t, report.Candidates[0].Proposal)
	assert.Contains(t, report.Candidates[0].Problem, "provider unavailable")

	assert.False(t, report.Candidates[1].Acceptable())
	assert.Equal(t, `no category named "Gadgets"`, report.Candidates[1].Problem)
	assert.Empty(t, proposer.problems, "refinement disabled")
	assert.Empty(t, report.Accepted())
}

func TestDiscover_CheckFailures(t *testing.T) {
	db := setupLedger(t)

	tests := []struct {
		name     string
		proposal Proposal
		problem  string
		index    int
	}{
		{"does not compile", Proposal{Expression: `description +`, CategoryName: "Groceries"}, "expression does not compile", 1},
		{"misses the cluster", Proposal{Expression: `description == "ALDI"`, CategoryName: "Groceries"}, "matches none of the cluster", 1},
		{"low coverage", Proposal{Expression: `description == "NETFLIX.COM 1"`, CategoryName: "Subscriptions"}, "matches only 1 of 3", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proposer := newScriptedProposer()
			proposer.answers["TESCO"] = []Proposal{tt.proposal}
			proposer.answers["NETFLIX"] = []Proposal{tt.proposal}

			opts := DefaultOptions()
			opts.Refine = false
			report, err := NewDiscoverer(db.Storage, proposer, opts).Discover(context.Background())
			require.NoError(t, err)
			require.Len(t, report.Candidates, 2)
			assert.Contains(t, report.Candidates[tt.index].Problem, tt.problem)
			assert.False(t, report.Candidates[tt.index].Acceptable())
		})
	}
}

func TestDiscover_Canceled(t *testing.T) {
	db := setupLedger(t)
	ctx, cancel := context.WithCancel(context.Background())

	proposer := newScriptedProposer()
	proposer.errs["NETFLIX"] = context.Canceled
	cancel()

	_, err := NewDiscoverer(db.Storage, proposer, DefaultOptions()).Discover(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
