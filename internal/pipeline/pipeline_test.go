package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/saffron/internal/common"
	"github.com/Veraticus/saffron/internal/config"
	"github.com/Veraticus/saffron/internal/evidence"
	"github.com/Veraticus/saffron/internal/model"
	"github.com/Veraticus/saffron/internal/rules"
	"github.com/Veraticus/saffron/internal/service"
	"github.com/Veraticus/saffron/internal/testutil"
)

var txnDate = time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)

// scriptedStage runs a test-provided function and counts calls.
type scriptedStage struct {
	run   func(ctx context.Context, txn model.Transaction) (*evidence.StageResult, error)
	name  string
	calls atomic.Int32
}

func (s *scriptedStage) Name() string { return s.name }

func (s *scriptedStage) Run(ctx context.Context, txn model.Transaction) (*evidence.StageResult, error) {
	s.calls.Add(1)
	return s.run(ctx, txn)
}

func failingStage(name string, transient bool) *scriptedStage {
	return &scriptedStage{name: name, run: func(context.Context, model.Transaction) (*evidence.StageResult, error) {
		return nil, &evidence.StageFailure{Stage: name, Reason: "nothing found", Transient: transient}
	}}
}

func testConfig() config.Pipeline {
	cfg := config.DefaultPipeline()
	cfg.Cooldown = time.Millisecond
	cfg.StageTimeout = 5 * time.Second
	return cfg
}

type fixture struct {
	db     *testutil.TestDB
	engine *rules.Engine
	orch   *Orchestrator
}

func newFixture(t *testing.T, stages ...evidence.Stage) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t, testutil.StandardTree())
	engine := rules.NewEngine(db.Storage)
	cfg := testConfig()
	return &fixture{
		db:     db,
		engine: engine,
		orch:   New(db.Storage, engine, evidence.NewResolver(cfg, stages...), cfg),
	}
}

func (f *fixture) queueEntry(t *testing.T, txnID string) *model.QueueEntry {
	t.Helper()
	entry, err := f.db.Storage.GetQueueEntryByTransaction(context.Background(), txnID)
	require.NoError(t, err)
	return entry
}

func TestClassify_TescoEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	groceries := f.db.MustCategory("Groceries")
	rule := f.db.MustCreateRule("tesco", `lower(description) contains "tesco"`, "Groceries", 1, false)
	txn := testutil.NewTransaction("t1", "TESCO STORES 1234", "-34.50", txnDate)
	f.db.MustSaveTransactions(txn)

	result, err := f.orch.Classify(ctx, txn, false)
	require.NoError(t, err)
	require.NotNil(t, result.Assignment)
	assert.Nil(t, result.Queued)
	assert.Equal(t, groceries.ID, result.Assignment.CategoryID)
	assert.Equal(t, model.SourceRule, result.Assignment.Source)
	require.NotNil(t, result.Assignment.RuleID)
	assert.Equal(t, rule.ID, *result.Assignment.RuleID)

	records, err := f.db.Storage.ListEvidence(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.SourceRule, records[0].Source)
	assert.True(t, records[0].Confidence.Equal(decimal.NewFromInt(1)))
	assert.Contains(t, records[0].ProvenanceReference, "tesco")
	assert.Contains(t, records[0].ProvenanceReference, `lower(description) contains "tesco"`)

	_, err = f.db.Storage.GetQueueEntryByTransaction(ctx, "t1")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestClassify_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.db.MustCreateRule("tesco", `lower(description) contains "tesco"`, "Groceries", 1, false)
	txn := testutil.NewTransaction("t1", "TESCO STORES 1234", "-34.50", txnDate)
	f.db.MustSaveTransactions(txn)

	first, err := f.orch.Classify(ctx, txn, false)
	require.NoError(t, err)

	// A later, higher-precedence rule must not be consulted without force.
	f.db.MustCreateRule("everything", `true`, "Travel", 0, false)
	f.engine.Invalidate()

	second, err := f.orch.Classify(ctx, txn, false)
	require.NoError(t, err)
	assert.True(t, second.Existing)
	assert.Equal(t, *first.Assignment, *second.Assignment)

	records, err := f.db.Storage.ListEvidence(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, records, 1)

	forced, err := f.orch.Classify(ctx, txn, true)
	require.NoError(t, err)
	assert.Equal(t, f.db.MustCategory("Travel").ID, forced.Assignment.CategoryID)
}

func TestClassify_MissQueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn := testutil.NewTransaction("t1", "AMAZON.CO.UK ORDER", "-60.00", txnDate)
	f.db.MustSaveTransactions(txn)

	result, err := f.orch.Classify(ctx, txn, false)
	require.NoError(t, err)
	assert.Nil(t, result.Assignment)
	require.NotNil(t, result.Queued)
	assert.Equal(t, model.QueuePending, result.Queued.Status)
	assert.Equal(t, model.DefaultQueuePriority, result.Queued.Priority)

	again, err := f.orch.Classify(ctx, txn, false)
	require.NoError(t, err)
	assert.Equal(t, result.Queued.ID, again.Queued.ID)

	entries, err := f.db.Storage.ListQueue(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestClassify_SeesRulesAddedLater(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := testutil.NewTransaction("t1", "NETFLIX.COM", "-10.99", txnDate)
	second := testutil.NewTransaction("t2", "NETFLIX.COM", "-10.99", txnDate.AddDate(0, 1, 0))
	f.db.MustSaveTransactions(first, second)

	result, err := f.orch.Classify(ctx, first, false)
	require.NoError(t, err)
	assert.Nil(t, result.Assignment)

	// Stored directly, without telling the engine.
	f.db.MustCreateRule("netflix", `description contains "NETFLIX"`, "Subscriptions", 1, false)

	result, err = f.orch.Classify(ctx, second, false)
	require.NoError(t, err)
	require.NotNil(t, result.Assignment)
	assert.Equal(t, f.db.MustCategory("Subscriptions").ID, result.Assignment.CategoryID)
}

func TestClassify_ProvisionalMatchQueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.db.MustCreateRule("amazon", `description startsWith "AMAZON"`, "Shopping", 1, true)
	txn := testutil.NewTransaction("t1", "AMAZON.CO.UK ORDER", "-60.00", txnDate)
	f.db.MustSaveTransactions(txn)

	result, err := f.orch.Classify(ctx, txn, false)
	require.NoError(t, err)
	assert.Nil(t, result.Assignment)
	require.NotNil(t, result.Queued)
	require.NotNil(t, result.Provisional)
	assert.Equal(t, "amazon", result.Provisional.Name)

	_, err = f.db.Storage.GetAssignment(ctx, "t1")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestClassify_RuleSettlesQueuedEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn := testutil.NewTransaction("t1", "NETFLIX.COM", "-10.99", txnDate)
	f.db.MustSaveTransactions(txn)

	_, err := f.orch.Classify(ctx, txn, false)
	require.NoError(t, err)

	f.db.MustCreateRule("netflix", `description == "NETFLIX.COM"`, "Subscriptions", 1, false)
	f.engine.Invalidate()

	result, err := f.orch.Classify(ctx, txn, false)
	require.NoError(t, err)
	require.NotNil(t, result.Assignment)

	entry := f.queueEntry(t, "t1")
	assert.Equal(t, model.QueueResolved, entry.Status)
	assert.Equal(t, model.SourceRule, entry.ResolutionSource)
	assert.NotNil(t, entry.ResolvedAt)
}

func TestClassify_ForceResetsTerminalEntry(t *testing.T) {
	f := newFixture(t, failingStage("lookup", false))
	ctx := context.Background()

	txn := testutil.NewTransaction("t1", "MYSTERY LTD", "-5.00", txnDate)
	f.db.MustSaveTransactions(txn)

	_, err := f.orch.Classify(ctx, txn, false)
	require.NoError(t, err)
	_, err = f.orch.ProcessBatch(ctx, BatchOptions{})
	require.NoError(t, err)
	require.Equal(t, model.QueueManualRequired, f.queueEntry(t, "t1").Status)

	// Without force the terminal entry stays put.
	result, err := f.orch.Classify(ctx, txn, false)
	require.NoError(t, err)
	assert.Equal(t, model.QueueManualRequired, result.Queued.Status)

	result, err = f.orch.Classify(ctx, txn, true)
	require.NoError(t, err)
	assert.Equal(t, model.QueuePending, result.Queued.Status)
	assert.Equal(t, 0, result.Queued.Attempts)
}

func TestProcessBatch_MultiItemLargestValueWins(t *testing.T) {
	stage := &scriptedStage{name: evidence.StageReceiptSearch}
	f := newFixture(t, stage)
	ctx := context.Background()

	books := f.db.MustCategory("Books")
	electronics := f.db.MustCategory("Electronics")
	stage.run = func(_ context.Context, txn model.Transaction) (*evidence.StageResult, error) {
		item := func(name, price string, cat int64) model.EvidenceRecord {
			return model.EvidenceRecord{
				TransactionID:       txn.ID,
				ItemDescription:     name,
				ItemPrice:           decimal.RequireFromString(price),
				ItemQuantity:        1,
				CategoryID:          cat,
				Source:              model.SourceEmail,
				ProvenanceReference: "gmail:abc",
				Confidence:          decimal.RequireFromString("0.95"),
			}
		}
		return &evidence.StageResult{
			Stage:      evidence.StageReceiptSearch,
			Confidence: decimal.RequireFromString("0.95"),
			Summary:    "receipt gmail:abc",
			Evidence: []model.EvidenceRecord{
				item("Paperback", "12.00", books.ID),
				item("Headphones", "45.00", electronics.ID),
				item("Shipping", "3.00", electronics.ID),
			},
		}, nil
	}

	txn := testutil.NewTransaction("t1", "AMAZON.CO.UK ORDER", "-60.00", txnDate)
	f.db.MustSaveTransactions(txn)
	_, err := f.orch.Classify(ctx, txn, false)
	require.NoError(t, err)

	report, err := f.orch.ProcessBatch(ctx, BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Claimed)
	assert.Equal(t, 1, report.Resolved)

	assignment, err := f.db.Storage.GetAssignment(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, electronics.ID, assignment.CategoryID)
	assert.Equal(t, model.SourceEmail, assignment.Source)

	records, err := f.db.Storage.ListEvidence(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, records, 3)

	entry := f.queueEntry(t, "t1")
	assert.Equal(t, model.QueueResolved, entry.Status)
	attempts, err := f.db.Storage.ListAttempts(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Success)
}

func TestProcessBatch_ExhaustionEndsSkipped(t *testing.T) {
	receipt := failingStage(evidence.StageReceiptSearch, true)
	merchant := failingStage(evidence.StageMerchantIdentification, true)
	f := newFixture(t, receipt, merchant)
	ctx := context.Background()

	txn := testutil.NewTransaction("t1", "CORNER SHOP", "-4.20", txnDate)
	f.db.MustSaveTransactions(txn)
	_, err := f.orch.Classify(ctx, txn, false)
	require.NoError(t, err)

	opts := BatchOptions{MaxAttempts: 3, Cooldown: time.Millisecond}
	for i := 1; i <= 3; i++ {
		_, err := f.orch.ProcessBatch(ctx, opts)
		require.NoError(t, err)

		entry := f.queueEntry(t, "t1")
		assert.Equal(t, i, entry.Attempts)
		if i < 3 {
			assert.Equal(t, model.QueuePending, entry.Status)
		}
	}

	entry := f.queueEntry(t, "t1")
	assert.Equal(t, model.QueueSkipped, entry.Status)
	assert.Contains(t, entry.Summary, "after 3 attempts")

	attempts, err := f.db.Storage.ListAttempts(ctx, entry.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 6)

	report, err := f.orch.ProcessBatch(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Claimed)

	attempts, err = f.db.Storage.ListAttempts(ctx, entry.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 6)
	assert.Equal(t, int32(3), receipt.calls.Load())
}

func TestProcessBatch_DefinitiveFailuresNeedManualReview(t *testing.T) {
	f := newFixture(t,
		failingStage(evidence.StageReceiptSearch, false),
		failingStage(evidence.StageMerchantIdentification, false))
	ctx := context.Background()

	txn := testutil.NewTransaction("t1", "CORNER SHOP", "-4.20", txnDate)
	f.db.MustSaveTransactions(txn)
	_, err := f.orch.Classify(ctx, txn, false)
	require.NoError(t, err)

	report, err := f.orch.ProcessBatch(ctx, BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.ManualRequired)

	entry := f.queueEntry(t, "t1")
	assert.Equal(t, model.QueueManualRequired, entry.Status)
	assert.Contains(t, entry.Summary, common.ErrExhausted.Error())
	assert.Contains(t, entry.Summary, "nothing found")

	attempts, err := f.db.Storage.ListAttempts(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, evidence.StageReceiptSearch, attempts[0].Stage)
	assert.False(t, attempts[0].Success)
	assert.NotEmpty(t, attempts[0].Error)
}

func TestProcessBatch_NoStagesExplainsManualReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn := testutil.NewTransaction("t1", "CORNER SHOP", "-4.20", txnDate)
	f.db.MustSaveTransactions(txn)
	_, err := f.orch.Classify(ctx, txn, false)
	require.NoError(t, err)

	report, err := f.orch.ProcessBatch(ctx, BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.ManualRequired)

	entry := f.queueEntry(t, "t1")
	assert.Equal(t, model.QueueManualRequired, entry.Status)
	assert.Equal(t, common.ErrExhausted.Error()+": no evidence stages configured", entry.Summary)
}

func TestProcessBatch_CancellationReleasesEntry(t *testing.T) {
	started := make(chan struct{})
	stage := &scriptedStage{name: "slow", run: func(ctx context.Context, _ model.Transaction) (*evidence.StageResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newFixture(t, stage)

	txn := testutil.NewTransaction("t1", "SLOW SHOP", "-1.00", txnDate)
	f.db.MustSaveTransactions(txn)
	_, err := f.orch.Classify(context.Background(), txn, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	report, err := f.orch.ProcessBatch(ctx, BatchOptions{})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Released)

	entry := f.queueEntry(t, "t1")
	assert.Equal(t, model.QueuePending, entry.Status)
	assert.Equal(t, 0, entry.Attempts)
	assert.Empty(t, entry.ClaimedBy)
}

func TestProcessBatch_Cooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opts := BatchOptions{Cooldown: 100 * time.Millisecond}

	_, err := f.orch.ProcessBatch(ctx, opts)
	require.NoError(t, err)

	start := time.Now()
	_, err = f.orch.ProcessBatch(ctx, opts)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = f.orch.ProcessBatch(canceled, opts)
	assert.ErrorIs(t, err, context.Canceled)
}

// vanishingStore reports a transaction as gone after it was queued.
type vanishingStore struct {
	service.Storage
	gone string
}

func (v vanishingStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	if id == v.gone {
		return nil, fmt.Errorf("transaction %s: %w", id, common.ErrNotFound)
	}
	return v.Storage.GetTransaction(ctx, id)
}

func TestProcessBatch_MissingTransaction(t *testing.T) {
	f := newFixture(t, failingStage("lookup", true))
	ctx := context.Background()

	txn := testutil.NewTransaction("t1", "CORNER SHOP", "-4.20", txnDate)
	f.db.MustSaveTransactions(txn)
	_, err := f.orch.Classify(ctx, txn, false)
	require.NoError(t, err)

	cfg := testConfig()
	orch := New(vanishingStore{Storage: f.db.Storage, gone: "t1"}, f.engine, evidence.NewResolver(cfg), cfg)
	report, err := orch.ProcessBatch(ctx, BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.ManualRequired)

	entry := f.queueEntry(t, "t1")
	assert.Equal(t, model.QueueManualRequired, entry.Status)
	assert.Contains(t, entry.Summary, "no longer exists")
}

func TestResolveManually(t *testing.T) {
	f := newFixture(t, failingStage("lookup", false))
	ctx := context.Background()

	txn := testutil.NewTransaction("t1", "MARKET STALL", "-8.00", txnDate)
	f.db.MustSaveTransactions(txn)
	_, err := f.orch.Classify(ctx, txn, false)
	require.NoError(t, err)
	_, err = f.orch.ProcessBatch(ctx, BatchOptions{})
	require.NoError(t, err)

	groceries := f.db.MustCategory("Groceries")
	require.NoError(t, f.orch.ResolveManually(ctx, "t1", groceries.ID, "farmers market"))

	assignment, err := f.db.Storage.GetAssignment(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, groceries.ID, assignment.CategoryID)
	assert.Equal(t, model.SourceManual, assignment.Source)

	entry := f.queueEntry(t, "t1")
	assert.Equal(t, model.QueueResolved, entry.Status)
	assert.Equal(t, model.SourceManual, entry.ResolutionSource)

	records, err := f.db.Storage.ListEvidence(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "operator: farmers market", records[0].ProvenanceReference)

	err = f.orch.ResolveManually(ctx, "nope", groceries.ID, "")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestResolveManually_RejectsLeasedEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn := testutil.NewTransaction("t1", "MARKET STALL", "-8.00", txnDate)
	f.db.MustSaveTransactions(txn)
	_, err := f.orch.Classify(ctx, txn, false)
	require.NoError(t, err)
	_, err = f.db.Storage.ClaimPending(ctx, 1, "other-worker")
	require.NoError(t, err)

	err = f.orch.ResolveManually(ctx, "t1", f.db.MustCategory("Groceries").ID, "")
	assert.ErrorIs(t, err, common.ErrAlreadyClaimed)
}

func TestClassifyPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.db.MustCreateRule("tesco", `lower(description) contains "tesco"`, "Groceries", 1, false)
	f.db.MustSaveTransactions(
		testutil.NewTransaction("t1", "TESCO STORES 1234", "-34.50", txnDate),
		testutil.NewTransaction("t2", "AMAZON.CO.UK ORDER", "-60.00", txnDate),
		testutil.NewTransaction("t3", "TESCO EXPRESS", "-3.10", txnDate),
	)

	var calls int
	report, err := f.orch.ClassifyPending(ctx, 0, func(done, total int) {
		calls++
		assert.Equal(t, 3, total)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Assigned)
	assert.Equal(t, 1, report.Queued)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 3, calls)

	report, err = f.orch.ClassifyPending(ctx, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Total)
}

func TestWorker_RunOnceRecoversStaleClaims(t *testing.T) {
	stage := &scriptedStage{name: "lookup"}
	f := newFixture(t, stage)
	ctx := context.Background()
	travel := f.db.MustCategory("Travel")

	stage.run = func(_ context.Context, txn model.Transaction) (*evidence.StageResult, error) {
		return &evidence.StageResult{
			Stage:      "lookup",
			Confidence: decimal.RequireFromString("0.99"),
			Evidence: []model.EvidenceRecord{{
				TransactionID: txn.ID, ItemDescription: "Rail ticket", ItemPrice: txn.Amount.Abs(),
				ItemQuantity: 1, CategoryID: travel.ID, Source: model.SourceWeb,
				Confidence: decimal.RequireFromString("0.99"),
			}},
		}, nil
	}

	txn := testutil.NewTransaction("t1", "TRAINLINE", "-22.00", txnDate)
	f.db.MustSaveTransactions(txn)
	_, err := f.orch.Classify(ctx, txn, false)
	require.NoError(t, err)
	_, err = f.db.Storage.ClaimPending(ctx, 1, "dead-worker")
	require.NoError(t, err)

	w := NewWorker(f.orch, BatchOptions{}, time.Millisecond)
	w.staleAfter = 0
	assert.NotEqual(t, "dead-worker", w.ID())

	time.Sleep(5 * time.Millisecond)
	report, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)

	assignment, err := f.db.Storage.GetAssignment(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, travel.ID, assignment.CategoryID)
	assert.Equal(t, model.SourceWeb, assignment.Source)
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- NewWorker(f.orch, BatchOptions{}, time.Millisecond).Run(ctx, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestAttemptRecord(t *testing.T) {
	now := time.Now()
	failed := attemptRecord(7, evidence.StageAttempt{
		Stage:       "receipt_search",
		StartedAt:   now,
		CompletedAt: now,
		Failure:     &evidence.StageFailure{Stage: "receipt_search", Reason: "no receipts", Raw: "{}", Err: errors.New("x")},
	})
	assert.Equal(t, int64(7), failed.QueueID)
	assert.False(t, failed.Success)
	assert.Equal(t, "no receipts", failed.Summary)
	assert.Equal(t, "{}", failed.RawResponse)
	assert.Contains(t, failed.Error, "definitive")

	ok := attemptRecord(7, evidence.StageAttempt{
		Stage:  "receipt_search",
		Result: &evidence.StageResult{Summary: "receipt found", Raw: "raw"},
	})
	assert.True(t, ok.Success)
	assert.Equal(t, "receipt found", ok.Summary)
	assert.Empty(t, ok.Error)
}
