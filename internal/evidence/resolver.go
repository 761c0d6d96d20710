package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Veraticus/saffron/internal/config"
	"github.com/Veraticus/saffron/internal/model"
)

// OutcomeKind tells the orchestrator what to do with a queue entry.
type OutcomeKind int

// Outcome kinds.
const (
	// Resolved means a stage produced evidence above the acceptance threshold.
	Resolved OutcomeKind = iota
	// Exhausted means every stage failed definitively.
	Exhausted
	// Deferred means no stage succeeded and at least one failure was transient.
	Deferred
)

func (k OutcomeKind) String() string {
	switch k {
	case Resolved:
		return "resolved"
	case Exhausted:
		return "exhausted"
	case Deferred:
		return "deferred"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// StageAttempt is reported for every stage run, successful or not.
type StageAttempt struct {
	StartedAt   time.Time
	CompletedAt time.Time
	Result      *StageResult
	Failure     *StageFailure
	Stage       string
}

// Success reports whether the attempt resolved the transaction.
func (a StageAttempt) Success() bool {
	return a.Failure == nil && a.Result != nil
}

// Outcome is the result of escalating one transaction through all stages.
type Outcome struct {
	// Result is set when Kind is Resolved.
	Result *StageResult
	// Candidate is the best result that fell short of the acceptance threshold.
	Candidate *StageResult
	Failures  []*StageFailure
	Kind      OutcomeKind
}

// Summary describes the outcome for the queue entry and the operator.
func (o Outcome) Summary() string {
	if o.Kind == Resolved && o.Result != nil {
		return o.Result.Summary
	}
	parts := make([]string, 0, len(o.Failures)+1)
	for _, f := range o.Failures {
		parts = append(parts, f.Error())
	}
	if o.Candidate != nil {
		parts = append(parts, fmt.Sprintf("best candidate (%s, confidence %s): %s",
			o.Candidate.Stage, o.Candidate.Confidence.StringFixed(2), o.Candidate.Summary))
	}
	if len(parts) == 0 {
		return "no evidence stages configured"
	}
	return strings.Join(parts, "; ")
}

// Resolver runs the evidence stages in order and stops at the first result
// that clears the acceptance threshold.
type Resolver struct {
	stages []Stage
	cfg    config.Pipeline
}

// NewResolver creates a resolver over stages, in escalation order.
func NewResolver(cfg config.Pipeline, stages ...Stage) *Resolver {
	return &Resolver{stages: stages, cfg: cfg}
}

// Stages returns the configured stage names.
func (r *Resolver) Stages() []string {
	names := make([]string, len(r.stages))
	for i, s := range r.stages {
		names[i] = s.Name()
	}
	return names
}

// Resolve escalates txn through the stages. record is called after every
// stage. An error is returned only when ctx is cancelled; the caller should
// then release the entry rather than count an attempt.
func (r *Resolver) Resolve(ctx context.Context, txn model.Transaction, record func(StageAttempt)) (Outcome, error) {
	var out Outcome

	for _, stage := range r.stages {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		attempt := StageAttempt{Stage: stage.Name(), StartedAt: time.Now()}
		result, err := r.runStage(ctx, stage, txn)
		attempt.CompletedAt = time.Now()

		if err != nil && ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}

		if err == nil {
			switch {
			case result.Confidence.LessThan(r.cfg.RejectConfidence):
				err = definitive(stage.Name(), fmt.Sprintf("confidence %s below rejection threshold %s",
					result.Confidence.StringFixed(2), r.cfg.RejectConfidence.StringFixed(2)))
			case result.Confidence.LessThan(r.cfg.AcceptConfidence):
				if out.Candidate == nil || result.Confidence.GreaterThan(out.Candidate.Confidence) {
					out.Candidate = result
				}
				err = definitive(stage.Name(), fmt.Sprintf("confidence %s below acceptance threshold %s",
					result.Confidence.StringFixed(2), r.cfg.AcceptConfidence.StringFixed(2)))
			}
		}

		var failure *StageFailure
		if err != nil {
			if !errors.As(err, &failure) {
				failure = transient(stage.Name(), "unexpected error", err)
			}
			out.Failures = append(out.Failures, failure)
		}

		attempt.Result = result
		attempt.Failure = failure
		if record != nil {
			record(attempt)
		}

		if failure == nil {
			out.Kind = Resolved
			out.Result = result
			slog.Debug("stage resolved transaction",
				"transaction_id", txn.ID, "stage", stage.Name(), "confidence", result.Confidence.String())
			return out, nil
		}
		slog.Debug("stage failed", "transaction_id", txn.ID, "stage", stage.Name(),
			"transient", failure.Transient, "reason", failure.Reason)
	}

	out.Kind = Exhausted
	for _, f := range out.Failures {
		if f.Transient {
			out.Kind = Deferred
			break
		}
	}
	return out, nil
}

func (r *Resolver) runStage(ctx context.Context, stage Stage, txn model.Transaction) (*StageResult, error) {
	stageCtx := ctx
	if r.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, r.cfg.StageTimeout)
		defer cancel()
	}

	result, err := stage.Run(stageCtx, txn)
	if err != nil {
		if ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
			return nil, transient(stage.Name(), fmt.Sprintf("timed out after %s", r.cfg.StageTimeout), err)
		}
		return nil, err
	}
	if result == nil || len(result.Evidence) == 0 {
		return nil, definitive(stage.Name(), "stage returned no evidence")
	}
	return result, nil
}
