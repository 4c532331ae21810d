// Package runner applies enabled rules in priority order and reports a
// summary per rule.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/joshsymonds/inboxrules/internal/execute"
	"github.com/joshsymonds/inboxrules/internal/match"
	"github.com/joshsymonds/inboxrules/internal/metrics"
	"github.com/joshsymonds/inboxrules/internal/rate"
	"github.com/joshsymonds/inboxrules/internal/rules"
)

// Recorder persists finished summaries.
type Recorder interface {
	Record(ctx context.Context, s RunSummary) error
}

// Runner sequences rules. Concurrent Run calls are safe; they share the quota
// and the label cache through the matcher and executor.
type Runner struct {
	Matcher  *match.Matcher
	Executor *execute.Executor
	// Progress, when set, receives each summary as its rule finishes.
	Progress func(RunSummary)
	Recorder Recorder
	Clock    func() time.Time
	NewRunID func() string
	Logger   *slog.Logger
}

// New constructs a Runner.
func New(matcher *match.Matcher, executor *execute.Executor, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Runner{
		Matcher:  matcher,
		Executor: executor,
		Clock:    time.Now,
		NewRunID: uuid.NewString,
		Logger:   logger,
	}
}

// ApplyRules validates rs, then runs the accepted rules. Rejected rules are
// listed in the load report and never run.
func (r *Runner) ApplyRules(ctx context.Context, rs []rules.Rule, dryRun bool) ([]RunSummary, rules.LoadReport, error) {
	compiled, report := rules.Load(rs)
	for _, rej := range report.Rejected {
		r.Logger.Warn("rule rejected", "rule", rej.RuleID, "err", rej.Err)
	}
	summaries, err := r.Run(ctx, compiled, dryRun)
	return summaries, report, err
}

// MatchRule previews which messages rule selects without applying actions.
func (r *Runner) MatchRule(ctx context.Context, rule rules.Rule) (match.MatchSet, error) {
	compiled, err := rules.CompileRule(rule)
	if err != nil {
		return match.MatchSet{}, err
	}
	set, err := r.Matcher.Match(ctx, compiled)
	if err != nil {
		return set, fmt.Errorf("match rule %s: %w", rule.ID, err)
	}
	return set, nil
}

// Run processes enabled rules one at a time in priority order. A fetch
// failure is isolated to its rule. Daily quota exhaustion and cancellation
// stop the run; the summaries gathered so far, including the interrupted
// rule's, are returned with the error.
func (r *Runner) Run(ctx context.Context, rs []*rules.Compiled, dryRun bool) ([]RunSummary, error) {
	runID := r.NewRunID()
	enabled := make([]*rules.Compiled, 0, len(rs))
	for _, c := range rs {
		if c.Rule.Enabled {
			enabled = append(enabled, c)
		}
	}
	rules.SortCompiled(enabled)

	r.Logger.Info("run starting", "run", runID, "rules", len(enabled), "dry_run", dryRun)
	summaries := make([]RunSummary, 0, len(enabled))
	for _, c := range enabled {
		if err := ctx.Err(); err != nil {
			return summaries, fmt.Errorf("run cancelled: %w", err)
		}
		s, err := r.runRule(ctx, runID, c, dryRun)
		s = r.finish(ctx, s)
		summaries = append(summaries, s)
		if err != nil {
			return summaries, err
		}
	}
	r.Logger.Info("run finished", "run", runID, "rules", len(summaries))
	return summaries, nil
}

func (r *Runner) runRule(ctx context.Context, runID string, c *rules.Compiled, dryRun bool) (RunSummary, error) {
	s := RunSummary{
		RunID:          runID,
		RuleID:         c.ID(),
		RuleName:       c.Rule.DisplayName(),
		ActionsApplied: make(map[rules.ActionType]int, len(c.Rule.Actions)),
		DryRun:         dryRun,
		State:          StatePending,
		StartedAt:      r.Clock(),
	}
	for _, a := range c.Rule.Actions {
		s.ActionsApplied[a.Type] = 0
	}
	log := r.Logger.With("rule", c.ID())

	s.State = StateMatching
	set, err := r.Matcher.Match(ctx, c)
	s.ScannedCount = set.Scanned
	s.MatchedCount = len(set.MessageIDs)
	s.ServerFilter = set.ServerFilter
	s.Truncated = set.Truncated
	s.Warnings = append(s.Warnings, set.Warnings...)
	if err != nil {
		s.State = StateDone
		switch {
		case errors.Is(err, rate.ErrQuotaExhausted):
			s.addError(ErrorQuota, "", nil, err)
			log.Error("quota exhausted while matching", "err", err)
			return s, err
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			s.Cancelled = true
			s.addError(ErrorCancelled, "", nil, err)
			return s, fmt.Errorf("run cancelled: %w", ctx.Err())
		default:
			s.addError(ErrorFetch, "", nil, err)
			log.Error("matching aborted", "scanned", s.ScannedCount, "err", err)
			return s, nil
		}
	}

	s.State = StateExecuting
	res, err := r.Executor.Execute(ctx, set.MessageIDs, c.Rule.Actions, dryRun)
	for action, n := range res.Applied {
		s.ActionsApplied[action] += n
	}
	for _, cerr := range res.Errors {
		kind := ErrorChunk
		if cerr.Chunk < 0 {
			kind = ErrorLabel
		}
		s.addError(kind, cerr.Action, cerr.MessageIDs, cerr.Err)
	}
	s.State = StateDone
	if err != nil {
		s.addError(ErrorQuota, "", nil, err)
		log.Error("quota exhausted while executing", "err", err)
		return s, err
	}
	if res.Cancelled {
		s.Cancelled = true
		cause := context.Cause(ctx)
		if cause == nil {
			cause = context.Canceled
		}
		s.addError(ErrorCancelled, "", nil, cause)
		return s, fmt.Errorf("run cancelled: %w", ctx.Err())
	}
	log.Info("rule done", "scanned", s.ScannedCount, "count", s.MatchedCount, "errors", len(s.Errors))
	return s, nil
}

func (r *Runner) finish(ctx context.Context, s RunSummary) RunSummary {
	s.FinishedAt = r.Clock()
	metrics.RuleDuration.WithLabelValues(s.RuleID).Observe(s.FinishedAt.Sub(s.StartedAt).Seconds())
	for _, e := range s.Errors {
		metrics.RunErrorsTotal.WithLabelValues(string(e.Kind)).Inc()
	}
	if r.Progress != nil {
		r.Progress(s)
	}
	if r.Recorder != nil {
		if err := r.Recorder.Record(context.WithoutCancel(ctx), s); err != nil {
			r.Logger.Warn("record run summary", "rule", s.RuleID, "err", err)
		}
	}
	return s
}
