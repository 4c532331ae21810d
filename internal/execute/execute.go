// Package execute applies rule actions to matched messages in provider-sized
// batches.
package execute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joshsymonds/inboxrules/internal/dispatch"
	"github.com/joshsymonds/inboxrules/internal/gmail"
	"github.com/joshsymonds/inboxrules/internal/labels"
	"github.com/joshsymonds/inboxrules/internal/metrics"
	"github.com/joshsymonds/inboxrules/internal/rate"
	"github.com/joshsymonds/inboxrules/internal/rules"
)

// ChunkError records one action that failed for a set of messages. Chunk is
// the zero-based chunk index, or -1 when the action failed before any request
// was sent (for example while resolving its label).
type ChunkError struct {
	Action     rules.ActionType
	Label      string
	Chunk      int
	MessageIDs []gmail.MessageID
	Err        error
}

func (e *ChunkError) Error() string {
	if e.Chunk < 0 {
		return fmt.Sprintf("%s: %v", e.Action, e.Err)
	}
	return fmt.Sprintf("%s chunk %d (%d messages): %v", e.Action, e.Chunk+1, len(e.MessageIDs), e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// Result tallies one Execute call.
type Result struct {
	Applied   map[rules.ActionType]int
	Errors    []*ChunkError
	Chunks    int
	Cancelled bool
}

// Executor issues batched modify and delete calls.
type Executor struct {
	Client     gmail.Client
	Dispatcher *dispatch.Dispatcher
	Labels     *labels.Resolver
	BatchSize  int
	Logger     *slog.Logger
}

// New constructs an Executor using Gmail's maximum batch size.
func New(client gmail.Client, dispatcher *dispatch.Dispatcher, resolver *labels.Resolver, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Executor{
		Client:     client,
		Dispatcher: dispatcher,
		Labels:     resolver,
		BatchSize:  gmail.MaxBatchSize,
		Logger:     logger,
	}
}

// step is an action resolved to the request that implements it.
type step struct {
	action rules.Action
	ops    gmail.ModifyOps
	delete bool
	// skip marks an action that needs no request, e.g. removing a label
	// that does not exist.
	skip bool
	err  error
}

// Execute applies actions, in listed order, to ids. Chunks are processed in
// order and every action of a chunk is attempted before the next chunk
// starts. A failed chunk is recorded and skipped. The only error returned is
// daily quota exhaustion, which aborts the remaining work.
func (e *Executor) Execute(ctx context.Context, ids []gmail.MessageID, actions []rules.Action, dryRun bool) (Result, error) {
	res := Result{Applied: make(map[rules.ActionType]int, len(actions))}
	for _, a := range actions {
		res.Applied[a.Type] = 0
	}
	for _, h := range rules.ActionHazards(actions) {
		e.Logger.Warn("action order hazard", "detail", h)
	}
	if len(ids) == 0 {
		return res, nil
	}

	size := e.BatchSize
	if size <= 0 || size > gmail.MaxBatchSize {
		size = gmail.MaxBatchSize
	}
	chunks := chunk(ids, size)

	if dryRun {
		res.Chunks = len(chunks)
		for _, a := range actions {
			res.Applied[a.Type] += len(ids)
			metrics.ActionsAppliedTotal.WithLabelValues(string(a.Type), metrics.DryRunLabel(true)).Add(float64(len(ids)))
		}
		e.Logger.Info("dry run", "count", len(ids), "chunks", len(chunks), "actions", len(actions))
		return res, nil
	}

	if ctx.Err() != nil {
		res.Cancelled = true
		return res, nil
	}
	steps, err := e.resolve(ctx, actions)
	if err != nil {
		return res, err
	}
	for _, s := range steps {
		if s.err != nil {
			res.Errors = append(res.Errors, &ChunkError{
				Action: s.action.Type, Label: s.action.Label(), Chunk: -1, MessageIDs: ids, Err: s.err,
			})
		}
	}

	for i, c := range chunks {
		if ctx.Err() != nil {
			res.Cancelled = true
			e.Logger.Info("execution cancelled", "chunks_done", i, "chunks", len(chunks))
			return res, nil
		}
		// A chunk that has started runs to completion.
		chunkCtx := context.WithoutCancel(ctx)
		res.Chunks++
		for _, s := range steps {
			if s.err != nil {
				continue
			}
			if !s.skip {
				if err := e.apply(chunkCtx, c, s); err != nil {
					if errors.Is(err, rate.ErrQuotaExhausted) {
						return res, err
					}
					res.Errors = append(res.Errors, &ChunkError{
						Action: s.action.Type, Label: s.action.Label(), Chunk: i, MessageIDs: c, Err: err,
					})
					e.Logger.Error("chunk failed", "action", s.action.String(), "chunk", i+1, "count", len(c), "err", err)
					continue
				}
			}
			res.Applied[s.action.Type] += len(c)
			metrics.ActionsAppliedTotal.WithLabelValues(string(s.action.Type), metrics.DryRunLabel(false)).Add(float64(len(c)))
		}
	}
	return res, nil
}

func (e *Executor) apply(ctx context.Context, ids []gmail.MessageID, s step) error {
	if s.delete {
		return e.Dispatcher.Do(ctx, "batch_delete", gmail.CostBatchDelete, func(ctx context.Context) error {
			return e.Client.BatchDelete(ctx, ids)
		})
	}
	return e.Dispatcher.Do(ctx, "batch_modify", gmail.CostBatchModify, func(ctx context.Context) error {
		return e.Client.BatchModify(ctx, ids, s.ops)
	})
}

// resolve maps each action to its Gmail request. Label failures are attached
// to the step; quota exhaustion is returned.
func (e *Executor) resolve(ctx context.Context, actions []rules.Action) ([]step, error) {
	steps := make([]step, 0, len(actions))
	for _, a := range actions {
		s := step{action: a}
		switch a.Type {
		case rules.ActionAddLabel:
			id, err := e.Labels.Ensure(ctx, a.Label())
			if err != nil {
				if errors.Is(err, rate.ErrQuotaExhausted) {
					return nil, err
				}
				s.err = err
				break
			}
			s.ops.AddLabels = []gmail.LabelID{id}
		case rules.ActionRemoveLabel:
			id, ok, err := e.Labels.Lookup(ctx, a.Label())
			switch {
			case err != nil:
				if errors.Is(err, rate.ErrQuotaExhausted) {
					return nil, err
				}
				s.err = err
			case !ok:
				e.Logger.Info("label not found; nothing to remove", "action", a.String())
				s.skip = true
			default:
				s.ops.RemoveLabels = []gmail.LabelID{id}
			}
		case rules.ActionArchive:
			s.ops.RemoveLabels = []gmail.LabelID{gmail.SystemLabelInbox}
		case rules.ActionTrash:
			s.ops.AddLabels = []gmail.LabelID{gmail.SystemLabelTrash}
		case rules.ActionMarkRead:
			s.ops.RemoveLabels = []gmail.LabelID{gmail.SystemLabelUnread}
		case rules.ActionMarkUnread:
			s.ops.AddLabels = []gmail.LabelID{gmail.SystemLabelUnread}
		case rules.ActionDeletePermanently:
			s.delete = true
		default:
			s.err = fmt.Errorf("unsupported action %q", a.Type)
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func chunk(ids []gmail.MessageID, size int) [][]gmail.MessageID {
	out := make([][]gmail.MessageID, 0, (len(ids)+size-1)/size)
	for i := 0; i < len(ids); i += size {
		out = append(out, ids[i:min(i+size, len(ids))])
	}
	return out
}
