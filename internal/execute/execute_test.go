package execute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshsymonds/inboxrules/internal/dispatch"
	"github.com/joshsymonds/inboxrules/internal/gmail"
	"github.com/joshsymonds/inboxrules/internal/gmail/gmailtest"
	"github.com/joshsymonds/inboxrules/internal/labels"
	"github.com/joshsymonds/inboxrules/internal/rate"
	"github.com/joshsymonds/inboxrules/internal/retry"
	"github.com/joshsymonds/inboxrules/internal/rules"
)

func newExecutor(client gmail.Client, quota *rate.Quota, batch int) *Executor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if quota == nil {
		quota = rate.New(rate.Config{Limit: 100000, Window: time.Second}, nil)
	}
	d := dispatch.New(quota, retry.Policy{Initial: time.Millisecond, Multiplier: 2, MaxAttempts: 2}, logger)
	d.Sleep = func(context.Context, time.Duration) error { return nil }
	e := New(client, d, labels.NewResolver(client, d), logger)
	e.BatchSize = batch
	return e
}

func messages(n int) ([]gmail.Message, []gmail.MessageID) {
	msgs := make([]gmail.Message, n)
	ids := make([]gmail.MessageID, n)
	for i := range msgs {
		ids[i] = gmail.MessageID("m" + strconv.Itoa(i))
		msgs[i] = gmail.Message{ID: ids[i], LabelIDs: []gmail.LabelID{gmail.SystemLabelInbox, gmail.SystemLabelUnread}}
	}
	return msgs, ids
}

func archive() []rules.Action { return []rules.Action{{Type: rules.ActionArchive}} }

func TestExecuteChunks250Into100s(t *testing.T) {
	msgs, ids := messages(250)
	fake := gmailtest.New(msgs...)

	res, err := newExecutor(fake, nil, 100).Execute(context.Background(), ids, archive(), false)
	require.NoError(t, err)
	require.Len(t, fake.Modifies, 3)
	assert.Len(t, fake.Modifies[0].IDs, 100)
	assert.Len(t, fake.Modifies[1].IDs, 100)
	assert.Len(t, fake.Modifies[2].IDs, 50)
	assert.Equal(t, []gmail.LabelID{gmail.SystemLabelInbox}, fake.Modifies[0].Ops.RemoveLabels)
	assert.Equal(t, map[rules.ActionType]int{rules.ActionArchive: 250}, res.Applied)
	assert.Equal(t, 3, res.Chunks)
	assert.Empty(t, res.Errors)

	m, _ := fake.Message("m249")
	assert.Equal(t, []gmail.LabelID{gmail.SystemLabelUnread}, m.LabelIDs)
}

func TestExecuteChunkIsolation(t *testing.T) {
	msgs, ids := messages(250)
	fake := gmailtest.New(msgs...)
	fake.ModifyErr = func(_ int, chunk []gmail.MessageID, _ gmail.ModifyOps) error {
		if chunk[0] == "m100" {
			return errors.New("400 invalid argument")
		}
		return nil
	}

	actions := []rules.Action{{Type: rules.ActionMarkRead}, {Type: rules.ActionArchive}}
	res, err := newExecutor(fake, nil, 100).Execute(context.Background(), ids, actions, false)
	require.NoError(t, err)

	assert.Equal(t, 150, res.Applied[rules.ActionMarkRead])
	assert.Equal(t, 150, res.Applied[rules.ActionArchive])
	require.Len(t, res.Errors, 2)
	for _, cerr := range res.Errors {
		assert.Equal(t, 1, cerr.Chunk)
		assert.Equal(t, ids[100:200], cerr.MessageIDs)
	}
	assert.Equal(t, rules.ActionMarkRead, res.Errors[0].Action)
	assert.Equal(t, rules.ActionArchive, res.Errors[1].Action)

	// Chunk-outer, action-inner ordering.
	require.Len(t, fake.Modifies, 6)
	assert.Equal(t, gmail.MessageID("m0"), fake.Modifies[0].IDs[0])
	assert.Equal(t, gmail.SystemLabelUnread, fake.Modifies[0].Ops.RemoveLabels[0])
	assert.Equal(t, gmail.SystemLabelInbox, fake.Modifies[1].Ops.RemoveLabels[0])
	assert.Equal(t, gmail.MessageID("m100"), fake.Modifies[2].IDs[0])
}

func TestExecuteDryRunIssuesNothing(t *testing.T) {
	msgs, ids := messages(30)
	fake := gmailtest.New(msgs...)
	actions := []rules.Action{
		{Type: rules.ActionAddLabel, Parameters: map[string]string{"label": "Later"}},
		{Type: rules.ActionTrash},
	}

	res, err := newExecutor(fake, nil, 10).Execute(context.Background(), ids, actions, true)
	require.NoError(t, err)
	assert.Equal(t, map[rules.ActionType]int{rules.ActionAddLabel: 30, rules.ActionTrash: 30}, res.Applied)
	assert.Equal(t, 3, res.Chunks)
	assert.Empty(t, fake.Modifies)
	assert.Empty(t, fake.EnsuredLabels)
	assert.Zero(t, fake.LabelListings)
}

func TestExecuteLabelsAndDelete(t *testing.T) {
	msgs, ids := messages(3)
	fake := gmailtest.New(msgs...)
	actions := []rules.Action{
		{Type: rules.ActionAddLabel, Parameters: map[string]string{"label": "Old"}},
		{Type: rules.ActionRemoveLabel, Parameters: map[string]string{"label": "Missing"}},
		{Type: rules.ActionMarkUnread},
		{Type: rules.ActionDeletePermanently},
	}

	res, err := newExecutor(fake, nil, 2).Execute(context.Background(), ids, actions, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"Old"}, fake.EnsuredLabels)
	require.Len(t, fake.Deletes, 2)
	assert.Equal(t, ids[:2], fake.Deletes[0])
	assert.Empty(t, fake.Messages)
	// add_label and mark_unread per chunk; remove_label had nothing to remove.
	assert.Len(t, fake.Modifies, 4)
	assert.Equal(t, gmail.LabelID("Label_4"), fake.Modifies[0].Ops.AddLabels[0])
	assert.Equal(t, 3, res.Applied[rules.ActionRemoveLabel])
	assert.Equal(t, 3, res.Applied[rules.ActionDeletePermanently])
}

func TestExecuteCancelBetweenChunks(t *testing.T) {
	msgs, ids := messages(5)
	fake := gmailtest.New(msgs...)
	ctx, cancel := context.WithCancel(context.Background())
	fake.ModifyErr = func(call int, _ []gmail.MessageID, _ gmail.ModifyOps) error {
		if call == 1 {
			cancel()
		}
		return nil
	}
	actions := []rules.Action{{Type: rules.ActionMarkRead}, {Type: rules.ActionArchive}}

	res, err := newExecutor(fake, nil, 2).Execute(ctx, ids, actions, false)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, 1, res.Chunks)
	assert.Len(t, fake.Modifies, 2, "the started chunk finishes every action")
	assert.Equal(t, 2, res.Applied[rules.ActionArchive])
}

func TestExecuteQuotaExhaustionAborts(t *testing.T) {
	msgs, ids := messages(4)
	fake := gmailtest.New(msgs...)
	quota := rate.New(rate.Config{Limit: 1000, Window: time.Second, Daily: 120}, nil)

	res, err := newExecutor(fake, quota, 1).Execute(context.Background(), ids, archive(), false)
	require.ErrorIs(t, err, rate.ErrQuotaExhausted)
	assert.Equal(t, 2, res.Applied[rules.ActionArchive])
	assert.Len(t, fake.Modifies, 2)
}

func TestExecuteLabelFailureRecorded(t *testing.T) {
	msgs, ids := messages(2)
	fake := &failingLabels{Client: gmailtest.New(msgs...)}
	actions := []rules.Action{
		{Type: rules.ActionAddLabel, Parameters: map[string]string{"label": "X"}},
		{Type: rules.ActionArchive},
	}

	res, err := newExecutor(fake, nil, 10).Execute(context.Background(), ids, actions, false)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, -1, res.Errors[0].Chunk)
	assert.Equal(t, ids, res.Errors[0].MessageIDs)
	assert.Equal(t, 2, res.Applied[rules.ActionArchive])
	assert.Equal(t, 0, res.Applied[rules.ActionAddLabel])
}

type failingLabels struct {
	*gmailtest.Client
}

func (f *failingLabels) EnsureLabel(context.Context, string) (gmail.LabelID, error) {
	return "", fmt.Errorf("403 forbidden: %w", gmail.ErrPermanent)
}
