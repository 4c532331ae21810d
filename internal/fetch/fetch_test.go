package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"

	"github.com/joshsymonds/inboxrules/internal/config"
	"github.com/joshsymonds/inboxrules/internal/dispatch"
	"github.com/joshsymonds/inboxrules/internal/gmail"
	"github.com/joshsymonds/inboxrules/internal/gmail/gmailtest"
	"github.com/joshsymonds/inboxrules/internal/labels"
	"github.com/joshsymonds/inboxrules/internal/rate"
	"github.com/joshsymonds/inboxrules/internal/retry"
)

func mailbox(n int) []gmail.Message {
	msgs := make([]gmail.Message, n)
	for i := range msgs {
		msgs[i] = gmail.Message{
			ID:       gmail.MessageID("m" + strconv.Itoa(i+1)),
			LabelIDs: []gmail.LabelID{gmail.SystemLabelInbox},
			Headers:  map[string]string{"From": fmt.Sprintf("sender%d@example.com", i+1)},
		}
	}
	return msgs
}

func newFetcher(client gmail.Client, attempts int) *Fetcher {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := dispatch.New(rate.New(rate.Config{Limit: 10000, Window: time.Second}, nil),
		retry.Policy{Initial: time.Millisecond, Multiplier: 2, MaxAttempts: attempts}, logger)
	d.Sleep = func(context.Context, time.Duration) error { return nil }
	f := New(client, d, labels.NewResolver(client, d), logger)
	f.PageSize = 2
	f.GetBatch = 2
	return f
}

func collect(t *testing.T, c *Cursor) []gmail.MessageID {
	t.Helper()
	var ids []gmail.MessageID
	for {
		page, err := c.Next(context.Background())
		if errors.Is(err, iterator.Done) {
			return ids
		}
		require.NoError(t, err)
		for _, m := range page.Messages {
			ids = append(ids, m.ID)
		}
	}
}

func TestCursorPagesAndChunks(t *testing.T) {
	fake := gmailtest.New(mailbox(5)...)
	f := newFetcher(fake, 3)
	f.GetBatch = 1

	c := f.Pages(gmail.Query{Raw: `from:"sender"`}, Fields{Format: gmail.FormatMetadata, Headers: []string{"From"}})
	ids := collect(t, c)

	assert.Equal(t, []gmail.MessageID{"m1", "m2", "m3", "m4", "m5"}, ids)
	assert.Equal(t, []string{"", "p2", "p4"}, fake.ListTokens)
	assert.Len(t, fake.GetCalls, 5)
	assert.Equal(t, gmail.FormatMetadata, fake.GetFormats[0])
	assert.Equal(t, 3, c.Pages())

	_, err := c.Next(context.Background())
	assert.ErrorIs(t, err, iterator.Done)
}

func TestCursorFormatNoneSkipsGets(t *testing.T) {
	fake := gmailtest.New(mailbox(3)...)
	c := newFetcher(fake, 1).Pages(gmail.Query{Raw: "larger:10"}, Fields{Format: gmail.FormatNone})

	assert.Len(t, collect(t, c), 3)
	assert.Empty(t, fake.GetCalls)
}

func TestCursorResolvesLabelNames(t *testing.T) {
	msgs := mailbox(1)
	msgs[0].LabelIDs = append(msgs[0].LabelIDs, "Label_9")
	fake := gmailtest.New(msgs...)
	fake.Labels["Receipts"] = "Label_9"

	c := newFetcher(fake, 1).Pages(gmail.Query{}, Fields{Format: gmail.FormatMinimal, Labels: true})
	page, err := c.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, []string{"INBOX", "Receipts"}, page.Messages[0].LabelNames)
}

func TestCursorRetriesTransientList(t *testing.T) {
	fake := gmailtest.New(mailbox(3)...)
	fake.ListErr = func(call int, _ string) error {
		if call == 2 {
			return fmt.Errorf("503: %w", gmail.ErrTransient)
		}
		return nil
	}
	ids := collect(t, newFetcher(fake, 3).Pages(gmail.Query{}, Fields{Format: gmail.FormatMinimal}))
	assert.Len(t, ids, 3)
	assert.Equal(t, []string{"", "p2", "p2"}, fake.ListTokens)
}

func TestCursorCeilingThenResume(t *testing.T) {
	fake := gmailtest.New(mailbox(5)...)
	failing := true
	fake.GetErr = func(_ int, ids []gmail.MessageID) error {
		if failing && ids[0] == "m3" {
			return fmt.Errorf("500: %w", gmail.ErrTransient)
		}
		return nil
	}
	c := newFetcher(fake, 2).Pages(gmail.Query{}, Fields{Format: gmail.FormatMinimal})

	first, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, first.Messages, 2)

	_, err = c.Next(context.Background())
	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, 1, ferr.Pages)
	assert.Equal(t, "p2", ferr.PageToken)
	assert.ErrorIs(t, err, gmail.ErrTransient)
	assert.Equal(t, "p2", c.Token())

	saved := c.Token()
	failing = false
	resumed := newFetcher(fake, 2).Pages(gmail.Query{}, Fields{Format: gmail.FormatMinimal})
	resumed.Resume(saved)
	assert.Equal(t, []gmail.MessageID{"m3", "m4", "m5"}, collect(t, resumed))
}

func TestCursorStopsBetweenPagesOnCancel(t *testing.T) {
	fake := gmailtest.New(mailbox(5)...)
	c := newFetcher(fake, 1).Pages(gmail.Query{}, Fields{Format: gmail.FormatNone})

	ctx, cancel := context.WithCancel(context.Background())
	_, err := c.Next(ctx)
	require.NoError(t, err)
	cancel()
	_, err = c.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, fake.ListTokens, 1)
}

func TestCursorSkipsVanishedMessages(t *testing.T) {
	fake := gmailtest.New(mailbox(2)...)
	fake.GetErr = func(int, []gmail.MessageID) error {
		fake.Messages = fake.Messages[1:]
		return nil
	}
	page, err := newFetcher(fake, 1).Pages(gmail.Query{}, Fields{Format: gmail.FormatMinimal}).Next(context.Background())
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, gmail.MessageID("m2"), page.Messages[0].ID)
}

// steppingClock jumps forward by every wait so quota windows slide without
// real sleeping.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func TestCursorGetChunksFitDefaultQuota(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	for _, getBatch := range []int{cfg.Fetch.GetBatch, 100} {
		t.Run(strconv.Itoa(getBatch), func(t *testing.T) {
			fake := gmailtest.New(mailbox(120)...)
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			clock := &steppingClock{now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
			d := dispatch.New(rate.New(cfg.RateConfig(), clock), cfg.RetryPolicy(), logger)
			d.Sleep = func(context.Context, time.Duration) error { return nil }
			f := New(fake, d, labels.NewResolver(fake, d), logger)
			f.PageSize = cfg.Fetch.PageSize
			f.GetBatch = getBatch

			c := f.Pages(gmail.Query{}, Fields{Format: gmail.FormatFull})
			ids := collect(t, c)

			assert.Len(t, ids, 120)
			require.Len(t, fake.GetCalls, 3)
			for _, call := range fake.GetCalls {
				assert.LessOrEqual(t, len(call)*gmail.CostGetPerID, cfg.Quota.UnitsPerWindow)
			}
		})
	}
}
