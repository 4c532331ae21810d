// Package fetch pages through Gmail search results and retrieves the message
// fields rule evaluation needs.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"google.golang.org/api/iterator"

	"github.com/joshsymonds/inboxrules/internal/dispatch"
	"github.com/joshsymonds/inboxrules/internal/gmail"
	"github.com/joshsymonds/inboxrules/internal/labels"
)

// Fields selects what each fetched message must carry.
type Fields struct {
	Format  gmail.Format
	Headers []string
	// Labels requests label names resolved from label IDs.
	Labels bool
}

// Page is one list page with its messages in list order.
type Page struct {
	Messages []gmail.Message
	// Token is the page token that produced this page; empty for the first.
	Token string
	// Estimate is Gmail's rough total for the query.
	Estimate int64
}

// Error reports a page that could not be fetched within the retry ceiling.
// Pages counts the pages successfully returned before the failure.
type Error struct {
	Query     string
	PageToken string
	Pages     int
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch page %d for %q: %v", e.Pages+1, e.Query, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fetcher creates cursors over Gmail search results.
type Fetcher struct {
	Client     gmail.Client
	Dispatcher *dispatch.Dispatcher
	Labels     *labels.Resolver
	PageSize   int
	GetBatch   int
	Logger     *slog.Logger
}

// New constructs a Fetcher with Gmail's maximum page size.
func New(client gmail.Client, dispatcher *dispatch.Dispatcher, resolver *labels.Resolver, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Fetcher{
		Client:     client,
		Dispatcher: dispatcher,
		Labels:     resolver,
		PageSize:   gmail.DefaultPageSize,
		GetBatch:   gmail.DefaultGetBatch,
		Logger:     logger,
	}
}

// Pages returns a lazy cursor; nothing is requested until Next.
func (f *Fetcher) Pages(q gmail.Query, fields Fields) *Cursor {
	return &Cursor{f: f, query: q, fields: fields}
}

// Cursor walks result pages. It is restartable: after an error, Next retries
// the failed page, and Resume starts from any saved token. Not safe for
// concurrent use.
type Cursor struct {
	f      *Fetcher
	query  gmail.Query
	fields Fields
	token  string
	done   bool
	pages  int
}

// Token returns the token of the next page to fetch.
func (c *Cursor) Token() string { return c.token }

// Pages returns how many pages have been returned so far.
func (c *Cursor) Pages() int { return c.pages }

// Resume positions the cursor at token. An empty token restarts the query.
func (c *Cursor) Resume(token string) {
	c.token = token
	c.done = false
}

// Next returns the next page or iterator.Done. Cancellation is honoured
// between pages; a page already underway runs to completion.
func (c *Cursor) Next(ctx context.Context) (Page, error) {
	if c.done {
		return Page{}, iterator.Done
	}
	if err := ctx.Err(); err != nil {
		return Page{}, fmt.Errorf("fetch: %w", err)
	}
	pageCtx := context.WithoutCancel(ctx)

	token := c.token
	var list gmail.ListPage
	err := c.f.Dispatcher.Do(pageCtx, "list", gmail.CostList, func(ctx context.Context) error {
		var err error
		list, err = c.f.Client.List(ctx, c.query, token, c.pageSize())
		return err
	})
	if err != nil {
		return Page{}, c.fail(token, err)
	}

	msgs, err := c.messages(pageCtx, list.IDs)
	if err != nil {
		return Page{}, c.fail(token, err)
	}

	c.pages++
	c.token = list.NextPageToken
	c.done = list.NextPageToken == ""
	c.f.Logger.Debug("fetched page", "filter", c.query.Raw, "page", c.pages, "count", len(msgs), "format", c.fields.Format.String())
	return Page{Messages: msgs, Token: token, Estimate: list.ResultSizeEstimate}, nil
}

func (c *Cursor) fail(token string, err error) error {
	return &Error{Query: c.query.Raw, PageToken: token, Pages: c.pages, Err: err}
}

func (c *Cursor) pageSize() int {
	if c.f.PageSize <= 0 || c.f.PageSize > gmail.MaxPageSize {
		return gmail.MaxPageSize
	}
	return c.f.PageSize
}

func (c *Cursor) messages(ctx context.Context, ids []gmail.MessageID) ([]gmail.Message, error) {
	if c.fields.Format == gmail.FormatNone {
		out := make([]gmail.Message, len(ids))
		for i, id := range ids {
			out[i] = gmail.Message{ID: id}
		}
		return out, nil
	}

	batch := c.f.GetBatch
	if batch <= 0 {
		batch = gmail.DefaultGetBatch
	}
	// A chunk must fit one quota window or Acquire can never grant it.
	if limit := c.f.Dispatcher.MaxCost(); limit > 0 {
		batch = min(batch, max(1, limit/gmail.CostGetPerID))
	}
	byID := make(map[gmail.MessageID]gmail.Message, len(ids))
	for start := 0; start < len(ids); start += batch {
		chunk := ids[start:min(start+batch, len(ids))]
		var got []gmail.Message
		err := c.f.Dispatcher.Do(ctx, "get", gmail.CostGetPerID*len(chunk), func(ctx context.Context) error {
			var err error
			got, err = c.f.Client.BatchGet(ctx, chunk, c.fields.Format, c.fields.Headers)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("get %d messages: %w", len(chunk), err)
		}
		for _, m := range got {
			byID[m.ID] = m
		}
	}

	// Keep list order; messages deleted between list and get are skipped.
	out := make([]gmail.Message, 0, len(ids))
	for _, id := range ids {
		m, ok := byID[id]
		if !ok {
			continue
		}
		if c.fields.Labels && c.f.Labels != nil {
			names, err := c.f.Labels.Names(ctx, m.LabelIDs)
			if err != nil {
				return nil, err
			}
			m.LabelNames = names
		}
		out = append(out, m)
	}
	return out, nil
}
