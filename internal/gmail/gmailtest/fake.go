// Package gmailtest provides an in-memory gmail.Client for tests.
package gmailtest

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/joshsymonds/inboxrules/internal/gmail"
)

// ModifyCall records one BatchModify invocation.
type ModifyCall struct {
	IDs []gmail.MessageID
	Ops gmail.ModifyOps
}

// Client is a fake mailbox. Messages are listed in slice order. Hooks let a
// test inject failures per call; they run with the fake's lock released.
type Client struct {
	mu sync.Mutex

	Messages []gmail.Message
	Labels   map[string]gmail.LabelID
	// Filter decides which messages a query returns. Nil returns everything.
	Filter func(q gmail.Query, m gmail.Message) bool

	ListErr   func(call int, pageToken string) error
	GetErr    func(call int, ids []gmail.MessageID) error
	ModifyErr func(call int, ids []gmail.MessageID, ops gmail.ModifyOps) error
	DeleteErr func(call int, ids []gmail.MessageID) error

	Queries       []string
	ListTokens    []string
	GetCalls      [][]gmail.MessageID
	GetFormats    []gmail.Format
	Modifies      []ModifyCall
	Deletes       [][]gmail.MessageID
	EnsuredLabels []string
	LabelListings int
}

// New returns a fake holding msgs.
func New(msgs ...gmail.Message) *Client {
	return &Client{
		Messages: msgs,
		Labels: map[string]gmail.LabelID{
			"INBOX":  gmail.SystemLabelInbox,
			"TRASH":  gmail.SystemLabelTrash,
			"UNREAD": gmail.SystemLabelUnread,
		},
	}
}

func (c *Client) List(
	ctx context.Context,
	q gmail.Query,
	pageToken string,
	pageSize int,
) (gmail.ListPage, error) {
	_ = ctx
	c.mu.Lock()
	c.Queries = append(c.Queries, q.Raw)
	c.ListTokens = append(c.ListTokens, pageToken)
	call := len(c.Queries)
	hook := c.ListErr
	c.mu.Unlock()

	if hook != nil {
		if err := hook(call, pageToken); err != nil {
			return gmail.ListPage{}, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	matched := make([]gmail.MessageID, 0, len(c.Messages))
	for _, m := range c.Messages {
		if c.Filter == nil || c.Filter(q, m) {
			matched = append(matched, m.ID)
		}
	}
	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(pageToken, "p"))
		if err != nil {
			return gmail.ListPage{}, fmt.Errorf("bad page token %q: %w", pageToken, gmail.ErrPermanent)
		}
		offset = n
	}
	if pageSize <= 0 {
		pageSize = gmail.DefaultPageSize
	}
	end := min(offset+pageSize, len(matched))
	page := gmail.ListPage{ResultSizeEstimate: int64(len(matched))}
	if offset < end {
		page.IDs = append(page.IDs, matched[offset:end]...)
	}
	if end < len(matched) {
		page.NextPageToken = "p" + strconv.Itoa(end)
	}
	return page, nil
}

func (c *Client) BatchGet(
	ctx context.Context,
	ids []gmail.MessageID,
	format gmail.Format,
	headers []string,
) ([]gmail.Message, error) {
	_ = ctx
	_ = headers
	c.mu.Lock()
	c.GetCalls = append(c.GetCalls, slices.Clone(ids))
	c.GetFormats = append(c.GetFormats, format)
	call := len(c.GetCalls)
	hook := c.GetErr
	c.mu.Unlock()

	if hook != nil {
		if err := hook(call, ids); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]gmail.Message, 0, len(ids))
	for _, id := range ids {
		if idx := c.index(id); idx >= 0 {
			msg := c.Messages[idx]
			msg.LabelIDs = slices.Clone(msg.LabelIDs)
			out = append(out, msg)
		}
	}
	return out, nil
}

func (c *Client) BatchModify(ctx context.Context, ids []gmail.MessageID, ops gmail.ModifyOps) error {
	_ = ctx
	c.mu.Lock()
	c.Modifies = append(c.Modifies, ModifyCall{IDs: slices.Clone(ids), Ops: ops})
	call := len(c.Modifies)
	hook := c.ModifyErr
	c.mu.Unlock()

	if hook != nil {
		if err := hook(call, ids, ops); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		idx := c.index(id)
		if idx < 0 {
			continue
		}
		msg := &c.Messages[idx]
		msg.LabelIDs = slices.DeleteFunc(msg.LabelIDs, func(l gmail.LabelID) bool {
			return slices.Contains(ops.RemoveLabels, l)
		})
		for _, add := range ops.AddLabels {
			if !slices.Contains(msg.LabelIDs, add) {
				msg.LabelIDs = append(msg.LabelIDs, add)
			}
		}
	}
	return nil
}

func (c *Client) BatchDelete(ctx context.Context, ids []gmail.MessageID) error {
	_ = ctx
	c.mu.Lock()
	c.Deletes = append(c.Deletes, slices.Clone(ids))
	call := len(c.Deletes)
	hook := c.DeleteErr
	c.mu.Unlock()

	if hook != nil {
		if err := hook(call, ids); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Messages = slices.DeleteFunc(c.Messages, func(m gmail.Message) bool {
		return slices.Contains(ids, m.ID)
	})
	return nil
}

func (c *Client) ListLabels(ctx context.Context) (map[string]gmail.LabelID, map[gmail.LabelID]string, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LabelListings++
	byName := make(map[string]gmail.LabelID, len(c.Labels))
	byID := make(map[gmail.LabelID]string, len(c.Labels))
	for name, id := range c.Labels {
		byName[name] = id
		byID[id] = name
	}
	return byName, byID, nil
}

func (c *Client) EnsureLabel(ctx context.Context, name string) (gmail.LabelID, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	c.EnsuredLabels = append(c.EnsuredLabels, name)
	if id, ok := c.Labels[name]; ok {
		return id, nil
	}
	if c.Labels == nil {
		c.Labels = map[string]gmail.LabelID{}
	}
	id := gmail.LabelID("Label_" + strconv.Itoa(len(c.Labels)+1))
	c.Labels[name] = id
	return id, nil
}

// Message returns a copy of the stored message with id.
func (c *Client) Message(id gmail.MessageID) (gmail.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.index(id)
	if idx < 0 {
		return gmail.Message{}, false
	}
	return c.Messages[idx], true
}

func (c *Client) index(id gmail.MessageID) int {
	return slices.IndexFunc(c.Messages, func(m gmail.Message) bool { return m.ID == id })
}

var _ gmail.Client = (*Client)(nil)
