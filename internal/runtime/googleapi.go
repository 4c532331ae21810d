// Package runtime wires the Gmail REST API and process-level plumbing (auth,
// logging) into the engine.
package runtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"slices"
	"strings"
	"time"

	"github.com/k3a/html2text"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	gc "github.com/joshsymonds/inboxrules/internal/gmail"
)

// AdapterOptions tune the Google adapter.
type AdapterOptions struct {
	UserID string
	// GetConcurrency bounds parallel messages.get calls within one BatchGet.
	GetConcurrency int
}

type googleClient struct {
	svc  *gmail.Service
	user string
	conc int
}

func NewGoogleAPIClient(svc *gmail.Service, opts AdapterOptions) *googleClient {
	if opts.UserID == "" {
		opts.UserID = gc.DefaultUserID
	}
	if opts.GetConcurrency <= 0 {
		opts.GetConcurrency = 8
	}
	return &googleClient{svc: svc, user: opts.UserID, conc: opts.GetConcurrency}
}

func (g *googleClient) List(ctx context.Context, q gc.Query, pageToken string, pageSize int) (gc.ListPage, error) {
	call := g.svc.Users.Messages.List(g.user).MaxResults(int64(pageSize))
	if q.Raw != "" {
		call = call.Q(q.Raw)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Context(ctx).Do()
	if err != nil {
		return gc.ListPage{}, classify(fmt.Errorf("list messages: %w", err))
	}
	page := gc.ListPage{
		IDs:                make([]gc.MessageID, 0, len(res.Messages)),
		NextPageToken:      res.NextPageToken,
		ResultSizeEstimate: res.ResultSizeEstimate,
	}
	for _, m := range res.Messages {
		page.IDs = append(page.IDs, gc.MessageID(m.Id))
	}
	return page, nil
}

// BatchGet fetches ids concurrently and returns them in request order.
// Messages deleted since listing are omitted.
func (g *googleClient) BatchGet(ctx context.Context, ids []gc.MessageID, format gc.Format, headers []string) ([]gc.Message, error) {
	out := make([]*gc.Message, len(ids))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.conc)
	for i, id := range ids {
		eg.Go(func() error {
			call := g.svc.Users.Messages.Get(g.user, string(id)).Format(format.String())
			if format == gc.FormatMetadata && len(headers) > 0 {
				call = call.MetadataHeaders(headers...)
			}
			msg, err := call.Context(ctx).Do()
			if err != nil {
				if isNotFound(err) {
					return nil
				}
				return classify(fmt.Errorf("get message %s: %w", id, err))
			}
			m := convertMessage(msg)
			out[i] = &m
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	msgs := make([]gc.Message, 0, len(ids))
	for _, m := range out {
		if m != nil {
			msgs = append(msgs, *m)
		}
	}
	return msgs, nil
}

func (g *googleClient) BatchModify(ctx context.Context, ids []gc.MessageID, ops gc.ModifyOps) error {
	req := &gmail.BatchModifyMessagesRequest{Ids: toStrings(ids)}
	if len(ops.AddLabels) > 0 {
		req.AddLabelIds = toStrings(ops.AddLabels)
	}
	if len(ops.RemoveLabels) > 0 {
		req.RemoveLabelIds = toStrings(ops.RemoveLabels)
	}
	if err := g.svc.Users.Messages.BatchModify(g.user, req).Context(ctx).Do(); err != nil {
		return classify(fmt.Errorf("batch modify: %w", err))
	}
	return nil
}

func (g *googleClient) BatchDelete(ctx context.Context, ids []gc.MessageID) error {
	req := &gmail.BatchDeleteMessagesRequest{Ids: toStrings(ids)}
	if err := g.svc.Users.Messages.BatchDelete(g.user, req).Context(ctx).Do(); err != nil {
		return classify(fmt.Errorf("batch delete: %w", err))
	}
	return nil
}

func (g *googleClient) ListLabels(ctx context.Context) (map[string]gc.LabelID, map[gc.LabelID]string, error) {
	lr, err := g.svc.Users.Labels.List(g.user).Context(ctx).Do()
	if err != nil {
		return nil, nil, classify(fmt.Errorf("list labels: %w", err))
	}
	byName := make(map[string]gc.LabelID, len(lr.Labels))
	byID := make(map[gc.LabelID]string, len(lr.Labels))
	for _, l := range lr.Labels {
		byName[l.Name] = gc.LabelID(l.Id)
		byID[gc.LabelID(l.Id)] = l.Name
	}
	return byName, byID, nil
}

func (g *googleClient) EnsureLabel(ctx context.Context, name string) (gc.LabelID, error) {
	byName, _, err := g.ListLabels(ctx)
	if err != nil {
		return "", err
	}
	for existing, id := range byName {
		if strings.EqualFold(existing, name) {
			return id, nil
		}
	}
	created, err := g.svc.Users.Labels.Create(g.user, &gmail.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}).Context(ctx).Do()
	if err != nil {
		return "", classify(fmt.Errorf("create label %q: %w", name, err))
	}
	return gc.LabelID(created.Id), nil
}

// classify marks err with the gmail outcome sentinel matching its cause.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %w", gc.ErrRateLimited, err)
		case gerr.Code == http.StatusForbidden && hasReason(gerr, "rateLimitExceeded", "userRateLimitExceeded"):
			return fmt.Errorf("%w: %w", gc.ErrRateLimited, err)
		case gerr.Code >= 500:
			return fmt.Errorf("%w: %w", gc.ErrTransient, err)
		default:
			return fmt.Errorf("%w: %w", gc.ErrPermanent, err)
		}
	}
	if errors.Is(err, gc.ErrNotDispatched) || errors.Is(err, gc.ErrPermanent) {
		return err
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %w", gc.ErrNotDispatched, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %w", gc.ErrNotDispatched, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", gc.ErrTransient, err)
	}
	return err
}

func hasReason(gerr *googleapi.Error, reasons ...string) bool {
	for _, item := range gerr.Errors {
		if slices.Contains(reasons, item.Reason) {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

// convertMessage flattens the Gmail payload into the fields rules can test.
func convertMessage(msg *gmail.Message) gc.Message {
	m := gc.Message{
		ID:           gc.MessageID(msg.Id),
		ThreadID:     msg.ThreadId,
		LabelIDs:     make([]gc.LabelID, 0, len(msg.LabelIds)),
		SizeEstimate: msg.SizeEstimate,
	}
	for _, l := range msg.LabelIds {
		m.LabelIDs = append(m.LabelIDs, gc.LabelID(l))
	}
	if msg.InternalDate > 0 {
		m.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload == nil {
		return m
	}
	m.Headers = make(map[string]string, len(msg.Payload.Headers))
	for _, h := range msg.Payload.Headers {
		key := textproto.CanonicalMIMEHeaderKey(h.Name)
		if prev, ok := m.Headers[key]; ok {
			m.Headers[key] = prev + ", " + h.Value
			continue
		}
		m.Headers[key] = h.Value
	}
	var plain, html string
	walkParts(msg.Payload, func(p *gmail.MessagePart) {
		if p.Filename != "" {
			m.AttachmentNames = append(m.AttachmentNames, p.Filename)
			return
		}
		if p.Body == nil || p.Body.Data == "" {
			return
		}
		switch strings.ToLower(p.MimeType) {
		case "text/plain":
			if plain == "" {
				plain = decodeBase64URL(p.Body.Data)
			}
		case "text/html":
			if html == "" {
				html = decodeBase64URL(p.Body.Data)
			}
		}
	})
	m.HasAttachment = len(m.AttachmentNames) > 0
	switch {
	case plain != "":
		m.Body = plain
	case html != "":
		m.Body = html2text.HTML2Text(html)
	}
	return m
}

func walkParts(p *gmail.MessagePart, fn func(*gmail.MessagePart)) {
	if p == nil {
		return
	}
	fn(p)
	for _, sub := range p.Parts {
		walkParts(sub, fn)
	}
}

func decodeBase64URL(data string) string {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		// Gmail usually sends unpadded base64url.
		b, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return ""
		}
	}
	return string(b)
}

func toStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

var _ gc.Client = (*googleClient)(nil)
