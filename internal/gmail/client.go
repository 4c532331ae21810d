package gmail

import "context"

// Client is the narrow Gmail surface required by inboxrules.
type Client interface {
	List(ctx context.Context, q Query, pageToken string, pageSize int) (ListPage, error)
	BatchGet(ctx context.Context, ids []MessageID, format Format, headers []string) ([]Message, error)
	BatchModify(ctx context.Context, ids []MessageID, ops ModifyOps) error
	BatchDelete(ctx context.Context, ids []MessageID) error
	ListLabels(ctx context.Context) (map[string]LabelID, map[LabelID]string, error)
	EnsureLabel(ctx context.Context, name string) (LabelID, error)
}

// Quota costs charged by Gmail per call, in quota units.
const (
	CostList        = 5
	CostGetPerID    = 5
	CostBatchModify = 50
	CostBatchDelete = 50
	CostListLabels  = 1
	CostEnsureLabel = CostListLabels + 5
)

// Provider limits.
const (
	MaxPageSize     = 500
	MaxBatchSize    = 1000
	DefaultGetBatch = 50
	DefaultPageSize = MaxPageSize
	DefaultUserID   = "me"
)

// System labels used by the action mapping.
const (
	SystemLabelInbox  = LabelID("INBOX")
	SystemLabelTrash  = LabelID("TRASH")
	SystemLabelUnread = LabelID("UNREAD")
)
