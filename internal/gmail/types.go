// internal/gmail/types.go
package gmail

import "time"

type MessageID string
type LabelID string

// Format selects how much of each message Gmail returns.
type Format int

const (
	// FormatNone skips message retrieval entirely; list results carry IDs only.
	FormatNone Format = iota
	FormatMinimal
	FormatMetadata
	FormatFull
)

func (f Format) String() string {
	switch f {
	case FormatMinimal:
		return "minimal"
	case FormatMetadata:
		return "metadata"
	case FormatFull:
		return "full"
	default:
		return "none"
	}
}

// Message is the union of fields rule evaluation can look at. Which fields are
// populated depends on the Format it was fetched with.
type Message struct {
	ID       MessageID
	ThreadID string
	LabelIDs []LabelID
	// LabelNames is filled in by the matcher from the label resolver.
	LabelNames []string
	Headers    map[string]string // From, To, Cc, Bcc, Subject
	Body       string

	AttachmentNames []string
	HasAttachment   bool
	SizeEstimate    int64
	ReceivedAt      time.Time
}

type ListPage struct {
	IDs           []MessageID
	NextPageToken string
	// ResultSizeEstimate is Gmail's rough total for the query.
	ResultSizeEstimate int64
}

type ModifyOps struct {
	AddLabels    []LabelID
	RemoveLabels []LabelID
}

// Empty reports whether the ops would change nothing.
func (o ModifyOps) Empty() bool {
	return len(o.AddLabels) == 0 && len(o.RemoveLabels) == 0
}

type Query struct {
	Raw string // Gmail query string, already formed (e.g., `from:"news" -label:"keep" before:1726440000`)
}
