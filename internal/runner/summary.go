package runner

import (
	"time"

	"github.com/joshsymonds/inboxrules/internal/gmail"
	"github.com/joshsymonds/inboxrules/internal/rules"
)

// State is a rule's position in a run.
type State string

const (
	StatePending   State = "pending"
	StateMatching  State = "matching"
	StateExecuting State = "executing"
	StateDone      State = "done"
)

// ErrorKind classifies an ErrorRecord.
type ErrorKind string

const (
	ErrorFetch     ErrorKind = "fetch"
	ErrorChunk     ErrorKind = "chunk"
	ErrorLabel     ErrorKind = "label"
	ErrorQuota     ErrorKind = "quota"
	ErrorCancelled ErrorKind = "cancelled"
)

// ErrorRecord is a failure captured in a RunSummary instead of aborting the
// run.
type ErrorRecord struct {
	Kind       ErrorKind         `json:"kind"`
	Action     rules.ActionType  `json:"action,omitempty"`
	MessageIDs []gmail.MessageID `json:"message_ids,omitempty"`
	Cause      string            `json:"cause"`
	Err        error             `json:"-"`
}

// RunSummary reports one rule's run. Dry runs and real runs share this shape.
type RunSummary struct {
	RunID          string                   `json:"run_id"`
	RuleID         string                   `json:"rule_id"`
	RuleName       string                   `json:"rule_name"`
	ScannedCount   int                      `json:"scanned_count"`
	MatchedCount   int                      `json:"matched_count"`
	ActionsApplied map[rules.ActionType]int `json:"actions_applied"`
	Errors         []ErrorRecord            `json:"errors"`
	DryRun         bool                     `json:"dry_run"`
	Cancelled      bool                     `json:"cancelled"`
	State          State                    `json:"state"`
	Warnings       []string                 `json:"warnings,omitempty"`
	Truncated      bool                     `json:"truncated"`
	ServerFilter   string                   `json:"server_filter"`
	StartedAt      time.Time                `json:"started_at"`
	FinishedAt     time.Time                `json:"finished_at"`
}

// Failed reports whether any error was recorded.
func (s RunSummary) Failed() bool { return len(s.Errors) > 0 }

func (s *RunSummary) addError(kind ErrorKind, action rules.ActionType, ids []gmail.MessageID, err error) {
	s.Errors = append(s.Errors, ErrorRecord{
		Kind:       kind,
		Action:     action,
		MessageIDs: ids,
		Cause:      err.Error(),
		Err:        err,
	})
}
