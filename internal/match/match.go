// Package match finds the messages a rule selects by combining a Gmail search
// filter with client-side evaluation of the residual predicates.
package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"google.golang.org/api/iterator"

	"github.com/joshsymonds/inboxrules/internal/fetch"
	"github.com/joshsymonds/inboxrules/internal/gmail"
	"github.com/joshsymonds/inboxrules/internal/metrics"
	"github.com/joshsymonds/inboxrules/internal/query"
	"github.com/joshsymonds/inboxrules/internal/rules"
)

// MatchSet is the result of matching one rule. It is not persisted.
type MatchSet struct {
	RuleID       string            `json:"rule_id"`
	MessageIDs   []gmail.MessageID `json:"message_ids"`
	MatchedAt    time.Time         `json:"matched_at"`
	Scanned      int               `json:"scanned_count"`
	ServerFilter string            `json:"server_filter"`
	Residual     int               `json:"residual_conditions"`
	FullScan     bool              `json:"full_scan"`
	Truncated    bool              `json:"truncated"`
	Warnings     []string          `json:"warnings,omitempty"`
}

// Matcher evaluates rules against the mailbox.
type Matcher struct {
	Fetcher *fetch.Fetcher
	// MaxFullScan caps how many messages an unfiltered scan reads; 0 means
	// no cap.
	MaxFullScan int
	Clock       func() time.Time
	Logger      *slog.Logger
}

// New constructs a Matcher.
func New(fetcher *fetch.Fetcher, maxFullScan int, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Matcher{Fetcher: fetcher, MaxFullScan: maxFullScan, Clock: time.Now, Logger: logger}
}

// Match streams the rule's candidate messages page by page and keeps the IDs
// that satisfy the residual predicates. On error the partial set gathered so
// far is returned alongside it.
func (m *Matcher) Match(ctx context.Context, rule *rules.Compiled) (MatchSet, error) {
	now := m.Clock()
	plan := query.Translate(rule.Predicates, rule.Conjunction, now)
	set := MatchSet{
		RuleID:       rule.ID(),
		ServerFilter: plan.Filter,
		Residual:     len(plan.Residual),
		FullScan:     plan.FullScan,
	}
	log := m.Logger.With("rule", rule.ID())
	if plan.FullScan {
		msg := "no condition could be expressed as a Gmail search; scanning the whole mailbox"
		if m.MaxFullScan > 0 {
			msg = fmt.Sprintf("%s (capped at %d messages)", msg, m.MaxFullScan)
		}
		set.Warnings = append(set.Warnings, msg)
		log.Warn("full mailbox scan", "cap", m.MaxFullScan)
	}

	fields := fetch.Fields{
		Format:  rules.FormatFor(plan.Residual),
		Headers: rules.HeadersFor(plan.Residual),
		Labels:  rules.UsesLabels(plan.Residual),
	}
	log.Debug("matching", "filter", plan.Filter, "residual", len(plan.Residual), "format", fields.Format.String())

	cursor := m.Fetcher.Pages(gmail.Query{Raw: plan.Filter}, fields)
	defer func() {
		metrics.MessagesScannedTotal.WithLabelValues(rule.ID()).Add(float64(set.Scanned))
		metrics.MessagesMatchedTotal.WithLabelValues(rule.ID()).Add(float64(len(set.MessageIDs)))
	}()

	for {
		page, err := cursor.Next(ctx)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			set.MatchedAt = m.Clock()
			return set, err
		}
		for _, msg := range page.Messages {
			if plan.FullScan && m.MaxFullScan > 0 && set.Scanned >= m.MaxFullScan {
				set.Truncated = true
				break
			}
			set.Scanned++
			if rules.EvaluateAll(plan.Residual, rule.Conjunction, msg, now) {
				set.MessageIDs = append(set.MessageIDs, msg.ID)
			}
		}
		if set.Truncated {
			set.Warnings = append(set.Warnings, fmt.Sprintf("scan stopped after %d messages; later messages were not evaluated", set.Scanned))
			log.Warn("full scan truncated", "scanned", set.Scanned)
			break
		}
	}

	set.MatchedAt = m.Clock()
	log.Info("matched", "scanned", set.Scanned, "count", len(set.MessageIDs))
	return set, nil
}
