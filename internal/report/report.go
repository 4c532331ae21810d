// Package report renders run summaries, load reports and previews for people
// and for machines.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/joshsymonds/inboxrules/internal/match"
	"github.com/joshsymonds/inboxrules/internal/rules"
	"github.com/joshsymonds/inboxrules/internal/runner"
)

const (
	causeDisplayLimit = 80
	previewIDLimit    = 20
)

// Run is the JSON document written by `apply --json`.
type Run struct {
	Load      rules.LoadReport    `json:"load"`
	Summaries []runner.RunSummary `json:"summaries"`
	Error     string              `json:"error,omitempty"`
}

// PrintHuman writes a readable run report.
func PrintHuman(w io.Writer, rep Run) error {
	if w == nil {
		w = os.Stdout
	}
	var b strings.Builder
	writeLoad(&b, rep.Load)
	dry := ""
	if len(rep.Summaries) > 0 && rep.Summaries[0].DryRun {
		dry = " (dry run)"
	}
	fmt.Fprintf(&b, "\ninboxrules run%s: %d rules\n", dry, len(rep.Summaries))
	for _, s := range rep.Summaries {
		status := "ok"
		switch {
		case s.Cancelled:
			status = "cancelled"
		case s.Failed():
			status = "errors"
		}
		fmt.Fprintf(&b, "  %-30s %-9s scanned %5d  matched %5d\n",
			truncate(s.RuleName, 30), status, s.ScannedCount, s.MatchedCount)
		if s.ServerFilter != "" {
			fmt.Fprintf(&b, "    filter: %s\n", s.ServerFilter)
		}
		for _, action := range sortedActions(s.ActionsApplied) {
			fmt.Fprintf(&b, "    %-20s %5d\n", action, s.ActionsApplied[action])
		}
		for _, warn := range s.Warnings {
			fmt.Fprintf(&b, "    warning: %s\n", warn)
		}
		for _, e := range s.Errors {
			target := ""
			if n := len(e.MessageIDs); n > 0 {
				target = fmt.Sprintf(" (%d messages)", n)
			}
			action := ""
			if e.Action != "" {
				action = " " + string(e.Action)
			}
			fmt.Fprintf(&b, "    %s error%s%s: %s\n", e.Kind, action, target, truncate(e.Cause, causeDisplayLimit))
		}
	}
	if rep.Error != "" {
		fmt.Fprintf(&b, "\nrun stopped: %s\n", rep.Error)
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write human report: %w", err)
	}
	return nil
}

// PrintLoad writes only the load report, as `validate` does.
func PrintLoad(w io.Writer, rep rules.LoadReport) error {
	var b strings.Builder
	writeLoad(&b, rep)
	if len(rep.Rejected) == 0 && len(rep.Hazards) == 0 {
		b.WriteString("all rules valid\n")
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write load report: %w", err)
	}
	return nil
}

func writeLoad(b *strings.Builder, rep rules.LoadReport) {
	fmt.Fprintf(b, "rules: %d accepted, %d rejected\n", len(rep.Accepted), len(rep.Rejected))
	for _, rej := range rep.Rejected {
		fmt.Fprintf(b, "  rejected %s:\n", rej.RuleID)
		for _, reason := range rej.Reasons {
			fmt.Fprintf(b, "    - %s\n", reason)
		}
	}
	for _, h := range rep.Hazards {
		fmt.Fprintf(b, "  hazard %s: %s\n", h.RuleID, h.Message)
	}
}

// PrintMatch writes a preview of one rule's match set.
func PrintMatch(w io.Writer, set match.MatchSet) error {
	var b strings.Builder
	fmt.Fprintf(&b, "rule %s matched %d of %d scanned\n", set.RuleID, len(set.MessageIDs), set.Scanned)
	filter := set.ServerFilter
	if filter == "" {
		filter = "(none)"
	}
	fmt.Fprintf(&b, "  server filter: %s\n", filter)
	fmt.Fprintf(&b, "  residual conditions: %d\n", set.Residual)
	if set.FullScan {
		b.WriteString("  full mailbox scan\n")
	}
	for _, warn := range set.Warnings {
		fmt.Fprintf(&b, "  warning: %s\n", warn)
	}
	for i, id := range set.MessageIDs {
		if i == previewIDLimit {
			fmt.Fprintf(&b, "  ... %d more\n", len(set.MessageIDs)-previewIDLimit)
			break
		}
		fmt.Fprintf(&b, "  %s\n", id)
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write preview: %w", err)
	}
	return nil
}

// PrintHistory writes one line per stored summary.
func PrintHistory(w io.Writer, sums []runner.RunSummary) error {
	var b strings.Builder
	if len(sums) == 0 {
		b.WriteString("no runs recorded\n")
	}
	for _, s := range sums {
		mode := "live"
		if s.DryRun {
			mode = "dry"
		}
		applied := 0
		for _, n := range s.ActionsApplied {
			applied += n
		}
		fmt.Fprintf(&b, "%s  %-24s %-4s matched %5d  applied %5d  errors %d\n",
			s.FinishedAt.Format("2006-01-02 15:04:05"), truncate(s.RuleID, 24), mode, s.MatchedCount, applied, len(s.Errors))
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

// WriteJSON serializes v to path, which must stay inside the working
// directory.
func WriteJSON(v any, path string) error {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return fmt.Errorf("path must not be empty")
	}
	clean = filepath.Clean(clean)
	if filepath.IsAbs(clean) {
		return fmt.Errorf("output path must be relative, got %s", clean)
	}
	if strings.HasPrefix(clean, "..") {
		return fmt.Errorf("output path %s escapes working directory", clean)
	}
	f, err := os.OpenFile(clean, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return fmt.Errorf("create %s: %w", clean, err)
	}
	defer func() { _ = f.Close() }()
	return EncodeJSON(f, v)
}

// EncodeJSON writes v as indented JSON.
func EncodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

// ShouldFail reports whether any requested condition is present: "errors"
// (any per-rule error), "rejected" (invalid rules) or "truncated" (a capped
// full scan).
func ShouldFail(rep Run, failOn []string) bool {
	flags := map[string]bool{
		"rejected": len(rep.Load.Rejected) > 0,
	}
	for _, s := range rep.Summaries {
		flags["errors"] = flags["errors"] || s.Failed()
		flags["truncated"] = flags["truncated"] || s.Truncated
	}
	for _, cond := range failOn {
		if flags[strings.TrimSpace(strings.ToLower(cond))] {
			return true
		}
	}
	return false
}

// ParseFailOn splits a comma separated list into canonical tokens.
func ParseFailOn(input string) []string {
	var out []string
	for _, part := range strings.Split(input, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if part != "" && !slices.Contains(out, part) {
			out = append(out, part)
		}
	}
	return out
}

func sortedActions(m map[rules.ActionType]int) []rules.ActionType {
	out := make([]rules.ActionType, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
