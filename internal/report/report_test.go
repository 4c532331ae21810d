package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshsymonds/inboxrules/internal/gmail"
	"github.com/joshsymonds/inboxrules/internal/match"
	"github.com/joshsymonds/inboxrules/internal/rules"
	"github.com/joshsymonds/inboxrules/internal/runner"
)

func sampleRun() Run {
	return Run{
		Load: rules.LoadReport{
			Accepted: []string{"news", "old"},
			Rejected: []rules.Rejection{{RuleID: "bad", Reasons: []string{"rule has no actions"}}},
			Hazards:  []rules.Hazard{{RuleID: "old", Message: "trash before add_label"}},
		},
		Summaries: []runner.RunSummary{
			{
				RuleID:         "news",
				RuleName:       "Newsletters",
				ScannedCount:   3,
				MatchedCount:   2,
				ActionsApplied: map[rules.ActionType]int{rules.ActionArchive: 2, rules.ActionAddLabel: 2},
				ServerFilter:   `from:"newsletter"`,
				DryRun:         true,
				State:          runner.StateDone,
			},
			{
				RuleID:         "old",
				RuleName:       "Old mail",
				ScannedCount:   5000,
				MatchedCount:   10,
				ActionsApplied: map[rules.ActionType]int{rules.ActionTrash: 0},
				Truncated:      true,
				Warnings:       []string{"full scan stopped after 5000 messages"},
				Errors: []runner.ErrorRecord{{
					Kind:       runner.ErrorChunk,
					Action:     rules.ActionTrash,
					MessageIDs: []gmail.MessageID{"m1", "m2"},
					Cause:      "batch modify: 400 bad request",
					Err:        errors.New("batch modify: 400 bad request"),
				}},
				DryRun: true,
				State:  runner.StateDone,
			},
		},
	}
}

func TestPrintHuman(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintHuman(&buf, sampleRun()))
	out := buf.String()
	assert.Contains(t, out, "rules: 2 accepted, 1 rejected")
	assert.Contains(t, out, "rejected bad:")
	assert.Contains(t, out, "hazard old: trash before add_label")
	assert.Contains(t, out, "inboxrules run (dry run): 2 rules")
	assert.Contains(t, out, `filter: from:"newsletter"`)
	assert.Contains(t, out, "chunk error trash (2 messages): batch modify: 400 bad request")
	assert.Contains(t, out, "warning: full scan stopped")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("add_label")), bytes.Index(buf.Bytes(), []byte("archive")))
}

func TestPrintLoadAllValid(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintLoad(&buf, rules.LoadReport{Accepted: []string{"a"}}))
	assert.Equal(t, "rules: 1 accepted, 0 rejected\nall rules valid\n", buf.String())
}

func TestPrintMatchCapsIDs(t *testing.T) {
	set := match.MatchSet{RuleID: "big", Scanned: 40, Residual: 1, FullScan: true}
	for i := range 25 {
		set.MessageIDs = append(set.MessageIDs, gmail.MessageID("m"+strconv.Itoa(i)))
	}
	var buf bytes.Buffer
	require.NoError(t, PrintMatch(&buf, set))
	out := buf.String()
	assert.Contains(t, out, "rule big matched 25 of 40 scanned")
	assert.Contains(t, out, "server filter: (none)")
	assert.Contains(t, out, "full mailbox scan")
	assert.Contains(t, out, "m19\n")
	assert.NotContains(t, out, "m20\n")
	assert.Contains(t, out, "... 5 more")
}

func TestPrintHistory(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintHistory(&buf, nil))
	assert.Equal(t, "no runs recorded\n", buf.String())

	buf.Reset()
	sum := sampleRun().Summaries[0]
	sum.FinishedAt = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, PrintHistory(&buf, []runner.RunSummary{sum}))
	assert.Contains(t, buf.String(), "2025-01-02 03:04:05  news")
	assert.Contains(t, buf.String(), "applied     4")
}

func TestWriteJSON(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, WriteJSON(sampleRun(), "out.json"))

	data, err := os.ReadFile("out.json")
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	sums := decoded["summaries"].([]any)
	require.Len(t, sums, 2)
	first := sums[1].(map[string]any)
	errs := first["errors"].([]any)
	assert.Equal(t, "chunk", errs[0].(map[string]any)["kind"])

	assert.Error(t, WriteJSON(sampleRun(), filepath.Join(t.TempDir(), "abs.json")))
	assert.Error(t, WriteJSON(sampleRun(), "../escape.json"))
	assert.Error(t, WriteJSON(sampleRun(), " "))
}

func TestShouldFail(t *testing.T) {
	rep := sampleRun()
	assert.True(t, ShouldFail(rep, ParseFailOn("errors")))
	assert.True(t, ShouldFail(rep, ParseFailOn("Truncated")))
	assert.True(t, ShouldFail(rep, ParseFailOn("rejected")))
	assert.False(t, ShouldFail(rep, ParseFailOn("")))
	assert.False(t, ShouldFail(Run{}, ParseFailOn("errors,truncated,rejected")))
	assert.Equal(t, []string{"errors", "truncated"}, ParseFailOn(" errors, ,truncated,ERRORS"))
}
