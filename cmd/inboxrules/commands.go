package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/inboxrules/internal/gmailctl"
	"github.com/joshsymonds/inboxrules/internal/report"
	"github.com/joshsymonds/inboxrules/internal/rules"
	"github.com/joshsymonds/inboxrules/internal/runner"
	"github.com/joshsymonds/inboxrules/internal/runtime"
)

func newApplyCmd(a *app) *cobra.Command {
	var (
		rulesPath string
		dryRun    bool
		jsonOut   string
		failOn    string
		noHistory bool
	)
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Run every enabled rule against the mailbox",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rs, err := rules.LoadFile(rulesPath)
			if err != nil {
				return err
			}
			stop, err := a.serveMetrics(ctx)
			if err != nil {
				return err
			}
			defer stop()

			scope := runtime.ScopeModify
			if dryRun {
				scope = runtime.ScopeReadonly
			}
			client, err := newClient(ctx, a.cfg, scope)
			if err != nil {
				return fmt.Errorf("create gmail client: %w", err)
			}
			r := a.newRunner(client)
			r.Progress = func(s runner.RunSummary) {
				a.logger.Info("rule finished", "rule", s.RuleID, "count", s.MatchedCount, "errors", len(s.Errors))
			}
			if a.cfg.History.Enabled && !noHistory {
				store, err := a.openHistory()
				if err != nil {
					return err
				}
				defer store.Close()
				r.Recorder = store
			}

			sums, load, runErr := r.ApplyRules(ctx, rs, dryRun)
			rep := report.Run{Load: load, Summaries: sums}
			if runErr != nil {
				rep.Error = runErr.Error()
			}
			if err := report.PrintHuman(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			if jsonOut != "" {
				if err := report.WriteJSON(rep, jsonOut); err != nil {
					return err
				}
			}
			if runErr != nil {
				return runErr
			}
			if report.ShouldFail(rep, report.ParseFailOn(failOn)) {
				return errFailOn
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rulesPath, "rules", "rules.yaml", "YAML rules file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "match and count without changing any message")
	cmd.Flags().StringVar(&jsonOut, "json", "", "also write the run report as JSON to this relative path")
	cmd.Flags().StringVar(&failOn, "fail-on", "", "comma separated: errors,rejected,truncated")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "do not record this run")
	return cmd
}

func newPreviewCmd(a *app) *cobra.Command {
	var rulesPath, ruleID string
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Show which messages one rule would select",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rs, err := rules.LoadFile(rulesPath)
			if err != nil {
				return err
			}
			var rule *rules.Rule
			for i := range rs {
				if rs[i].ID == ruleID {
					rule = &rs[i]
					break
				}
			}
			if rule == nil {
				return fmt.Errorf("rule %q not found in %s", ruleID, rulesPath)
			}
			client, err := newClient(ctx, a.cfg, runtime.ScopeReadonly)
			if err != nil {
				return fmt.Errorf("create gmail client: %w", err)
			}
			set, err := a.newRunner(client).MatchRule(ctx, *rule)
			if printErr := report.PrintMatch(cmd.OutOrStdout(), set); printErr != nil {
				return printErr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&rulesPath, "rules", "rules.yaml", "YAML rules file")
	cmd.Flags().StringVar(&ruleID, "rule", "", "rule id to preview")
	_ = cmd.MarkFlagRequired("rule")
	return cmd
}

func newValidateCmd(a *app) *cobra.Command {
	var rulesPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a rules file without contacting Gmail",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rs, err := rules.LoadFile(rulesPath)
			if err != nil {
				return err
			}
			_, load := rules.Load(rs)
			if err := report.PrintLoad(cmd.OutOrStdout(), load); err != nil {
				return err
			}
			if err := load.Err(); err != nil {
				a.logger.Debug("validation failed", "err", err)
				return fmt.Errorf("%d rules rejected", len(load.Rejected))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rulesPath, "rules", "rules.yaml", "YAML rules file")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var (
		ruleID string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent rule runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openHistory()
			if err != nil {
				return err
			}
			defer store.Close()
			sums, err := store.Recent(cmd.Context(), ruleID, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return report.EncodeJSON(cmd.OutOrStdout(), sums)
			}
			return report.PrintHistory(cmd.OutOrStdout(), sums)
		},
	}
	cmd.Flags().StringVar(&ruleID, "rule", "", "only this rule")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of text")
	return cmd
}

func newImportCmd(a *app) *cobra.Command {
	var (
		gc       gmailctl.Runner
		fromFile string
		out      string
	)
	cmd := &cobra.Command{
		Use:   "import-gmailctl",
		Short: "Convert compiled gmailctl filters into a rules file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				export gmailctl.Export
				err    error
			)
			if fromFile != "" {
				export, err = gmailctl.ReadFile(fromFile)
			} else {
				export, err = gc.ExportFilters(cmd.Context())
			}
			if err != nil {
				return err
			}
			conv := gmailctl.ToRules(export)
			for _, s := range conv.Skipped {
				a.logger.Warn("filter skipped", "filter", s.Filter, "reason", s.Reason)
			}
			for _, n := range conv.Notes {
				a.logger.Warn("filter feature dropped", "detail", n)
			}
			if len(conv.Rules) == 0 {
				return fmt.Errorf("no filters could be converted")
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("create %s: %w", out, err)
			}
			defer f.Close()
			if err := rules.Encode(f, conv.Rules); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rules to %s (%d filters skipped)\n", len(conv.Rules), out, len(conv.Skipped))
			return f.Close()
		},
	}
	cmd.Flags().StringVar(&gc.Binary, "gmailctl-bin", "gmailctl", "gmailctl binary")
	cmd.Flags().StringVar(&gc.ConfigDir, "gmailctl-config", "", "gmailctl config directory")
	cmd.Flags().StringVar(&fromFile, "from-file", "", "read a saved `gmailctl compile --format=json` export instead of running gmailctl")
	cmd.Flags().StringVar(&out, "out", "rules.yaml", "rules file to write")
	return cmd
}
