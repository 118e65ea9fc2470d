package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"ibbench/evaluation/escalation"
	"ibbench/evaluation/runscore"
	"ibbench/evaluation/scoring"
	"ibbench/internal/logging"
	"ibbench/internal/scorestore"
)

// prompter asks the operator for one human score.
type prompter interface {
	Score(entry scoring.CriterionResult) (score float64, reasoning string, err error)
}

// terminalPrompter prompts on the terminal with promptui.
type terminalPrompter struct {
	app *app
}

func (p *terminalPrompter) Score(entry scoring.CriterionResult) (float64, string, error) {
	stdin, stdout := io.NopCloser(p.app.in), nopWriteCloser{p.app.out}

	scorePrompt := promptui.Prompt{
		Label:    fmt.Sprintf("%s score (0-1)", entry.ID),
		Validate: func(input string) error { _, err := parseScore(input); return err },
		Stdin:    stdin,
		Stdout:   stdout,
	}
	raw, err := scorePrompt.Run()
	if err != nil {
		return 0, "", err
	}
	score, err := parseScore(raw)
	if err != nil {
		return 0, "", err
	}

	reasonPrompt := promptui.Prompt{
		Label:  fmt.Sprintf("%s reasoning", entry.ID),
		Stdin:  stdin,
		Stdout: stdout,
	}
	reasoning, err := reasonPrompt.Run()
	if err != nil {
		return 0, "", err
	}
	return score, strings.TrimSpace(reasoning), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func parseScore(input string) (float64, error) {
	score, err := strconv.ParseFloat(strings.TrimSpace(input), 64)
	if err != nil {
		return 0, errors.New("score must be a number")
	}
	if score < 0 || score > 1 {
		return 0, errors.New("score must be between 0 and 1")
	}
	return score, nil
}

func newHumanCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "human",
		Short: "Work with tasks awaiting human scores",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list MODEL/RUN",
		Short: "List tasks awaiting human scores",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.humanList(cmd, args[0])
		},
	})

	var scores, reasons map[string]string
	fill := &cobra.Command{
		Use:   "fill MODEL/RUN TASK_ID",
		Short: "Enter human scores for a task and finalize it",
		Long: `Enter the missing human scores of a task and finalize its record.

Scores given with --score are used as is; the rest are prompted for on the
terminal. Scores range from 0 to 1.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.humanFill(cmd.Context(), args[0], args[1], scores, reasons)
		},
	}
	fill.Flags().StringToStringVar(&scores, "score", nil, "Criterion score as ID=VALUE")
	fill.Flags().StringToStringVar(&reasons, "reason", nil, "Criterion reasoning as ID=TEXT")
	cmd.AddCommand(fill)
	return cmd
}

func (a *app) humanList(cmd *cobra.Command, run string) error {
	_, scoresDir, err := a.cfg.RunDirs(run)
	if err != nil {
		return err
	}
	pending, err := runscore.PendingTasks(cmd.Context(), scoresDir)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintln(a.out, "No tasks awaiting human scores.")
		return nil
	}
	store, err := scorestore.Open(scoresDir)
	if err != nil {
		return err
	}
	for _, rec := range pending {
		ids := make([]string, 0, len(rec.Criteria))
		for _, entry := range escalation.PendingEntries(rec) {
			ids = append(ids, entry.ID)
		}
		fmt.Fprintf(a.out, "%-24s %s  %s\n", rec.TaskID, yellow(rec.EscalationReason), strings.Join(ids, ", "))
		fmt.Fprintf(a.out, "   %s\n", gray(store.TemplatePath(rec.TaskID)))
	}
	return nil
}

func (a *app) humanFill(ctx context.Context, run, taskID string, scores, reasons map[string]string) error {
	_, scoresDir, err := a.cfg.RunDirs(run)
	if err != nil {
		return err
	}
	store, err := scorestore.Open(scoresDir)
	if err != nil {
		return err
	}
	rec, err := store.Load(taskID)
	if err != nil {
		return err
	}
	if !rec.HumanPending() {
		return fmt.Errorf("task %s is not awaiting human scores", taskID)
	}

	entries := escalation.PendingEntries(rec)
	pendingIDs := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		pendingIDs[entry.ID] = struct{}{}
	}
	for _, flagged := range []map[string]string{scores, reasons} {
		for id := range flagged {
			if _, ok := pendingIDs[id]; !ok {
				return fmt.Errorf("task %s has no pending criterion %q", taskID, id)
			}
		}
	}

	for _, entry := range entries {
		var (
			score     float64
			reasoning string
		)
		if raw, ok := scores[entry.ID]; ok {
			if score, err = parseScore(raw); err != nil {
				return fmt.Errorf("%s: %w", entry.ID, err)
			}
			reasoning = reasons[entry.ID]
		} else {
			fmt.Fprintf(a.out, "%s (%.1f points)\n", bold(entry.ID), entry.Points)
			if entry.Description != "" {
				fmt.Fprintf(a.out, "   %s\n", entry.Description)
			}
			if entry.ScoringGuide != "" {
				fmt.Fprintf(a.out, "   %s\n", gray(entry.ScoringGuide))
			}
			if score, reasoning, err = a.prompter.Score(entry); err != nil {
				return err
			}
		}
		if err := escalation.Fill(rec, entry.ID, score, reasoning); err != nil {
			return err
		}
	}
	if err := store.Save(rec); err != nil {
		return err
	}

	manager := escalation.NewManager(store,
		escalation.WithClock(a.now),
		escalation.WithLogger(logging.NewComponentLogger("escalation")))
	status, final, err := manager.Finalize(taskID)
	if err != nil {
		return err
	}
	if status != escalation.StatusComplete {
		fmt.Fprintf(a.out, "%s %s still awaiting human scores\n", yellow("PENDING"), taskID)
		return nil
	}
	label := red("FAIL")
	if final.Passed {
		label = green("PASS")
	}
	fmt.Fprintf(a.out, "%s %s %.1f/%.1f (%.1f%%)\n", label, taskID, final.PointsEarned, final.TotalPoints, final.ScorePercent)
	if _, err := runscore.Regenerate(ctx, scoresDir, false); err != nil {
		return fmt.Errorf("refresh summary: %w", err)
	}
	return nil
}
