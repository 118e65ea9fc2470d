package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"ibbench/evaluation/runscore"
	"ibbench/evaluation/scoring"
	"ibbench/internal/scorestore"
)

func newRegenerateCommand(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "regenerate SCORES_DIR",
		Short: "Rebuild summary.json from the score files of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := runscore.Regenerate(cmd.Context(), args[0], dryRun)
			if err != nil {
				return err
			}
			if dryRun {
				data, err := scoring.EncodeJSON(summary)
				if err != nil {
					return err
				}
				_, err = a.out.Write(data)
				return err
			}
			fmt.Fprintf(a.out, "Wrote %s\n", filepath.Join(args[0], scorestore.SummaryFile))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the summary instead of writing summary.json")
	return cmd
}

func newMarkBlockedCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mark-blocked MODEL/RUN TASK_ID",
		Short: "Record that the provider's content filter refused a task",
		Long: `Write a content-filter response for a task the provider refused to answer.
The next score pass records the task as blocked.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			responses, _, err := a.cfg.RunDirs(args[0])
			if err != nil {
				return err
			}
			path, err := runscore.MarkBlocked(responses, args[1], a.now())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Wrote %s\n", path)
			return nil
		},
	}
}
