package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"ibbench/evaluation/judge"
	"ibbench/evaluation/runscore"
	"ibbench/internal/config"
	"ibbench/internal/diff"
	"ibbench/internal/logging"
	"ibbench/internal/observability"
	"ibbench/internal/tasks"
)

type scoreOptions struct {
	tasks        []string
	rescore      bool
	rescoreStale bool
	human        bool
}

func newScoreCommand(a *app) *cobra.Command {
	var opts scoreOptions
	cmd := &cobra.Command{
		Use:   "score MODEL/RUN",
		Short: "Score every response of a run",
		Long: `Score every response of a run and rewrite the run summary.

Tasks that already have a score are skipped unless --rescore is given. Tasks
awaiting human scores are finalized once every score has been filled in,
regardless of --rescore.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.score(cmd, args[0], opts)
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVar(&opts.tasks, "tasks", nil, "Only score these task ids")
	flags.BoolVar(&opts.rescore, "rescore", false, "Re-score tasks that already have a score")
	flags.BoolVar(&opts.rescoreStale, "rescore-stale", false, "Re-score tasks whose rubric changed since they were scored")
	flags.BoolVar(&opts.human, "human", false, "Send every judged criterion to a human instead of a judge")
	flags.String(config.FlagName(config.KeyJudgeCommand), "", "Command that runs the judge (prompt on stdin)")
	flags.String(config.FlagName(config.KeyJudgeModel), "", "Judge model id recorded on judged scores")
	flags.String(config.FlagName(config.KeyJudgePrompt), "", "Judge prompt template file")
	flags.String(config.FlagName(config.KeyMetricsFile), "", "Write Prometheus metrics to this file after the run")
	flags.Int(config.FlagName(config.KeyTaskCacheSize), 0, "Number of parsed tasks kept in memory")
	return cmd
}

func (a *app) score(cmd *cobra.Command, run string, opts scoreOptions) error {
	responses, scores, err := a.cfg.RunDirs(run)
	if err != nil {
		return err
	}
	loader, err := tasks.NewLoader(a.cfg.TasksDir,
		tasks.WithCacheSize(a.cfg.TaskCacheSize),
		tasks.WithLogger(logging.NewComponentLogger("tasks")))
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	scorerOpts := []runscore.Option{
		runscore.WithLogger(logging.NewComponentLogger("runscore")),
		runscore.WithClock(a.now),
		runscore.WithMetrics(observability.MustNewScoringMetrics(registry)),
		runscore.WithRescore(opts.rescore),
		runscore.WithRescoreStale(opts.rescoreStale),
		runscore.WithTasks(opts.tasks...),
		runscore.WithDiffGenerator(diff.NewGenerator(isTTY(a.out) && !a.noColor)),
	}
	j, err := a.buildJudge(opts.human)
	if err != nil {
		return err
	}
	if j != nil {
		scorerOpts = append(scorerOpts, runscore.WithJudge(j))
	}
	scorer, err := runscore.New(loader, scorerOpts...)
	if err != nil {
		return err
	}

	ctx := observability.ContextWithRunID(cmd.Context(), run)
	report, runErr := scorer.ScoreRun(ctx, responses, scores)
	if report != nil {
		for _, tr := range report.Tasks {
			printTask(a.out, tr, a.verbose)
		}
		printTotals(a.out, report.Totals)
	}
	if a.cfg.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(a.cfg.MetricsFile, registry); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	if runErr != nil {
		return runErr
	}
	if err := report.Err(); err != nil {
		return &ExitCodeError{Code: exitTaskFailures, Err: fmt.Errorf("%d task(s) failed: %w", report.Totals.Errors, err)}
	}
	return nil
}

// buildJudge returns the judge for judged criteria, nil when none is
// configured.
func (a *app) buildJudge(human bool) (judge.Judge, error) {
	if human {
		return judge.Human{}, nil
	}
	command := strings.TrimSpace(a.cfg.JudgeCommand)
	if command == "" {
		return nil, nil
	}
	model := a.cfg.JudgeModel
	if model == "" {
		model = filepath.Base(strings.Fields(command)[0])
	}
	runner, err := judge.NewCommandRunner(command, model)
	if err != nil {
		return nil, err
	}

	judgeOpts := []judge.RunnerOption{judge.WithJudgeLogger(logging.NewComponentLogger("judge"))}
	if a.cfg.JudgePrompt != "" {
		text, err := os.ReadFile(a.cfg.JudgePrompt)
		if err != nil {
			return nil, fmt.Errorf("read judge prompt: %w", err)
		}
		tmpl, err := judge.ParsePromptTemplate(string(text))
		if err != nil {
			return nil, err
		}
		judgeOpts = append(judgeOpts, judge.WithPromptTemplate(tmpl))
	}
	return judge.NewRunnerJudge(runner, judgeOpts...)
}
