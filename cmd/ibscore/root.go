package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"ibbench/internal/config"
	"ibbench/internal/logging"
	"ibbench/internal/observability"
)

// app carries state shared by every subcommand.
type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	configPath string
	envFile    string
	verbose    bool
	noColor    bool

	cfg      config.Config
	meta     config.Metadata
	prompter prompter
	now      func() time.Time
}

// isTTY reports whether w is an interactive terminal.
func isTTY(w any) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// NewRootCommand creates the root cobra command.
func NewRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{in: in, out: out, errOut: errOut, now: time.Now}
	a.prompter = &terminalPrompter{app: a}

	rootCmd := &cobra.Command{
		Use:   "ibscore",
		Short: "Score benchmark responses against task rubrics",
		Long: fmt.Sprintf(`%s

Scores a model's responses to benchmark tasks against each task's rubric:
programmatic checks first, then an optional judge for the judged criteria,
with a human fallback when the judge cannot score.

%s
  ibscore score claude-opus/run-1                 # Score a run without a judge
  ibscore score claude-opus/run-1 --rescore       # Re-score everything
  ibscore score gpt-5/run-2 --judge-command ./judge.sh --judge-model judge-1
  ibscore human list gpt-5/run-2                  # Tasks awaiting human scores
  ibscore regenerate eval/scores/gpt-5/run-2 --dry-run`,
			bold("ibscore"), bold("EXAMPLES:")),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initialize(cmd)
		},
	}
	rootCmd.SetIn(in)
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Config file (default ./ibscore.yaml when present)")
	flags.StringVar(&a.envFile, "env-file", "", "Environment file to load (default ./.env when present)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Print every criterion and debug logs")
	flags.BoolVar(&a.noColor, "no-color", false, "Disable colored output")
	flags.String(config.FlagName(config.KeyResultsDir), "", "Directory holding responses/ and scores/")
	flags.String(config.FlagName(config.KeyTasksDir), "", "Directory holding task definitions")
	flags.String(config.FlagName(config.KeyLogLevel), "", "Log level (debug, info, warn, error)")
	flags.String(config.FlagName(config.KeyLogFormat), "", "Log format (text, json)")

	rootCmd.AddCommand(newScoreCommand(a))
	rootCmd.AddCommand(newRegenerateCommand(a))
	rootCmd.AddCommand(newMarkBlockedCommand(a))
	rootCmd.AddCommand(newHumanCommand(a))
	return rootCmd
}

// initialize resolves configuration and logging for the running command.
func (a *app) initialize(cmd *cobra.Command) error {
	opts := []config.Option{config.WithFlags(cmd.Flags())}
	if a.configPath != "" {
		opts = append(opts, config.WithConfigPath(a.configPath))
	}
	if cmd.Flags().Changed("env-file") {
		opts = append(opts, config.WithEnvFile(a.envFile))
	}
	cfg, meta, err := config.Load(opts...)
	if err != nil {
		return err
	}
	a.cfg, a.meta = cfg, meta

	level := cfg.LogLevel
	if a.verbose {
		level = "debug"
	}
	logging.Configure(observability.LogConfig{Level: level, Format: cfg.LogFormat, Output: a.errOut})

	color.NoColor = a.noColor || !isTTY(a.out)
	if file := meta.File(); file != "" {
		logging.NewComponentLogger("cli").Debug("loaded config from %s", file)
	}
	return nil
}
