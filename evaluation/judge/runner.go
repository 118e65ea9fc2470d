package judge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"ibbench/internal/logging"
)

// Runner is the natural-language judge collaborator: it answers a prompt,
// with the given files attached, as raw text.
type Runner interface {
	Judge(ctx context.Context, prompt string, files []string) (string, error)
	Model() string
}

// DefaultPromptTemplate is used when no template is configured.
const DefaultPromptTemplate = `You are grading a model's answer to an investment banking task.

## Task
{{.TaskPrompt}}

## Source files
{{join .Files ", "}}

## Model response
{{.Response}}

## Criteria
{{range .Criteria}}- **{{.ID}}** ({{points .Points}} points): {{.Description}}
{{end}}
Score every criterion from 0.0 to 1.0. Respond with only a JSON object:
{"scores": {"{{.Example}}": {"score": 0.0, "reasoning": "..."}}}
Criterion ids: {{join .CriterionIDs ", "}}
`

// PromptData is the data passed to the judge prompt template.
type PromptData struct {
	TaskID       string
	TaskPrompt   string
	Files        []string
	Response     string
	Criteria     []PromptCriterion
	CriterionIDs []string
	Example      string
}

// PromptCriterion is one judged criterion as shown to the judge.
type PromptCriterion struct {
	ID           string
	Points       float64
	Description  string
	CoreConcepts []string
	ScoringGuide string
}

var promptFuncs = template.FuncMap{
	"join":   strings.Join,
	"points": func(p float64) string { return fmt.Sprintf("%g", p) },
}

// ParsePromptTemplate compiles a judge prompt template.
func ParsePromptTemplate(text string) (*template.Template, error) {
	tmpl, err := template.New("judge").Funcs(promptFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse judge prompt template: %w", err)
	}
	return tmpl, nil
}

// RunnerOption configures a RunnerJudge.
type RunnerOption func(*RunnerJudge)

// WithPromptTemplate replaces the default prompt template.
func WithPromptTemplate(tmpl *template.Template) RunnerOption {
	return func(j *RunnerJudge) { j.tmpl = tmpl }
}

// WithJudgeLogger sets the logger.
func WithJudgeLogger(logger logging.Logger) RunnerOption {
	return func(j *RunnerJudge) { j.logger = logger }
}

// RunnerJudge renders a prompt, hands it to a Runner and parses the answer.
type RunnerJudge struct {
	runner Runner
	tmpl   *template.Template
	logger logging.Logger
}

// NewRunnerJudge creates a Judge backed by runner.
func NewRunnerJudge(runner Runner, opts ...RunnerOption) (*RunnerJudge, error) {
	if runner == nil {
		return nil, errors.New("judge runner is required")
	}
	j := &RunnerJudge{runner: runner}
	for _, opt := range opts {
		opt(j)
	}
	if j.tmpl == nil {
		tmpl, err := ParsePromptTemplate(DefaultPromptTemplate)
		if err != nil {
			return nil, err
		}
		j.tmpl = tmpl
	}
	j.logger = logging.OrNop(j.logger)
	return j, nil
}

func (j *RunnerJudge) Name() string { return j.runner.Model() }

// Score judges req. Missing source documents, runner failures and
// unparseable output are all returned as errors so the caller escalates.
func (j *RunnerJudge) Score(ctx context.Context, req Request) (Scores, error) {
	docs := SourceDocuments(req.SourceFiles)
	if len(docs) == 0 {
		return nil, ErrNoSourceDocument
	}

	prompt, err := j.Prompt(req, docs)
	if err != nil {
		return nil, err
	}

	raw, err := j.runner.Judge(ctx, prompt, docs)
	if err != nil {
		return nil, fmt.Errorf("judge %s: %w", j.runner.Model(), err)
	}

	scores, err := ParseScores(raw, req.CriterionIDs())
	if err != nil {
		j.logger.Warn("judge %s output for %s not parseable: %v", j.runner.Model(), req.TaskID, err)
		return nil, err
	}
	for id, s := range scores {
		if s.Reasoning == proseReasoning {
			j.logger.Info("judge %s score for %s/%s recovered from prose", j.runner.Model(), req.TaskID, id)
		}
	}
	return scores, nil
}

// Prompt renders the judge prompt for req with the given documents attached.
func (j *RunnerJudge) Prompt(req Request, docs []string) (string, error) {
	data := PromptData{
		TaskID:       req.TaskID,
		TaskPrompt:   req.TaskPrompt,
		Response:     req.ResponseText,
		CriterionIDs: req.CriterionIDs(),
	}
	for _, doc := range docs {
		data.Files = append(data.Files, filepath.Base(doc))
	}
	for _, c := range req.Criteria {
		data.Criteria = append(data.Criteria, PromptCriterion{
			ID:           c.ID,
			Points:       c.Points,
			Description:  c.Description,
			CoreConcepts: c.CoreConcepts,
			ScoringGuide: c.ScoringGuide,
		})
	}
	if len(data.CriterionIDs) > 0 {
		data.Example = data.CriterionIDs[0]
	}

	var buf bytes.Buffer
	if err := j.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render judge prompt: %w", err)
	}
	return buf.String(), nil
}

// CommandRunner runs an operator-configured command as the judge. The prompt
// is written to stdin, the attached files are appended as arguments and
// stdout is the judge's answer.
type CommandRunner struct {
	Command []string
	ModelID string
	Env     []string
}

// NewCommandRunner splits command on whitespace.
func NewCommandRunner(command, model string) (*CommandRunner, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("judge command is empty")
	}
	return &CommandRunner{Command: fields, ModelID: model}, nil
}

func (r *CommandRunner) Model() string { return r.ModelID }

func (r *CommandRunner) Judge(ctx context.Context, prompt string, files []string) (string, error) {
	args := append(append([]string{}, r.Command[1:]...), files...)
	cmd := exec.CommandContext(ctx, r.Command[0], args...)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Env = append(append(os.Environ(), r.Env...), "IBSCORE_JUDGE_MODEL="+r.ModelID)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("run %s: %w", r.Command[0], ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("run %s: %w: %s", r.Command[0], err, msg)
		}
		return "", fmt.Errorf("run %s: %w", r.Command[0], err)
	}
	return stdout.String(), nil
}
