// Package runscore scores every response of a run directory and maintains the
// run's score files and summary.
package runscore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ibbench/evaluation/criteria"
	"ibbench/evaluation/escalation"
	"ibbench/evaluation/judge"
	"ibbench/evaluation/scoring"
	"ibbench/internal/diff"
	iberrors "ibbench/internal/errors"
	"ibbench/internal/logging"
	"ibbench/internal/observability"
	"ibbench/internal/scorestore"
)

// TaskSource resolves task ids to scoreable tasks.
type TaskSource interface {
	Task(id string) (scoring.Task, error)
}

// Outcome is what happened to one task in a run.
type Outcome string

const (
	OutcomePassed    Outcome = "passed"
	OutcomeFailed    Outcome = "failed"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeEscalated Outcome = "escalated"
	OutcomeFinalized Outcome = "finalized"
	OutcomePending   Outcome = "pending"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeError     Outcome = "error"
)

// TaskReport describes one task of a run.
type TaskReport struct {
	TaskID  string
	Outcome Outcome
	// Record is the record on disk after the task was processed. Nil for
	// errors.
	Record *scoring.ScoreRecord
	// Stale is set when a skipped record was scored against another rubric.
	Stale bool
	// Change is the patch from the previous record when one was overwritten.
	Change diff.Result
	Err    error
}

// Totals are the running counters of a live run. Skipped includes both
// already scored tasks and tasks still awaiting a human.
type Totals struct {
	Total        int
	Passed       int
	Failed       int
	Blocked      int
	Skipped      int
	Escalated    int
	Errors       int
	TotalPoints  float64
	PointsEarned float64
}

// Percent is the share of points earned by the tasks counted in Total.
func (t Totals) Percent() float64 {
	if t.TotalPoints == 0 {
		return 0
	}
	return t.PointsEarned / t.TotalPoints * 100
}

// Report is the result of ScoreRun.
type Report struct {
	Totals  Totals
	Tasks   []TaskReport
	Summary Summary
}

// Err joins the per-task failures, nil when every task was processed.
func (r *Report) Err() error {
	var errs []error
	for _, t := range r.Tasks {
		if t.Err != nil {
			errs = append(errs, t.Err)
		}
	}
	return errors.Join(errs...)
}

func (r *Report) add(tr TaskReport) {
	r.Tasks = append(r.Tasks, tr)
	t := &r.Totals
	switch tr.Outcome {
	case OutcomeError:
		t.Errors++
		return
	case OutcomeSkipped, OutcomePending:
		t.Skipped++
		return
	case OutcomeEscalated:
		t.Escalated++
		return
	}
	t.Total++
	t.TotalPoints += tr.Record.TotalPoints
	t.PointsEarned += tr.Record.PointsEarned
	switch {
	case tr.Record.Blocked:
		t.Blocked++
	case tr.Record.Passed:
		t.Passed++
	default:
		t.Failed++
	}
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithJudge sets the judge for llm_judge criteria. Without one those
// criteria are skipped.
func WithJudge(j judge.Judge) Option {
	return func(s *Scorer) { s.judge = j }
}

// WithSpreadsheet sets the checker used by excel criteria.
func WithSpreadsheet(sheet criteria.Spreadsheet) Option {
	return func(s *Scorer) { s.sheet = sheet }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Scorer) { s.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.ScoringMetrics) Option {
	return func(s *Scorer) { s.metrics = m }
}

// WithTracer sets the tracer for per-task spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scorer) { s.tracer = tracer }
}

// WithClock overrides the time source for scored_at.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// WithRescore re-scores tasks that already have a record.
func WithRescore(rescore bool) Option {
	return func(s *Scorer) { s.rescore = rescore }
}

// WithRescoreStale re-scores records whose rubric hash no longer matches.
func WithRescoreStale(rescore bool) Option {
	return func(s *Scorer) { s.rescoreStale = rescore }
}

// WithTasks limits the run to the given task ids. Empty means all.
func WithTasks(ids ...string) Option {
	return func(s *Scorer) {
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				if s.only == nil {
					s.only = map[string]struct{}{}
				}
				s.only[id] = struct{}{}
			}
		}
	}
}

// WithDiffGenerator sets the generator for rescore change patches.
func WithDiffGenerator(g *diff.Generator) Option {
	return func(s *Scorer) { s.differ = g }
}

// Scorer walks the responses of a run in order and keeps its score files
// current.
type Scorer struct {
	tasks        TaskSource
	judge        judge.Judge
	sheet        criteria.Spreadsheet
	logger       logging.Logger
	metrics      *observability.ScoringMetrics
	tracer       trace.Tracer
	now          func() time.Time
	rescore      bool
	rescoreStale bool
	only         map[string]struct{}
	differ       *diff.Generator
	gate         *scoring.Gate
}

// New constructs a Scorer over tasks.
func New(tasks TaskSource, opts ...Option) (*Scorer, error) {
	if tasks == nil {
		return nil, errors.New("task source is required")
	}
	s := &Scorer{tasks: tasks, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger)
	if s.tracer == nil {
		s.tracer = observability.DefaultTracer()
	}
	if s.differ == nil {
		s.differ = diff.NewGenerator(false)
	}

	evalOpts := []criteria.Option{criteria.WithLogger(s.logger)}
	if s.sheet != nil {
		evalOpts = append(evalOpts, criteria.WithSpreadsheet(s.sheet))
	}
	gateOpts := []scoring.GateOption{
		scoring.WithEvaluator(criteria.New(evalOpts...)),
		scoring.WithGateLogger(s.logger),
		scoring.WithGateMetrics(s.metrics),
	}
	if s.judge != nil {
		gateOpts = append(gateOpts, scoring.WithJudge(s.judge))
	}
	s.gate = scoring.NewGate(gateOpts...)
	return s, nil
}

// ScoreRun scores the responses in responsesDir into scoresDir and rewrites
// the run summary. Per-task failures are reported in the Report and never
// stop the run; the returned error covers the run as a whole.
func (s *Scorer) ScoreRun(ctx context.Context, responsesDir, scoresDir string) (*Report, error) {
	files, err := s.responseFiles(responsesDir)
	if err != nil {
		return nil, err
	}
	store, err := scorestore.Open(scoresDir)
	if err != nil {
		return nil, err
	}
	manager := escalation.NewManager(store, escalation.WithClock(s.now), escalation.WithLogger(s.logger))

	report := &Report{}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		taskID := strings.TrimSuffix(filepath.Base(path), ".json")
		report.add(s.scoreTask(ctx, store, manager, taskID, path))
	}

	records, err := store.LoadAll(ctx)
	if err != nil {
		return report, fmt.Errorf("load score records: %w", err)
	}
	report.Summary = BuildSummary(records)
	if err := store.WriteSummary(report.Summary); err != nil {
		return report, err
	}
	s.logger.Info("run scored: %d tasks, %d passed, %d failed, %d blocked, %d skipped, %d escalated, %d errors",
		report.Totals.Total, report.Totals.Passed, report.Totals.Failed, report.Totals.Blocked,
		report.Totals.Skipped, report.Totals.Escalated, report.Totals.Errors)
	return report, nil
}

func (s *Scorer) responseFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read responses dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" || name == RunConfigFile {
			continue
		}
		if s.only != nil {
			if _, ok := s.only[strings.TrimSuffix(name, ".json")]; !ok {
				continue
			}
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

func (s *Scorer) scoreTask(ctx context.Context, store *scorestore.Store, manager *escalation.Manager, taskID, path string) (tr TaskReport) {
	started := time.Now()
	ctx = observability.ContextWithTaskID(ctx, taskID)
	ctx, span := observability.StartTaskSpan(ctx, s.tracer, taskID)
	tr.TaskID = taskID
	hash := ""

	defer func() {
		if v := recover(); v != nil {
			tr = TaskReport{
				TaskID:  taskID,
				Outcome: OutcomeError,
				Err:     iberrors.NewTaskError(taskID, hash, iberrors.StageEvaluate, &iberrors.PanicError{Value: v}),
			}
		}
		if tr.Err != nil {
			s.logger.Error("task %s: %v", taskID, tr.Err)
			span.RecordError(tr.Err)
			span.SetStatus(codes.Error, iberrors.Reason(tr.Err))
		}
		if hash != "" {
			span.SetAttributes(attribute.String(observability.AttrRubricHash, hash))
		}
		span.SetAttributes(attribute.String(observability.AttrOutcome, string(tr.Outcome)))
		span.End()

		scored := tr.Record != nil && !tr.Record.HumanPending() &&
			(tr.Outcome == OutcomePassed || tr.Outcome == OutcomeFailed || tr.Outcome == OutcomeFinalized)
		pct := 0.0
		if tr.Record != nil {
			pct = tr.Record.ScorePercent
		}
		s.metrics.ObserveTask(string(tr.Outcome), pct, scored, time.Since(started))
	}()

	exists, err := store.Exists(taskID)
	if err != nil {
		return failed(taskID, "", iberrors.StageLoad, err)
	}

	var previous *scoring.ScoreRecord
	if exists {
		previous, err = store.Load(taskID)
		if err != nil {
			return failed(taskID, "", iberrors.StageLoad, err)
		}
		hash = previous.RubricHash
		if previous.HumanPending() {
			return s.finalize(manager, taskID)
		}
		if !s.rescore {
			stale := s.stale(previous)
			if !stale || !s.rescoreStale {
				if stale {
					s.logger.Warn("task %s: score was computed against rubric %s; pass --rescore-stale to refresh", taskID, previous.RubricHash)
				} else {
					s.logger.Info("task %s: already scored, skipping", taskID)
				}
				return TaskReport{TaskID: taskID, Outcome: OutcomeSkipped, Record: previous, Stale: stale}
			}
			s.logger.Info("task %s: rubric changed, rescoring", taskID)
		}
	}

	task, err := s.tasks.Task(taskID)
	if err != nil {
		return failed(taskID, hash, iberrors.StageLoad, err)
	}
	if task.Rubric == nil {
		return failed(taskID, hash, iberrors.StageLoad, fmt.Errorf("task %s has no rubric", taskID))
	}
	hash = task.Rubric.Hash()
	resp, err := scoring.LoadResponse(path)
	if err != nil {
		return failed(taskID, hash, iberrors.StageLoad, err)
	}

	var rec *scoring.ScoreRecord
	if resp.Blocked() {
		s.logger.Info("task %s: %v", taskID, iberrors.ErrContentFilterBlocked)
		s.metrics.Issue(iberrors.Reason(iberrors.ErrContentFilterBlocked))
		rec = scoring.BlockedRecord(taskID, hash, task.Rubric.TotalPoints, s.now())
	} else {
		score, err := s.gate.Score(ctx, task, resp)
		if err != nil {
			return failed(taskID, hash, iberrors.StageJudge, err)
		}
		rec = scoring.NewRecord(score, hash, s.now())
	}

	tr = TaskReport{TaskID: taskID, Record: rec, Change: s.change(previous, rec)}
	if !tr.Change.Empty() {
		s.logger.Debug("task %s: record changed\n%s", taskID, tr.Change.Unified)
	}

	if rec.HumanPending() {
		if err := manager.Escalate(rec); err != nil {
			return failed(taskID, hash, iberrors.StagePersist, err)
		}
		tr.Outcome = OutcomeEscalated
		return tr
	}
	if err := store.Save(rec); err != nil {
		return failed(taskID, hash, iberrors.StagePersist, err)
	}
	tr.Outcome = recordOutcome(rec)
	s.logger.Info("task %s: %s %.1f/%.1f (%.1f%%)", taskID, strings.ToUpper(string(tr.Outcome)),
		rec.PointsEarned, rec.TotalPoints, rec.ScorePercent)
	return tr
}

func (s *Scorer) finalize(manager *escalation.Manager, taskID string) TaskReport {
	status, rec, err := manager.Finalize(taskID)
	hash := ""
	if rec != nil {
		hash = rec.RubricHash
	}
	if err != nil {
		return failed(taskID, hash, iberrors.StageFinalize, err)
	}
	if status == escalation.StatusPending {
		return TaskReport{TaskID: taskID, Outcome: OutcomePending, Record: rec}
	}
	return TaskReport{TaskID: taskID, Outcome: OutcomeFinalized, Record: rec}
}

// stale reports whether rec was scored against a rubric other than the
// task's current one. Unknown tasks are never stale.
func (s *Scorer) stale(rec *scoring.ScoreRecord) bool {
	task, err := s.tasks.Task(rec.TaskID)
	if err != nil || task.Rubric == nil {
		s.logger.Debug("task %s: cannot check rubric hash: %v", rec.TaskID, err)
		return false
	}
	return rec.RubricHash != task.Rubric.Hash()
}

// change diffs two records with their timestamps blanked so only content
// changes show.
func (s *Scorer) change(previous, current *scoring.ScoreRecord) diff.Result {
	if previous == nil {
		return diff.Result{}
	}
	oldRec, newRec := *previous, *current
	oldRec.ScoredAt, newRec.ScoredAt = "", ""
	oldData, err := scoring.EncodeRecord(&oldRec)
	if err != nil {
		return diff.Result{}
	}
	newData, err := scoring.EncodeRecord(&newRec)
	if err != nil {
		return diff.Result{}
	}
	return s.differ.Generate(string(oldData), string(newData), current.TaskID+".json")
}

func recordOutcome(rec *scoring.ScoreRecord) Outcome {
	switch {
	case rec.Blocked:
		return OutcomeBlocked
	case rec.Passed:
		return OutcomePassed
	default:
		return OutcomeFailed
	}
}

func failed(taskID, hash string, stage iberrors.Stage, err error) TaskReport {
	return TaskReport{
		TaskID:  taskID,
		Outcome: OutcomeError,
		Err:     iberrors.NewTaskError(taskID, hash, stage, err),
	}
}
