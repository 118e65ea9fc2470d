// Package escalation manages score records that wait for a human operator.
//
// A record escalates when its judged criteria could not be scored
// automatically. It stays "pending" until every human_judge entry has a
// score, then is finalized once and for all.
package escalation

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"ibbench/evaluation/rubric"
	"ibbench/evaluation/scoring"
	"ibbench/internal/logging"
	"ibbench/internal/scorestore"
)

// Status is the outcome of validating a record.
type Status string

const (
	// StatusPending means at least one human entry still has no score.
	StatusPending Status = "pending"
	// StatusComplete means the record is final.
	StatusComplete Status = "complete"
)

// ErrNotHumanEntry is returned when filling a criterion that is not a human_judge entry.
var ErrNotHumanEntry = errors.New("criterion is not awaiting a human score")

// Finalize validates a record and completes it in place once every human
// entry is scored: points are recomputed, judge becomes "human" and scored_at
// is refreshed. While any score is missing it returns StatusPending and leaves
// rec untouched. Records that are not human-pending are already complete, so
// finalizing twice is a no-op.
func Finalize(rec *scoring.ScoreRecord, now time.Time) (Status, error) {
	if !rec.HumanPending() {
		return StatusComplete, nil
	}
	for _, c := range rec.Criteria {
		if c.Type != rubric.KindHumanJudge {
			continue
		}
		if c.Score == nil {
			return StatusPending, nil
		}
		if *c.Score < 0 || *c.Score > 1 {
			return StatusPending, fmt.Errorf("criterion %s: score %v outside [0,1]", c.ID, *c.Score)
		}
	}

	for i := range rec.Criteria {
		c := &rec.Criteria[i]
		if c.Type != rubric.KindHumanJudge {
			continue
		}
		score := *c.Score
		c.PointsEarned, c.Passed = scoring.JudgedPoints(c.Points, score)
		c.Actual = fmt.Sprintf("%.2f", score)
		c.Details = fmt.Sprintf("Score: %.2f - %s", score, c.Reasoning)
	}
	rec.Recompute()
	rec.Judge = scoring.JudgeHuman
	rec.ScoredAt = now.Format(scoring.TimestampLayout)
	return StatusComplete, nil
}

// Fill records an operator's score for one pending entry.
func Fill(rec *scoring.ScoreRecord, criterionID string, score float64, reasoning string) error {
	if score < 0 || score > 1 {
		return fmt.Errorf("score %v outside [0,1]", score)
	}
	for i := range rec.Criteria {
		c := &rec.Criteria[i]
		if c.ID != criterionID {
			continue
		}
		if c.Type != rubric.KindHumanJudge || !rec.HumanPending() {
			return fmt.Errorf("%s: %w", criterionID, ErrNotHumanEntry)
		}
		c.Score = &score
		c.Reasoning = reasoning
		return nil
	}
	return fmt.Errorf("criterion %s not found in %s", criterionID, rec.TaskID)
}

// PendingEntries returns the human entries of rec that still lack a score.
func PendingEntries(rec *scoring.ScoreRecord) []scoring.CriterionResult {
	var out []scoring.CriterionResult
	if !rec.HumanPending() {
		return out
	}
	for _, c := range rec.Criteria {
		if c.Pending() {
			out = append(out, c)
		}
	}
	return out
}

var templateText = `# Human scoring: {{.TaskID}}

Rubric hash: {{.RubricHash}}
Escalation reason: {{if .EscalationReason}}{{.EscalationReason}}{{else}}unspecified{{end}}
Score file: {{.ScoreFile}}

Fill in "score" (0.0 to 1.0) and "reasoning" for every criterion below in the
score file, or run ` + "`ibscore human fill`" + `. The record is finalized on the
next scoring run once every score is set.
{{range .Criteria}}
## {{.ID}} ({{printf "%g" .Points}} points)

{{if .Description}}{{.Description}}{{else}}No description.{{end}}
{{if .ScoringGuide}}
Scoring guide:

{{.ScoringGuide}}
{{end}}{{if .Concepts}}
Core concepts: {{.Concepts}}
{{end}}{{end}}`

var pendingTemplate = template.Must(template.New("human").Parse(templateText))

type templateCriterion struct {
	ID           string
	Points       float64
	Description  string
	ScoringGuide string
	Concepts     string
}

// Template renders the operator template for a pending record.
func Template(rec *scoring.ScoreRecord, scoreFile string) ([]byte, error) {
	data := struct {
		TaskID           string
		RubricHash       string
		EscalationReason string
		ScoreFile        string
		Criteria         []templateCriterion
	}{
		TaskID:           rec.TaskID,
		RubricHash:       rec.RubricHash,
		EscalationReason: rec.EscalationReason,
		ScoreFile:        scoreFile,
	}
	for _, c := range PendingEntries(rec) {
		data.Criteria = append(data.Criteria, templateCriterion{
			ID:           c.ID,
			Points:       c.Points,
			Description:  c.Description,
			ScoringGuide: c.ScoringGuide,
			Concepts:     concepts(c.Expected),
		})
	}

	var buf bytes.Buffer
	if err := pendingTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render human template: %w", err)
	}
	return buf.Bytes(), nil
}

func concepts(expected any) string {
	var items []string
	switch v := expected.(type) {
	case []string:
		items = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				items = append(items, s)
			}
		}
	}
	return strings.Join(items, ", ")
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for scored_at.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// Manager persists escalations and finalizations for one run.
type Manager struct {
	store  *scorestore.Store
	now    func() time.Time
	logger logging.Logger
}

// NewManager creates a Manager writing to store.
func NewManager(store *scorestore.Store, opts ...Option) *Manager {
	m := &Manager{store: store, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrNop(m.logger)
	return m
}

// Escalate writes a human-pending record and its operator template.
func (m *Manager) Escalate(rec *scoring.ScoreRecord) error {
	if !rec.HumanPending() {
		return fmt.Errorf("record %s is not human-pending", rec.TaskID)
	}
	if err := m.store.Save(rec); err != nil {
		return err
	}
	tmpl, err := Template(rec, m.store.RecordPath(rec.TaskID))
	if err != nil {
		return err
	}
	if err := m.store.SaveTemplate(rec.TaskID, tmpl); err != nil {
		return err
	}
	m.logger.Info("task %s awaiting human scores: %s", rec.TaskID, m.store.TemplatePath(rec.TaskID))
	return nil
}

// Finalize loads a task's record and finalizes it if every human score is
// present. A pending record is left untouched on disk.
func (m *Manager) Finalize(taskID string) (Status, *scoring.ScoreRecord, error) {
	rec, err := m.store.Load(taskID)
	if err != nil {
		return "", nil, err
	}
	if !rec.HumanPending() {
		return StatusComplete, rec, nil
	}

	status, err := Finalize(rec, m.now())
	if err != nil {
		return status, rec, fmt.Errorf("finalize %s: %w", taskID, err)
	}
	if status != StatusComplete {
		m.logger.Info("task %s still awaiting %d human score(s)", taskID, len(PendingEntries(rec)))
		return status, rec, nil
	}
	if err := m.store.Save(rec); err != nil {
		return "", rec, err
	}
	if err := m.store.RemoveTemplate(taskID); err != nil {
		m.logger.Warn("task %s finalized but template not removed: %v", taskID, err)
	}
	m.logger.Info("task %s finalized with human scores (%.1f%%)", taskID, rec.ScorePercent)
	return StatusComplete, rec, nil
}
