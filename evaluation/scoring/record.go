package scoring

import (
	"encoding/json"
	"fmt"
	"time"
)

// Values of the judge field on a ScoreRecord besides a judge model id.
const (
	JudgeHumanPending = "human-pending"
	JudgeHuman        = "human"
)

// TimestampLayout formats scored_at.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// ScoreRecord is the persisted form of a TaskScore.
type ScoreRecord struct {
	TaskID           string            `json:"task_id"`
	RubricHash       string            `json:"rubric_hash"`
	ScoredAt         string            `json:"scored_at"`
	Judge            string            `json:"judge,omitempty"`
	Passed           bool              `json:"passed"`
	Blocked          bool              `json:"blocked"`
	TotalPoints      float64           `json:"total_points"`
	PointsEarned     float64           `json:"points_earned"`
	ScorePercent     float64           `json:"score_percent"`
	LLMGated         bool              `json:"llm_gated"`
	EscalationReason string            `json:"escalation_reason,omitempty"`
	Criteria         []CriterionResult `json:"criteria"`
}

// HumanPending reports whether the record awaits operator scores.
func (r *ScoreRecord) HumanPending() bool { return r.Judge == JudgeHumanPending }

// NewRecord stamps a TaskScore with its rubric hash and scoring time.
func NewRecord(score TaskScore, rubricHash string, at time.Time) *ScoreRecord {
	criteria := score.Criteria
	if criteria == nil {
		criteria = []CriterionResult{}
	}
	return &ScoreRecord{
		TaskID:           score.TaskID,
		RubricHash:       rubricHash,
		ScoredAt:         at.Format(TimestampLayout),
		Judge:            score.Judge,
		Passed:           score.Passed,
		TotalPoints:      score.TotalPoints,
		PointsEarned:     score.PointsEarned,
		ScorePercent:     score.ScorePercent,
		LLMGated:         score.LLMGated,
		EscalationReason: score.EscalationReason,
		Criteria:         criteria,
	}
}

// BlockedRecord is the terminal record of a content-filtered response. It
// consumes the rubric's total points and never evaluates a criterion.
func BlockedRecord(taskID, rubricHash string, totalPoints float64, at time.Time) *ScoreRecord {
	return &ScoreRecord{
		TaskID:      taskID,
		RubricHash:  rubricHash,
		ScoredAt:    at.Format(TimestampLayout),
		Blocked:     true,
		TotalPoints: totalPoints,
		Criteria:    []CriterionResult{},
	}
}

// Recompute refreshes the task-level totals from the criteria.
func (r *ScoreRecord) Recompute() {
	r.PointsEarned, r.ScorePercent, r.Passed = Aggregate(r.Criteria, r.TotalPoints)
	if r.Blocked {
		r.Passed = false
	}
}

// DecodeRecord decodes a persisted record.
func DecodeRecord(data []byte) (*ScoreRecord, error) {
	var rec ScoreRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode score record: %w", err)
	}
	if rec.TaskID == "" {
		return nil, fmt.Errorf("decode score record: missing task_id")
	}
	if rec.Criteria == nil {
		rec.Criteria = []CriterionResult{}
	}
	return &rec, nil
}

// EncodeRecord renders a record the way it is stored: two-space indented,
// HTML characters left alone, trailing newline.
func EncodeRecord(rec *ScoreRecord) ([]byte, error) {
	return EncodeJSON(rec)
}
