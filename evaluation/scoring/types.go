// Package scoring turns one model response into a TaskScore.
//
// The Gate runs every programmatic criterion, decides whether the judged
// tier is gated, skipped, escalated to a human or sent to a judge, and then
// aggregates earned points into a pass/fail verdict.
package scoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"ibbench/evaluation/rubric"
)

const (
	// PassPercent is the task-level pass threshold on score_percent.
	PassPercent = 60.0
	// CriterionPassScore is the judged score at which a criterion counts as passed.
	CriterionPassScore = 0.6
)

// Stop reasons recorded on responses.
const StopReasonContentFilter = "content_filter"

// Task is one benchmark task ready to be scored.
type Task struct {
	ID         string
	Prompt     string
	Rubric     *rubric.Rubric
	InputFiles []string
}

// Response is a model's answer to a task as recorded by the runner.
type Response struct {
	TaskID string `json:"task_id"`
	Model  string `json:"model,omitempty"`
	// Parsed is the parsed_response object. Nil when the runner could not
	// parse one or it was empty.
	Parsed      map[string]any `json:"-"`
	RawResponse string         `json:"raw_response"`
	OutputFiles []string       `json:"output_files"`
	StopReason  string         `json:"stop_reason"`
}

// Blocked reports whether the provider refused the task.
func (r Response) Blocked() bool { return r.StopReason == StopReasonContentFilter }

// LoadResponse reads a response record. Output file names are resolved
// against the record's directory.
func LoadResponse(path string) (Response, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	resp, err := DecodeResponse(data)
	if err != nil {
		return Response{}, fmt.Errorf("response %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for i, f := range resp.OutputFiles {
		if !filepath.IsAbs(f) {
			resp.OutputFiles[i] = filepath.Join(dir, f)
		}
	}
	return resp, nil
}

// DecodeResponse decodes a response record. Numbers inside parsed_response
// keep their literal form.
func DecodeResponse(data []byte) (Response, error) {
	var wire struct {
		Response
		ParsedResponse json.RawMessage `json:"parsed_response"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	resp := wire.Response

	raw := bytes.TrimSpace(wire.ParsedResponse)
	if len(raw) > 0 && raw[0] == '{' {
		var parsed map[string]any
		pd := json.NewDecoder(bytes.NewReader(raw))
		pd.UseNumber()
		if err := pd.Decode(&parsed); err != nil {
			return Response{}, fmt.Errorf("decode parsed_response: %w", err)
		}
		if len(parsed) > 0 {
			resp.Parsed = parsed
		}
	}
	return resp, nil
}

// CriterionResult is the outcome of one criterion.
type CriterionResult struct {
	ID           string           `json:"id"`
	Passed       bool             `json:"passed"`
	Type         rubric.Kind      `json:"type"`
	MatchType    rubric.MatchType `json:"match_type"`
	Points       float64          `json:"points"`
	PointsEarned float64          `json:"points_earned"`
	Expected     any              `json:"expected,omitempty"`
	Actual       string           `json:"actual"`
	Details      string           `json:"details"`
	// Score and Reasoning hold a judge's or operator's verdict. Score is nil
	// while a human_judge entry is pending.
	Score        *float64 `json:"score,omitempty"`
	Reasoning    string   `json:"reasoning,omitempty"`
	Description  string   `json:"description,omitempty"`
	ScoringGuide string   `json:"scoring_guide,omitempty"`
}

// Pending reports whether the entry awaits a human score.
func (r CriterionResult) Pending() bool {
	return r.Type == rubric.KindHumanJudge && r.Score == nil
}

// MarshalJSON always writes score and reasoning on human_judge entries so
// operators see "score": null to fill in.
func (r CriterionResult) MarshalJSON() ([]byte, error) {
	type plain CriterionResult
	if r.Type != rubric.KindHumanJudge {
		return marshalNoHTML(plain(r))
	}
	return marshalNoHTML(struct {
		plain
		Score     *float64 `json:"score"`
		Reasoning string   `json:"reasoning"`
	}{plain: plain(r), Score: r.Score, Reasoning: r.Reasoning})
}

// TaskScore is the complete score of one task.
type TaskScore struct {
	TaskID       string
	Passed       bool
	Criteria     []CriterionResult
	TotalPoints  float64
	PointsEarned float64
	ScorePercent float64
	LLMGated     bool
	// Judge names who scored the judged criteria: a judge model id,
	// JudgeHumanPending, or empty when nobody did.
	Judge string
	// EscalationReason labels why judged criteria were handed to a human.
	EscalationReason string
}

// Aggregate sums earned points and applies the pass threshold.
func Aggregate(results []CriterionResult, totalPoints float64) (earned, percent float64, passed bool) {
	for _, r := range results {
		earned += r.PointsEarned
	}
	if totalPoints > 0 {
		percent = earned / totalPoints * 100
	}
	return earned, percent, percent >= PassPercent
}

// JudgedPoints returns points*score for a judged criterion and whether the
// score passes.
func JudgedPoints(points, score float64) (float64, bool) {
	return points * score, score >= CriterionPassScore
}
