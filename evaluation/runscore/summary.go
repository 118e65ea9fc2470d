package runscore

import (
	"context"
	"fmt"
	"sort"

	"ibbench/evaluation/scoring"
	"ibbench/internal/scorestore"
)

// Summary is the derived summary.json of a run. Field order matches the
// files written by earlier tooling so the two can be diffed directly.
type Summary struct {
	Total          int               `json:"total"`
	Passed         int               `json:"passed"`
	Failed         int               `json:"failed"`
	Blocked        int               `json:"blocked"`
	Skipped        int               `json:"skipped"`
	TotalPoints    float64           `json:"total_points"`
	PointsEarned   float64           `json:"points_earned"`
	Results        []SummaryResult   `json:"results"`
	OverallPercent float64           `json:"overall_percent"`
	RubricHashes   map[string]string `json:"rubric_hashes"`
}

// SummaryResult is one task line of a Summary.
type SummaryResult struct {
	TaskID       string  `json:"task_id"`
	Passed       bool    `json:"passed"`
	PointsEarned float64 `json:"points_earned"`
	TotalPoints  float64 `json:"total_points"`
	ScorePercent float64 `json:"score_percent"`
	Blocked      bool    `json:"blocked,omitempty"`
}

// BuildSummary folds persisted records into a Summary. It depends on nothing
// but the records, so a live run and a later regeneration agree.
//
// Human-pending records count as skipped and contribute no points. Blocked
// takes precedence over passed.
func BuildSummary(records []*scoring.ScoreRecord) Summary {
	summary := Summary{
		Results:      []SummaryResult{},
		RubricHashes: map[string]string{},
	}
	for _, rec := range records {
		if rec == nil {
			continue
		}
		if rec.HumanPending() {
			summary.Skipped++
			continue
		}
		summary.Total++
		summary.TotalPoints += rec.TotalPoints
		summary.PointsEarned += rec.PointsEarned
		switch {
		case rec.Blocked:
			summary.Blocked++
		case rec.Passed:
			summary.Passed++
		default:
			summary.Failed++
		}
		summary.Results = append(summary.Results, SummaryResult{
			TaskID:       rec.TaskID,
			Passed:       rec.Passed,
			PointsEarned: rec.PointsEarned,
			TotalPoints:  rec.TotalPoints,
			ScorePercent: rec.ScorePercent,
			Blocked:      rec.Blocked,
		})
		if rec.RubricHash != "" {
			summary.RubricHashes[rec.TaskID] = rec.RubricHash
		}
	}
	if summary.TotalPoints > 0 {
		summary.OverallPercent = summary.PointsEarned / summary.TotalPoints * 100
	}
	sort.SliceStable(summary.Results, func(i, j int) bool {
		return summary.Results[i].TaskID < summary.Results[j].TaskID
	})
	return summary
}

// Regenerate rebuilds the summary of a scores directory from its records.
// With dryRun the summary is returned but summary.json is left alone.
func Regenerate(ctx context.Context, scoresDir string, dryRun bool) (Summary, error) {
	store, err := openExisting(scoresDir)
	if err != nil {
		return Summary{}, err
	}
	records, err := store.LoadAll(ctx)
	if err != nil {
		return Summary{}, err
	}
	summary := BuildSummary(records)
	if dryRun {
		return summary, nil
	}
	if err := store.WriteSummary(summary); err != nil {
		return Summary{}, err
	}
	return summary, nil
}

// PendingTasks lists the tasks of a run still awaiting human scores. Reports
// that rank models must refuse to run while this is non-empty.
func PendingTasks(ctx context.Context, scoresDir string) ([]*scoring.ScoreRecord, error) {
	store, err := openExisting(scoresDir)
	if err != nil {
		return nil, err
	}
	records, err := store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	var pending []*scoring.ScoreRecord
	for _, rec := range records {
		if rec.HumanPending() {
			pending = append(pending, rec)
		}
	}
	return pending, nil
}

func openExisting(dir string) (*scorestore.Store, error) {
	if ok, err := isDir(dir); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("scores directory not found: %s", dir)
	}
	return scorestore.Open(dir)
}
