// Package judge scores llm_judge criteria through an external judge.
//
// A Judge either returns per-criterion scores or an error. Every error means
// the criteria must be escalated to a human; nothing here defaults to zero.
package judge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"ibbench/evaluation/rubric"
)

var (
	// ErrOutputEmpty means the judge answered without any usable scores.
	ErrOutputEmpty = errors.New("judge returned no scores")
	// ErrHumanRequested is returned by the Human judge. Callers escalate.
	ErrHumanRequested = errors.New("human scoring requested")
	// ErrNoSourceDocument means the task has no document the judge could read.
	ErrNoSourceDocument = errors.New("no source document for judge")
)

// ParseError reports judge output that could not be recovered into scores.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	preview := e.Raw
	if r := []rune(preview); len(r) > 200 {
		preview = string(r[:200]) + "..."
	}
	return fmt.Sprintf("parse judge output: %v (output: %q)", e.Err, preview)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Score is one criterion's judged score in [0,1].
type Score struct {
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// Scores maps criterion id to its score.
type Scores map[string]Score

// Request carries everything a judge sees for one task.
type Request struct {
	TaskID string
	// TaskPrompt is the task's natural-language description.
	TaskPrompt string
	// Criteria is the llm_judge subset of the rubric.
	Criteria []rubric.Criterion
	// SourceFiles are the task's input documents.
	SourceFiles []string
	// ResponseText is the model's parsed answer rendered as indented JSON.
	ResponseText string
}

// CriterionIDs returns the ids of the judged criteria in rubric order.
func (r Request) CriterionIDs() []string {
	ids := make([]string, len(r.Criteria))
	for i, c := range r.Criteria {
		ids[i] = c.ID
	}
	return ids
}

// Judge scores the judged criteria of one task.
type Judge interface {
	// Name is recorded as the record's judge field when the judge scores.
	Name() string
	Score(ctx context.Context, req Request) (Scores, error)
}

// Human is the judge used when scoring is forced to operators. It never
// scores and always asks for escalation.
type Human struct{}

func (Human) Name() string { return "human" }

func (Human) Score(context.Context, Request) (Scores, error) {
	return nil, ErrHumanRequested
}

// Escalates reports whether err should turn judged criteria into
// human-pending entries. Context cancellation is the only judge error that
// does not.
func Escalates(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Reason returns a short label for why a judge call escalated.
func Reason(err error) string {
	var parseErr *ParseError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrHumanRequested):
		return "human_requested"
	case errors.Is(err, ErrOutputEmpty):
		return "judge_output_empty"
	case errors.Is(err, ErrNoSourceDocument):
		return "no_source_document"
	case errors.As(err, &parseErr):
		return "judge_parse_failure"
	case errors.Is(err, context.DeadlineExceeded):
		return "judge_timeout"
	default:
		return "judge_error"
	}
}

var sourceExts = map[string]struct{}{".pdf": {}, ".xlsx": {}, ".xlsm": {}, ".xls": {}}

// SourceDocuments filters input files down to the documents a judge reads.
func SourceDocuments(files []string) []string {
	var docs []string
	for _, f := range files {
		if _, ok := sourceExts[strings.ToLower(filepath.Ext(f))]; ok {
			docs = append(docs, f)
		}
	}
	return docs
}
