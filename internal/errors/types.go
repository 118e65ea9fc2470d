package errors

import (
	"errors"
	"fmt"
)

// Recoverable conditions met while scoring a single task. None of them abort a run.
var (
	// ErrMissingParsedResponse marks a response without a parsed payload. The task
	// receives a terminal zero score.
	ErrMissingParsedResponse = errors.New("missing parsed response")

	// ErrUnknownMatchType marks a programmatic criterion whose match_type has no evaluator.
	ErrUnknownMatchType = errors.New("unknown match_type")

	// ErrNoOutputFile marks a spreadsheet check with no matching output file.
	ErrNoOutputFile = errors.New("no output file for spreadsheet check")

	// ErrNoSpreadsheetChecker marks a spreadsheet check run without a configured predicate.
	ErrNoSpreadsheetChecker = errors.New("no spreadsheet checker configured")

	// ErrContentFilterBlocked is not a failure: the provider refused to answer and the
	// response bypasses evaluation entirely.
	ErrContentFilterBlocked = errors.New("response blocked by content filter")

	// ErrTaskNotFound is returned by task sources for ids they do not know.
	ErrTaskNotFound = errors.New("task not found")
)

// Stage names the step of the per-task pipeline an error came from.
type Stage string

const (
	StageLoad     Stage = "load"
	StageEvaluate Stage = "evaluate"
	StageJudge    Stage = "judge"
	StagePersist  Stage = "persist"
	StageFinalize Stage = "finalize"
)

// TaskError carries the context an operator needs to reproduce a failure of one task.
type TaskError struct {
	TaskID     string
	RubricHash string
	Stage      Stage
	Err        error
}

func (e *TaskError) Error() string {
	if e.RubricHash != "" {
		return fmt.Sprintf("task %s (rubric %s) %s: %v", e.TaskID, e.RubricHash, e.Stage, e.Err)
	}
	return fmt.Sprintf("task %s %s: %v", e.TaskID, e.Stage, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// NewTaskError wraps err with task context. A nil err yields nil.
func NewTaskError(taskID, rubricHash string, stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &TaskError{TaskID: taskID, RubricHash: rubricHash, Stage: stage, Err: err}
}

// PanicError is produced when a task's evaluation panicked and was recovered.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Reason maps err to a short, stable label for metrics and reports.
func Reason(err error) string {
	var panicErr *PanicError
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrMissingParsedResponse):
		return "missing_parsed_response"
	case errors.Is(err, ErrUnknownMatchType):
		return "unknown_match_type"
	case errors.Is(err, ErrNoOutputFile):
		return "no_output_file"
	case errors.Is(err, ErrNoSpreadsheetChecker):
		return "no_spreadsheet_checker"
	case errors.Is(err, ErrContentFilterBlocked):
		return "content_filter"
	case errors.Is(err, ErrTaskNotFound):
		return "task_not_found"
	case errors.As(err, &panicErr):
		return "panic"
	}
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return string(taskErr.Stage)
	}
	return "error"
}
