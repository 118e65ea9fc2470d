package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskErrorCarriesContext(t *testing.T) {
	err := NewTaskError("e-001", "1a2b3c4d", StageEvaluate, fmt.Errorf("boom"))
	require.Error(t, err)
	assert.Equal(t, "task e-001 (rubric 1a2b3c4d) evaluate: boom", err.Error())

	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, "e-001", taskErr.TaskID)
}

func TestNewTaskErrorNil(t *testing.T) {
	assert.NoError(t, NewTaskError("e-001", "", StageLoad, nil))
}

func TestReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "none"},
		{"missing parsed", fmt.Errorf("x: %w", ErrMissingParsedResponse), "missing_parsed_response"},
		{"unknown match", ErrUnknownMatchType, "unknown_match_type"},
		{"no output", fmt.Errorf("wrap: %w", ErrNoOutputFile), "no_output_file"},
		{"blocked", ErrContentFilterBlocked, "content_filter"},
		{"panic", NewTaskError("t", "", StageEvaluate, &PanicError{Value: "bad"}), "panic"},
		{"task stage", NewTaskError("t", "", StagePersist, fmt.Errorf("disk full")), "persist"},
		{"plain", fmt.Errorf("other"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Reason(tt.err))
		})
	}
}
