package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibbench/evaluation/judge"
	"ibbench/evaluation/rubric"
	"ibbench/internal/observability"
)

const scenarioRubric = `{
  "task_id": "e-001",
  "total_points": 100,
  "criteria": {
    "error_location": {
      "type": "programmatic", "match_type": "substring_one_of",
      "accepted_values": ["Row 140", "140"], "points": 42, "gates_llm": true
    },
    "corrected_formula": {
      "type": "programmatic", "match_type": "regex_pattern",
      "required_elements": ["138"], "points": 43, "gates_llm": true
    },
    "logical_explanation": {
      "type": "llm_judge", "description": "Explains the exclusion",
      "core_concepts": ["Maintenance Capex"], "points": 15
    }
  }
}`

func mustTask(t *testing.T, rubricJSON string) Task {
	t.Helper()
	r, err := rubric.Parse([]byte(rubricJSON))
	require.NoError(t, err)
	return Task{ID: "e-001", Prompt: "Find the error.", Rubric: r, InputFiles: []string{"/tasks/e-001/input.xlsx"}}
}

func mustResponse(t *testing.T, data string) Response {
	t.Helper()
	resp, err := DecodeResponse([]byte(data))
	require.NoError(t, err)
	return resp
}

type stubJudge struct {
	scores judge.Scores
	err    error
	calls  int
}

func (s *stubJudge) Name() string { return "judge-model-1" }

func (s *stubJudge) Score(context.Context, judge.Request) (judge.Scores, error) {
	s.calls++
	return s.scores, s.err
}

func findResult(t *testing.T, results []CriterionResult, id string) CriterionResult {
	t.Helper()
	for _, r := range results {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("criterion %s not found", id)
	return CriterionResult{}
}

func TestScenarioA_GatesPassNoJudge(t *testing.T) {
	task := mustTask(t, scenarioRubric)
	resp := mustResponse(t, `{"parsed_response": {"error_location": "Row 140", "corrected_formula": "=SUM(L135:L139) includes 138"}}`)

	score, err := NewGate().Score(context.Background(), task, resp)
	require.NoError(t, err)

	assert.Equal(t, 85.0, score.PointsEarned)
	assert.Equal(t, 85.0, score.ScorePercent)
	assert.True(t, score.Passed)
	assert.False(t, score.LLMGated)
	assert.Empty(t, score.Judge)

	llm := findResult(t, score.Criteria, "logical_explanation")
	assert.Equal(t, ActualNoJudge, llm.Actual)
	assert.Equal(t, DetailsNoJudge, llm.Details)
	assert.Zero(t, llm.PointsEarned)
}

func TestScenarioB_GateFailure(t *testing.T) {
	task := mustTask(t, scenarioRubric)
	resp := mustResponse(t, `{"parsed_response": {"error_location": "Wrong location", "corrected_formula": "=SUM(A1:A10)"}}`)
	j := &stubJudge{scores: judge.Scores{"logical_explanation": {Score: 1}}}

	score, err := NewGate(WithJudge(j)).Score(context.Background(), task, resp)
	require.NoError(t, err)

	assert.True(t, score.LLMGated)
	assert.Zero(t, score.PointsEarned)
	assert.False(t, score.Passed)
	assert.Zero(t, j.calls)

	loc := findResult(t, score.Criteria, "error_location")
	assert.Equal(t, "None of ['Row 140', '140'] found in 'Wrong location' [GATES LLM]", loc.Details)
	llm := findResult(t, score.Criteria, "logical_explanation")
	assert.Equal(t, ActualGated, llm.Actual)
	assert.Equal(t, DetailsGated, llm.Details)
}

func TestScenarioC_BoundaryBelowPass(t *testing.T) {
	task := mustTask(t, `{"total_points": 100, "criteria": {
		"a": {"type": "programmatic", "match_type": "substring_one_of", "accepted_values": ["yes"], "points": 50},
		"b": {"type": "programmatic", "match_type": "substring_one_of", "accepted_values": ["yes"], "points": 50}
	}}`)
	resp := mustResponse(t, `{"parsed_response": {"a": "yes", "b": "no"}}`)

	score, err := NewGate().Score(context.Background(), task, resp)
	require.NoError(t, err)
	assert.Equal(t, 50.0, score.PointsEarned)
	assert.Equal(t, 50.0, score.ScorePercent)
	assert.False(t, score.Passed)
}

func TestScenarioD_BlockedRecord(t *testing.T) {
	resp := mustResponse(t, `{"task_id": "e-006", "parsed_response": null, "stop_reason": "content_filter"}`)
	require.True(t, resp.Blocked())

	rec := BlockedRecord("e-006", "abcd1234", 100, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	data, err := EncodeRecord(rec)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, false, decoded["passed"])
	assert.Equal(t, true, decoded["blocked"])
	assert.Equal(t, 0.0, decoded["points_earned"])
	assert.Equal(t, 100.0, decoded["total_points"])
	assert.Equal(t, []any{}, decoded["criteria"])
	assert.Equal(t, "2026-01-02T03:04:05.000000Z", decoded["scored_at"])
}

func TestMissingParsedResponseScoresZero(t *testing.T) {
	task := mustTask(t, scenarioRubric)
	long := make([]rune, 150)
	for i := range long {
		long[i] = 'é'
	}
	for _, data := range []string{
		`{"parsed_response": null, "raw_response": "not json"}`,
		`{"parsed_response": {}, "raw_response": "not json"}`,
		`{"raw_response": "not json"}`,
		fmt.Sprintf(`{"parsed_response": null, "raw_response": %q}`, string(long)),
	} {
		score, err := NewGate().Score(context.Background(), task, mustResponse(t, data))
		require.NoError(t, err)
		assert.Zero(t, score.ScorePercent)
		assert.False(t, score.Passed)
		require.Len(t, score.Criteria, 1)

		res := score.Criteria[0]
		assert.Equal(t, ParseCriterionID, res.ID)
		assert.Equal(t, rubric.MatchType("json"), res.MatchType)
		assert.Equal(t, 100.0, res.Points)
		assert.Equal(t, DetailsParseFail, res.Details)
		assert.LessOrEqual(t, len([]rune(res.Actual)), 100)
	}
}

func TestJudgeScoresPartialCredit(t *testing.T) {
	task := mustTask(t, scenarioRubric)
	resp := mustResponse(t, `{"parsed_response": {"error_location": "Row 140", "corrected_formula": "138 in SUM"}}`)
	j := &stubJudge{scores: judge.Scores{"logical_explanation": {Score: 0.5, Reasoning: "partial"}}}

	score, err := NewGate(WithJudge(j)).Score(context.Background(), task, resp)
	require.NoError(t, err)

	llm := findResult(t, score.Criteria, "logical_explanation")
	assert.InDelta(t, 7.5, llm.PointsEarned, 1e-9)
	assert.False(t, llm.Passed)
	assert.Equal(t, "0.50", llm.Actual)
	assert.Equal(t, "Score: 0.50 - partial", llm.Details)
	assert.InDelta(t, 92.5, score.PointsEarned, 1e-9)
	assert.Equal(t, "judge-model-1", score.Judge)
	assert.Equal(t, 1, j.calls)
}

func TestJudgeOmittedCriterionScoresZero(t *testing.T) {
	task := mustTask(t, `{"criteria": {
		"a": {"type": "llm_judge", "points": 50},
		"b": {"type": "llm_judge", "points": 50}
	}}`)
	resp := mustResponse(t, `{"parsed_response": {"answer": "x"}}`)
	j := &stubJudge{scores: judge.Scores{"a": {Score: 0.6, Reasoning: "ok"}}}

	score, err := NewGate(WithJudge(j)).Score(context.Background(), task, resp)
	require.NoError(t, err)

	a := findResult(t, score.Criteria, "a")
	assert.True(t, a.Passed)
	assert.InDelta(t, 30, a.PointsEarned, 1e-9)

	b := findResult(t, score.Criteria, "b")
	assert.False(t, b.Passed)
	assert.Equal(t, DetailsNotScored, b.Details)
	assert.Zero(t, b.PointsEarned)
	assert.Empty(t, score.EscalationReason)
}

func TestJudgeFailuresEscalate(t *testing.T) {
	task := mustTask(t, scenarioRubric)
	resp := mustResponse(t, `{"parsed_response": {"error_location": "Row 140", "corrected_formula": "138"}}`)

	tests := []struct {
		name   string
		judge  judge.Judge
		reason string
	}{
		{"empty scores", &stubJudge{scores: judge.Scores{}}, "judge_output_empty"},
		{"parse failure", &stubJudge{err: &judge.ParseError{Raw: "??", Err: errors.New("bad")}}, "judge_parse_failure"},
		{"runner error", &stubJudge{err: errors.New("upstream 529")}, "judge_error"},
		{"forced human", judge.Human{}, "human_requested"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			metrics := observability.MustNewScoringMetrics(reg)

			score, err := NewGate(WithJudge(tt.judge), WithGateMetrics(metrics)).Score(context.Background(), task, resp)
			require.NoError(t, err)

			assert.Equal(t, JudgeHumanPending, score.Judge)
			assert.Equal(t, tt.reason, score.EscalationReason)
			assert.False(t, score.LLMGated)

			res := findResult(t, score.Criteria, "logical_explanation")
			assert.Equal(t, rubric.KindHumanJudge, res.Type)
			assert.True(t, res.Pending())
			assert.Equal(t, "Explains the exclusion", res.Description)
			assert.Equal(t, 85.0, score.PointsEarned)

			expected := fmt.Sprintf(`
# HELP ibbench_scoring_escalations_total Judged criteria handed to a human operator, by reason.
# TYPE ibbench_scoring_escalations_total counter
ibbench_scoring_escalations_total{reason=%q} 1
`, tt.reason)
			assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "ibbench_scoring_escalations_total"))
		})
	}
}

func TestJudgeCancellationIsReturned(t *testing.T) {
	task := mustTask(t, scenarioRubric)
	resp := mustResponse(t, `{"parsed_response": {"error_location": "Row 140", "corrected_formula": "138"}}`)

	_, err := NewGate(WithJudge(&stubJudge{err: context.Canceled})).Score(context.Background(), task, resp)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNativeHumanCriteriaIgnoreGate(t *testing.T) {
	task := mustTask(t, `{"criteria": {
		"gate": {"type": "programmatic", "match_type": "substring_one_of", "accepted_values": ["yes"], "points": 40, "gates_llm": true},
		"explain": {"type": "llm_judge", "points": 30},
		"review": {"type": "human_judge", "description": "Reviewer check", "scoring_guide": "1.0 if clear", "points": 30}
	}}`)
	resp := mustResponse(t, `{"parsed_response": {"gate": "no"}}`)

	score, err := NewGate().Score(context.Background(), task, resp)
	require.NoError(t, err)

	assert.True(t, score.LLMGated)
	assert.Equal(t, JudgeHumanPending, score.Judge)
	assert.Equal(t, NativeHumanReason, score.EscalationReason)

	review := findResult(t, score.Criteria, "review")
	assert.True(t, review.Pending())
	assert.Equal(t, "1.0 if clear", review.ScoringGuide)
	assert.Equal(t, ActualGated, findResult(t, score.Criteria, "explain").Actual)
}

func TestAllProgrammaticCriteriaRunDespiteFailures(t *testing.T) {
	task := mustTask(t, `{"criteria": {
		"a": {"type": "programmatic", "match_type": "substring_one_of", "accepted_values": ["yes"], "points": 10, "gates_llm": true},
		"b": {"type": "programmatic", "match_type": "fuzzy", "points": 10},
		"c": {"type": "programmatic", "match_type": "substring_one_of", "accepted_values": ["yes"], "points": 10}
	}}`)
	resp := mustResponse(t, `{"parsed_response": {"a": "no", "b": "x", "c": "yes"}}`)

	score, err := NewGate().Score(context.Background(), task, resp)
	require.NoError(t, err)
	require.Len(t, score.Criteria, 3)
	assert.Equal(t, "Unknown match_type: fuzzy", score.Criteria[1].Details)
	assert.True(t, score.Criteria[2].Passed)
	assert.False(t, score.LLMGated)
	assert.Equal(t, 10.0, score.PointsEarned)
}

func TestGateFailureZeroesEveryJudgedCriterion(t *testing.T) {
	task := mustTask(t, `{"criteria": {
		"a": {"type": "programmatic", "match_type": "regex_pattern", "forbidden_elements": ["#REF!"], "points": 10, "gates_llm": true},
		"j1": {"type": "llm_judge", "points": 45},
		"j2": {"type": "llm_judge", "points": 45}
	}}`)
	resp := mustResponse(t, `{"parsed_response": {"a": "=#REF!+1"}}`)
	j := &stubJudge{scores: judge.Scores{"j1": {Score: 1}, "j2": {Score: 1}}}

	score, err := NewGate(WithJudge(j)).Score(context.Background(), task, resp)
	require.NoError(t, err)
	assert.True(t, score.LLMGated)
	for _, id := range []string{"j1", "j2"} {
		assert.Zero(t, findResult(t, score.Criteria, id).PointsEarned)
	}
}

func TestZeroTotalPoints(t *testing.T) {
	task := mustTask(t, `{"total_points": 0, "criteria": {
		"a": {"type": "programmatic", "match_type": "substring_one_of", "accepted_values": ["yes"], "points": 5}
	}}`)
	score, err := NewGate().Score(context.Background(), task, mustResponse(t, `{"parsed_response": {"a": "yes"}}`))
	require.NoError(t, err)
	assert.Equal(t, 5.0, score.PointsEarned)
	assert.Zero(t, score.ScorePercent)
	assert.False(t, score.Passed)
}

func TestScoringIsIdempotentApartFromTimestamp(t *testing.T) {
	task := mustTask(t, scenarioRubric)
	resp := mustResponse(t, `{"parsed_response": {"error_location": "Row 140", "corrected_formula": "=SUM(L135:L139) 138"}}`)
	gate := NewGate(WithJudge(&stubJudge{scores: judge.Scores{"logical_explanation": {Score: 0.8, Reasoning: "good"}}}))

	encode := func(at time.Time) []byte {
		score, err := gate.Score(context.Background(), task, resp)
		require.NoError(t, err)
		rec := NewRecord(score, task.Rubric.Hash(), at)
		rec.ScoredAt = ""
		data, err := EncodeRecord(rec)
		require.NoError(t, err)
		return data
	}
	assert.Equal(t, string(encode(time.Now())), string(encode(time.Now().Add(time.Hour))))
}

func TestGateRecordsIssues(t *testing.T) {
	task := mustTask(t, `{
  "total_points": 10,
  "criteria": {
    "answer": {"type": "programmatic", "match_type": "substring_one_of", "accepted_values": ["42"], "points": 5},
    "shape": {"type": "programmatic", "match_type": "fuzzy", "points": 5}
  }
}`)
	reg := prometheus.NewRegistry()
	gate := NewGate(WithGateMetrics(observability.MustNewScoringMetrics(reg)))

	score, err := gate.Score(context.Background(), task, mustResponse(t, `{"parsed_response": {"answer": "42"}}`))
	require.NoError(t, err)
	assert.Equal(t, 5.0, score.PointsEarned)

	_, err = gate.Score(context.Background(), task, mustResponse(t, `{"raw_response": "not json"}`))
	require.NoError(t, err)

	expected := `
# HELP ibbench_scoring_issues_total Recoverable conditions met while scoring, by reason.
# TYPE ibbench_scoring_issues_total counter
ibbench_scoring_issues_total{reason="missing_parsed_response"} 1
ibbench_scoring_issues_total{reason="unknown_match_type"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "ibbench_scoring_issues_total"))
}
