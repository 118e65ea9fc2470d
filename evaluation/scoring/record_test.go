package scoring

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibbench/evaluation/rubric"
)

func TestHumanEntriesAlwaysCarryScoreField(t *testing.T) {
	pending := CriterionResult{ID: "review", Type: rubric.KindHumanJudge, MatchType: rubric.MatchHumanJudge, Points: 10}
	data, err := json.Marshal(pending)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "score")
	assert.Nil(t, decoded["score"])
	assert.Equal(t, "", decoded["reasoning"])

	programmatic := CriterionResult{ID: "a", Type: rubric.KindProgrammatic, Details: "x < y & z"}
	data, err = json.Marshal(programmatic)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"score"`)
	assert.Contains(t, string(data), "x < y & z")
}

func TestRecordRoundTripKeepsPendingState(t *testing.T) {
	score := TaskScore{
		TaskID:      "e-002",
		TotalPoints: 100,
		Judge:       JudgeHumanPending,
		Criteria: []CriterionResult{
			{ID: "a", Passed: true, Type: rubric.KindProgrammatic, MatchType: rubric.MatchSubstringOneOf, Points: 60, PointsEarned: 60},
			{ID: "b", Type: rubric.KindHumanJudge, MatchType: rubric.MatchHumanJudge, Points: 40, Description: "Explain"},
		},
	}
	score.PointsEarned, score.ScorePercent, score.Passed = Aggregate(score.Criteria, score.TotalPoints)
	rec := NewRecord(score, "0badcafe", time.Now())

	data, err := EncodeRecord(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  \"task_id\": \"e-002\"")

	back, err := DecodeRecord(data)
	require.NoError(t, err)
	assert.True(t, back.HumanPending())
	assert.True(t, back.Criteria[1].Pending())
	assert.False(t, back.Criteria[0].Pending())
	assert.Equal(t, 60.0, back.PointsEarned)
	assert.True(t, back.Passed)

	again, err := EncodeRecord(back)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
}

func TestDecodeRecordRejectsGarbage(t *testing.T) {
	_, err := DecodeRecord([]byte(`{"passed": true}`))
	require.Error(t, err)
	_, err = DecodeRecord([]byte(`not json`))
	require.Error(t, err)
}

func TestRecompute(t *testing.T) {
	score := 0.5
	rec := &ScoreRecord{
		TotalPoints: 50,
		Criteria: []CriterionResult{
			{ID: "a", PointsEarned: 20},
			{ID: "b", PointsEarned: 10, Score: &score},
		},
	}
	rec.Recompute()
	assert.Equal(t, 30.0, rec.PointsEarned)
	assert.Equal(t, 60.0, rec.ScorePercent)
	assert.True(t, rec.Passed)

	rec.Blocked = true
	rec.Recompute()
	assert.False(t, rec.Passed)
}

func TestAggregateAllowsHeadroomAndShortfall(t *testing.T) {
	results := []CriterionResult{{PointsEarned: 30}, {PointsEarned: 40}}

	earned, percent, passed := Aggregate(results, 200)
	assert.Equal(t, 70.0, earned)
	assert.Equal(t, 35.0, percent)
	assert.False(t, passed)

	earned, percent, passed = Aggregate(results, 50)
	assert.Equal(t, 70.0, earned)
	assert.Equal(t, 140.0, percent)
	assert.True(t, passed)
}

func TestLoadResponseResolvesOutputFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "e-003.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"task_id": "e-003",
		"parsed_response": {"value": 1.50, "ok": true},
		"raw_response": "{...}",
		"output_files": ["e-003_output.xlsx", "/abs/other.xlsx"],
		"stop_reason": "end_turn"
	}`), 0o644))

	resp, err := LoadResponse(path)
	require.NoError(t, err)
	assert.Equal(t, "e-003", resp.TaskID)
	assert.False(t, resp.Blocked())
	assert.Equal(t, []string{filepath.Join(dir, "e-003_output.xlsx"), "/abs/other.xlsx"}, resp.OutputFiles)
	assert.Equal(t, json.Number("1.50"), resp.Parsed["value"])
	assert.Equal(t, true, resp.Parsed["ok"])

	_, err = LoadResponse(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestDecodeResponseTreatsNonObjectsAsMissing(t *testing.T) {
	for _, data := range []string{
		`{"parsed_response": "text"}`,
		`{"parsed_response": []}`,
		`{"parsed_response": {}}`,
	} {
		resp, err := DecodeResponse([]byte(data))
		require.NoError(t, err)
		assert.Nil(t, resp.Parsed, data)
	}
}

func TestResponseText(t *testing.T) {
	text := ResponseText(map[string]any{"b": "<tag>", "a": json.Number("1")})
	assert.Equal(t, "{\n  \"a\": 1,\n  \"b\": \"<tag>\"\n}", text)
}
