package scoring

import (
	"context"
	"fmt"

	"ibbench/evaluation/criteria"
	"ibbench/evaluation/judge"
	"ibbench/evaluation/rubric"
	iberrors "ibbench/internal/errors"
	"ibbench/internal/logging"
	"ibbench/internal/observability"
)

// Actual and detail strings recorded for criteria that were not evaluated.
const (
	ActualGated   = "[SKIPPED - gated]"
	ActualNoJudge = "[SKIPPED - no judge]"
	ActualPending = "[PENDING - human]"

	DetailsGated     = "Skipped due to programmatic gate failure"
	DetailsNoJudge   = "Skipped - no LLM judge provided"
	DetailsNotScored = "Criterion not scored by judge"
	DetailsPending   = "Awaiting human score"
	DetailsParseFail = "Failed to parse JSON from response"
)

// ParseCriterionID is the id of the synthetic result of an unparsed response.
const ParseCriterionID = "json_parse"

// NativeHumanReason is the escalation reason of rubrics declaring
// human_judge criteria.
const NativeHumanReason = "human_judge_criteria"

const (
	gatesLLMSuffix  = " [GATES LLM]"
	rawPreviewRunes = 100
)

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithEvaluator sets the programmatic evaluator.
func WithEvaluator(e *criteria.Evaluator) GateOption {
	return func(g *Gate) { g.evaluator = e }
}

// WithJudge sets the judge for llm_judge criteria. Without one, those
// criteria are skipped. Pass judge.Human{} to force operator scoring.
func WithJudge(j judge.Judge) GateOption {
	return func(g *Gate) { g.judge = j }
}

// WithGateLogger sets the logger.
func WithGateLogger(logger logging.Logger) GateOption {
	return func(g *Gate) { g.logger = logger }
}

// WithGateMetrics sets the metrics sink.
func WithGateMetrics(m *observability.ScoringMetrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// Gate scores a single task: parse check, all programmatic criteria, then
// one of gated, no-judge, judge or escalation for the judged tier.
type Gate struct {
	evaluator *criteria.Evaluator
	judge     judge.Judge
	logger    logging.Logger
	metrics   *observability.ScoringMetrics
}

// NewGate constructs a Gate.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrNop(g.logger)
	if g.evaluator == nil {
		g.evaluator = criteria.New(criteria.WithLogger(g.logger))
	}
	return g
}

// Score runs the state machine for one task. The only error it returns is
// a cancelled context during the judge call; every other failure is folded
// into the score.
func (g *Gate) Score(ctx context.Context, task Task, resp Response) (TaskScore, error) {
	r := task.Rubric
	score := TaskScore{TaskID: task.ID, TotalPoints: r.TotalPoints}

	if len(resp.Parsed) == 0 {
		g.logger.Warn("task %s: %v", task.ID, iberrors.ErrMissingParsedResponse)
		g.metrics.Issue(iberrors.Reason(iberrors.ErrMissingParsedResponse))
		score.Criteria = []CriterionResult{parseFailure(resp.RawResponse, r.TotalPoints)}
		return score, nil
	}

	results, gateFailed := g.programmatic(task.ID, r, resp)

	if llm := r.LLMJudge(); len(llm) > 0 {
		switch {
		case gateFailed:
			g.logger.Info("task %s: llm evaluation gated by programmatic criteria", task.ID)
			score.LLMGated = true
			results = append(results, skipped(llm, ActualGated, DetailsGated)...)
		case g.judge == nil:
			g.logger.Info("task %s: llm evaluation skipped, no judge provided", task.ID)
			results = append(results, skipped(llm, ActualNoJudge, DetailsNoJudge)...)
		default:
			judged, err := g.judged(ctx, task, resp, llm)
			if err != nil && !judge.Escalates(err) {
				return TaskScore{}, fmt.Errorf("judge task %s: %w", task.ID, err)
			}
			if err != nil {
				score.EscalationReason = judge.Reason(err)
				g.logger.Warn("task %s: escalating %d criteria to human: %v", task.ID, len(llm), err)
				g.metrics.Escalation(score.EscalationReason, len(llm))
				results = append(results, pending(llm)...)
			} else {
				score.Judge = g.judge.Name()
				results = append(results, judged...)
			}
		}
	}

	if human := r.HumanJudge(); len(human) > 0 {
		if score.EscalationReason == "" {
			score.EscalationReason = NativeHumanReason
		}
		g.metrics.Escalation(NativeHumanReason, len(human))
		results = append(results, pending(human)...)
	}

	for _, res := range results {
		if res.Pending() {
			score.Judge = JudgeHumanPending
			break
		}
	}

	score.Criteria = results
	score.PointsEarned, score.ScorePercent, score.Passed = Aggregate(results, r.TotalPoints)
	return score, nil
}

func (g *Gate) programmatic(taskID string, r *rubric.Rubric, resp Response) ([]CriterionResult, bool) {
	in := criteria.Input{Parsed: resp.Parsed, OutputFiles: resp.OutputFiles}
	var results []CriterionResult
	gateFailed := false
	for _, c := range r.Programmatic() {
		res := g.evaluator.Evaluate(c, in)
		if res.Err != nil {
			reason := iberrors.Reason(res.Err)
			g.logger.Warn("task %s: criterion %s not evaluated (%s): %v", taskID, c.ID, reason, res.Err)
			g.metrics.Issue(reason)
		}
		details := res.Details
		if !res.Passed && c.GatesLLM {
			gateFailed = true
			details += gatesLLMSuffix
		}
		earned := 0.0
		if res.Passed {
			earned = c.Points
		}
		g.metrics.Criterion(string(c.MatchType()), res.Passed)
		results = append(results, CriterionResult{
			ID:           c.ID,
			Passed:       res.Passed,
			Type:         rubric.KindProgrammatic,
			MatchType:    c.MatchType(),
			Points:       c.Points,
			PointsEarned: earned,
			Expected:     res.Expected,
			Actual:       res.Actual,
			Details:      details,
		})
	}
	return results, gateFailed
}

func (g *Gate) judged(ctx context.Context, task Task, resp Response, llm []rubric.Criterion) ([]CriterionResult, error) {
	scores, err := g.judge.Score(ctx, judge.Request{
		TaskID:       task.ID,
		TaskPrompt:   task.Prompt,
		Criteria:     llm,
		SourceFiles:  task.InputFiles,
		ResponseText: ResponseText(resp.Parsed),
	})
	if err != nil {
		g.metrics.JudgeCall("escalated")
		return nil, err
	}
	if len(scores) == 0 {
		g.metrics.JudgeCall("escalated")
		return nil, judge.ErrOutputEmpty
	}
	g.metrics.JudgeCall("ok")

	results := make([]CriterionResult, 0, len(llm))
	for _, c := range llm {
		res := CriterionResult{
			ID:        c.ID,
			Type:      rubric.KindLLMJudge,
			MatchType: rubric.MatchLLMJudge,
			Points:    c.Points,
			Expected:  c.CoreConcepts,
		}
		s, ok := scores[c.ID]
		if !ok {
			res.Actual = fmt.Sprintf("%.2f", 0.0)
			res.Details = DetailsNotScored
			results = append(results, res)
			g.metrics.Criterion(string(rubric.MatchLLMJudge), false)
			continue
		}
		value := s.Score
		res.PointsEarned, res.Passed = JudgedPoints(c.Points, value)
		res.Actual = fmt.Sprintf("%.2f", value)
		res.Details = fmt.Sprintf("Score: %.2f - %s", value, s.Reasoning)
		res.Score = &value
		res.Reasoning = s.Reasoning
		g.metrics.Criterion(string(rubric.MatchLLMJudge), res.Passed)
		results = append(results, res)
	}
	return results, nil
}

func skipped(llm []rubric.Criterion, actual, details string) []CriterionResult {
	results := make([]CriterionResult, 0, len(llm))
	for _, c := range llm {
		results = append(results, CriterionResult{
			ID:        c.ID,
			Type:      rubric.KindLLMJudge,
			MatchType: rubric.MatchLLMJudge,
			Points:    c.Points,
			Expected:  c.CoreConcepts,
			Actual:    actual,
			Details:   details,
		})
	}
	return results
}

// pending turns judged criteria into human_judge entries awaiting a score.
func pending(judged []rubric.Criterion) []CriterionResult {
	results := make([]CriterionResult, 0, len(judged))
	for _, c := range judged {
		results = append(results, CriterionResult{
			ID:           c.ID,
			Type:         rubric.KindHumanJudge,
			MatchType:    rubric.MatchHumanJudge,
			Points:       c.Points,
			Expected:     c.CoreConcepts,
			Actual:       ActualPending,
			Details:      DetailsPending,
			Description:  c.Description,
			ScoringGuide: c.ScoringGuide,
		})
	}
	return results
}

func parseFailure(raw string, totalPoints float64) CriterionResult {
	preview := []rune(raw)
	if len(preview) > rawPreviewRunes {
		preview = preview[:rawPreviewRunes]
	}
	return CriterionResult{
		ID:        ParseCriterionID,
		Type:      rubric.KindProgrammatic,
		MatchType: "json",
		Points:    totalPoints,
		Expected:  "valid JSON",
		Actual:    string(preview),
		Details:   DetailsParseFail,
	}
}
