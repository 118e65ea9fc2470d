// Package rubric models weighted scoring rubrics.
//
// A rubric is loaded once, validated, and then treated as immutable. Criteria
// are a tagged union keyed by Kind; programmatic criteria additionally carry a
// Check variant keyed by match type. The programmatic, llm_judge and
// human_judge partitions are computed at load time.
package rubric

import (
	"slices"
)

// DefaultTotalPoints applies when a rubric does not declare total_points.
const DefaultTotalPoints = 100.0

// Kind classifies a criterion by who scores it.
type Kind string

const (
	KindProgrammatic Kind = "programmatic"
	KindLLMJudge     Kind = "llm_judge"
	KindHumanJudge   Kind = "human_judge"
)

// MatchType names a programmatic evaluator. Judged criteria report their kind
// as match type.
type MatchType string

const (
	MatchSubstringOneOf  MatchType = "substring_one_of"
	MatchRegexPattern    MatchType = "regex_pattern"
	MatchExcelCellValue  MatchType = "excel_cell_value"
	MatchExcelFormatting MatchType = "excel_formatting"
	MatchLLMJudge        MatchType = "llm_judge"
	MatchHumanJudge      MatchType = "human_judge"
)

// Rubric is a loaded, validated rubric for one task.
//
// Criterion points need not add up to TotalPoints; headroom and shortfall are
// both allowed.
type Rubric struct {
	TaskID      string
	Version     string
	TotalPoints float64
	Criteria    []Criterion

	hash         string
	programmatic []Criterion
	llmJudge     []Criterion
	humanJudge   []Criterion
}

// Hash identifies the rubric content. Stored scores carrying another hash are stale.
func (r *Rubric) Hash() string { return r.hash }

// Programmatic returns the programmatic criteria in declaration order.
func (r *Rubric) Programmatic() []Criterion { return slices.Clone(r.programmatic) }

// LLMJudge returns the llm_judge criteria in declaration order.
func (r *Rubric) LLMJudge() []Criterion { return slices.Clone(r.llmJudge) }

// HumanJudge returns the natively human-scored criteria in declaration order.
func (r *Rubric) HumanJudge() []Criterion { return slices.Clone(r.humanJudge) }

// HasJudged reports whether any criterion needs a judge or a human.
func (r *Rubric) HasJudged() bool {
	return len(r.llmJudge) > 0 || len(r.humanJudge) > 0
}

// Criterion looks up a criterion by id.
func (r *Rubric) Criterion(id string) (Criterion, bool) {
	for _, c := range r.Criteria {
		if c.ID == id {
			return c, true
		}
	}
	return Criterion{}, false
}

func (r *Rubric) partition() {
	r.programmatic, r.llmJudge, r.humanJudge = nil, nil, nil
	for _, c := range r.Criteria {
		switch c.Kind {
		case KindProgrammatic:
			r.programmatic = append(r.programmatic, c)
		case KindLLMJudge:
			r.llmJudge = append(r.llmJudge, c)
		case KindHumanJudge:
			r.humanJudge = append(r.humanJudge, c)
		}
	}
}

// Criterion is one named check. Check is set for programmatic criteria only;
// CoreConcepts and ScoringGuide only for judged ones.
type Criterion struct {
	ID                 string
	Kind               Kind
	Description        string
	Points             float64
	GatesLLM           bool
	SearchFullResponse bool

	Check Check

	CoreConcepts []string
	ScoringGuide string
}

// MatchType returns the evaluator name recorded on results for this criterion.
func (c Criterion) MatchType() MatchType {
	switch c.Kind {
	case KindLLMJudge:
		return MatchLLMJudge
	case KindHumanJudge:
		return MatchHumanJudge
	}
	if c.Check == nil {
		return ""
	}
	return c.Check.MatchType()
}

// Judged reports whether the criterion is scored by a judge or a human.
func (c Criterion) Judged() bool {
	return c.Kind == KindLLMJudge || c.Kind == KindHumanJudge
}
