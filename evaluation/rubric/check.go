package rubric

import (
	"encoding/json"
	"regexp"
)

// Check is the match-type specific part of a programmatic criterion.
type Check interface {
	MatchType() MatchType
	// Expected is the value recorded as "expected" on a criterion result.
	Expected() any
}

// SubstringOneOf passes when any accepted value occurs in the answer,
// case-insensitively, and no forbidden element occurs literally.
type SubstringOneOf struct {
	AcceptedValues    []string
	ForbiddenElements []string
}

func (SubstringOneOf) MatchType() MatchType { return MatchSubstringOneOf }

func (s SubstringOneOf) Expected() any { return s.AcceptedValues }

// RegexPattern requires every required element literally, rejects forbidden
// elements, and passes when any pattern matches case-insensitively. With no
// patterns, the required elements alone decide.
type RegexPattern struct {
	ValidPatterns     []string
	RequiredElements  []string
	ForbiddenElements []string

	compiled []*regexp.Regexp
}

func (RegexPattern) MatchType() MatchType { return MatchRegexPattern }

// RegexExpected is the recorded expectation of a regex_pattern criterion.
type RegexExpected struct {
	Patterns  []string `json:"patterns"`
	Required  []string `json:"required"`
	Forbidden []string `json:"forbidden"`
}

func (r RegexPattern) Expected() any {
	return RegexExpected{Patterns: r.ValidPatterns, Required: r.RequiredElements, Forbidden: r.ForbiddenElements}
}

// Patterns returns the compiled, case-insensitive patterns in declaration order.
func (r RegexPattern) Patterns() []*regexp.Regexp { return r.compiled }

// ExcelCellValue compares one cell of the task's output workbook with an
// expected value. Comparison is delegated to a spreadsheet predicate.
type ExcelCellValue struct {
	Cell       string
	Sheet      string
	Value      any
	Tolerance  float64
	OutputFile string
}

func (ExcelCellValue) MatchType() MatchType { return MatchExcelCellValue }

// CellExpected is the recorded expectation of an excel_cell_value criterion.
type CellExpected struct {
	Cell      string  `json:"cell"`
	Sheet     string  `json:"sheet,omitempty"`
	Expected  any     `json:"expected"`
	Tolerance float64 `json:"tolerance,omitempty"`
}

func (e ExcelCellValue) Expected() any {
	return CellExpected{Cell: e.Cell, Sheet: e.Sheet, Expected: e.Value, Tolerance: e.Tolerance}
}

// ExcelFormatting checks formatting conventions on a set of cells. The
// predicate returns the list of violations; none means pass.
type ExcelFormatting struct {
	Cells      []string
	Sheet      string
	OutputFile string
}

func (ExcelFormatting) MatchType() MatchType { return MatchExcelFormatting }

// FormattingExpected is the recorded expectation of an excel_formatting criterion.
type FormattingExpected struct {
	Cells []string `json:"cells"`
	Sheet string   `json:"sheet,omitempty"`
}

func (f ExcelFormatting) Expected() any {
	return FormattingExpected{Cells: f.Cells, Sheet: f.Sheet}
}

// UnknownCheck keeps a criterion whose match type has no evaluator so that
// evaluation can report it instead of the whole rubric failing to load.
type UnknownCheck struct {
	Type string
	Raw  json.RawMessage
}

func (u UnknownCheck) MatchType() MatchType { return MatchType(u.Type) }

func (u UnknownCheck) Expected() any { return u.Raw }
