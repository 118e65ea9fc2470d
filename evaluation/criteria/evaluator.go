// Package criteria evaluates programmatic rubric criteria against a parsed
// model response.
package criteria

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"ibbench/evaluation/rubric"
	"ibbench/internal/canonjson"
	iberrors "ibbench/internal/errors"
	"ibbench/internal/logging"
)

// Spreadsheet is the black-box predicate collaborator behind the excel match
// types. Implementations read the output workbook; this package never does.
type Spreadsheet interface {
	// CheckCellValue compares one cell with an expected value. actual is the
	// rendered cell content.
	CheckCellValue(path, cell string, expected any, sheet string, tolerance float64) (passed bool, actual string, details string, err error)
	// CheckFormatting returns the formatting violations found in cells. An
	// empty list means the cells follow the conventions.
	CheckFormatting(path string, cells []string, sheet string) (violations []string, err error)
}

// Input is what a programmatic criterion is evaluated against.
type Input struct {
	// Parsed is the decoded parsed_response object. Numbers are json.Number.
	Parsed map[string]any
	// OutputFiles are resolved paths of files the model produced.
	OutputFiles []string
}

// Result is the outcome of one programmatic criterion.
type Result struct {
	Passed   bool
	Expected any
	Actual   string
	Details  string
	// Err classifies a recoverable evaluation failure (unknown match type,
	// missing output file). Nil for ordinary passes and fails.
	Err error
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithSpreadsheet sets the predicate used for excel_cell_value and excel_formatting.
func WithSpreadsheet(s Spreadsheet) Option {
	return func(e *Evaluator) { e.sheets = s }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(e *Evaluator) { e.logger = logger }
}

// Evaluator dispatches each programmatic criterion to the evaluator for its
// match type. It never returns an error: every failure becomes a failed Result.
type Evaluator struct {
	sheets Spreadsheet
	logger logging.Logger
}

// New constructs an Evaluator.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrNop(e.logger)
	return e
}

// Evaluate runs a single programmatic criterion.
func (e *Evaluator) Evaluate(c rubric.Criterion, in Input) Result {
	value := Value(c, in.Parsed)

	switch check := c.Check.(type) {
	case rubric.SubstringOneOf:
		passed, details := SubstringOneOf(value, check)
		return Result{Passed: passed, Expected: check.Expected(), Actual: value, Details: details}
	case rubric.RegexPattern:
		passed, details := RegexPattern(value, check)
		return Result{Passed: passed, Expected: check.Expected(), Actual: value, Details: details}
	case rubric.ExcelCellValue:
		return e.cellValue(check, in.OutputFiles)
	case rubric.ExcelFormatting:
		return e.formatting(check, in.OutputFiles)
	default:
		var expected any
		if check != nil {
			expected = check.Expected()
		}
		e.logger.Warn("criterion %s has unknown match_type %q", c.ID, c.MatchType())
		return Result{
			Expected: expected,
			Actual:   value,
			Details:  fmt.Sprintf("Unknown match_type: %s", c.MatchType()),
			Err:      iberrors.ErrUnknownMatchType,
		}
	}
}

// Value returns the text a criterion is matched against: the whole parsed
// response serialized as JSON when search_full_response is set, otherwise the
// field named after the criterion id ("" when absent).
func Value(c rubric.Criterion, parsed map[string]any) string {
	if c.SearchFullResponse {
		data, err := canonjson.Marshal(parsed, canonjson.Options{})
		if err != nil {
			return ""
		}
		return string(data)
	}
	field, ok := parsed[c.ID]
	if !ok {
		return ""
	}
	return Stringify(field)
}

// Stringify renders a decoded JSON value the way the benchmark's answer keys
// expect: strings verbatim, numbers as written, booleans as True/False, null
// as None, and containers as JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return "None"
	case string:
		return val
	case bool:
		if val {
			return "True"
		}
		return "False"
	case json.Number:
		return val.String()
	case float64:
		return canonFloat(val)
	default:
		data, err := canonjson.Marshal(val, canonjson.Options{})
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

func canonFloat(f float64) string {
	data, err := canonjson.Marshal(f, canonjson.Options{})
	if err != nil {
		return fmt.Sprint(f)
	}
	return string(data)
}

// SubstringOneOf fails as soon as a forbidden element occurs literally in
// value, and otherwise passes when any accepted value occurs case-insensitively.
func SubstringOneOf(value string, check rubric.SubstringOneOf) (bool, string) {
	if forbidden, found := firstForbidden(value, check.ForbiddenElements); found {
		return false, fmt.Sprintf("Contains forbidden element: '%s'", forbidden)
	}
	upper := strings.ToUpper(value)
	for _, accepted := range check.AcceptedValues {
		if strings.Contains(upper, strings.ToUpper(accepted)) {
			return true, fmt.Sprintf("Found '%s' in response", accepted)
		}
	}
	return false, fmt.Sprintf("None of %s found in '%s'", quoteList(check.AcceptedValues), value)
}

// RegexPattern checks forbidden elements, then required elements, then the
// patterns. With no patterns the required elements alone decide.
func RegexPattern(value string, check rubric.RegexPattern) (bool, string) {
	if forbidden, found := firstForbidden(value, check.ForbiddenElements); found {
		return false, fmt.Sprintf("Contains forbidden element: '%s'", forbidden)
	}

	var missing []string
	for _, required := range check.RequiredElements {
		if !strings.Contains(value, required) {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		return false, fmt.Sprintf("Missing required elements: %s", quoteList(missing))
	}

	patterns := check.Patterns()
	if len(patterns) == 0 {
		return true, "All required elements present"
	}
	for i, re := range patterns {
		if re.MatchString(value) {
			return true, fmt.Sprintf("Matched pattern: %s", check.ValidPatterns[i])
		}
	}
	return false, fmt.Sprintf("No patterns matched in '%s'", value)
}

func firstForbidden(value string, forbidden []string) (string, bool) {
	for _, f := range forbidden {
		if f != "" && strings.Contains(value, f) {
			return f, true
		}
	}
	return "", false
}

func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + v + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func (e *Evaluator) cellValue(check rubric.ExcelCellValue, outputs []string) Result {
	result := Result{Expected: check.Expected()}
	path, ok := OutputFile(outputs, check.OutputFile)
	if !ok {
		return noOutputFile(result, check.OutputFile)
	}
	if e.sheets == nil {
		result.Details = "No spreadsheet checker configured"
		result.Err = iberrors.ErrNoSpreadsheetChecker
		return result
	}

	passed, actual, details, err := e.sheets.CheckCellValue(path, check.Cell, check.Value, check.Sheet, check.Tolerance)
	if err != nil {
		e.logger.Warn("cell check %s on %s failed: %v", check.Cell, path, err)
		result.Details = fmt.Sprintf("Cell check error: %v", err)
		result.Err = err
		return result
	}
	result.Passed = passed
	result.Actual = actual
	result.Details = details
	return result
}

func (e *Evaluator) formatting(check rubric.ExcelFormatting, outputs []string) Result {
	result := Result{Expected: check.Expected()}
	path, ok := OutputFile(outputs, check.OutputFile)
	if !ok {
		return noOutputFile(result, check.OutputFile)
	}
	if e.sheets == nil {
		result.Details = "No spreadsheet checker configured"
		result.Err = iberrors.ErrNoSpreadsheetChecker
		return result
	}

	violations, err := e.sheets.CheckFormatting(path, check.Cells, check.Sheet)
	if err != nil {
		e.logger.Warn("formatting check on %s failed: %v", path, err)
		result.Details = fmt.Sprintf("Formatting check error: %v", err)
		result.Err = err
		return result
	}
	if len(violations) == 0 {
		result.Passed = true
		result.Actual = "no violations"
		result.Details = "Formatting conventions followed"
		return result
	}
	result.Actual = strings.Join(violations, "; ")
	result.Details = fmt.Sprintf("Formatting violations: %s", quoteList(violations))
	return result
}

func noOutputFile(result Result, wanted string) Result {
	if wanted != "" {
		result.Details = fmt.Sprintf("No output file found: %s", wanted)
	} else {
		result.Details = "No output file found for spreadsheet check"
	}
	result.Err = iberrors.ErrNoOutputFile
	return result
}

var spreadsheetExts = map[string]struct{}{".xlsx": {}, ".xlsm": {}, ".xls": {}}

// OutputFile picks the file a spreadsheet check runs against: the output whose
// base name is wanted when set, otherwise the first workbook.
func OutputFile(outputs []string, wanted string) (string, bool) {
	for _, path := range outputs {
		if wanted != "" {
			if filepath.Base(path) == filepath.Base(wanted) {
				return path, true
			}
			continue
		}
		if _, ok := spreadsheetExts[strings.ToLower(filepath.Ext(path))]; ok {
			return path, true
		}
	}
	return "", false
}
