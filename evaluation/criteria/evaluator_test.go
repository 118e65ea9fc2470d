package criteria

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibbench/evaluation/rubric"
	iberrors "ibbench/internal/errors"
)

func parseCriterion(t *testing.T, body string) rubric.Criterion {
	t.Helper()
	r, err := rubric.Parse([]byte(`{"criteria": {"target": ` + body + `}}`))
	require.NoError(t, err)
	require.Len(t, r.Criteria, 1)
	return r.Criteria[0]
}

func TestSubstringOneOf(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		check   rubric.SubstringOneOf
		passed  bool
		details string
	}{
		{
			name:    "case insensitive match",
			value:   "the error is in row 140",
			check:   rubric.SubstringOneOf{AcceptedValues: []string{"Row 140", "140"}},
			passed:  true,
			details: "Found 'Row 140' in response",
		},
		{
			name:    "no match lists accepted values",
			value:   "Wrong location",
			check:   rubric.SubstringOneOf{AcceptedValues: []string{"Row 140", "140"}},
			passed:  false,
			details: "None of ['Row 140', '140'] found in 'Wrong location'",
		},
		{
			name:    "forbidden wins over accepted",
			value:   "Row 140 or Row 141",
			check:   rubric.SubstringOneOf{AcceptedValues: []string{"140"}, ForbiddenElements: []string{"141"}},
			passed:  false,
			details: "Contains forbidden element: '141'",
		},
		{
			name:   "forbidden is case sensitive",
			value:  "row 140, not ROW 141",
			check:  rubric.SubstringOneOf{AcceptedValues: []string{"140"}, ForbiddenElements: []string{"Row 141"}},
			passed: true,
		},
		{
			name:   "empty forbidden element ignored",
			value:  "140",
			check:  rubric.SubstringOneOf{AcceptedValues: []string{"140"}, ForbiddenElements: []string{""}},
			passed: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			passed, details := SubstringOneOf(tt.value, tt.check)
			assert.Equal(t, tt.passed, passed)
			if tt.details != "" {
				assert.Equal(t, tt.details, details)
			}
		})
	}
}

func TestSubstringForbiddenAlwaysFails(t *testing.T) {
	check := rubric.SubstringOneOf{AcceptedValues: []string{"a", "b", "c"}, ForbiddenElements: []string{"x"}}
	for _, value := range []string{"x", "ax", "abcx", "xa", "A x B"} {
		passed, _ := SubstringOneOf(value, check)
		assert.False(t, passed, value)
	}
}

func TestRegexPattern(t *testing.T) {
	formula := parseCriterion(t, `{
		"type": "programmatic", "match_type": "regex_pattern",
		"required_elements": ["138"], "forbidden_elements": ["#REF!"],
		"valid_patterns": ["sum\\(.*135.*139.*\\)"]
	}`).Check.(rubric.RegexPattern)
	requiredOnly := parseCriterion(t, `{
		"type": "programmatic", "match_type": "regex_pattern", "required_elements": ["138", "139"]
	}`).Check.(rubric.RegexPattern)

	tests := []struct {
		name    string
		value   string
		check   rubric.RegexPattern
		passed  bool
		details string
	}{
		{"match", "=SUM(L135:L139) includes 138", formula, true, `Matched pattern: sum\(.*135.*139.*\)`},
		{"forbidden first", "#REF! 138 =SUM(L135:L139)", formula, false, "Contains forbidden element: '#REF!'"},
		{"missing required", "=SUM(A1:A10)", formula, false, "Missing required elements: ['138']"},
		{"no pattern", "138 but SUM(A1)", formula, false, "No patterns matched in '138 but SUM(A1)'"},
		{"required only", "rows 138 and 139", requiredOnly, true, "All required elements present"},
		{"required only missing", "row 138", requiredOnly, false, "Missing required elements: ['139']"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			passed, details := RegexPattern(tt.value, tt.check)
			assert.Equal(t, tt.passed, passed)
			assert.Equal(t, tt.details, details)
		})
	}
}

func TestValue(t *testing.T) {
	var parsed map[string]any
	require.NoError(t, decodeNumbers(`{"target": 140, "flag": true, "nothing": null, "nested": {"b": 1, "a": "x"}, "text": "Row 140"}`, &parsed))

	assert.Equal(t, "140", Value(rubric.Criterion{ID: "target"}, parsed))
	assert.Equal(t, "True", Value(rubric.Criterion{ID: "flag"}, parsed))
	assert.Equal(t, "None", Value(rubric.Criterion{ID: "nothing"}, parsed))
	assert.Equal(t, `{"a": "x", "b": 1}`, Value(rubric.Criterion{ID: "nested"}, parsed))
	assert.Equal(t, "Row 140", Value(rubric.Criterion{ID: "text"}, parsed))
	assert.Equal(t, "", Value(rubric.Criterion{ID: "absent"}, parsed))

	full := Value(rubric.Criterion{ID: "absent", SearchFullResponse: true}, parsed)
	assert.Contains(t, full, `"text": "Row 140"`)
	assert.Contains(t, full, `"target": 140`)
}

func TestEvaluateSearchFullResponse(t *testing.T) {
	c := parseCriterion(t, `{
		"type": "programmatic", "match_type": "substring_one_of",
		"accepted_values": ["maintenance capex"], "search_full_response": true
	}`)
	e := New()
	res := e.Evaluate(c, Input{Parsed: map[string]any{"explanation": "Maintenance Capex was excluded"}})
	assert.True(t, res.Passed)
	assert.Equal(t, []string{"maintenance capex"}, res.Expected)
}

func TestEvaluateUnknownMatchType(t *testing.T) {
	c := parseCriterion(t, `{"type": "programmatic", "match_type": "fuzzy", "points": 5}`)
	res := New().Evaluate(c, Input{Parsed: map[string]any{"target": "anything"}})

	assert.False(t, res.Passed)
	assert.Equal(t, "Unknown match_type: fuzzy", res.Details)
	assert.Equal(t, "anything", res.Actual)
	assert.ErrorIs(t, res.Err, iberrors.ErrUnknownMatchType)
}

type fakeSheet struct {
	path       string
	violations []string
	err        error
}

func (f *fakeSheet) CheckCellValue(path, cell string, expected any, sheet string, tolerance float64) (bool, string, string, error) {
	f.path = path
	if f.err != nil {
		return false, "", "", f.err
	}
	return expected == 42.0, "42", "Cell " + cell + " matches", nil
}

func (f *fakeSheet) CheckFormatting(path string, cells []string, sheet string) ([]string, error) {
	f.path = path
	return f.violations, f.err
}

func TestEvaluateExcelDelegates(t *testing.T) {
	cell := parseCriterion(t, `{"type": "programmatic", "match_type": "excel_cell_value", "cell": "B7", "expected": 42}`)
	format := parseCriterion(t, `{"type": "programmatic", "match_type": "excel_formatting", "cells": ["B7", "C7"], "output_file": "model.xlsx"}`)
	outputs := []string{"/run/notes.txt", "/run/first.xlsx", "/run/model.xlsx"}

	sheet := &fakeSheet{}
	e := New(WithSpreadsheet(sheet))

	res := e.Evaluate(cell, Input{OutputFiles: outputs})
	assert.True(t, res.Passed)
	assert.Equal(t, "/run/first.xlsx", sheet.path)
	assert.Equal(t, "42", res.Actual)
	assert.Equal(t, rubric.CellExpected{Cell: "B7", Expected: 42.0}, res.Expected)

	res = e.Evaluate(format, Input{OutputFiles: outputs})
	assert.True(t, res.Passed)
	assert.Equal(t, "/run/model.xlsx", sheet.path)

	sheet.violations = []string{"B7: hardcoded value in formula"}
	res = e.Evaluate(format, Input{OutputFiles: outputs})
	assert.False(t, res.Passed)
	assert.Equal(t, "Formatting violations: ['B7: hardcoded value in formula']", res.Details)

	sheet.err = errors.New("corrupt workbook")
	res = e.Evaluate(cell, Input{OutputFiles: outputs})
	assert.False(t, res.Passed)
	assert.Contains(t, res.Details, "corrupt workbook")
}

func TestEvaluateExcelWithoutOutputOrChecker(t *testing.T) {
	cell := parseCriterion(t, `{"type": "programmatic", "match_type": "excel_cell_value", "cell": "B7", "expected": 1}`)

	res := New(WithSpreadsheet(&fakeSheet{})).Evaluate(cell, Input{OutputFiles: []string{"/run/out.csv"}})
	assert.False(t, res.Passed)
	assert.Equal(t, "No output file found for spreadsheet check", res.Details)
	assert.ErrorIs(t, res.Err, iberrors.ErrNoOutputFile)

	res = New().Evaluate(cell, Input{OutputFiles: []string{"/run/out.XLSX"}})
	assert.False(t, res.Passed)
	assert.ErrorIs(t, res.Err, iberrors.ErrNoSpreadsheetChecker)
}

func decodeNumbers(data string, v any) error {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
