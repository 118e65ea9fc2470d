package rubric

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"ibbench/internal/canonjson"
)

type rawRubric struct {
	TaskID      string          `json:"task_id"`
	Version     json.RawMessage `json:"version"`
	TotalPoints *float64        `json:"total_points"`
	Criteria    json.RawMessage `json:"criteria"`
}

type rawCriterion struct {
	ID                 string          `json:"id"`
	Type               string          `json:"type"`
	MatchType          string          `json:"match_type"`
	Description        string          `json:"description"`
	Points             float64         `json:"points"`
	GatesLLM           bool            `json:"gates_llm"`
	SearchFullResponse bool            `json:"search_full_response"`
	AcceptedValues     []string        `json:"accepted_values"`
	ForbiddenElements  []string        `json:"forbidden_elements"`
	ValidPatterns      []string        `json:"valid_patterns"`
	RequiredElements   []string        `json:"required_elements"`
	Cell               string          `json:"cell"`
	Cells              []string        `json:"cells"`
	Sheet              string          `json:"sheet"`
	Expected           any             `json:"expected"`
	Tolerance          float64         `json:"tolerance"`
	OutputFile         string          `json:"output_file"`
	CoreConcepts       []string        `json:"core_concepts"`
	ScoringGuide       json.RawMessage `json:"scoring_guide"`
}

type criterionEntry struct {
	id   string
	body json.RawMessage
}

// Load reads and parses a rubric file.
func Load(path string) (*Rubric, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rubric: %w", err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("rubric %s: %w", path, err)
	}
	return r, nil
}

// Parse decodes and validates a JSON rubric. Criteria may be given as an
// object keyed by id (declaration order is kept) or as a list of objects with
// an "id" field.
func Parse(data []byte) (*Rubric, error) {
	var raw rawRubric
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode rubric: %w", err)
	}

	hash, err := Hash(data)
	if err != nil {
		return nil, err
	}

	r := &Rubric{
		TaskID:      raw.TaskID,
		Version:     flexString(raw.Version),
		TotalPoints: DefaultTotalPoints,
		hash:        hash,
	}
	if raw.TotalPoints != nil {
		r.TotalPoints = *raw.TotalPoints
	}
	if r.TotalPoints < 0 {
		return nil, fmt.Errorf("total_points must not be negative, got %v", r.TotalPoints)
	}

	entries, err := criterionEntries(raw.Criteria)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if _, dup := seen[entry.id]; dup {
			return nil, fmt.Errorf("duplicate criterion %q", entry.id)
		}
		seen[entry.id] = struct{}{}

		c, err := decodeCriterion(entry)
		if err != nil {
			return nil, fmt.Errorf("criterion %q: %w", entry.id, err)
		}
		r.Criteria = append(r.Criteria, c)
	}
	r.partition()
	return r, nil
}

// Hash returns the first 8 hex characters of the SHA-256 of the rubric's
// canonical JSON rendering (sorted keys, ASCII escaped).
func Hash(data []byte) (string, error) {
	canonical, err := canonjson.Canonicalize(data, canonjson.Options{ASCII: true})
	if err != nil {
		return "", fmt.Errorf("hash rubric: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:8], nil
}

func criterionEntries(raw json.RawMessage) ([]criterionEntry, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decode criteria list: %w", err)
		}
		entries := make([]criterionEntry, 0, len(items))
		for i, item := range items {
			var head struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(item, &head); err != nil {
				return nil, fmt.Errorf("decode criteria[%d]: %w", i, err)
			}
			if strings.TrimSpace(head.ID) == "" {
				return nil, fmt.Errorf("criteria[%d]: id is required", i)
			}
			entries = append(entries, criterionEntry{id: head.ID, body: item})
		}
		return entries, nil
	case '{':
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		if _, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("decode criteria: %w", err)
		}
		var entries []criterionEntry
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("decode criteria: %w", err)
			}
			id, ok := tok.(string)
			if !ok {
				return nil, fmt.Errorf("decode criteria: unexpected token %v", tok)
			}
			var body json.RawMessage
			if err := dec.Decode(&body); err != nil {
				return nil, fmt.Errorf("decode criterion %q: %w", id, err)
			}
			entries = append(entries, criterionEntry{id: id, body: body})
		}
		return entries, nil
	default:
		return nil, errors.New("criteria must be an object or a list")
	}
}

func decodeCriterion(entry criterionEntry) (Criterion, error) {
	var raw rawCriterion
	if err := json.Unmarshal(entry.body, &raw); err != nil {
		return Criterion{}, fmt.Errorf("decode: %w", err)
	}
	if raw.Points < 0 {
		return Criterion{}, fmt.Errorf("points must not be negative, got %v", raw.Points)
	}

	c := Criterion{
		ID:                 entry.id,
		Kind:               Kind(raw.Type),
		Description:        raw.Description,
		Points:             raw.Points,
		GatesLLM:           raw.GatesLLM,
		SearchFullResponse: raw.SearchFullResponse,
	}

	switch c.Kind {
	case KindProgrammatic:
		check, err := decodeCheck(raw, entry.body)
		if err != nil {
			return Criterion{}, err
		}
		c.Check = check
	case KindLLMJudge, KindHumanJudge:
		if raw.GatesLLM {
			return Criterion{}, errors.New("gates_llm is only valid on programmatic criteria")
		}
		c.CoreConcepts = nonNil(raw.CoreConcepts)
		c.ScoringGuide = flexString(raw.ScoringGuide)
	case "":
		return Criterion{}, errors.New("type is required")
	default:
		return Criterion{}, fmt.Errorf("unknown type %q", raw.Type)
	}
	return c, nil
}

func decodeCheck(raw rawCriterion, body json.RawMessage) (Check, error) {
	switch MatchType(raw.MatchType) {
	case MatchSubstringOneOf:
		return SubstringOneOf{
			AcceptedValues:    nonNil(raw.AcceptedValues),
			ForbiddenElements: nonNil(raw.ForbiddenElements),
		}, nil
	case MatchRegexPattern:
		check := RegexPattern{
			ValidPatterns:     nonNil(raw.ValidPatterns),
			RequiredElements:  nonNil(raw.RequiredElements),
			ForbiddenElements: nonNil(raw.ForbiddenElements),
		}
		for _, pattern := range check.ValidPatterns {
			re, err := regexp.Compile("(?i)" + pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
			}
			check.compiled = append(check.compiled, re)
		}
		return check, nil
	case MatchExcelCellValue:
		if strings.TrimSpace(raw.Cell) == "" {
			return nil, errors.New("excel_cell_value requires cell")
		}
		if raw.Tolerance < 0 {
			return nil, fmt.Errorf("tolerance must not be negative, got %v", raw.Tolerance)
		}
		return ExcelCellValue{
			Cell:       raw.Cell,
			Sheet:      raw.Sheet,
			Value:      raw.Expected,
			Tolerance:  raw.Tolerance,
			OutputFile: raw.OutputFile,
		}, nil
	case MatchExcelFormatting:
		if len(raw.Cells) == 0 {
			return nil, errors.New("excel_formatting requires cells")
		}
		return ExcelFormatting{Cells: raw.Cells, Sheet: raw.Sheet, OutputFile: raw.OutputFile}, nil
	default:
		return UnknownCheck{Type: raw.MatchType, Raw: body}, nil
	}
}

// flexString renders a JSON string as its value and anything else as compact JSON.
func flexString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return string(trimmed)
	}
	return buf.String()
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
