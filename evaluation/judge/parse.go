package judge

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

type envelope struct {
	Scores map[string]json.RawMessage `json:"scores"`
}

type rawScore struct {
	Score     any    `json:"score"`
	Reasoning string `json:"reasoning"`
}

// ParseScores recovers per-criterion scores from raw judge output. It tries
// the text as JSON, a fenced ```json block, the outermost brace slice, a
// jsonrepair pass over that slice, and finally prose lines such as
// "accuracy: 0.8" for the given criterion ids.
//
// Scores are clamped to [0,1]. Entries whose score is not a number are
// dropped, which later reports the criterion as not scored.
func ParseScores(raw string, criterionIDs []string) (Scores, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, ErrOutputEmpty
	}

	decodedAny := false
	for _, candidate := range jsonCandidates(text) {
		scores, ok := decodeScores(candidate)
		if !ok {
			continue
		}
		decodedAny = true
		if len(scores) > 0 {
			return scores, nil
		}
	}

	if scores := proseScores(text, criterionIDs); len(scores) > 0 {
		return scores, nil
	}
	if decodedAny {
		return nil, ErrOutputEmpty
	}
	return nil, &ParseError{Raw: raw, Err: errors.New("no JSON scores or prose scores found")}
}

func jsonCandidates(text string) []string {
	candidates := []string{text}
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	start := strings.Index(text, "{")
	if start < 0 {
		return candidates
	}
	slice := text[start:]
	if end := strings.LastIndex(text, "}"); end > start {
		slice = text[start : end+1]
		candidates = append(candidates, slice)
	}
	if repaired, err := jsonrepair.JSONRepair(slice); err == nil {
		candidates = append(candidates, repaired)
	}
	return candidates
}

// decodeScores reports ok when candidate is a JSON object, even one without
// any scores.
func decodeScores(candidate string) (Scores, bool) {
	dec := json.NewDecoder(bytes.NewReader([]byte(candidate)))
	dec.UseNumber()
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, false
	}

	scores := make(Scores, len(env.Scores))
	for id, body := range env.Scores {
		var entry rawScore
		d := json.NewDecoder(bytes.NewReader(body))
		d.UseNumber()
		if err := d.Decode(&entry); err != nil {
			continue
		}
		n, ok := entry.Score.(json.Number)
		if !ok {
			continue
		}
		value, err := n.Float64()
		if err != nil || math.IsNaN(value) {
			continue
		}
		scores[id] = Score{Score: clamp(value), Reasoning: entry.Reasoning}
	}
	return scores, true
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

const proseReasoning = "Parsed from prose"

func proseScores(text string, criterionIDs []string) Scores {
	lower := strings.ToLower(text)
	scores := make(Scores)
	for _, id := range criterionIDs {
		for _, variant := range idVariants(id) {
			if value, ok := matchProse(lower, variant); ok {
				scores[id] = Score{Score: value, Reasoning: proseReasoning}
				break
			}
		}
	}
	return scores
}

func idVariants(id string) []string {
	lower := strings.ToLower(id)
	return []string{lower, strings.ReplaceAll(lower, "_", " "), strings.ReplaceAll(lower, "_", "")}
}

func matchProse(text, variant string) (float64, bool) {
	q := regexp.QuoteMeta(variant)
	patterns := []string{
		`\*?\*?` + q + `\*?\*?[:\s]+(\d+\.?\d*)\s*/\s*1\.?0?`,
		`\*?\*?` + q + `\*?\*?[:\s]+(\d+\.?\d*)(?:/|\s|$)`,
		q + `[:\-\s]+(\d+\.?\d*)`,
		q + `[^0-9]*(\d+\.?\d*)\s*/\s*1`,
	}
	for _, pattern := range patterns {
		m := regexp.MustCompile(pattern).FindStringSubmatch(text)
		if m == nil {
			continue
		}
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		if value > 1 {
			value /= 100
		}
		return math.Min(value, 1), true
	}
	return 0, false
}
