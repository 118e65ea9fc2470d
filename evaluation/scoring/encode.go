package scoring

import (
	"bytes"
	"encoding/json"
)

// EncodeJSON renders v in the at-rest layout shared by score records and
// run summaries.
func EncodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ResponseText renders a parsed response for the judge.
func ResponseText(parsed map[string]any) string {
	data, err := EncodeJSON(parsed)
	if err != nil {
		return ""
	}
	return string(bytes.TrimRight(data, "\n"))
}

func marshalNoHTML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
