// Package canonjson renders JSON values in the canonical layout shared with the
// benchmark's existing score files: keys sorted, ", " and ": " separators,
// float literals normalized to their shortest round-tripping form with a
// fraction or an exponent, and optional escaping of every non-ASCII
// character. Rubric hashes and full-response search values depend on this
// exact layout.
package canonjson

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Options controls the rendering.
type Options struct {
	// ASCII escapes every rune outside printable ASCII as \uXXXX.
	ASCII bool
}

// Marshal renders v. Values that are not plain JSON trees (structs, typed
// slices) are first round-tripped through encoding/json.
func Marshal(v any, opts Options) ([]byte, error) {
	var buf bytes.Buffer
	if err := write(&buf, v, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Canonicalize decodes raw JSON, keeping number literals intact, and renders it.
func Canonicalize(raw []byte, opts Options) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return Marshal(v, opts)
}

func write(buf *bytes.Buffer, v any, opts Options) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		s, err := formatNumber(t)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case float64:
		s, err := formatFloat(t)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case int:
		buf.WriteString(strconv.Itoa(t))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case string:
		writeString(buf, t, opts.ASCII)
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteString(", ")
			}
			if err := write(buf, item, opts); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(", ")
			}
			writeString(buf, k, opts.ASCII)
			buf.WriteString(": ")
			if err := write(buf, t[k], opts); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var generic any
		if err := dec.Decode(&generic); err != nil {
			return err
		}
		return write(buf, generic, opts)
	}
	return nil
}

// formatNumber keeps integer literals as written and normalizes float
// literals, so "1.50", "1E5" and "1e21" render as 1.5, 100000.0 and 1e+21.
func formatNumber(n json.Number) (string, error) {
	lit := n.String()
	if !strings.ContainsAny(lit, ".eE") {
		if strings.TrimPrefix(lit, "-") == "0" {
			return "0", nil
		}
		return lit, nil
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return "", fmt.Errorf("number %q: %w", lit, err)
	}
	return formatFloat(f)
}

// formatFloat renders the shortest round-tripping form, always with a
// fraction or an exponent. Exponent form is used below 1e-4 and from 1e16 up.
// Non-finite values render as Infinity, -Infinity and NaN.
func formatFloat(f float64) (string, error) {
	switch {
	case math.IsNaN(f):
		return "NaN", nil
	case math.IsInf(f, 1):
		return "Infinity", nil
	case math.IsInf(f, -1):
		return "-Infinity", nil
	case f == 0:
		if math.Signbit(f) {
			return "-0.0", nil
		}
		return "0.0", nil
	}
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	exp, err := strconv.Atoi(sci[strings.IndexByte(sci, 'e')+1:])
	if err != nil {
		return "", fmt.Errorf("format %v: %w", f, err)
	}
	if exp < -4 || exp >= 16 {
		return sci, nil
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s, nil
}

func writeString(buf *bytes.Buffer, s string, ascii bool) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			switch {
			case r < 0x20:
				fmt.Fprintf(buf, `\u%04x`, r)
			case ascii && r > 0x7e:
				if r > 0xffff {
					hi, lo := utf16.EncodeRune(r)
					fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
					continue
				}
				fmt.Fprintf(buf, `\u%04x`, r)
			default:
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}
