// Package diff renders line diffs between two versions of a score record.
package diff

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Generator renders line-oriented diffs.
type Generator struct {
	colorEnabled bool
}

// NewGenerator creates a diff generator. Color codes are only emitted when
// colorEnabled is set.
func NewGenerator(colorEnabled bool) *Generator {
	return &Generator{colorEnabled: colorEnabled}
}

// Result contains a rendered diff and its statistics.
type Result struct {
	Unified      string
	AddedLines   int
	DeletedLines int
}

// Empty reports whether the two versions were identical.
func (r Result) Empty() bool { return r.AddedLines == 0 && r.DeletedLines == 0 }

// Generate diffs oldContent against newContent line by line. Only changed
// lines are rendered, each hunk introduced by the line number it starts at in
// the new version.
func (g *Generator) Generate(oldContent, newContent, name string) Result {
	if oldContent == newContent {
		return Result{}
	}

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out strings.Builder
	out.WriteString(g.colorize("--- a/"+name+"\n", color.FgRed))
	out.WriteString(g.colorize("+++ b/"+name+"\n", color.FgGreen))

	result := Result{}
	newLine := 1
	inHunk := false
	for _, d := range diffs {
		chunk := splitLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			newLine += len(chunk)
			inHunk = false
		case diffmatchpatch.DiffDelete:
			if !inHunk {
				out.WriteString(g.colorize(fmt.Sprintf("@@ %d @@\n", newLine), color.FgCyan))
				inHunk = true
			}
			for _, line := range chunk {
				out.WriteString(g.colorize("-"+line+"\n", color.FgRed))
			}
			result.DeletedLines += len(chunk)
		case diffmatchpatch.DiffInsert:
			if !inHunk {
				out.WriteString(g.colorize(fmt.Sprintf("@@ %d @@\n", newLine), color.FgCyan))
				inHunk = true
			}
			for _, line := range chunk {
				out.WriteString(g.colorize("+"+line+"\n", color.FgGreen))
			}
			result.AddedLines += len(chunk)
			newLine += len(chunk)
		}
	}
	result.Unified = out.String()
	return result
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

func (g *Generator) colorize(text string, attr color.Attribute) string {
	if !g.colorEnabled {
		return text
	}
	c := color.New(attr)
	c.EnableColor()
	return c.Sprint(text)
}
