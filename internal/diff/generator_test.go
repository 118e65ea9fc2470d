package diff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateIdentical(t *testing.T) {
	result := NewGenerator(false).Generate("a\nb\n", "a\nb\n", "e-001.json")
	assert.True(t, result.Empty())
	assert.Empty(t, result.Unified)
}

func TestGenerateChangedLines(t *testing.T) {
	oldContent := "{\n  \"passed\": false,\n  \"points_earned\": 42,\n  \"judge\": \"x\"\n}\n"
	newContent := "{\n  \"passed\": true,\n  \"points_earned\": 85,\n  \"judge\": \"x\"\n}\n"

	result := NewGenerator(false).Generate(oldContent, newContent, "e-001.json")
	assert.Equal(t, 2, result.AddedLines)
	assert.Equal(t, 2, result.DeletedLines)
	assert.Equal(t, strings.Join([]string{
		"--- a/e-001.json",
		"+++ b/e-001.json",
		"@@ 2 @@",
		`-  "passed": false,`,
		`-  "points_earned": 42,`,
		`+  "passed": true,`,
		`+  "points_earned": 85,`,
		"",
	}, "\n"), result.Unified)
	assert.NotContains(t, result.Unified, `"judge"`)
}

func TestGenerateAppendAndColor(t *testing.T) {
	result := NewGenerator(false).Generate("a\n", "a\nb\nc\n", "f")
	assert.Equal(t, 2, result.AddedLines)
	assert.Zero(t, result.DeletedLines)
	assert.Contains(t, result.Unified, "@@ 2 @@\n+b\n+c\n")

	colored := NewGenerator(true).Generate("a\n", "b\n", "f")
	assert.Contains(t, colored.Unified, "\x1b[")
}
