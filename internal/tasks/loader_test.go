package tasks

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	iberrors "ibbench/internal/errors"
)

const testRubric = `{"task_id": "e-001", "criteria": {"a": {"type": "llm_judge", "points": 10}}}`

func writeTask(t *testing.T, root, dirName, meta string) string {
	t.Helper()
	dir := filepath.Join(root, dirName)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meta.yaml"), []byte(meta), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prompt.md"), []byte("Find the error."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rubric.json"), []byte(testRubric), 0o644))
	return dir
}

func TestLoadDir(t *testing.T) {
	root := t.TempDir()
	dir := writeTask(t, root, "e-001-done", `
task:
  id: e-001
  type: fix-error
  category: excel
  description: Locate the subtotal error
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "input.xlsx"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "input_notes.pdf"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "solution.xlsx"), []byte("x"), 0o644))

	task, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, "e-001", task.ID)
	assert.Equal(t, "fix-error", task.Type)
	assert.Equal(t, "excel", task.Category)
	assert.Equal(t, "Find the error.", task.Prompt)
	assert.Len(t, task.Rubric.LLMJudge(), 1)
	assert.Equal(t, []string{filepath.Join(dir, "input.xlsx"), filepath.Join(dir, "input_notes.pdf")}, task.InputFiles)

	st := task.Scoring()
	assert.Equal(t, "e-001", st.ID)
	assert.Equal(t, "Find the error.", st.Prompt)
}

func TestLoadDirErrors(t *testing.T) {
	root := t.TempDir()
	dir := writeTask(t, root, "e-002", "just a comment blurb")
	_, err := LoadDir(dir)
	require.Error(t, err)

	dir = writeTask(t, root, "e-003", "task:\n  id: e-003\n")
	require.NoError(t, os.Remove(filepath.Join(dir, "rubric.json")))
	_, err = LoadDir(dir)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestTaskID(t *testing.T) {
	assert.Equal(t, "e-001", TaskID("e-001-done"))
	assert.Equal(t, "m-004", TaskID("m-004-working"))
	assert.Equal(t, "h-010", TaskID("h-010"))
}

func TestLoaderIndexesAndCaches(t *testing.T) {
	root := t.TempDir()
	writeTask(t, root, "e-001-done", "task:\n  id: e-001\n")
	writeTask(t, root, "m-002-working", "task:\n  id: m-002\n")
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("x"), 0o644))

	loader, err := NewLoader(root, WithCacheSize(1))
	require.NoError(t, err)

	ids, err := loader.IDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"e-001", "m-002"}, ids)

	first, err := loader.Load("e-001")
	require.NoError(t, err)
	again, err := loader.Load("e-001")
	require.NoError(t, err)
	assert.Same(t, first, again)

	st, err := loader.Task("m-002")
	require.NoError(t, err)
	assert.Equal(t, "m-002", st.ID)

	_, err = loader.Task("x-999")
	assert.True(t, errors.Is(err, iberrors.ErrTaskNotFound))
}

func TestNewLoaderValidation(t *testing.T) {
	_, err := NewLoader("")
	require.Error(t, err)

	loader, err := NewLoader(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	_, err = loader.IDs()
	require.Error(t, err)
}
