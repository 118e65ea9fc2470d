package logging

import (
	"bytes"
	"fmt"
	"testing"

	"ibbench/internal/observability"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Debug(format string, args ...any) { r.add("DEBUG", format, args...) }
func (r *recordingLogger) Info(format string, args ...any)  { r.add("INFO", format, args...) }
func (r *recordingLogger) Warn(format string, args ...any)  { r.add("WARN", format, args...) }
func (r *recordingLogger) Error(format string, args ...any) { r.add("ERROR", format, args...) }

func (r *recordingLogger) add(level, format string, args ...any) {
	r.lines = append(r.lines, level+" "+fmt.Sprintf(format, args...))
}

func TestOrNopHandlesTypedNilPointers(t *testing.T) {
	var typed *recordingLogger
	var logger Logger = typed
	if !isNil(logger) {
		t.Fatalf("expected typed nil pointer to be detected")
	}
	safe := OrNop(logger)
	if isNil(safe) {
		t.Fatalf("expected OrNop to return a usable logger")
	}
	safe.Info("hello %s", "world")
}

func TestFromObservabilityFormatsMessages(t *testing.T) {
	buf := &bytes.Buffer{}
	base := observability.NewLogger(observability.LogConfig{
		Level:  "info",
		Format: "text",
		Output: buf,
	})

	logger := FromObservabilityWithComponent(base, "scoring")
	logger.Info("task %s scored", "e-001")

	if want := "task e-001 scored"; !bytes.Contains(buf.Bytes(), []byte(want)) {
		t.Fatalf("expected %q in output, got %q", want, buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("component=scoring")) {
		t.Fatalf("expected component attribute, got %q", buf.String())
	}
}
