package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

// Configuration keys. Environment variables use the IBSCORE_ prefix and the
// upper-cased key; flags use the key with dashes.
const (
	KeyResultsDir    = "results_dir"
	KeyTasksDir      = "tasks_dir"
	KeyJudgeModel    = "judge_model"
	KeyJudgeCommand  = "judge_command"
	KeyJudgePrompt   = "judge_prompt"
	KeyLogLevel      = "log_level"
	KeyLogFormat     = "log_format"
	KeyMetricsFile   = "metrics_file"
	KeyTaskCacheSize = "task_cache_size"
)

// Keys lists every configuration key.
var Keys = []string{
	KeyResultsDir, KeyTasksDir, KeyJudgeModel, KeyJudgeCommand, KeyJudgePrompt,
	KeyLogLevel, KeyLogFormat, KeyMetricsFile, KeyTaskCacheSize,
}

const (
	DefaultResultsDir    = "eval"
	DefaultTasksDir      = "tasks"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultTaskCacheSize = 128
)

// Config is the resolved scorer configuration.
type Config struct {
	// ResultsDir holds responses/<model>/<run> and scores/<model>/<run>.
	ResultsDir string `mapstructure:"results_dir" yaml:"results_dir"`
	TasksDir   string `mapstructure:"tasks_dir" yaml:"tasks_dir"`
	// JudgeModel is reported as the judge of judged records.
	JudgeModel string `mapstructure:"judge_model" yaml:"judge_model"`
	// JudgeCommand runs the judge; empty disables automated judging.
	JudgeCommand string `mapstructure:"judge_command" yaml:"judge_command"`
	// JudgePrompt is an optional path to a judge prompt template.
	JudgePrompt   string `mapstructure:"judge_prompt" yaml:"judge_prompt"`
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat     string `mapstructure:"log_format" yaml:"log_format"`
	MetricsFile   string `mapstructure:"metrics_file" yaml:"metrics_file"`
	TaskCacheSize int    `mapstructure:"task_cache_size" yaml:"task_cache_size"`
}

// RunDirs resolves a MODEL/RUN reference to its responses and scores
// directories.
func (c Config) RunDirs(run string) (responses, scores string, err error) {
	run = strings.Trim(filepath.ToSlash(strings.TrimSpace(run)), "/")
	parts := strings.Split(run, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || parts[0] == ".." || parts[1] == ".." {
		return "", "", fmt.Errorf("run must be MODEL/RUN, got %q", run)
	}
	responses = filepath.Join(c.ResultsDir, "responses", parts[0], parts[1])
	scores = filepath.Join(c.ResultsDir, "scores", parts[0], parts[1])
	return responses, scores, nil
}

// Metadata contains provenance details for loaded configuration.
type Metadata struct {
	sources  map[string]ValueSource
	file     string
	loadedAt time.Time
}

// Sources returns a copy of the provenance map.
func (m Metadata) Sources() map[string]ValueSource {
	out := make(map[string]ValueSource, len(m.sources))
	for key, value := range m.sources {
		out[key] = value
	}
	return out
}

// Source returns the origin for the given configuration key.
func (m Metadata) Source(key string) ValueSource {
	if src, ok := m.sources[key]; ok {
		return src
	}
	return SourceDefault
}

// File is the config file that was read, empty when none was.
func (m Metadata) File() string { return m.file }

// LoadedAt returns the timestamp when the configuration was constructed.
func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}
