package runscore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ibbench/evaluation/scoring"
)

// RunConfigFile holds a run's metadata and is never scored.
const RunConfigFile = "config.json"

const unknownModel = "unknown"

// ErrResponseExists is returned by MarkBlocked when the task already has a
// response in the run.
var ErrResponseExists = errors.New("response already exists")

type blockedUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	LatencyMS    int `json:"latency_ms"`
}

type blockedResponse struct {
	TaskID         string       `json:"task_id"`
	Model          string       `json:"model"`
	Timestamp      string       `json:"timestamp"`
	InputFiles     []string     `json:"input_files"`
	OutputFiles    []string     `json:"output_files"`
	RawResponse    string       `json:"raw_response"`
	ParsedResponse any          `json:"parsed_response"`
	StopReason     string       `json:"stop_reason"`
	Usage          blockedUsage `json:"usage"`
}

// MarkBlocked records that the provider refused to answer taskID by writing a
// content-filter response into the run. The next scoring pass turns it into a
// blocked score record. It returns the written path.
func MarkBlocked(responsesDir, taskID string, now time.Time) (string, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return "", errors.New("task id is required")
	}
	if ok, err := isDir(responsesDir); err != nil {
		return "", err
	} else if !ok {
		return "", fmt.Errorf("responses directory not found: %s", responsesDir)
	}

	resp := blockedResponse{
		TaskID:      taskID,
		Model:       runModel(responsesDir),
		Timestamp:   now.Format(time.RFC3339Nano),
		InputFiles:  []string{},
		OutputFiles: []string{},
		StopReason:  scoring.StopReasonContentFilter,
	}
	data, err := scoring.EncodeJSON(resp)
	if err != nil {
		return "", err
	}

	path := filepath.Join(responsesDir, taskID+".json")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrResponseExists, path)
		}
		return "", fmt.Errorf("create response: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write response: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close response: %w", err)
	}
	return path, nil
}

func runModel(responsesDir string) string {
	data, err := os.ReadFile(filepath.Join(responsesDir, RunConfigFile))
	if err != nil {
		return unknownModel
	}
	var cfg struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil || cfg.Model == "" {
		return unknownModel
	}
	return cfg.Model
}

func isDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}
