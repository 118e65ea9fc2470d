// Package scorestore persists score records of one run as one JSON file per
// task, next to a derived summary.json.
package scorestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"ibbench/evaluation/scoring"
)

const (
	// SummaryFile is the derived run summary inside a scores directory.
	SummaryFile = "summary.json"

	templateSuffix = ".human.md"
	loadWorkers    = 8
)

// Store reads and writes the score files of one run.
type Store struct {
	dir string
}

// Open returns a Store rooted at dir, creating the directory if needed.
func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("scores directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scores dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the scores directory.
func (s *Store) Dir() string { return s.dir }

// RecordPath returns the score file of a task.
func (s *Store) RecordPath(taskID string) string {
	return filepath.Join(s.dir, taskID+".json")
}

// TemplatePath returns the companion operator template of a task.
func (s *Store) TemplatePath(taskID string) string {
	return filepath.Join(s.dir, taskID+templateSuffix)
}

// SummaryPath returns the run summary path.
func (s *Store) SummaryPath() string {
	return filepath.Join(s.dir, SummaryFile)
}

// Exists reports whether a task has a score file.
func (s *Store) Exists(taskID string) (bool, error) {
	_, err := os.Stat(s.RecordPath(taskID))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat score %s: %w", taskID, err)
}

// Load reads a task's record. A missing file yields an error wrapping
// os.ErrNotExist.
func (s *Store) Load(taskID string) (*scoring.ScoreRecord, error) {
	return loadFile(s.RecordPath(taskID))
}

func loadFile(path string) (*scoring.ScoreRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read score: %w", err)
	}
	rec, err := scoring.DecodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rec, nil
}

// Save writes a record atomically.
func (s *Store) Save(rec *scoring.ScoreRecord) error {
	data, err := scoring.EncodeRecord(rec)
	if err != nil {
		return fmt.Errorf("encode score %s: %w", rec.TaskID, err)
	}
	return writeAtomic(s.RecordPath(rec.TaskID), data)
}

// SaveTemplate writes the operator template of a task.
func (s *Store) SaveTemplate(taskID string, data []byte) error {
	return writeAtomic(s.TemplatePath(taskID), data)
}

// RemoveTemplate deletes the operator template of a task, if any.
func (s *Store) RemoveTemplate(taskID string) error {
	err := os.Remove(s.TemplatePath(taskID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove template %s: %w", taskID, err)
	}
	return nil
}

// WriteSummary writes the run summary atomically.
func (s *Store) WriteSummary(summary any) error {
	data, err := scoring.EncodeJSON(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return writeAtomic(s.SummaryPath(), data)
}

// TaskIDs lists the tasks that have score files, sorted.
func (s *Store) TaskIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read scores dir: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" || name == SummaryFile {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// LoadAll reads every score file in the directory, sorted by task id. It
// must only run once writes for the run have settled.
func (s *Store) LoadAll(ctx context.Context) ([]*scoring.ScoreRecord, error) {
	ids, err := s.TaskIDs()
	if err != nil {
		return nil, err
	}

	records := make([]*scoring.ScoreRecord, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(loadWorkers)
	for i, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := s.Load(id)
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
