// Package tasks loads benchmark task directories: meta.yaml, prompt.md,
// rubric.json and input*.* files.
package tasks

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"ibbench/evaluation/rubric"
	"ibbench/evaluation/scoring"
	iberrors "ibbench/internal/errors"
	"ibbench/internal/logging"
)

const (
	metaFile   = "meta.yaml"
	promptFile = "prompt.md"
	rubricFile = "rubric.json"

	// DefaultCacheSize bounds the number of loaded tasks kept in memory.
	DefaultCacheSize = 128
)

// dirSuffixes mark work-in-progress task directories.
var dirSuffixes = []string{"-done", "-working"}

// Meta mirrors meta.yaml.
type Meta struct {
	Task struct {
		ID          string `yaml:"id"`
		Type        string `yaml:"type"`
		Category    string `yaml:"category"`
		Description string `yaml:"description"`
	} `yaml:"task"`
}

// Task is a fully loaded task directory.
type Task struct {
	ID          string
	Dir         string
	Type        string
	Category    string
	Description string
	Prompt      string
	Rubric      *rubric.Rubric
	InputFiles  []string
}

// Scoring returns the view of the task the scoring engine needs.
func (t *Task) Scoring() scoring.Task {
	prompt := t.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = t.Description
	}
	return scoring.Task{ID: t.ID, Prompt: prompt, Rubric: t.Rubric, InputFiles: t.InputFiles}
}

// LoadDir loads one task directory.
func LoadDir(dir string) (*Task, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}
	var meta Meta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("meta.yaml is not a valid task definition: %w", err)
	}

	prompt, err := os.ReadFile(filepath.Join(dir, promptFile))
	if err != nil {
		return nil, fmt.Errorf("read prompt: %w", err)
	}

	r, err := rubric.Load(filepath.Join(dir, rubricFile))
	if err != nil {
		return nil, err
	}

	inputs, err := filepath.Glob(filepath.Join(dir, "input*.*"))
	if err != nil {
		return nil, fmt.Errorf("glob inputs: %w", err)
	}
	sort.Strings(inputs)

	id := meta.Task.ID
	if id == "" {
		id = TaskID(filepath.Base(dir))
	}
	return &Task{
		ID:          id,
		Dir:         dir,
		Type:        meta.Task.Type,
		Category:    meta.Task.Category,
		Description: meta.Task.Description,
		Prompt:      string(prompt),
		Rubric:      r,
		InputFiles:  inputs,
	}, nil
}

// TaskID derives a task id from its directory name.
func TaskID(dirName string) string {
	for _, suffix := range dirSuffixes {
		dirName = strings.TrimSuffix(dirName, suffix)
	}
	return dirName
}

// Option configures a Loader.
type Option func(*Loader)

// WithCacheSize bounds the loaded-task cache.
func WithCacheSize(size int) Option {
	return func(l *Loader) { l.cacheSize = size }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// Loader resolves task ids to directories under a tasks root and caches
// loaded tasks.
type Loader struct {
	root      string
	cacheSize int
	cache     *lru.Cache[string, *Task]
	logger    logging.Logger

	indexOnce sync.Once
	index     map[string]string
	indexErr  error
}

// NewLoader creates a Loader over root.
func NewLoader(root string, opts ...Option) (*Loader, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("tasks directory is required")
	}
	l := &Loader{root: root, cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(l)
	}
	if l.cacheSize <= 0 {
		l.cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *Task](l.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create task cache: %w", err)
	}
	l.cache = cache
	l.logger = logging.OrNop(l.logger)
	return l, nil
}

// IDs lists the known task ids, sorted.
func (l *Loader) IDs() ([]string, error) {
	index, err := l.buildIndex()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Load returns the task with the given id.
func (l *Loader) Load(id string) (*Task, error) {
	if task, ok := l.cache.Get(id); ok {
		return task, nil
	}
	index, err := l.buildIndex()
	if err != nil {
		return nil, err
	}
	dir, ok := index[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, iberrors.ErrTaskNotFound)
	}
	task, err := LoadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}
	l.cache.Add(id, task)
	return task, nil
}

// Task implements the run scorer's task source.
func (l *Loader) Task(id string) (scoring.Task, error) {
	task, err := l.Load(id)
	if err != nil {
		return scoring.Task{}, err
	}
	return task.Scoring(), nil
}

func (l *Loader) buildIndex() (map[string]string, error) {
	l.indexOnce.Do(func() {
		entries, err := os.ReadDir(l.root)
		if err != nil {
			l.indexErr = fmt.Errorf("read tasks dir: %w", err)
			return
		}
		l.index = make(map[string]string, len(entries))
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			id := TaskID(entry.Name())
			if prev, dup := l.index[id]; dup {
				l.logger.Warn("task %s found in %s and %s, keeping the first", id, prev, entry.Name())
				continue
			}
			l.index[id] = filepath.Join(l.root, entry.Name())
		}
	})
	return l.index, l.indexErr
}
