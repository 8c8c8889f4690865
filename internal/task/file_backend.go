package task

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/loopwork-ai/loopwork/internal/fsatomic"
)

// taskFile is the on-disk document shape.
type taskFile struct {
	Tasks []Task `yaml:"tasks"`
}

// FileBackend stores tasks in a single YAML file. Every operation reloads
// the file so edits made by humans between operations are picked up; writes
// go through the atomic helper.
type FileBackend struct {
	mu   sync.Mutex
	path string
}

// NewFileBackend returns a backend reading and writing the YAML file at path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the backing file path.
func (f *FileBackend) Path() string { return f.path }

func (f *FileBackend) load() (*taskFile, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var doc taskFile
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return &taskFile{}, nil
		}
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("parse %s: multiple documents are not allowed", f.path)
		}
		return nil, err
	}
	for i := range doc.Tasks {
		if doc.Tasks[i].ID == "" {
			return nil, fmt.Errorf("parse %s: task %d has no id", f.path, i)
		}
		doc.Tasks[i].Priority = NormalizePriority(string(doc.Tasks[i].Priority))
		if doc.Tasks[i].Status == "" {
			doc.Tasks[i].Status = StatusPending
		}
	}
	return &doc, nil
}

func (f *FileBackend) save(doc *taskFile) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", f.path, err)
	}
	return fsatomic.WriteFile(f.path, data, 0o644)
}

// Pending returns the pending tasks in file order.
func (f *FileBackend) Pending(ctx context.Context) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	var out []Task
	for _, t := range doc.Tasks {
		if t.Status == StatusPending {
			out = append(out, t)
		}
	}
	return out, nil
}

// Get returns the task with the given id.
func (f *FileBackend) Get(ctx context.Context, id string) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return Task{}, err
	}
	for _, t := range doc.Tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// SetStatus updates the task's status and persists the file.
func (f *FileBackend) SetStatus(ctx context.Context, id string, status Status) error {
	return f.mutate(ctx, id, func(t *Task) { t.Status = status })
}

// RecordAttempt increments the task's attempt counter.
func (f *FileBackend) RecordAttempt(ctx context.Context, id string) error {
	return f.mutate(ctx, id, func(t *Task) { t.Attempts++ })
}

// AppendGuidance attaches a recovery hint to the task.
func (f *FileBackend) AppendGuidance(ctx context.Context, id, note string) error {
	return f.mutate(ctx, id, func(t *Task) { t.Guidance = append(t.Guidance, note) })
}

func (f *FileBackend) mutate(ctx context.Context, id string, fn func(*Task)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return err
	}
	for i := range doc.Tasks {
		if doc.Tasks[i].ID == id {
			fn(&doc.Tasks[i])
			return f.save(doc)
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}
