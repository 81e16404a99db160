package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/star64ccs/CardStrategy-sub006/internal/progress"
)

// ProgressReporter is handed to executors to report progress.
type ProgressReporter interface {
	UpdateProgress(step progress.Step) error
	Complete() error
	Fail(reason string) error
}

// Executor runs one task type. Execute should honor ctx cancellation; a
// task that outlives its timeout is abandoned.
type Executor interface {
	Execute(ctx context.Context, task *Task, progress ProgressReporter) (string, error)
}

// Validator is implemented by executors that check a task before running it.
type Validator interface {
	Validate(task *Task) error
}

// Cleaner is implemented by executors that release state after every attempt.
type Cleaner interface {
	Cleanup(task *Task)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task *Task, progress ProgressReporter) (string, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, task *Task, progress ProgressReporter) (string, error) {
	return f(ctx, task, progress)
}

// FallbackType is the registry key used when no executor matches a task type.
const FallbackType = "*"

// Registry maps task types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor // task type -> executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register maps a task type to an executor, replacing any previous one.
func (r *Registry) Register(taskType string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[taskType] = e
}

// Lookup returns the executor for a task type, or the fallback.
func (r *Registry) Lookup(taskType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.executors[taskType]; ok {
		return e, nil
	}
	if e, ok := r.executors[FallbackType]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("task type %q: %w", taskType, ErrMissingExecutor)
}

// Types lists registered task types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
