package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/star64ccs/CardStrategy-sub006/internal/progress"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"   // Waiting for dependencies
	TaskReady     TaskStatus = "READY"     // All edges satisfied, queued for dispatch
	TaskRunning   TaskStatus = "RUNNING"   // Currently executing
	TaskCompleted TaskStatus = "COMPLETED" // Finished successfully
	TaskFailed    TaskStatus = "FAILED"    // Finished with error, no retries left
	TaskCancelled TaskStatus = "CANCELLED" // Cancelled directly or by cascade
	TaskBlocked   TaskStatus = "BLOCKED"   // Paused, or a required prerequisite failed
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Priority orders READY tasks. Higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = []string{"LOW", "NORMAL", "HIGH", "CRITICAL"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityCritical {
		return fmt.Sprintf("Priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority accepts the names returned by String, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// DependencyType selects the readiness rule for one edge.
type DependencyType string

const (
	DependencyRequires DependencyType = "REQUIRES" // Prerequisite must be COMPLETED
	DependencyOptional DependencyType = "OPTIONAL" // Prerequisite must be COMPLETED or FAILED
	DependencyBlocks   DependencyType = "BLOCKS"   // Prerequisite must not be RUNNING
	DependencyTriggers DependencyType = "TRIGGERS" // Prerequisite must be COMPLETED
)

func (t DependencyType) valid() bool {
	switch t {
	case DependencyRequires, DependencyOptional, DependencyBlocks, DependencyTriggers:
		return true
	}
	return false
}

// waits reports whether the edge waits on a terminal prerequisite state.
// Waiting edges must stay acyclic.
func (t DependencyType) waits() bool {
	return t != DependencyBlocks
}

// hard reports whether a terminally failed prerequisite makes the edge
// permanently unsatisfiable.
func (t DependencyType) hard() bool {
	return t == DependencyRequires || t == DependencyTriggers
}

// Condition is an extra readiness predicate on an edge.
type Condition func(dependent, prerequisite *Task) bool

// Dependency is an edge from the owning task to a prerequisite.
type Dependency struct {
	TaskID    string         `json:"taskId"`
	Type      DependencyType `json:"type"`
	Condition Condition      `json:"-"` // Process-local, never persisted
	Timeout   time.Duration  `json:"timeout,omitempty"`
	AddedAt   time.Time      `json:"addedAt"`
}

// Task represents a unit of work in the graph.
type Task struct {
	ID                string            `json:"id"`
	Version           int64             `json:"version"`
	DeviceID          string            `json:"deviceId,omitempty"`
	Type              string            `json:"type"`                // Key into the executor registry
	Name              string            `json:"name,omitempty"`      // Human-readable name
	Priority          Priority          `json:"priority"`
	Status            TaskStatus        `json:"status"`
	Dependencies      []Dependency      `json:"dependencies,omitempty"`
	Dependents        []string          `json:"dependents,omitempty"` // Filled from the graph's reverse index on read
	Resources         []string          `json:"resources,omitempty"`  // Exclusive resource keys held while running
	Payload           map[string]any    `json:"payload,omitempty"`    // Executor input
	EstimatedDuration time.Duration     `json:"estimatedDuration,omitempty"`
	ActualDuration    time.Duration     `json:"actualDuration,omitempty"`
	MaxRetries        int               `json:"maxRetries"`
	RetryCount        int               `json:"retryCount"`
	Timeout           time.Duration     `json:"timeout,omitempty"` // Zero uses the scheduler default
	Progress          *progress.Update  `json:"progress,omitempty"`
	CurrentStep       int               `json:"currentStep"`
	Result            string            `json:"result,omitempty"`
	Error             string            `json:"error,omitempty"`
	BlockedReason     string            `json:"blockedReason,omitempty"`
	LastSyncTime      time.Time         `json:"lastSyncTime,omitempty"`
	IsDirty           bool              `json:"isDirty"`
	CreatedAt         time.Time         `json:"createdAt"`
	StartedAt         *time.Time        `json:"startedAt,omitempty"`
	CompletedAt       *time.Time        `json:"completedAt,omitempty"`
	FailedAt          *time.Time        `json:"failedAt,omitempty"`
	Labels            map[string]string `json:"labels,omitempty"`

	seq uint64 // Creation order, FIFO tiebreak within a priority
}

// Spec describes a task to add.
type Spec struct {
	ID                string // Generated when empty
	Type              string
	Name              string
	Priority          Priority
	Dependencies      []Dependency
	Resources         []string
	Payload           map[string]any
	EstimatedDuration time.Duration
	MaxRetries        int
	Timeout           time.Duration
	Labels            map[string]string
}

// Patch holds the fields UpdateTask may change. Nil fields are left alone;
// Payload keys are merged.
type Patch struct {
	Name              *string
	Type              *string
	Priority          *Priority
	Dependencies      *[]Dependency
	Resources         *[]string
	Payload           map[string]any
	EstimatedDuration *time.Duration
	MaxRetries        *int
	Timeout           *time.Duration
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.Dependencies != nil {
		cp.Dependencies = append([]Dependency(nil), task.Dependencies...)
	}
	if task.Dependents != nil {
		cp.Dependents = append([]string(nil), task.Dependents...)
	}
	if task.Resources != nil {
		cp.Resources = append([]string(nil), task.Resources...)
	}
	if task.Payload != nil {
		cp.Payload = make(map[string]any, len(task.Payload))
		for k, v := range task.Payload {
			cp.Payload[k] = v
		}
	}
	if task.Labels != nil {
		cp.Labels = make(map[string]string, len(task.Labels))
		for k, v := range task.Labels {
			cp.Labels[k] = v
		}
	}
	if task.Progress != nil {
		p := *task.Progress
		cp.Progress = &p
	}
	cp.StartedAt = cloneTime(task.StartedAt)
	cp.CompletedAt = cloneTime(task.CompletedAt)
	cp.FailedAt = cloneTime(task.FailedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
