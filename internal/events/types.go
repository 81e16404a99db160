package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Topic() string
	TaskID() string
}

// Topic constants
const (
	TopicTask       = "task"
	TopicDependency = "dependency"
	TopicProgress   = "progress"
	TopicSync       = "sync"
	TopicExecution  = "execution"
)

// Event type constants
const (
	EventTypeTaskAdded         = "task.added"
	EventTypeTaskUpdated       = "task.updated"
	EventTypeTaskRemoved       = "task.removed"
	EventTypeTaskStarted       = "task.started"
	EventTypeTaskOutput        = "task.output"
	EventTypeTaskCompleted     = "task.completed"
	EventTypeTaskFailed        = "task.failed"
	EventTypeTaskCancelled     = "task.cancelled"
	EventTypeDependencyAdded   = "dependency.added"
	EventTypeDependencyRemoved = "dependency.removed"
	EventTypeProgressUpdate    = "progress.update"
	EventTypeProgressComplete  = "progress.complete"
	EventTypeProgressFailed    = "progress.failed"
	EventTypeProgressBroadcast = "progress.broadcast"
	EventTypeSyncConflict      = "sync.conflict"
	EventTypeTaskSynced        = "sync.task_synced"
	EventTypeExecutionHalted   = "execution.halted"
)

// TaskAddedEvent is published when a task enters the graph.
type TaskAddedEvent struct {
	ID        string
	Name      string
	Type      string
	Priority  string
	Timestamp time.Time
}

func (e TaskAddedEvent) EventType() string { return EventTypeTaskAdded }
func (e TaskAddedEvent) Topic() string     { return TopicTask }
func (e TaskAddedEvent) TaskID() string    { return e.ID }

// TaskUpdatedEvent is published for every change to a task's own fields,
// including status changes made by the scheduler.
type TaskUpdatedEvent struct {
	ID        string
	Status    string
	Version   int64
	Timestamp time.Time
}

func (e TaskUpdatedEvent) EventType() string { return EventTypeTaskUpdated }
func (e TaskUpdatedEvent) Topic() string     { return TopicTask }
func (e TaskUpdatedEvent) TaskID() string    { return e.ID }

// TaskRemovedEvent is published when a task leaves the graph.
type TaskRemovedEvent struct {
	ID        string
	Timestamp time.Time
}

func (e TaskRemovedEvent) EventType() string { return EventTypeTaskRemoved }
func (e TaskRemovedEvent) Topic() string     { return TopicTask }
func (e TaskRemovedEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when a task begins execution.
type TaskStartedEvent struct {
	ID        string
	Name      string
	Type      string
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskOutputEvent is published when an executor produces a line of output.
type TaskOutputEvent struct {
	ID        string
	Line      string
	Timestamp time.Time
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) Topic() string     { return TopicTask }
func (e TaskOutputEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	Result    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Topic() string     { return TopicTask }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when an attempt fails. WillRetry reports
// whether the task went back to PENDING for another attempt.
type TaskFailedEvent struct {
	ID        string
	Err       error
	Attempt   int
	WillRetry bool
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Topic() string     { return TopicTask }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published once per cancelled task, including
// dependents cancelled by cascade.
type TaskCancelledEvent struct {
	ID        string
	CascadeOf string // Empty when cancelled directly
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) Topic() string     { return TopicTask }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// DependencyAddedEvent is published when an edge is added.
type DependencyAddedEvent struct {
	ID             string // Dependent task
	PrerequisiteID string
	Type           string
	Timestamp      time.Time
}

func (e DependencyAddedEvent) EventType() string { return EventTypeDependencyAdded }
func (e DependencyAddedEvent) Topic() string     { return TopicDependency }
func (e DependencyAddedEvent) TaskID() string    { return e.ID }

// DependencyRemovedEvent is published when an edge is removed.
type DependencyRemovedEvent struct {
	ID             string
	PrerequisiteID string
	Timestamp      time.Time
}

func (e DependencyRemovedEvent) EventType() string { return EventTypeDependencyRemoved }
func (e DependencyRemovedEvent) Topic() string     { return TopicDependency }
func (e DependencyRemovedEvent) TaskID() string    { return e.ID }

// ProgressSnapshot is the event-side copy of a progress update.
type ProgressSnapshot struct {
	TaskID                 string
	Percentage             float64
	CurrentStep            string
	TotalSteps             int
	CurrentStepIndex       int
	EstimatedTimeRemaining time.Duration
	Timestamp              time.Time
}

// ProgressUpdateEvent is published for every progress update.
type ProgressUpdateEvent struct {
	Snapshot ProgressSnapshot
}

func (e ProgressUpdateEvent) EventType() string { return EventTypeProgressUpdate }
func (e ProgressUpdateEvent) Topic() string     { return TopicProgress }
func (e ProgressUpdateEvent) TaskID() string    { return e.Snapshot.TaskID }

// ProgressCompleteEvent is published when a tracker is completed.
type ProgressCompleteEvent struct {
	ID        string
	Timestamp time.Time
}

func (e ProgressCompleteEvent) EventType() string { return EventTypeProgressComplete }
func (e ProgressCompleteEvent) Topic() string     { return TopicProgress }
func (e ProgressCompleteEvent) TaskID() string    { return e.ID }

// ProgressFailedEvent is published when a tracker is failed.
type ProgressFailedEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e ProgressFailedEvent) EventType() string { return EventTypeProgressFailed }
func (e ProgressFailedEvent) Topic() string     { return TopicProgress }
func (e ProgressFailedEvent) TaskID() string    { return e.ID }

// ProgressBroadcastEvent is the periodic aggregate over all tasks.
type ProgressBroadcastEvent struct {
	Total     int
	Completed int
	Running   int
	Failed    int
	Pending   int
	Overall   float64 // Completed / Total as a percentage
	Active    []ProgressSnapshot
	Timestamp time.Time
}

func (e ProgressBroadcastEvent) EventType() string { return EventTypeProgressBroadcast }
func (e ProgressBroadcastEvent) Topic() string     { return TopicProgress }
func (e ProgressBroadcastEvent) TaskID() string    { return "" }

// SyncConflictEvent is published when a conflict is detected.
type SyncConflictEvent struct {
	ConflictID   string
	ID           string
	ConflictType string
	Strategy     string
	Resolved     bool
	Timestamp    time.Time
}

func (e SyncConflictEvent) EventType() string { return EventTypeSyncConflict }
func (e SyncConflictEvent) Topic() string     { return TopicSync }
func (e SyncConflictEvent) TaskID() string    { return e.ID }

// TaskSyncedEvent is published when a record is accepted by the remote or
// a remote record is applied locally.
type TaskSyncedEvent struct {
	ID        string
	Operation string
	Version   int64
	Inbound   bool
	Timestamp time.Time
}

func (e TaskSyncedEvent) EventType() string { return EventTypeTaskSynced }
func (e TaskSyncedEvent) Topic() string     { return TopicSync }
func (e TaskSyncedEvent) TaskID() string    { return e.ID }

// ExecutionHaltedEvent is published when the run loop stops on a
// structural error such as a dependency cycle.
type ExecutionHaltedEvent struct {
	Reason    string
	Timestamp time.Time
}

func (e ExecutionHaltedEvent) EventType() string { return EventTypeExecutionHalted }
func (e ExecutionHaltedEvent) Topic() string     { return TopicExecution }
func (e ExecutionHaltedEvent) TaskID() string    { return "" }
