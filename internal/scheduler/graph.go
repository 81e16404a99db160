package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/toposort"
	"github.com/google/uuid"

	"github.com/star64ccs/CardStrategy-sub006/internal/progress"
)

const (
	reasonPaused       = "paused"
	reasonRemote       = "running on another device"
	reasonPrerequisite = "prerequisite "
)

// ChangeKind classifies a graph mutation reported to the observer.
type ChangeKind int

const (
	ChangeAdded             ChangeKind = iota // Task inserted
	ChangeUpdated                             // Fields changed through UpdateTask
	ChangeStatus                              // Status transition
	ChangeProgress                            // Progress snapshot cached
	ChangeRemoved                             // Task deleted
	ChangeDependencyAdded                     // Edge added on Task
	ChangeDependencyRemoved                   // Edge removed from Task
	ChangeRemote                              // Fields replaced from a remote record
	ChangeSynced                              // Sync bookkeeping only
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeUpdated:
		return "updated"
	case ChangeStatus:
		return "status"
	case ChangeProgress:
		return "progress"
	case ChangeRemoved:
		return "removed"
	case ChangeDependencyAdded:
		return "dependency-added"
	case ChangeDependencyRemoved:
		return "dependency-removed"
	case ChangeRemote:
		return "remote"
	case ChangeSynced:
		return "synced"
	}
	return fmt.Sprintf("ChangeKind(%d)", int(k))
}

// Change describes one mutation. Task is a copy taken right after the
// mutation (right before it, for ChangeRemoved).
type Change struct {
	Kind           ChangeKind
	Task           *Task
	From           TaskStatus // Previous status, for ChangeStatus
	PrerequisiteID string     // For dependency changes
	CascadeOf      string     // Set on cancellations caused by another task
	Derived        bool       // Recomputed state (readiness); not versioned
}

// Observer receives every mutation in order. It runs inside the graph's
// critical section and must not call back into the graph.
type Observer func(Change)

// GraphOption configures a Graph.
type GraphOption func(*Graph)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) GraphOption {
	return func(g *Graph) { g.now = now }
}

// WithDeviceID stamps new tasks with the local device.
func WithDeviceID(id string) GraphOption {
	return func(g *Graph) { g.deviceID = id }
}

// WithObserver installs the mutation observer.
func WithObserver(o Observer) GraphOption {
	return func(g *Graph) { g.observer = o }
}

// GraphNode is one task in a DependencyGraph snapshot.
type GraphNode struct {
	ID       string
	Name     string
	Type     string
	Status   TaskStatus
	Priority Priority
}

// GraphEdge points from a dependent to its prerequisite.
type GraphEdge struct {
	From string
	To   string
	Type DependencyType
}

// GraphSnapshot is a read-only copy of the graph for diagnostics.
type GraphSnapshot struct {
	Nodes []GraphNode
	Edges []GraphEdge
}

// Graph holds tasks and their dependency edges.
type Graph struct {
	mu         sync.RWMutex
	tasks      map[string]*Task               // All tasks indexed by ID
	dependents map[string]map[string]struct{} // Prerequisite ID -> dependent IDs
	observer   Observer
	seq        uint64
	now        func() time.Time
	deviceID   string
}

// NewGraph creates an empty graph.
func NewGraph(opts ...GraphOption) *Graph {
	g := &Graph{
		tasks:      make(map[string]*Task),
		dependents: make(map[string]map[string]struct{}),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetObserver replaces the mutation observer.
func (g *Graph) SetObserver(o Observer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observer = o
}

// AddTask validates and inserts a task, returning its ID. A rejected task
// leaves the graph untouched.
func (g *Graph) AddTask(spec Spec) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := g.tasks[id]; exists {
		return "", fmt.Errorf("task %q: %w", id, ErrDuplicateTask)
	}

	now := g.now()
	deps, err := g.checkDependencies(id, spec.Dependencies, now)
	if err != nil {
		return "", err
	}
	if cycle := g.cycleWith(id, deps); cycle != nil {
		return "", fmt.Errorf("adding %q: %s: %w", id, strings.Join(cycle, " -> "), ErrCycle)
	}

	g.seq++
	task := &Task{
		ID:                id,
		Version:           1,
		DeviceID:          g.deviceID,
		Type:              spec.Type,
		Name:              spec.Name,
		Priority:          spec.Priority,
		Status:            TaskPending,
		Dependencies:      deps,
		Resources:         append([]string(nil), spec.Resources...),
		Payload:           copyPayload(spec.Payload),
		EstimatedDuration: spec.EstimatedDuration,
		MaxRetries:        spec.MaxRetries,
		Timeout:           spec.Timeout,
		Labels:            spec.Labels,
		IsDirty:           true,
		CreatedAt:         now,
		seq:               g.seq,
	}
	g.tasks[id] = task
	for _, d := range deps {
		g.link(d.TaskID, id)
	}

	g.notify(Change{Kind: ChangeAdded, Task: g.snapshot(task)})
	g.evaluate(task)
	return id, nil
}

// RemoveTask deletes a task. Fails while any task still depends on it.
func (g *Graph) RemoveTask(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[id]
	if !exists {
		return fmt.Errorf("task %q: %w", id, ErrTaskNotFound)
	}
	if n := len(g.dependents[id]); n > 0 {
		return fmt.Errorf("task %q has %d dependents: %w", id, n, ErrHasDependents)
	}
	if task.Status == TaskRunning {
		return fmt.Errorf("task %q is running: %w", id, ErrInvalidTransition)
	}

	removed := g.snapshot(task)
	for _, d := range task.Dependencies {
		g.unlink(d.TaskID, id)
	}
	delete(g.tasks, id)
	delete(g.dependents, id)

	g.notify(Change{Kind: ChangeRemoved, Task: removed})
	return nil
}

// UpdateTask applies a patch, bumps the version, and re-evaluates
// readiness of the task and its dependents.
func (g *Graph) UpdateTask(id string, patch Patch) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[id]
	if !exists {
		return nil, fmt.Errorf("task %q: %w", id, ErrTaskNotFound)
	}

	var deps []Dependency
	if patch.Dependencies != nil {
		var err error
		deps, err = g.checkDependencies(id, *patch.Dependencies, g.now())
		if err != nil {
			return nil, err
		}
		if cycle := g.cycleWith(id, deps); cycle != nil {
			return nil, fmt.Errorf("updating %q: %s: %w", id, strings.Join(cycle, " -> "), ErrCycle)
		}
	}

	if patch.Name != nil {
		task.Name = *patch.Name
	}
	if patch.Type != nil {
		task.Type = *patch.Type
	}
	if patch.Priority != nil {
		task.Priority = *patch.Priority
	}
	if patch.Resources != nil {
		task.Resources = append([]string(nil), (*patch.Resources)...)
	}
	if patch.EstimatedDuration != nil {
		task.EstimatedDuration = *patch.EstimatedDuration
	}
	if patch.MaxRetries != nil {
		task.MaxRetries = *patch.MaxRetries
	}
	if patch.Timeout != nil {
		task.Timeout = *patch.Timeout
	}
	if len(patch.Payload) > 0 {
		if task.Payload == nil {
			task.Payload = make(map[string]any, len(patch.Payload))
		}
		for k, v := range patch.Payload {
			task.Payload[k] = v
		}
	}
	if patch.Dependencies != nil {
		g.rewire(task, deps)
	}

	g.touch(task)
	g.notify(Change{Kind: ChangeUpdated, Task: g.snapshot(task)})
	g.evaluate(task)
	return g.snapshot(task), nil
}

// AddDependency adds an edge from taskID to dep.TaskID.
func (g *Graph) AddDependency(taskID string, dep Dependency) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q: %w", taskID, ErrTaskNotFound)
	}
	if task.Status == TaskRunning || task.Status.Terminal() {
		return fmt.Errorf("task %q is %s: %w", taskID, task.Status, ErrInvalidDependency)
	}
	for _, d := range task.Dependencies {
		if d.TaskID == dep.TaskID {
			return fmt.Errorf("task %q already depends on %q: %w", taskID, dep.TaskID, ErrInvalidDependency)
		}
	}

	checked, err := g.checkDependencies(taskID, []Dependency{dep}, g.now())
	if err != nil {
		return err
	}
	deps := append(append([]Dependency(nil), task.Dependencies...), checked[0])
	if cycle := g.cycleWith(taskID, deps); cycle != nil {
		return fmt.Errorf("%q -> %q: %s: %w", taskID, dep.TaskID, strings.Join(cycle, " -> "), ErrCycle)
	}

	task.Dependencies = deps
	g.link(dep.TaskID, taskID)
	g.touch(task)

	g.notify(Change{Kind: ChangeDependencyAdded, Task: g.snapshot(task), PrerequisiteID: dep.TaskID})
	g.evaluate(task)
	return nil
}

// RemoveDependency removes the edge from taskID to prerequisiteID.
func (g *Graph) RemoveDependency(taskID, prerequisiteID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q: %w", taskID, ErrTaskNotFound)
	}

	idx := -1
	for i, d := range task.Dependencies {
		if d.TaskID == prerequisiteID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("task %q does not depend on %q: %w", taskID, prerequisiteID, ErrInvalidDependency)
	}

	task.Dependencies = append(task.Dependencies[:idx:idx], task.Dependencies[idx+1:]...)
	g.unlink(prerequisiteID, taskID)
	g.touch(task)

	g.notify(Change{Kind: ChangeDependencyRemoved, Task: g.snapshot(task), PrerequisiteID: prerequisiteID})
	g.evaluate(task)
	return nil
}

// IsReady reports whether every edge of the task is satisfied.
func (g *Graph) IsReady(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, exists := g.tasks[id]
	if !exists {
		return false
	}
	return g.ready(task)
}

// Get returns a copy of the task.
func (g *Graph) Get(id string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, exists := g.tasks[id]
	if !exists {
		return nil, false
	}
	return g.snapshot(task), true
}

// Tasks returns copies of all tasks in creation order.
func (g *Graph) Tasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*Task, 0, len(g.tasks))
	for _, task := range g.tasks {
		tasks = append(tasks, g.snapshot(task))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].seq < tasks[j].seq })
	return tasks
}

// Ready returns copies of all READY tasks.
func (g *Graph) Ready() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*Task
	for _, task := range g.tasks {
		if task.Status == TaskReady {
			ready = append(ready, g.snapshot(task))
		}
	}
	return ready
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// Counts summarizes tasks by coarse status. READY and BLOCKED count as pending.
func (g *Graph) Counts() progress.Counts {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c := progress.Counts{Total: len(g.tasks)}
	for _, task := range g.tasks {
		switch task.Status {
		case TaskRunning:
			c.Running++
		case TaskCompleted:
			c.Completed++
		case TaskFailed:
			c.Failed++
		case TaskPending, TaskReady, TaskBlocked:
			c.Pending++
		}
	}
	return c
}

// DependencyGraph returns a read-only snapshot of nodes and edges.
func (g *Graph) DependencyGraph() GraphSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var snap GraphSnapshot
	for _, task := range g.tasks {
		snap.Nodes = append(snap.Nodes, GraphNode{
			ID:       task.ID,
			Name:     task.Name,
			Type:     task.Type,
			Status:   task.Status,
			Priority: task.Priority,
		})
		for _, d := range task.Dependencies {
			snap.Edges = append(snap.Edges, GraphEdge{From: task.ID, To: d.TaskID, Type: d.Type})
		}
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })
	sort.Slice(snap.Edges, func(i, j int) bool {
		if snap.Edges[i].From != snap.Edges[j].From {
			return snap.Edges[i].From < snap.Edges[j].From
		}
		return snap.Edges[i].To < snap.Edges[j].To
	})
	return snap
}

// Validate topologically sorts the waiting edges of the live graph.
// Returns ordered task IDs (prerequisites first) or an error if a cycle or a
// dangling edge is found.
func (g *Graph) Validate() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.order()
}

// Refresh re-evaluates readiness of every waiting task. Edge timeouts make
// readiness time-dependent, so the run loop calls this each pass.
func (g *Graph) Refresh() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, task := range g.sortedTasks() {
		g.evaluate(task)
	}
}

// MarkRunning moves a READY task to RUNNING and returns a copy.
func (g *Graph) MarkRunning(id string) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.lookup(id)
	if err != nil {
		return nil, err
	}
	if task.Status != TaskReady {
		return nil, fmt.Errorf("task %q is %s, not READY: %w", id, task.Status, ErrInvalidTransition)
	}

	now := g.now()
	if task.StartedAt == nil {
		task.StartedAt = &now
	}
	task.Error = ""
	g.setStatus(task, TaskRunning, "", false)
	g.propagate(task.ID)
	return g.snapshot(task), nil
}

// MarkCompleted moves a RUNNING task to COMPLETED and re-evaluates its dependents.
func (g *Graph) MarkCompleted(id string, result string, elapsed time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.lookup(id)
	if err != nil {
		return err
	}
	if err := ensureTransition(id, task.Status, TaskCompleted); err != nil {
		return err
	}

	now := g.now()
	task.CompletedAt = &now
	task.Result = result
	task.ActualDuration = elapsed
	g.setStatus(task, TaskCompleted, "", false)
	g.propagate(task.ID)
	return nil
}

// MarkFailed records a failed attempt. When retry is true and retries
// remain, the task goes back to PENDING and MarkFailed returns true.
// Otherwise the task is terminally FAILED and its hard dependents are blocked.
func (g *Graph) MarkFailed(id string, cause error, retry bool) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.lookup(id)
	if err != nil {
		return false, err
	}
	if err := ensureTransition(id, task.Status, TaskFailed); err != nil {
		return false, err
	}

	if cause != nil {
		task.Error = cause.Error()
	}

	if retry && task.RetryCount < task.MaxRetries {
		// RUNNING -> FAILED -> PENDING in one step
		task.RetryCount++
		g.setStatus(task, TaskPending, "", false)
		g.propagate(task.ID)
		g.evaluate(task)
		return true, nil
	}

	now := g.now()
	task.FailedAt = &now
	task.ActualDuration = elapsedSince(task.StartedAt, now)
	g.setStatus(task, TaskFailed, "", false)
	g.propagate(task.ID)
	return false, nil
}

// Cancel cancels a task and, recursively, its PENDING dependents. Returns the
// IDs cancelled, the requested task first.
func (g *Graph) Cancel(id string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := ensureTransition(id, task.Status, TaskCancelled); err != nil {
		return nil, err
	}

	var cancelled []string
	g.cancel(task, "", &cancelled)
	return cancelled, nil
}

// Pause moves a RUNNING task to BLOCKED.
func (g *Graph) Pause(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.lookup(id)
	if err != nil {
		return err
	}
	if task.Status != TaskRunning {
		return fmt.Errorf("task %q is %s, not RUNNING: %w", id, task.Status, ErrInvalidTransition)
	}
	g.setStatus(task, TaskBlocked, reasonPaused, false)
	g.propagate(task.ID)
	return nil
}

// Resume moves a paused task back to RUNNING if its edges are still satisfied.
func (g *Graph) Resume(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.lookup(id)
	if err != nil {
		return err
	}
	if task.Status != TaskBlocked || task.BlockedReason != reasonPaused {
		return fmt.Errorf("task %q is not paused: %w", id, ErrInvalidTransition)
	}
	if !g.ready(task) {
		return fmt.Errorf("task %q: dependencies no longer satisfied: %w", id, ErrInvalidTransition)
	}
	g.setStatus(task, TaskRunning, "", false)
	g.propagate(task.ID)
	return nil
}

// Requeue returns a RUNNING or paused task to PENDING without consuming a
// retry. Used when execution is interrupted by shutdown.
func (g *Graph) Requeue(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.lookup(id)
	if err != nil {
		return err
	}
	if err := ensureTransition(id, task.Status, TaskPending); err != nil {
		return err
	}
	if task.Status == TaskBlocked && task.BlockedReason != reasonPaused {
		return fmt.Errorf("task %q is not running: %w", id, ErrInvalidTransition)
	}
	g.setStatus(task, TaskPending, "", false)
	g.propagate(task.ID)
	g.evaluate(task)
	return nil
}

// Paused reports whether the task is BLOCKED by a pause.
func (g *Graph) Paused(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, exists := g.tasks[id]
	return exists && task.Status == TaskBlocked && task.BlockedReason == reasonPaused
}

// SetProgress caches the latest progress snapshot on the task.
func (g *Graph) SetProgress(id string, u progress.Update) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.lookup(id)
	if err != nil {
		return err
	}
	task.Progress = &u
	task.CurrentStep = u.CurrentStepIndex
	g.touch(task)
	g.notify(Change{Kind: ChangeProgress, Task: g.snapshot(task)})
	return nil
}

// MarkSynced clears the dirty flag if the task is still at version.
func (g *Graph) MarkSynced(id string, version int64, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[id]
	if !exists || task.Version != version {
		return
	}
	task.IsDirty = false
	task.LastSyncTime = at
	g.notify(Change{Kind: ChangeSynced, Task: g.snapshot(task), Derived: true})
}

// ApplyRemote inserts or replaces a task with a copy received from another
// device. The remote version is adopted as-is. A task running locally keeps
// its local status and timestamps.
func (g *Graph) ApplyRemote(remote *Task) error {
	if remote == nil || remote.ID == "" {
		return fmt.Errorf("remote task without ID: %w", ErrInvalidDependency)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	deps, err := g.checkDependencies(remote.ID, remote.Dependencies, g.now())
	if err != nil {
		return err
	}
	if cycle := g.cycleWith(remote.ID, deps); cycle != nil {
		return fmt.Errorf("applying %q: %s: %w", remote.ID, strings.Join(cycle, " -> "), ErrCycle)
	}

	incoming := cloneTask(remote)
	incoming.Dependencies = deps
	incoming.Dependents = nil
	incoming.IsDirty = false
	if incoming.Status == "" {
		incoming.Status = TaskPending
	}

	local, exists := g.tasks[remote.ID]
	runningHere := exists && (local.Status == TaskRunning || (local.Status == TaskBlocked && local.BlockedReason == reasonPaused))
	switch {
	case runningHere:
		incoming.Status = local.Status
		incoming.BlockedReason = local.BlockedReason
		incoming.StartedAt = local.StartedAt
		incoming.RetryCount = local.RetryCount
	case incoming.Status == TaskRunning || (incoming.Status == TaskBlocked && incoming.BlockedReason == reasonPaused):
		// Executing elsewhere; never dispatch it here too.
		incoming.Status = TaskBlocked
		incoming.BlockedReason = reasonRemote
	}
	if exists {
		incoming.seq = local.seq
		for _, d := range local.Dependencies {
			g.unlink(d.TaskID, local.ID)
		}
	} else {
		g.seq++
		incoming.seq = g.seq
	}
	if incoming.CreatedAt.IsZero() {
		incoming.CreatedAt = g.now()
	}

	g.tasks[incoming.ID] = incoming
	for _, d := range deps {
		g.link(d.TaskID, incoming.ID)
	}

	g.notify(Change{Kind: ChangeRemote, Task: g.snapshot(incoming)})
	g.evaluate(incoming)
	g.propagate(incoming.ID)
	return nil
}

// RemoveRemote deletes a task because another device deleted it. Unlike
// RemoveTask, local dependents lose their edge to it instead of blocking
// the removal.
func (g *Graph) RemoveRemote(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[id]
	if !exists {
		return nil
	}
	if task.Status == TaskRunning {
		return fmt.Errorf("task %q is running: %w", id, ErrInvalidTransition)
	}

	for depID := range g.dependents[id] {
		dep := g.tasks[depID]
		kept := dep.Dependencies[:0:0]
		for _, d := range dep.Dependencies {
			if d.TaskID != id {
				kept = append(kept, d)
			}
		}
		dep.Dependencies = kept
		g.notify(Change{Kind: ChangeDependencyRemoved, Task: cloneTask(dep), PrerequisiteID: id, Derived: true})
	}
	affected := g.dependentIDs(id)

	removed := g.snapshot(task)
	for _, d := range task.Dependencies {
		g.unlink(d.TaskID, id)
	}
	delete(g.tasks, id)
	delete(g.dependents, id)
	g.notify(Change{Kind: ChangeRemoved, Task: removed, Derived: true})

	for _, depID := range affected {
		g.evaluate(g.tasks[depID])
	}
	return nil
}

// Restore bulk-loads persisted tasks into an empty graph. Tasks that were
// RUNNING when the process died go back to PENDING.
func (g *Graph) Restore(tasks []*Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.tasks) > 0 {
		return fmt.Errorf("restore into non-empty graph (%d tasks): %w", len(g.tasks), ErrDuplicateTask)
	}

	sorted := append([]*Task(nil), tasks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	loaded := make(map[string]*Task, len(sorted))
	for _, t := range sorted {
		if _, dup := loaded[t.ID]; dup {
			return fmt.Errorf("restore %q: %w", t.ID, ErrDuplicateTask)
		}
		cp := cloneTask(t)
		cp.Dependents = nil
		g.seq++
		cp.seq = g.seq
		if cp.Status == TaskRunning || (cp.Status == TaskBlocked && cp.BlockedReason == reasonPaused) {
			cp.Status = TaskPending
			cp.BlockedReason = ""
		}
		loaded[cp.ID] = cp
	}
	for _, t := range loaded {
		for _, d := range t.Dependencies {
			if _, ok := loaded[d.TaskID]; !ok {
				return fmt.Errorf("restore %q: depends on %q: %w", t.ID, d.TaskID, ErrUnknownDependency)
			}
		}
	}

	g.tasks = loaded
	g.dependents = make(map[string]map[string]struct{})
	for _, t := range loaded {
		for _, d := range t.Dependencies {
			g.link(d.TaskID, t.ID)
		}
	}
	if _, err := g.order(); err != nil {
		g.tasks = make(map[string]*Task)
		g.dependents = make(map[string]map[string]struct{})
		return err
	}

	for _, t := range g.sortedTasks() {
		g.evaluate(t)
	}
	return nil
}

// checkDependencies validates edges for task id and fills defaults.
func (g *Graph) checkDependencies(id string, deps []Dependency, now time.Time) ([]Dependency, error) {
	if len(deps) == 0 {
		return nil, nil
	}

	out := make([]Dependency, 0, len(deps))
	seen := make(map[string]bool, len(deps))
	for _, d := range deps {
		if d.TaskID == "" {
			return nil, fmt.Errorf("task %q: empty dependency target: %w", id, ErrInvalidDependency)
		}
		if d.TaskID == id {
			return nil, fmt.Errorf("task %q depends on itself: %w", id, ErrCycle)
		}
		if seen[d.TaskID] {
			return nil, fmt.Errorf("task %q: duplicate dependency on %q: %w", id, d.TaskID, ErrInvalidDependency)
		}
		seen[d.TaskID] = true
		if d.Type == "" {
			d.Type = DependencyRequires
		}
		if !d.Type.valid() {
			return nil, fmt.Errorf("task %q: dependency type %q: %w", id, d.Type, ErrInvalidDependency)
		}
		if _, ok := g.tasks[d.TaskID]; !ok {
			return nil, fmt.Errorf("task %q depends on %q: %w", id, d.TaskID, ErrUnknownDependency)
		}
		if d.AddedAt.IsZero() {
			d.AddedAt = now
		}
		out = append(out, d)
	}
	return out, nil
}

// cycleWith reports a cycle path if task id had exactly deps as its edges.
func (g *Graph) cycleWith(id string, deps []Dependency) []string {
	adj := make(map[string][]string, len(g.tasks)+1)
	for tid, t := range g.tasks {
		if tid == id {
			continue
		}
		adj[tid] = waitingTargets(t.Dependencies)
	}
	adj[id] = waitingTargets(deps)
	return findCycle(adj, []string{id})
}

func waitingTargets(deps []Dependency) []string {
	var out []string
	for _, d := range deps {
		if d.Type.waits() {
			out = append(out, d.TaskID)
		}
	}
	return out
}

// findCycle runs a depth-first search from roots. Reaching a node that is
// still on the recursion stack means a cycle; the path is returned.
func findCycle(adj map[string][]string, roots []string) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(adj))
	var stack []string
	var cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		state[n] = onStack
		stack = append(stack, n)
		for _, m := range adj[n] {
			switch state[m] {
			case onStack:
				for i, s := range stack {
					if s == m {
						cycle = append(append([]string(nil), stack[i:]...), m)
						break
					}
				}
				return true
			case unvisited:
				if visit(m) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		return false
	}

	for _, r := range roots {
		if state[r] == unvisited && visit(r) {
			return cycle
		}
	}
	return nil
}

// order runs the topological sort. Caller holds the lock.
func (g *Graph) order() ([]string, error) {
	var edges []toposort.Edge
	for _, task := range g.sortedTasks() {
		waits := false
		for _, d := range task.Dependencies {
			if _, exists := g.tasks[d.TaskID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q: %w", task.ID, d.TaskID, ErrUnknownDependency)
			}
			if !d.Type.waits() {
				continue
			}
			waits = true
			// Edge (prerequisite, dependent): prerequisite comes first
			edges = append(edges, toposort.Edge{d.TaskID, task.ID})
		}
		if !waits {
			edges = append(edges, toposort.Edge{nil, task.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycle, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(g.tasks) {
		return nil, fmt.Errorf("topological sort covered %d of %d tasks: %w", len(order), len(g.tasks), ErrCycle)
	}
	return order, nil
}

// ready evaluates the conjunctive readiness predicate. Caller holds the lock.
func (g *Graph) ready(task *Task) bool {
	now := g.now()
	for _, d := range task.Dependencies {
		pre, exists := g.tasks[d.TaskID]
		if !exists {
			return false
		}

		var ok bool
		switch d.Type {
		case DependencyRequires, DependencyTriggers:
			ok = pre.Status == TaskCompleted
		case DependencyOptional:
			ok = pre.Status == TaskCompleted || pre.Status == TaskFailed ||
				(d.Timeout > 0 && now.Sub(d.AddedAt) >= d.Timeout)
		case DependencyBlocks:
			ok = pre.Status != TaskRunning
		}
		if ok && d.Condition != nil {
			ok = d.Condition(cloneTask(task), cloneTask(pre))
		}
		if !ok {
			return false
		}
	}
	return true
}

// failedPrerequisite returns the first hard prerequisite that can never
// complete (failed, cancelled, or itself blocked by such a prerequisite)
// together with a reason.
func (g *Graph) failedPrerequisite(task *Task) (string, bool) {
	for _, d := range task.Dependencies {
		if !d.Type.hard() {
			continue
		}
		pre, exists := g.tasks[d.TaskID]
		if !exists {
			continue
		}
		switch {
		case pre.Status == TaskFailed:
			return reasonPrerequisite + pre.ID + " failed", true
		case pre.Status == TaskCancelled:
			return reasonPrerequisite + pre.ID + " cancelled", true
		case blockedByFailure(pre):
			return reasonPrerequisite + pre.ID + " blocked", true
		}
	}
	return "", false
}

// evaluate recomputes the derived status of one task and propagates any
// change to its dependents. Caller holds the lock.
func (g *Graph) evaluate(task *Task) {
	if task == nil {
		return
	}

	changed := false
	switch task.Status {
	case TaskPending, TaskReady:
		if reason, failed := g.failedPrerequisite(task); failed {
			g.setStatus(task, TaskBlocked, reason, true)
			changed = true
		} else if ready := g.ready(task); ready && task.Status == TaskPending {
			g.setStatus(task, TaskReady, "", true)
			changed = true
		} else if !ready && task.Status == TaskReady {
			g.setStatus(task, TaskPending, "", true)
			changed = true
		}
	case TaskBlocked:
		if !blockedByFailure(task) {
			return
		}
		if _, failed := g.failedPrerequisite(task); !failed {
			g.setStatus(task, TaskPending, "", true)
			g.evaluate(task)
			changed = true
		}
	}
	if changed {
		g.propagate(task.ID)
	}
}

// propagate re-evaluates the dependents of id.
func (g *Graph) propagate(id string) {
	for _, depID := range g.dependentIDs(id) {
		g.evaluate(g.tasks[depID])
	}
}

// cancel marks task CANCELLED and cascades to PENDING dependents.
func (g *Graph) cancel(task *Task, cascadeOf string, out *[]string) {
	now := g.now()
	from := task.Status
	task.Status = TaskCancelled
	task.BlockedReason = ""
	if task.CompletedAt == nil {
		task.CompletedAt = &now
	}
	g.touch(task)
	*out = append(*out, task.ID)
	g.notify(Change{Kind: ChangeStatus, Task: g.snapshot(task), From: from, CascadeOf: cascadeOf})

	for _, depID := range g.dependentIDs(task.ID) {
		dep := g.tasks[depID]
		if dep.Status == TaskPending {
			g.cancel(dep, task.ID, out)
		}
	}
	g.propagate(task.ID)
}

// setStatus changes status, bumping the version unless derived.
func (g *Graph) setStatus(task *Task, to TaskStatus, reason string, derived bool) {
	from := task.Status
	task.Status = to
	task.BlockedReason = reason
	if !derived {
		g.touch(task)
	}
	g.notify(Change{Kind: ChangeStatus, Task: g.snapshot(task), From: from, Derived: derived})
}

func (g *Graph) touch(task *Task) {
	task.Version++
	task.IsDirty = true
}

func (g *Graph) notify(c Change) {
	if g.observer != nil {
		g.observer(c)
	}
}

func (g *Graph) lookup(id string) (*Task, error) {
	task, exists := g.tasks[id]
	if !exists {
		return nil, fmt.Errorf("task %q: %w", id, ErrTaskNotFound)
	}
	return task, nil
}

// rewire replaces a task's edges and keeps the reverse index exact.
func (g *Graph) rewire(task *Task, deps []Dependency) {
	for _, d := range task.Dependencies {
		g.unlink(d.TaskID, task.ID)
	}
	task.Dependencies = deps
	for _, d := range deps {
		g.link(d.TaskID, task.ID)
	}
}

func (g *Graph) link(prerequisiteID, dependentID string) {
	set, ok := g.dependents[prerequisiteID]
	if !ok {
		set = make(map[string]struct{})
		g.dependents[prerequisiteID] = set
	}
	set[dependentID] = struct{}{}
}

func (g *Graph) unlink(prerequisiteID, dependentID string) {
	set := g.dependents[prerequisiteID]
	delete(set, dependentID)
	if len(set) == 0 {
		delete(g.dependents, prerequisiteID)
	}
}

func (g *Graph) dependentIDs(id string) []string {
	set := g.dependents[id]
	ids := make([]string, 0, len(set))
	for depID := range set {
		ids = append(ids, depID)
	}
	sort.Slice(ids, func(i, j int) bool { return g.tasks[ids[i]].seq < g.tasks[ids[j]].seq })
	return ids
}

func (g *Graph) sortedTasks() []*Task {
	tasks := make([]*Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].seq < tasks[j].seq })
	return tasks
}

// snapshot copies a task and fills Dependents from the reverse index.
func (g *Graph) snapshot(task *Task) *Task {
	cp := cloneTask(task)
	cp.Dependents = g.dependentIDs(task.ID)
	if len(cp.Dependents) == 0 {
		cp.Dependents = nil
	}
	return cp
}

func blockedByFailure(task *Task) bool {
	return task.Status == TaskBlocked && strings.HasPrefix(task.BlockedReason, reasonPrerequisite)
}

func copyPayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func elapsedSince(start *time.Time, now time.Time) time.Duration {
	if start == nil {
		return 0
	}
	return now.Sub(*start)
}
