// Package orchestrator ties the task graph, scheduler, progress tracking,
// durable storage and multi-device sync into one Manager.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/star64ccs/CardStrategy-sub006/internal/config"
	"github.com/star64ccs/CardStrategy-sub006/internal/events"
	"github.com/star64ccs/CardStrategy-sub006/internal/hub"
	"github.com/star64ccs/CardStrategy-sub006/internal/netmon"
	"github.com/star64ccs/CardStrategy-sub006/internal/persistence"
	"github.com/star64ccs/CardStrategy-sub006/internal/progress"
	"github.com/star64ccs/CardStrategy-sub006/internal/scheduler"
	"github.com/star64ccs/CardStrategy-sub006/internal/syncer"
)

// executorGrace bounds how long Close waits for executors that ignore
// cancellation.
const executorGrace = 5 * time.Second

// ErrSyncDisabled is returned by sync operations when no remote is configured.
var ErrSyncDisabled = errors.New("sync is disabled")

// Options configures a Manager.
type Options struct {
	Config   *config.Config      // DefaultConfig when nil
	Store    persistence.Store   // Opened from Config.Storage when nil; only then closed by Close
	Registry *scheduler.Registry // Executors by task type
	Remote   syncer.Remote       // Overrides Config.Sync.Remote
	Monitor  netmon.Monitor      // Always online when nil
	Decide   syncer.DecideFunc   // Answers manual conflicts; nil means server-wins
	Logger   zerolog.Logger
}

// Manager is the single coordination point for one device.
type Manager struct {
	cfg       *config.Config
	store     persistence.Store
	ownStore  bool
	deviceID  string
	bus       *events.EventBus
	graph     *scheduler.Graph
	registry  *scheduler.Registry
	sched     *scheduler.Scheduler
	progress  *progress.Manager
	workflows *scheduler.WorkflowManager
	engine    *syncer.Engine // nil when sync is disabled
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed sync.Once
}

// New builds a Manager. Call Load to restore persisted tasks before use.
func New(ctx context.Context, opts Options) (*Manager, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	registry := opts.Registry
	if registry == nil {
		registry = scheduler.NewRegistry()
	}
	log := opts.Logger.With().Str("component", "manager").Logger()

	store, ownStore := opts.Store, false
	if store == nil {
		s, err := OpenStore(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		store, ownStore = s, true
	}

	deviceID, err := persistence.DeviceID(ctx, store)
	if err != nil {
		if ownStore {
			store.Close()
		}
		return nil, err
	}

	mctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		store:    store,
		ownStore: ownStore,
		deviceID: deviceID,
		bus:      events.NewEventBus(),
		registry: registry,
		log:      log,
		ctx:      mctx,
		cancel:   cancel,
	}

	m.graph = scheduler.NewGraph(scheduler.WithDeviceID(deviceID))
	m.progress = progress.NewManager(m.bus, progress.Config{
		HistoryLimit:      cfg.Progress.HistoryLimit,
		BroadcastInterval: cfg.Progress.BroadcastInterval.Std(),
		Logger:            opts.Logger,
	})
	m.progress.SetCounter(m.graph.Counts)
	m.sched = scheduler.New(scheduler.Config{
		MaxConcurrentTasks: cfg.Scheduler.MaxConcurrentTasks,
		DefaultTimeout:     cfg.Scheduler.DefaultTimeout.Std(),
		RetryEnabled:       cfg.Scheduler.RetryEnabled,
		LoopInterval:       cfg.Scheduler.LoopInterval.Std(),
		Logger:             opts.Logger,
	}, m.graph, registry, m.progress, m.bus)

	m.workflows = scheduler.NewWorkflowManager(m.graph, cfg.Workflows)
	m.sched.OnCompleted(m.followUp)

	if err := m.setupSync(opts); err != nil {
		m.Close()
		return nil, err
	}

	m.graph.SetObserver(m.observe)
	log.Debug().Str("device", deviceID).Bool("sync", m.engine != nil).Msg("manager ready")
	return m, nil
}

func (m *Manager) setupSync(opts Options) error {
	remote := opts.Remote
	if remote == nil && m.cfg.Sync.Enabled {
		if m.cfg.Sync.Remote == "" {
			return errors.New("sync enabled without a remote")
		}
		remote = hub.NewClient(m.cfg.Sync.Remote, nil)
	}
	if remote == nil {
		return nil
	}

	strategy, err := syncer.ParseStrategy(m.cfg.Sync.Strategy)
	if err != nil {
		return err
	}
	retry := syncer.DefaultRetryConfig()
	if d := m.cfg.Sync.RetryMaxElapsed.Std(); d > 0 {
		retry.MaxElapsedTime = d
	}

	m.engine = syncer.New(syncer.Config{
		DeviceID:           m.deviceID,
		BatchSize:          m.cfg.Sync.BatchSize,
		Interval:           m.cfg.Sync.Interval.Std(),
		Strategy:           strategy,
		TimestampThreshold: m.cfg.Sync.TimestampThreshold.Std(),
		Retry:              retry,
		BreakerFailures:    m.cfg.Sync.BreakerFailures,
		Logger:             opts.Logger.With().Str("component", "sync").Logger(),
	}, m.store, remote, opts.Monitor, m.graph, m.bus)

	if opts.Decide != nil {
		dc := syncer.NewDecisionChannel(4, opts.Decide)
		dc.Start(m.ctx)
		m.engine.SetDecider(dc)
	}
	return nil
}

// Load restores persisted tasks and the pending sync queue.
func (m *Manager) Load(ctx context.Context) error {
	tasks, err := persistence.ListTasks(ctx, m.store)
	if err != nil {
		return err
	}
	if err := m.graph.Restore(tasks); err != nil {
		return fmt.Errorf("restoring tasks: %w", err)
	}
	if m.engine != nil {
		if err := m.engine.Load(ctx); err != nil {
			return err
		}
	}
	m.log.Info().Int("tasks", len(tasks)).Msg("state restored")
	return nil
}

// Close stops background work and releases the store if the Manager
// opened it. Safe to call more than once.
func (m *Manager) Close() error {
	var err error
	m.closed.Do(func() {
		m.sched.Stop()
		m.cancel()
		waitCtx, cancel := context.WithTimeout(context.Background(), executorGrace)
		if werr := m.sched.WaitExecutors(waitCtx); werr != nil {
			m.log.Warn().Err(werr).Msg("executors still running at shutdown")
		}
		cancel()
		if m.engine != nil {
			m.engine.Close()
		}
		m.bus.Close()
		if m.ownStore {
			err = m.store.Close()
		}
	})
	return err
}

// DeviceID returns this device's stable identifier.
func (m *Manager) DeviceID() string { return m.deviceID }

// Events returns the bus the Manager publishes on.
func (m *Manager) Events() *events.EventBus { return m.bus }

// AddTask validates spec and adds it to the graph. The task type must
// have an executor.
func (m *Manager) AddTask(spec scheduler.Spec) (string, error) {
	if _, err := m.registry.Lookup(spec.Type); err != nil {
		return "", err
	}
	id, err := m.graph.AddTask(spec)
	if err != nil {
		return "", err
	}
	m.sched.Wake()
	return id, nil
}

// UpdateTask applies patch to a task.
func (m *Manager) UpdateTask(id string, patch scheduler.Patch) (*scheduler.Task, error) {
	if patch.Type != nil {
		if _, err := m.registry.Lookup(*patch.Type); err != nil {
			return nil, err
		}
	}
	task, err := m.graph.UpdateTask(id, patch)
	if err != nil {
		return nil, err
	}
	m.sched.Wake()
	return task, nil
}

// RemoveTask deletes a task that nothing depends on.
func (m *Manager) RemoveTask(id string) error {
	if err := m.graph.RemoveTask(id); err != nil {
		return err
	}
	m.progress.Forget(id)
	return nil
}

// AddDependency adds an edge from taskID to dep.TaskID.
func (m *Manager) AddDependency(taskID string, dep scheduler.Dependency) error {
	if err := m.graph.AddDependency(taskID, dep); err != nil {
		return err
	}
	m.sched.Wake()
	return nil
}

// RemoveDependency removes the edge from taskID to prerequisiteID.
func (m *Manager) RemoveDependency(taskID, prerequisiteID string) error {
	if err := m.graph.RemoveDependency(taskID, prerequisiteID); err != nil {
		return err
	}
	m.sched.Wake()
	return nil
}

// Task returns a copy of one task.
func (m *Manager) Task(id string) (*scheduler.Task, bool) { return m.graph.Get(id) }

// Tasks returns copies of every task.
func (m *Manager) Tasks() []*scheduler.Task { return m.graph.Tasks() }

// DependencyGraph returns the nodes and edges of the graph.
func (m *Manager) DependencyGraph() scheduler.GraphSnapshot { return m.graph.DependencyGraph() }

// Validate returns a topological order, or ErrCycle.
func (m *Manager) Validate() ([]string, error) { return m.graph.Validate() }

// Start executes the graph until no work remains, broadcasting aggregate
// progress while it runs.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.progress.Run(ctx)
	}()

	err := m.sched.Start(ctx)
	cancel()
	wg.Wait()
	m.progress.Broadcast()
	return err
}

// Stop ends execution after in-flight tasks finish.
func (m *Manager) Stop() { m.sched.Stop() }

// Pause stops dispatching new tasks.
func (m *Manager) Pause() { m.sched.Pause() }

// Resume re-enables dispatching.
func (m *Manager) Resume() { m.sched.Resume() }

// Cancel cancels a task and its pending dependents.
func (m *Manager) Cancel(id string) error { return m.sched.Cancel(id) }

// PauseTask holds a running task.
func (m *Manager) PauseTask(id string) error { return m.sched.PauseTask(id) }

// ResumeTask releases a held task.
func (m *Manager) ResumeTask(id string) error { return m.sched.ResumeTask(id) }

// Statistics returns scheduler counters.
func (m *Manager) Statistics() scheduler.Statistics { return m.sched.Statistics() }

// Progress returns the current snapshot of a task.
func (m *Manager) Progress(id string) (progress.Update, bool) { return m.progress.Current(id) }

// ProgressHistory returns every retained snapshot of a task, oldest first.
func (m *Manager) ProgressHistory(id string) []progress.Update { return m.progress.History(id) }

// ProgressSummary returns the aggregate over all tasks.
func (m *Manager) ProgressSummary() progress.Summary { return m.progress.Summary() }

// WatchProgress streams a task's updates until the returned stop is called.
func (m *Manager) WatchProgress(id string, bufSize int) (<-chan progress.Update, func()) {
	return m.progress.Watch(id, bufSize)
}

// Subscribe returns a channel for one event topic.
func (m *Manager) Subscribe(topic string, bufSize int) <-chan events.Event {
	return m.bus.Subscribe(topic, bufSize)
}

// SubscribeAll returns a channel receiving every event.
func (m *Manager) SubscribeAll(bufSize int) <-chan events.Event {
	return m.bus.SubscribeAll(bufSize)
}

// Unsubscribe stops delivery to a channel returned by Subscribe.
func (m *Manager) Unsubscribe(ch <-chan events.Event) { m.bus.Unsubscribe(ch) }

// StartSync runs the background sync loop until ctx is done.
func (m *Manager) StartSync(ctx context.Context) error {
	if m.engine == nil {
		return ErrSyncDisabled
	}
	return m.engine.Start(ctx)
}

// SyncNow pushes the pending queue.
func (m *Manager) SyncNow(ctx context.Context) (syncer.Result, error) {
	if m.engine == nil {
		return syncer.Result{}, ErrSyncDisabled
	}
	return m.engine.SyncNow(ctx)
}

// Sync pulls remote changes and then pushes local ones.
func (m *Manager) Sync(ctx context.Context) (syncer.Result, error) {
	if m.engine == nil {
		return syncer.Result{}, ErrSyncDisabled
	}
	res, err := m.engine.Cycle(ctx)
	m.sched.Wake()
	return res, err
}

// SyncStatus reports the sync engine's state.
func (m *Manager) SyncStatus() (syncer.Status, error) {
	if m.engine == nil {
		return syncer.Status{DeviceID: m.deviceID}, ErrSyncDisabled
	}
	return m.engine.Status(), nil
}

// Conflicts lists unresolved sync conflicts.
func (m *Manager) Conflicts() []syncer.Conflict {
	if m.engine == nil {
		return nil
	}
	return m.engine.Conflicts()
}

// ConflictHistory lists every retained conflict, resolved or not, oldest first.
func (m *Manager) ConflictHistory() []syncer.Conflict {
	if m.engine == nil {
		return nil
	}
	return m.engine.History()
}

// ResolveConflict settles a parked conflict with strategy.
func (m *Manager) ResolveConflict(ctx context.Context, id string, strategy syncer.Strategy) error {
	if m.engine == nil {
		return ErrSyncDisabled
	}
	if err := m.engine.ResolveConflict(ctx, id, strategy); err != nil {
		return err
	}
	m.sched.Wake()
	return nil
}

// SetTaskStrategy overrides the conflict strategy for one task.
func (m *Manager) SetTaskStrategy(taskID string, s syncer.Strategy) error {
	if m.engine == nil {
		return ErrSyncDisabled
	}
	m.engine.SetTaskStrategy(taskID, s)
	return nil
}

// RegisterResolver sets the custom conflict resolver for a task type.
func (m *Manager) RegisterResolver(taskType string, fn syncer.CustomResolver) error {
	if m.engine == nil {
		return ErrSyncDisabled
	}
	m.engine.RegisterResolver(taskType, fn)
	return nil
}

// SetFieldResolver sets the field-level resolver for a dotted payload path.
func (m *Manager) SetFieldResolver(path string, fn syncer.FieldResolver) error {
	if m.engine == nil {
		return ErrSyncDisabled
	}
	m.engine.SetFieldResolver(path, fn)
	return nil
}

// followUp spawns workflow follow-ups for a completed task.
func (m *Manager) followUp(task *scheduler.Task) {
	ids, err := m.workflows.OnTaskCompleted(task)
	if err != nil {
		m.log.Error().Err(err).Str("task", task.ID).Msg("workflow follow-up failed")
	}
	if len(ids) > 0 {
		m.log.Info().Str("task", task.ID).Strs("follow_ups", ids).Msg("workflow advanced")
		m.sched.Wake()
	}
}

// observe runs inside the graph's critical section for every mutation.
func (m *Manager) observe(c scheduler.Change) {
	if c.Task == nil {
		return
	}

	var err error
	if c.Kind == scheduler.ChangeRemoved {
		err = persistence.DeleteTask(context.Background(), m.store, c.Task.ID)
	} else {
		err = persistence.SaveTask(context.Background(), m.store, c.Task)
	}
	if err != nil {
		m.log.Error().Err(err).Str("task", c.Task.ID).Str("change", c.Kind.String()).Msg("failed to persist task")
	}

	if m.engine != nil {
		m.engine.Observe(c)
	}
	if c.Kind == scheduler.ChangeRemote {
		m.sched.Wake()
	}
	m.publish(c)
}

func (m *Manager) publish(c scheduler.Change) {
	now := time.Now()
	task := c.Task
	switch c.Kind {
	case scheduler.ChangeAdded:
		m.bus.Publish(events.TaskAddedEvent{
			ID:        task.ID,
			Name:      task.Name,
			Type:      task.Type,
			Priority:  task.Priority.String(),
			Timestamp: now,
		})
	case scheduler.ChangeUpdated, scheduler.ChangeStatus, scheduler.ChangeRemote:
		m.bus.Publish(events.TaskUpdatedEvent{
			ID:        task.ID,
			Status:    string(task.Status),
			Version:   task.Version,
			Timestamp: now,
		})
	case scheduler.ChangeRemoved:
		m.bus.Publish(events.TaskRemovedEvent{ID: task.ID, Timestamp: now})
	case scheduler.ChangeDependencyAdded:
		var typ string
		for _, d := range task.Dependencies {
			if d.TaskID == c.PrerequisiteID {
				typ = string(d.Type)
			}
		}
		m.bus.Publish(events.DependencyAddedEvent{
			ID:             task.ID,
			PrerequisiteID: c.PrerequisiteID,
			Type:           typ,
			Timestamp:      now,
		})
	case scheduler.ChangeDependencyRemoved:
		m.bus.Publish(events.DependencyRemovedEvent{
			ID:             task.ID,
			PrerequisiteID: c.PrerequisiteID,
			Timestamp:      now,
		})
	}
}
