package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/star64ccs/CardStrategy-sub006/internal/events"
	"github.com/star64ccs/CardStrategy-sub006/internal/netmon"
	"github.com/star64ccs/CardStrategy-sub006/internal/persistence"
	"github.com/star64ccs/CardStrategy-sub006/internal/scheduler"
)

const (
	DefaultBatchSize          = 50
	DefaultInterval           = 30 * time.Second
	DefaultTimestampThreshold = 5 * time.Second

	resolvedHistory = 100
)

var (
	ErrConflictNotFound = errors.New("conflict not found")
	ErrConflictResolved = errors.New("conflict already resolved")
	ErrManualStrategy   = errors.New("manual is not a resolving strategy")
)

// LocalState is the local task set the engine reconciles against.
// *scheduler.Graph satisfies it.
type LocalState interface {
	Get(id string) (*scheduler.Task, bool)
	ApplyRemote(task *scheduler.Task) error
	RemoveRemote(id string) error
	MarkSynced(id string, version int64, at time.Time)
}

// Config configures the sync engine.
type Config struct {
	DeviceID           string
	BatchSize          int           // Records per push (default 50)
	Interval           time.Duration // Background cycle period (default 30s)
	Strategy           Strategy      // Global conflict strategy (default server-wins)
	TimestampThreshold time.Duration // Merge window for timestamp-based (default 5s)
	Retry              RetryConfig
	BreakerFailures    uint32 // Consecutive failures that open the circuit (default 5)
	Logger             zerolog.Logger
	Now                func() time.Time
}

// Result counts the records one SyncNow pushed. Each record is counted
// once; records not attempted are not counted.
type Result struct {
	Success int
	Failed  int
	Offline bool // Skipped entirely
}

// Status is a point-in-time view of the engine.
type Status struct {
	DeviceID  string
	Online    bool
	Pending   int
	Conflicts int
	LastSync  time.Time
	Cursor    time.Time // Remote receive time of the last pulled record
	LastError string
	Breaker   string
}

// cycle tracks which tasks already raised a conflict in one exchange.
type cycle struct {
	raised map[string]bool
}

func newCycle() *cycle {
	return &cycle{raised: make(map[string]bool)}
}

// Engine queues local task records and exchanges them with a Remote.
type Engine struct {
	cfg     Config
	store   persistence.Store
	remote  Remote
	monitor netmon.Monitor
	state   LocalState
	bus     *events.EventBus
	log     zerolog.Logger
	breaker *gobreaker.CircuitBreaker

	qmu       sync.Mutex
	queue     []Record
	held      map[string][]Record // Task ID -> records held by a parked conflict
	lastNanos int64

	drain sync.Mutex // One exchange with the remote at a time

	mu             sync.Mutex
	conflicts      []*Conflict
	seen           map[string]int64 // Task ID -> highest remote version reconciled
	taskStrategies map[string]Strategy
	resolvers      map[string]CustomResolver
	fieldResolvers map[string]FieldResolver
	decider        *DecisionChannel
	cursor         time.Time
	lastSync       time.Time
	lastErr        string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. bus may be nil.
func New(cfg Config, store persistence.Store, remote Remote, monitor netmon.Monitor, state LocalState, bus *events.EventBus) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Strategy == "" {
		cfg.Strategy = ServerWins
	}
	if cfg.TimestampThreshold <= 0 {
		cfg.TimestampThreshold = DefaultTimestampThreshold
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if monitor == nil {
		monitor = netmon.Always(true)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:            cfg,
		store:          store,
		remote:         remote,
		monitor:        monitor,
		state:          state,
		bus:            bus,
		log:            cfg.Logger,
		breaker:        newBreaker("sync-remote", cfg.BreakerFailures, cfg.Logger),
		held:           make(map[string][]Record),
		seen:           make(map[string]int64),
		taskStrategies: make(map[string]Strategy),
		resolvers:      make(map[string]CustomResolver),
		fieldResolvers: make(map[string]FieldResolver),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Load restores the persisted queue and pull cursor.
func (e *Engine) Load(ctx context.Context) error {
	if err := e.loadPending(ctx); err != nil {
		return err
	}
	cursor, err := persistence.LastSync(ctx, e.store)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.cursor = cursor
	e.mu.Unlock()
	e.log.Debug().Int("pending", e.queued()).Time("cursor", cursor).Msg("sync state loaded")
	return nil
}

// Close stops outstanding manual decisions.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// Enqueue records a local mutation of task. It does not call back into
// LocalState, so it is safe from a graph observer.
func (e *Engine) Enqueue(op Operation, task *scheduler.Task) error {
	r, err := NewRecord(op, task, e.cfg.DeviceID, e.cfg.Now())
	if err != nil {
		return err
	}
	return e.enqueue(r)
}

// Observe enqueues the record for a graph change, if it produces one.
// It is meant to run as (part of) the graph observer.
func (e *Engine) Observe(c scheduler.Change) {
	op, ok := OperationFor(c)
	if !ok || c.Task == nil {
		return
	}
	if err := e.Enqueue(op, c.Task); err != nil {
		e.log.Error().Err(err).Str("task", c.Task.ID).Str("op", string(op)).Msg("failed to queue sync record")
		e.setErr(err)
	}
}

// SetTaskStrategy overrides the strategy for one task. An empty strategy
// clears the override.
func (e *Engine) SetTaskStrategy(taskID string, s Strategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s == "" {
		delete(e.taskStrategies, taskID)
		return
	}
	e.taskStrategies[taskID] = s
}

// RegisterResolver sets the custom resolver for a task type.
func (e *Engine) RegisterResolver(taskType string, fn CustomResolver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolvers[taskType] = fn
}

// SetFieldResolver sets the field-level resolver for a dotted path.
func (e *Engine) SetFieldResolver(path string, fn FieldResolver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fieldResolvers[path] = fn
}

// SetDecider attaches the channel manual conflicts are sent to.
func (e *Engine) SetDecider(dc *DecisionChannel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.decider = dc
}

// Start runs a cycle every Interval, and whenever the monitor reports the
// network came back, until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	var online <-chan bool
	if w, ok := e.monitor.(interface{ Watch() (<-chan bool, func()) }); ok {
		ch, stop := w.Watch()
		defer stop()
		online = ch
	}

	e.log.Info().Dur("interval", e.cfg.Interval).Msg("sync loop started")
	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("sync loop stopped")
			return ctx.Err()
		case up, ok := <-online:
			if !ok {
				online = nil
				continue
			}
			if !up {
				continue
			}
		case <-ticker.C:
		}
		if res, err := e.Cycle(ctx); err != nil {
			e.log.Warn().Err(err).Msg("sync cycle failed")
		} else if res.Success > 0 || res.Failed > 0 {
			e.log.Debug().Int("success", res.Success).Int("failed", res.Failed).Msg("sync cycle")
		}
	}
}

// Cycle pulls remote records and then pushes the local queue.
func (e *Engine) Cycle(ctx context.Context) (Result, error) {
	if !e.monitor.IsOnline() {
		return Result{Offline: true}, nil
	}
	e.clearErr()
	cy := newCycle()
	if _, err := e.pull(ctx, cy); err != nil {
		return Result{}, err
	}
	return e.push(ctx, cy)
}

// SyncNow pushes a snapshot of the pending queue in batches. An empty
// queue makes no remote call; offline skips entirely.
func (e *Engine) SyncNow(ctx context.Context) (Result, error) {
	e.clearErr()
	return e.push(ctx, newCycle())
}

// Pull reconciles records other devices pushed since the last pull and
// returns how many were examined.
func (e *Engine) Pull(ctx context.Context) (int, error) {
	e.clearErr()
	return e.pull(ctx, newCycle())
}

func (e *Engine) push(ctx context.Context, cy *cycle) (Result, error) {
	if !e.monitor.IsOnline() {
		e.log.Debug().Msg("offline, sync skipped")
		return Result{Offline: true}, nil
	}

	e.drain.Lock()
	defer e.drain.Unlock()

	var res Result
	remaining := e.queued()
	for remaining > 0 {
		n := e.cfg.BatchSize
		if n > remaining {
			n = remaining
		}
		batch := e.takeBatch(n)
		if len(batch) == 0 {
			break
		}
		remaining -= len(batch)

		results, err := pushWithRetry(ctx, e.remote, batch, e.breaker, e.cfg.Retry)
		if err != nil {
			e.requeueFront(batch)
			res.Failed += len(batch)
			e.setErr(err)
			return res, fmt.Errorf("push failed: %w", err)
		}

		var retry []Record
		for i, r := range batch {
			pr := results[i]
			switch {
			case pr.Accepted:
				res.Success++
				e.accepted(ctx, r)
			case pr.Current != nil:
				res.Failed++
				e.rejected(ctx, cy, r, *pr.Current)
			default:
				res.Failed++
				e.log.Warn().Str("task", r.TaskID).Str("error", pr.Error).Msg("record rejected")
				retry = append(retry, r)
			}
		}
		e.requeueFront(retry)
		if len(retry) > 0 {
			e.setErr(fmt.Errorf("%d records rejected", len(retry)))
			return res, nil
		}
	}

	if res.Success > 0 || res.Failed > 0 {
		e.synced()
	}
	return res, nil
}

func (e *Engine) accepted(ctx context.Context, r Record) {
	e.forget(ctx, r)
	if !r.Deleted() {
		e.state.MarkSynced(r.TaskID, r.Version, e.cfg.Now())
	}
	e.publish(events.TaskSyncedEvent{
		ID:        r.TaskID,
		Operation: string(r.Operation),
		Version:   r.Version,
		Timestamp: e.cfg.Now(),
	})
}

// rejected handles a push the remote refused because it holds a different
// version.
func (e *Engine) rejected(ctx context.Context, cy *cycle, r Record, current Record) {
	if cy.raised[r.TaskID] {
		if e.isHeld(r.TaskID) {
			e.hold(r.TaskID, r)
		} else {
			// Superseded by this cycle's resolution
			e.forget(ctx, r)
		}
		return
	}
	e.hold(r.TaskID, r)
	local := e.localRecord(r.TaskID, r)
	e.raise(ctx, cy, classify(local, current, r.Version-1, true), local, current)
}

func (e *Engine) pull(ctx context.Context, cy *cycle) (int, error) {
	if !e.monitor.IsOnline() {
		return 0, nil
	}

	e.drain.Lock()
	defer e.drain.Unlock()

	e.mu.Lock()
	since := e.cursor
	e.mu.Unlock()

	out, err := e.breaker.Execute(func() (interface{}, error) {
		return e.remote.Pull(ctx, e.cfg.DeviceID, since)
	})
	if err != nil {
		e.setErr(err)
		return 0, fmt.Errorf("pull failed: %w", err)
	}
	records := out.([]Record)

	cursor := since
	advance := true
	for _, r := range records {
		if r.DeviceID == e.cfg.DeviceID {
			continue
		}
		if e.reconcile(ctx, cy, r) {
			advance = false
		}
		if advance && r.ReceivedAt.After(cursor) {
			cursor = r.ReceivedAt
		}
	}

	if cursor.After(since) {
		if err := persistence.SetLastSync(ctx, e.store, cursor); err != nil {
			e.log.Warn().Err(err).Msg("failed to persist sync cursor")
		}
		e.mu.Lock()
		e.cursor = cursor
		e.mu.Unlock()
	}
	if len(records) > 0 {
		e.synced()
	}
	return len(records), nil
}

// reconcile applies or conflicts one remote record. It reports true when
// the record must be looked at again next cycle.
func (e *Engine) reconcile(ctx context.Context, cy *cycle, r Record) bool {
	e.mu.Lock()
	if r.Version <= e.seen[r.TaskID] {
		e.mu.Unlock()
		return false
	}
	if c := e.parked(r.TaskID); c != nil {
		// A newer remote copy replaces the one awaiting a decision
		c.Remote = r
		e.seen[r.TaskID] = r.Version
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()

	pending := e.pendingFor(r.TaskID)
	dirty := len(pending) > 0
	local, exists := e.state.Get(r.TaskID)

	if !exists {
		switch {
		case dirty && pending[len(pending)-1].Deleted():
			if r.Deleted() {
				// Both sides deleted
				e.forget(ctx, e.takePending(r.TaskID)...)
				e.markSeen(r)
				return false
			}
			if cy.raised[r.TaskID] {
				return true
			}
			e.markSeen(r)
			e.raise(ctx, cy, DeletionConflict, pending[len(pending)-1], r)
		case r.Deleted():
			e.markSeen(r)
		default:
			return e.adopt(ctx, cy, r)
		}
		return false
	}

	localRec, err := NewRecord(OpUpdate, local, e.cfg.DeviceID, lastTouched(local))
	if err != nil {
		e.log.Error().Err(err).Str("task", r.TaskID).Msg("failed to describe local task")
		return false
	}
	if dirty {
		localRec.Timestamp = pending[len(pending)-1].Timestamp
	}
	same := !r.Deleted() && localRec.Checksum == r.Checksum

	switch {
	case same && r.Version <= local.Version:
		e.markSeen(r)
		if r.Version == local.Version && !dirty {
			e.state.MarkSynced(local.ID, local.Version, e.cfg.Now())
		}
	case same:
		// Identical content at a later version: adopt the version
		return e.adopt(ctx, cy, r)
	case r.Version == local.Version+1 && !dirty:
		return e.adopt(ctx, cy, r)
	case cy.raised[r.TaskID]:
		return true
	default:
		e.markSeen(r)
		e.raise(ctx, cy, classify(localRec, r, local.Version, dirty), localRec, r)
	}
	return false
}

func (e *Engine) markSeen(r Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.Version > e.seen[r.TaskID] {
		e.seen[r.TaskID] = r.Version
	}
}

// adopt applies a conflict-free remote record. A record the local graph
// refuses, such as one closing a dependency cycle, is raised as a version
// mismatch so it goes through the conflict strategy instead of vanishing.
func (e *Engine) adopt(ctx context.Context, cy *cycle, r Record) bool {
	err := e.applyInbound(r)
	if err == nil {
		e.markSeen(r)
		return false
	}
	if cy.raised[r.TaskID] {
		return true
	}
	e.log.Warn().Err(err).Str("task", r.TaskID).Int64("version", r.Version).Msg("remote record rejected by local graph")
	e.markSeen(r)
	e.raise(ctx, cy, VersionMismatch, e.localRecord(r.TaskID, r), r)
	return false
}

// applyInbound applies a remote record to the local graph.
func (e *Engine) applyInbound(r Record) error {
	var err error
	if r.Deleted() {
		err = e.state.RemoveRemote(r.TaskID)
	} else {
		var task *scheduler.Task
		if task, err = r.Task(); err == nil {
			err = e.state.ApplyRemote(task)
		}
	}
	if err != nil {
		return err
	}
	e.publish(events.TaskSyncedEvent{
		ID:        r.TaskID,
		Operation: string(r.Operation),
		Version:   r.Version,
		Inbound:   true,
		Timestamp: e.cfg.Now(),
	})
	return nil
}

// localRecord describes the newest local state of a task: the live task if
// it exists, else its newest pending record, else fallback.
func (e *Engine) localRecord(taskID string, fallback Record) Record {
	pending := e.pendingFor(taskID)
	if task, ok := e.state.Get(taskID); ok {
		r, err := NewRecord(OpUpdate, task, e.cfg.DeviceID, lastTouched(task))
		if err == nil {
			if len(pending) > 0 {
				r.Timestamp = pending[len(pending)-1].Timestamp
			}
			return r
		}
	}
	if len(pending) > 0 {
		return pending[len(pending)-1]
	}
	return fallback
}

func (e *Engine) raise(ctx context.Context, cy *cycle, typ ConflictType, local, remote Record) {
	cy.raised[remote.TaskID] = true

	taskType := typeOf(local)
	if taskType == "" {
		taskType = typeOf(remote)
	}

	e.mu.Lock()
	c := &Conflict{
		ID:         uuid.NewString(),
		TaskID:     remote.TaskID,
		TaskType:   taskType,
		Type:       typ,
		Local:      local,
		Remote:     remote,
		Strategy:   e.strategyFor(remote.TaskID),
		DetectedAt: e.cfg.Now(),
	}
	e.conflicts = append(e.conflicts, c)
	e.pruneLocked()
	e.mu.Unlock()

	e.log.Warn().
		Str("task", c.TaskID).
		Str("type", string(typ)).
		Int64("local_version", local.Version).
		Int64("remote_version", remote.Version).
		Str("strategy", string(c.Strategy)).
		Msg("sync conflict")
	e.publish(events.SyncConflictEvent{
		ConflictID:   c.ID,
		ID:           c.TaskID,
		ConflictType: string(typ),
		Strategy:     string(c.Strategy),
		Timestamp:    c.DetectedAt,
	})

	e.settle(ctx, c, c.Strategy)
}

// settle resolves c with strategy, or parks it for a decision.
func (e *Engine) settle(ctx context.Context, c *Conflict, strategy Strategy) {
	if strategy == Manual {
		e.mu.Lock()
		dc := e.decider
		snapshot := *c
		e.mu.Unlock()
		if dc != nil {
			e.hold(c.TaskID)
			e.wg.Add(1)
			go e.askDecider(dc, snapshot)
			return
		}
		e.log.Debug().Str("task", c.TaskID).Msg("no decider attached, falling back to server-wins")
		strategy = ServerWins
	}

	if err := e.apply(ctx, c, strategy); err != nil {
		e.hold(c.TaskID)
		e.mu.Lock()
		c.Error = err.Error()
		e.mu.Unlock()
		e.log.Error().Err(err).Str("task", c.TaskID).Msg("conflict resolution failed, parked")
		e.setErr(err)
	}
}

func (e *Engine) askDecider(dc *DecisionChannel, c Conflict) {
	defer e.wg.Done()

	strategy, err := dc.Ask(e.ctx, c)
	if e.ctx.Err() != nil {
		return
	}
	if err != nil || strategy == Manual || strategy == "" {
		e.log.Warn().Err(err).Str("task", c.TaskID).Msg("no usable decision, falling back to server-wins")
		strategy = ServerWins
	}
	if err := e.ResolveConflict(e.ctx, c.ID, strategy); err != nil {
		e.log.Error().Err(err).Str("conflict", c.ID).Msg("failed to apply decision")
	}
}

// ResolveConflict resolves a parked conflict with strategy.
func (e *Engine) ResolveConflict(ctx context.Context, id string, strategy Strategy) error {
	if strategy == Manual {
		return ErrManualStrategy
	}

	e.drain.Lock()
	defer e.drain.Unlock()

	e.mu.Lock()
	var c *Conflict
	for _, candidate := range e.conflicts {
		if candidate.ID == id {
			c = candidate
			break
		}
	}
	resolved := c != nil && c.Resolved
	e.mu.Unlock()

	if c == nil {
		return fmt.Errorf("%s: %w", id, ErrConflictNotFound)
	}
	if resolved {
		return fmt.Errorf("%s: %w", id, ErrConflictResolved)
	}
	return e.apply(ctx, c, strategy)
}

// apply computes the resolution and makes local state match it.
func (e *Engine) apply(ctx context.Context, c *Conflict, strategy Strategy) error {
	e.mu.Lock()
	snapshot := *c
	e.mu.Unlock()

	res := e.resolve(ctx, snapshot, strategy)
	now := e.cfg.Now()

	var (
		task   *scheduler.Task
		resend Record
		err    error
	)
	if !res.Delete {
		if task, err = decodeTask(res.Data); err != nil {
			return err
		}
		task.ID = snapshot.TaskID
		task.Version = snapshot.Remote.Version
		if res.Resend {
			task.Version++
		}
	}

	dropped := e.takePending(snapshot.TaskID)
	if res.Delete {
		err = e.state.RemoveRemote(snapshot.TaskID)
	} else {
		err = e.state.ApplyRemote(task)
	}
	if err != nil {
		e.hold(snapshot.TaskID, dropped...)
		return fmt.Errorf("applying %s resolution to %s: %w", strategy, snapshot.TaskID, err)
	}
	e.forget(ctx, dropped...)

	if res.Resend {
		if res.Delete {
			resend = snapshot.Local
			resend.ID = uuid.NewString()
			resend.DeviceID = e.cfg.DeviceID
			resend.Timestamp = now
			resend.Version = snapshot.Remote.Version + 1
			err = e.enqueue(resend)
		} else {
			task.DeviceID = e.cfg.DeviceID
			err = e.Enqueue(OpUpdate, task)
		}
		if err != nil {
			e.log.Error().Err(err).Str("task", snapshot.TaskID).Msg("failed to queue resolved copy")
		}
	}

	e.mu.Lock()
	c.Resolved = true
	c.Strategy = strategy
	c.ResolvedAt = now
	c.Error = ""
	e.mu.Unlock()

	e.log.Info().Str("task", c.TaskID).Str("strategy", string(strategy)).Bool("resend", res.Resend).Msg("conflict resolved")
	e.publish(events.SyncConflictEvent{
		ConflictID:   c.ID,
		ID:           c.TaskID,
		ConflictType: string(c.Type),
		Strategy:     string(strategy),
		Resolved:     true,
		Timestamp:    now,
	})
	return nil
}

func (e *Engine) resolve(ctx context.Context, c Conflict, strategy Strategy) Resolution {
	switch strategy {
	case ClientWins, LocalWins:
		return localWins(c)
	case Merge:
		return resolveMerge(c)
	case TimestampBased:
		return resolveTimestamp(c, e.cfg.TimestampThreshold)
	case FieldLevel:
		e.mu.Lock()
		resolvers := make(map[string]FieldResolver, len(e.fieldResolvers))
		for k, v := range e.fieldResolvers {
			resolvers[k] = v
		}
		e.mu.Unlock()
		return resolveFieldLevel(c, resolvers)
	case VersionBased:
		return resolveVersion(c)
	case Custom:
		return e.resolveCustom(ctx, c)
	default:
		return remoteWins(c)
	}
}

// resolveCustom runs the resolver registered for the task type. Absence,
// errors and panics all fall back to the remote copy.
func (e *Engine) resolveCustom(ctx context.Context, c Conflict) (res Resolution) {
	e.mu.Lock()
	fn := e.resolvers[c.TaskType]
	e.mu.Unlock()
	if fn == nil {
		e.log.Debug().Str("type", c.TaskType).Msg("no custom resolver, falling back to server-wins")
		return remoteWins(c)
	}

	defer func() {
		if p := recover(); p != nil {
			e.log.Error().Interface("panic", p).Str("task", c.TaskID).Msg("custom resolver panicked, falling back to server-wins")
			res = remoteWins(c)
		}
	}()
	out, err := fn(ctx, c)
	if err != nil {
		e.log.Warn().Err(err).Str("task", c.TaskID).Msg("custom resolver failed, falling back to server-wins")
		return remoteWins(c)
	}
	if !out.Delete && out.Data == nil {
		return remoteWins(c)
	}
	return out
}

// Conflicts returns the unresolved conflicts, oldest first.
func (e *Engine) Conflicts() []Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Conflict
	for _, c := range e.conflicts {
		if !c.Resolved {
			out = append(out, *c)
		}
	}
	return out
}

// History returns every retained conflict, resolved or not, oldest first.
func (e *Engine) History() []Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Conflict, len(e.conflicts))
	for i, c := range e.conflicts {
		out[i] = *c
	}
	return out
}

// Status reports the engine's state.
func (e *Engine) Status() Status {
	pending := e.pendingCount()
	online := e.monitor.IsOnline()

	e.mu.Lock()
	defer e.mu.Unlock()
	unresolved := 0
	for _, c := range e.conflicts {
		if !c.Resolved {
			unresolved++
		}
	}
	return Status{
		DeviceID:  e.cfg.DeviceID,
		Online:    online,
		Pending:   pending,
		Conflicts: unresolved,
		LastSync:  e.lastSync,
		Cursor:    e.cursor,
		LastError: e.lastErr,
		Breaker:   e.breaker.State().String(),
	}
}

func (e *Engine) strategyFor(taskID string) Strategy {
	if s, ok := e.taskStrategies[taskID]; ok {
		return s
	}
	return e.cfg.Strategy
}

// parked returns the unresolved conflict for a task. Caller holds e.mu.
func (e *Engine) parked(taskID string) *Conflict {
	for _, c := range e.conflicts {
		if c.TaskID == taskID && !c.Resolved {
			return c
		}
	}
	return nil
}

// pruneLocked drops the oldest resolved conflicts beyond the history limit.
func (e *Engine) pruneLocked() {
	resolved := 0
	for _, c := range e.conflicts {
		if c.Resolved {
			resolved++
		}
	}
	if resolved <= resolvedHistory {
		return
	}
	drop := resolved - resolvedHistory
	kept := e.conflicts[:0]
	for _, c := range e.conflicts {
		if c.Resolved && drop > 0 {
			drop--
			continue
		}
		kept = append(kept, c)
	}
	e.conflicts = kept
}

func (e *Engine) synced() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSync = e.cfg.Now()
}

func (e *Engine) clearErr() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastErr = ""
}

func (e *Engine) setErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastErr = err.Error()
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func typeOf(r Record) string {
	t, _ := r.Data["type"].(string)
	return t
}

// lastTouched is the latest timestamp a task carries, used as the local
// record time when no pending record says better.
func lastTouched(task *scheduler.Task) time.Time {
	t := task.CreatedAt
	for _, ts := range []*time.Time{task.StartedAt, task.CompletedAt, task.FailedAt, &task.LastSyncTime} {
		if ts != nil && ts.After(t) {
			t = *ts
		}
	}
	return t
}
