package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/star64ccs/CardStrategy-sub006/internal/events"
	"github.com/star64ccs/CardStrategy-sub006/internal/progress"
)

const (
	DefaultMaxConcurrentTasks = 4
	DefaultTaskTimeout        = 60 * time.Second
	DefaultLoopInterval       = 50 * time.Millisecond
)

// Config configures the scheduler.
type Config struct {
	MaxConcurrentTasks int           // Max simultaneously RUNNING tasks (default 4)
	DefaultTimeout     time.Duration // Per-attempt timeout when the task sets none (default 60s)
	RetryEnabled       bool          // Failed attempts go back to PENDING while retries remain
	LoopInterval       time.Duration // Run loop yield between passes (default 50ms)
	Logger             zerolog.Logger
	Now                func() time.Time
}

// Statistics is a point-in-time view of scheduler activity.
type Statistics struct {
	Total           int
	ByStatus        map[TaskStatus]int
	InFlight        int
	Queued          int
	Dispatched      int64
	Completed       int64
	Failed          int64
	Retried         int64
	TimedOut        int64
	Cancelled       int64
	AverageDuration time.Duration
	Running         bool
	Paused          bool
}

// run tracks one in-flight attempt.
type run struct {
	cancel          context.CancelFunc
	resume          chan struct{}
	cancelRequested atomic.Bool
}

type outcome struct {
	result    string
	err       error
	permanent bool // Not retried (validation or missing executor)
	timedOut  bool
	stopped   bool // Attempt context was cancelled
	elapsed   time.Duration
}

// Scheduler dispatches READY tasks from a Graph to registered executors.
type Scheduler struct {
	cfg      Config
	graph    *Graph
	registry *Registry
	progress *progress.Manager
	locks    *ResourceLockManager
	bus      *events.EventBus
	log      zerolog.Logger

	running atomic.Bool
	paused  atomic.Bool
	wake    chan struct{}

	mu       sync.Mutex
	queue    *readyQueue
	inflight map[string]*run
	stop     chan struct{}
	hooks    []func(*Task)
	bodies   sync.WaitGroup // Executor calls, including ones abandoned on timeout

	dispatched atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	retried    atomic.Int64
	timedOut   atomic.Int64
	cancelled  atomic.Int64
	totalRun   atomic.Int64 // Summed duration of completed tasks, ns
}

// New creates a scheduler. bus may be nil; pm may be nil, in which case a
// private progress manager is used.
func New(cfg Config, graph *Graph, registry *Registry, pm *progress.Manager, bus *events.EventBus) *Scheduler {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTaskTimeout
	}
	if cfg.LoopInterval <= 0 {
		cfg.LoopInterval = DefaultLoopInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if pm == nil {
		pm = progress.NewManager(bus, progress.Config{Logger: cfg.Logger})
	}

	return &Scheduler{
		cfg:      cfg,
		graph:    graph,
		registry: registry,
		progress: pm,
		locks:    NewResourceLockManager(),
		bus:      bus,
		log:      cfg.Logger.With().Str("component", "scheduler").Logger(),
		wake:     make(chan struct{}, 1),
		queue:    newReadyQueue(),
		inflight: make(map[string]*run),
	}
}

// OnCompleted registers a hook called with a copy of every task that
// completes successfully. Hooks run on the attempt's goroutine.
func (s *Scheduler) OnCompleted(hook func(*Task)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Start runs the dispatch loop until no queued or running work remains,
// Stop is called, ctx is done, or a deadlock is detected. A second call
// while the loop is running returns nil immediately.
//
// An attempt ends when its timeout fires even if the executor ignores its
// context. Such an executor keeps running, and keeps its resource locks,
// after Start returns; use WaitExecutors to wait for it.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	defer s.running.Store(false)

	s.mu.Lock()
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	ticker := time.NewTicker(s.cfg.LoopInterval)
	defer ticker.Stop()

	s.log.Info().Int("max_concurrent", s.cfg.MaxConcurrentTasks).Msg("execution started")

	var loopErr error
loop:
	for {
		if _, err := s.graph.Validate(); err != nil {
			loopErr = fmt.Errorf("%w: %v", ErrDeadlock, err)
			s.log.Error().Err(err).Msg("dependency cycle in live graph, halting")
			s.publish(events.ExecutionHaltedEvent{Reason: err.Error(), Timestamp: s.cfg.Now()})
			break
		}

		s.graph.Refresh()
		s.fillQueue()
		if !s.paused.Load() {
			s.dispatch(gctx, g)
		}
		if !s.hasWork() {
			break
		}

		select {
		case <-runCtx.Done():
			loopErr = ctx.Err()
			break loop
		case <-stop:
			break loop
		case <-s.wake:
		case <-ticker.C:
		}
	}

	if loopErr != nil {
		// Interrupt in-flight attempts; they go back to PENDING.
		cancel()
	} else {
		s.releasePaused()
	}
	_ = g.Wait()

	s.log.Info().Err(loopErr).Msg("execution stopped")
	return loopErr
}

// WaitExecutors blocks until every executor call has returned, including
// calls whose attempt already timed out, or until ctx is done.
func (s *Scheduler) WaitExecutors(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.bodies.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the run loop after in-flight attempts finish. Nothing new is
// dispatched once Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		select {
		case <-s.stop:
		default:
			close(s.stop)
		}
	}
}

// Pause stops dispatching new tasks. Running tasks continue.
func (s *Scheduler) Pause() {
	s.paused.Store(true)
}

// Resume re-enables dispatching.
func (s *Scheduler) Resume() {
	s.paused.Store(false)
	s.Wake()
}

// Running reports whether the run loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Wake makes the run loop re-evaluate the graph without waiting for the
// next tick.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel cancels a task. Waiting tasks are cancelled immediately together
// with their PENDING dependents. For a RUNNING task the executor's context
// is cancelled and the task becomes CANCELLED when the attempt returns.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	r, inflight := s.inflight[id]
	s.mu.Unlock()

	if inflight && !s.graph.Paused(id) {
		if task, ok := s.graph.Get(id); ok && task.Status == TaskRunning {
			r.cancelRequested.Store(true)
			r.cancel()
			s.log.Info().Str("task", id).Msg("cancellation requested")
			return nil
		}
	}

	ids, err := s.graph.Cancel(id)
	if err != nil {
		return err
	}
	s.publishCancelled(ids)
	if inflight {
		// Paused attempt: stop the executor and release the held outcome.
		r.cancel()
		signal(r.resume)
	}
	s.Wake()
	return nil
}

// PauseTask moves a RUNNING task to BLOCKED. The executor is not
// interrupted; its outcome is held until ResumeTask.
func (s *Scheduler) PauseTask(id string) error {
	s.mu.Lock()
	_, inflight := s.inflight[id]
	s.mu.Unlock()
	if !inflight {
		return fmt.Errorf("task %q is not executing: %w", id, ErrInvalidTransition)
	}
	return s.graph.Pause(id)
}

// ResumeTask moves a paused task back to RUNNING.
func (s *Scheduler) ResumeTask(id string) error {
	if err := s.graph.Resume(id); err != nil {
		return err
	}
	s.mu.Lock()
	r, inflight := s.inflight[id]
	s.mu.Unlock()
	if inflight {
		signal(r.resume)
	}
	return nil
}

// Statistics returns counters and per-status totals.
func (s *Scheduler) Statistics() Statistics {
	st := Statistics{
		ByStatus:   make(map[TaskStatus]int),
		Dispatched: s.dispatched.Load(),
		Completed:  s.completed.Load(),
		Failed:     s.failed.Load(),
		Retried:    s.retried.Load(),
		TimedOut:   s.timedOut.Load(),
		Cancelled:  s.cancelled.Load(),
		Running:    s.running.Load(),
		Paused:     s.paused.Load(),
	}
	for _, t := range s.graph.Tasks() {
		st.ByStatus[t.Status]++
		st.Total++
	}
	if st.Completed > 0 {
		st.AverageDuration = time.Duration(s.totalRun.Load() / st.Completed)
	}

	s.mu.Lock()
	st.InFlight = len(s.inflight)
	st.Queued = s.queue.len()
	s.mu.Unlock()
	return st
}

// fillQueue rebuilds the ready queue from the live graph.
func (s *Scheduler) fillQueue() {
	ready := s.graph.Ready()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue.reset()
	for _, t := range ready {
		if _, busy := s.inflight[t.ID]; !busy {
			s.queue.push(t)
		}
	}
}

// dispatch starts queued tasks until the concurrency ceiling is reached.
func (s *Scheduler) dispatch(ctx context.Context, g *errgroup.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.inflight) < s.cfg.MaxConcurrentTasks {
		id, ok := s.queue.pop()
		if !ok {
			return
		}

		task, err := s.graph.MarkRunning(id)
		if err != nil {
			// Changed since the queue was built
			s.log.Debug().Err(err).Str("task", id).Msg("skipping stale queue entry")
			continue
		}

		runCtx, cancel := context.WithCancel(ctx)
		r := &run{cancel: cancel, resume: make(chan struct{}, 1)}
		s.inflight[id] = r
		s.dispatched.Add(1)

		g.Go(func() error {
			defer cancel()
			s.execute(runCtx, task, r)
			return nil
		})
	}
}

// releasePaused interrupts paused attempts so a graceful stop does not wait
// on a resume that will never come.
func (s *Scheduler) releasePaused() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, r := range s.inflight {
		if s.graph.Paused(id) {
			r.cancel()
		}
	}
}

func (s *Scheduler) hasWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len() > 0 || len(s.inflight) > 0
}

// execute runs one attempt and applies its outcome to the graph.
func (s *Scheduler) execute(ctx context.Context, task *Task, r *run) {
	defer func() {
		s.mu.Lock()
		delete(s.inflight, task.ID)
		s.mu.Unlock()
		s.Wake()
	}()

	attempt := task.RetryCount + 1
	s.log.Info().Str("task", task.ID).Str("type", task.Type).Int("attempt", attempt).Msg("task started")
	s.publish(events.TaskStartedEvent{
		ID:        task.ID,
		Name:      task.Name,
		Type:      task.Type,
		Attempt:   attempt,
		Timestamp: s.cfg.Now(),
	})

	tracker := s.progress.Tracker(task.ID, func(u progress.Update) {
		if err := s.graph.SetProgress(task.ID, u); err != nil {
			s.log.Debug().Err(err).Str("task", task.ID).Msg("progress for unknown task")
		}
	})

	start := s.cfg.Now()
	out := s.invoke(ctx, task, tracker)
	out.elapsed = s.cfg.Now().Sub(start)

	// Hold the outcome while the task is paused.
	for s.graph.Paused(task.ID) {
		select {
		case <-r.resume:
		case <-ctx.Done():
			if s.graph.Paused(task.ID) {
				tracker.Release()
				if err := s.graph.Requeue(task.ID); err != nil {
					s.log.Warn().Err(err).Str("task", task.ID).Msg("failed to requeue paused task")
				}
				return
			}
		}
	}

	s.finish(task, attempt, r, tracker, out)
}

// invoke calls the executor raced against the attempt timeout.
func (s *Scheduler) invoke(ctx context.Context, task *Task, tracker *progress.Tracker) outcome {
	exec, err := s.registry.Lookup(task.Type)
	if err != nil {
		return outcome{err: err, permanent: true}
	}
	if v, ok := exec.(Validator); ok {
		if err := v.Validate(task); err != nil {
			return outcome{err: fmt.Errorf("validation failed: %w", err), permanent: true}
		}
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.locks.LockAll(execCtx, task.Resources); err != nil {
		return s.interrupted(ctx, timeout, fmt.Errorf("acquiring resources: %w", err))
	}

	done := make(chan outcome, 1)
	s.bodies.Add(1)
	go func() {
		defer s.bodies.Done()
		o := call(execCtx, exec, task, tracker)
		if c, ok := exec.(Cleaner); ok {
			c.Cleanup(task)
		}
		s.locks.UnlockAll(task.Resources)
		done <- o
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if ctx.Err() != nil {
				o.stopped = true
			} else if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
				// Executor noticed the deadline before we did
				return s.interrupted(ctx, timeout, nil)
			}
		}
		return o
	case <-execCtx.Done():
		return s.interrupted(ctx, timeout, nil)
	}
}

// interrupted builds the outcome for an attempt whose context ended first.
func (s *Scheduler) interrupted(ctx context.Context, timeout time.Duration, cause error) outcome {
	if ctx.Err() != nil {
		return outcome{err: ctx.Err(), stopped: true}
	}
	err := fmt.Errorf("after %s: %w", timeout, ErrExecutionTimeout)
	if cause != nil {
		err = fmt.Errorf("%w (%v)", err, cause)
	}
	return outcome{err: err, timedOut: true}
}

// call runs the executor, turning a panic into an error.
func call(ctx context.Context, exec Executor, task *Task, tracker ProgressReporter) (o outcome) {
	defer func() {
		if p := recover(); p != nil {
			o = outcome{err: fmt.Errorf("executor panic: %v", p)}
		}
	}()
	result, err := exec.Execute(ctx, cloneTask(task), tracker)
	return outcome{result: result, err: err}
}

// finish applies an attempt's outcome.
func (s *Scheduler) finish(task *Task, attempt int, r *run, tracker *progress.Tracker, out outcome) {
	id := task.ID
	log := s.log.With().Str("task", id).Int("attempt", attempt).Logger()

	if cur, ok := s.graph.Get(id); !ok || cur.Status == TaskCancelled {
		// Removed or cancelled while paused
		tracker.Release()
		return
	}

	switch {
	case r.cancelRequested.Load():
		_ = tracker.Fail("cancelled")
		ids, err := s.graph.Cancel(id)
		if err != nil {
			log.Warn().Err(err).Msg("failed to cancel task")
			return
		}
		log.Info().Msg("task cancelled")
		s.publishCancelled(ids)

	case out.stopped:
		tracker.Release()
		if err := s.graph.Requeue(id); err != nil {
			log.Warn().Err(err).Msg("failed to requeue interrupted task")
			return
		}
		log.Info().Msg("task interrupted, back to pending")

	case out.err == nil:
		if !tracker.Done() {
			if err := tracker.Complete(); err != nil {
				log.Debug().Err(err).Msg("final progress snapshot")
			}
		}
		if err := s.graph.MarkCompleted(id, out.result, out.elapsed); err != nil {
			log.Warn().Err(err).Msg("failed to mark task completed")
			return
		}
		s.completed.Add(1)
		s.totalRun.Add(int64(out.elapsed))
		log.Info().Dur("duration", out.elapsed).Msg("task completed")
		s.publish(events.TaskCompletedEvent{ID: id, Result: out.result, Duration: out.elapsed, Timestamp: s.cfg.Now()})

		if done, ok := s.graph.Get(id); ok {
			s.mu.Lock()
			hooks := append([]func(*Task){}, s.hooks...)
			s.mu.Unlock()
			for _, hook := range hooks {
				hook(done)
			}
		}

	default:
		if out.timedOut {
			s.timedOut.Add(1)
		}
		retrying, err := s.graph.MarkFailed(id, out.err, s.cfg.RetryEnabled && !out.permanent)
		if err != nil {
			log.Warn().Err(err).Msg("failed to mark task failed")
			return
		}
		if retrying {
			s.retried.Add(1)
			tracker.Release()
			log.Warn().Err(out.err).Msg("task attempt failed, retrying")
		} else {
			s.failed.Add(1)
			_ = tracker.Fail(out.err.Error())
			log.Error().Err(out.err).Msg("task failed")
		}
		s.publish(events.TaskFailedEvent{
			ID:        id,
			Err:       out.err,
			Attempt:   attempt,
			WillRetry: retrying,
			Duration:  out.elapsed,
			Timestamp: s.cfg.Now(),
		})
	}
}

func (s *Scheduler) publishCancelled(ids []string) {
	now := s.cfg.Now()
	for i, id := range ids {
		ev := events.TaskCancelledEvent{ID: id, Timestamp: now}
		if i > 0 {
			ev.CascadeOf = ids[0]
		}
		s.cancelled.Add(1)
		s.publish(ev)
	}
}

func (s *Scheduler) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// IsTimeout reports whether err came from an attempt timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrExecutionTimeout)
}
