package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/star64ccs/CardStrategy-sub006/internal/events"
	"github.com/star64ccs/CardStrategy-sub006/internal/progress"
)

// collectTaskEvents drains everything currently buffered on ch.
func collectTaskEvents(ch <-chan events.Event) []string {
	var out []string
	for len(ch) > 0 {
		ev := <-ch
		switch e := ev.(type) {
		case events.TaskStartedEvent:
			out = append(out, "started:"+e.ID)
		case events.TaskCompletedEvent:
			out = append(out, "completed:"+e.ID)
		case events.TaskFailedEvent:
			out = append(out, fmt.Sprintf("failed:%s:%v", e.ID, e.WillRetry))
		}
	}
	return out
}

func only(evs []string, prefix string) []string {
	var out []string
	for _, e := range evs {
		if strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

// TestIntegration_RequiresChain: A (no deps), B REQUIRES A. Starting
// execution completes A and then B, in that order.
func TestIntegration_RequiresChain(t *testing.T) {
	g := NewGraph()
	reg := NewRegistry()
	reg.Register("work", ExecutorFunc(func(ctx context.Context, task *Task, p ProgressReporter) (string, error) {
		_ = p.UpdateProgress(progress.StepOf("working", 1, 2))
		return task.ID + " done", nil
	}))
	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicTask, 64)
	progressSub := bus.Subscribe(events.TopicProgress, 64)

	pm := progress.NewManager(bus, progress.Config{})
	s := New(testConfig(), g, reg, pm, bus)

	mustAdd(t, g, Spec{ID: "A", Type: "work"})
	mustAdd(t, g, Spec{ID: "B", Type: "work", Dependencies: requires("A")})

	if err := runToCompletion(t, s); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Completion events are published after the graph transition, so only
	// per-kind order is stable.
	got := collectTaskEvents(sub)
	if want := []string{"started:A", "started:B"}; fmt.Sprint(only(got, "started:")) != fmt.Sprint(want) {
		t.Errorf("start events = %v, want %v", got, want)
	}
	if want := []string{"completed:A", "completed:B"}; fmt.Sprint(only(got, "completed:")) != fmt.Sprint(want) {
		t.Errorf("completion events = %v, want %v", got, want)
	}

	a, b := mustGet(t, g, "A"), mustGet(t, g, "B")
	if a.Status != TaskCompleted || b.Status != TaskCompleted {
		t.Fatalf("A=%s B=%s, want both COMPLETED", a.Status, b.Status)
	}
	if b.StartedAt.Before(*a.CompletedAt) {
		t.Error("B started before A completed")
	}

	completes := 0
	for len(progressSub) > 0 {
		if _, ok := (<-progressSub).(events.ProgressCompleteEvent); ok {
			completes++
		}
	}
	if completes != 2 {
		t.Errorf("progressComplete events = %d, want 2", completes)
	}
}

// TestIntegration_RetryBudget: maxRetries=2 with an executor that always
// fails ends FAILED after exactly three attempts.
func TestIntegration_RetryBudget(t *testing.T) {
	var attempts atomic.Int32
	g := NewGraph()
	reg := NewRegistry()
	reg.Register("flaky", ExecutorFunc(func(ctx context.Context, task *Task, p ProgressReporter) (string, error) {
		attempts.Add(1)
		return "", errors.New("executor always throws")
	}))
	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicTask, 64)

	s := New(testConfig(), g, reg, nil, bus)
	mustAdd(t, g, Spec{ID: "A", Type: "flaky", MaxRetries: 2})

	if err := runToCompletion(t, s); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	if task := mustGet(t, g, "A"); task.Status != TaskFailed {
		t.Errorf("A = %s, want FAILED", task.Status)
	}

	got := collectTaskEvents(sub)
	if n := len(only(got, "started:")); n != 3 {
		t.Errorf("start events = %d, want 3", n)
	}
	want := []string{"failed:A:true", "failed:A:true", "failed:A:false"}
	if failed := only(got, "failed:"); fmt.Sprint(failed) != fmt.Sprint(want) {
		t.Errorf("failure events = %v, want %v", failed, want)
	}
}

// TestIntegration_ConcurrencyCeiling: three independent tasks with
// maxConcurrentTasks=2 never have more than two RUNNING at once.
func TestIntegration_ConcurrencyCeiling(t *testing.T) {
	g := NewGraph()

	var mu sync.Mutex
	maxRunning := 0
	sample := func() {
		mu.Lock()
		defer mu.Unlock()
		if n := g.Counts().Running; n > maxRunning {
			maxRunning = n
		}
	}

	reg := NewRegistry()
	reg.Register("work", ExecutorFunc(func(ctx context.Context, task *Task, p ProgressReporter) (string, error) {
		for i := 0; i < 5; i++ {
			sample()
			time.Sleep(5 * time.Millisecond)
		}
		return "", nil
	}))

	cfg := testConfig()
	cfg.MaxConcurrentTasks = 2
	s := New(cfg, g, reg, nil, nil)
	for _, id := range []string{"A", "B", "C"} {
		mustAdd(t, g, Spec{ID: id, Type: "work"})
	}

	if err := runToCompletion(t, s); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if maxRunning > 2 {
		t.Errorf("observed %d RUNNING simultaneously, ceiling is 2", maxRunning)
	}
	if maxRunning < 2 {
		t.Errorf("observed at most %d RUNNING; two independent tasks should overlap", maxRunning)
	}
	if c := g.Counts(); c.Completed != 3 {
		t.Errorf("completed = %d, want 3", c.Completed)
	}
}

// TestIntegration_TasksAddedWhileRunning: tasks added mid-run are picked up
// by the same run loop.
func TestIntegration_TasksAddedWhileRunning(t *testing.T) {
	g := NewGraph()
	release := make(chan struct{})
	reg := NewRegistry()
	reg.Register("gate", ExecutorFunc(func(ctx context.Context, task *Task, p ProgressReporter) (string, error) {
		<-release
		return "", nil
	}))
	reg.Register("work", ExecutorFunc(func(ctx context.Context, task *Task, p ProgressReporter) (string, error) {
		return "", nil
	}))

	s := New(testConfig(), g, reg, nil, nil)
	mustAdd(t, g, Spec{ID: "gate", Type: "gate"})
	done := startAsync(s)

	waitFor(t, "gate to run", func() bool { return mustGet(t, g, "gate").Status == TaskRunning })
	mustAdd(t, g, Spec{ID: "late", Type: "work", Dependencies: requires("gate")})
	s.Wake()
	close(release)

	if err := waitErr(t, done); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := mustGet(t, g, "late").Status; got != TaskCompleted {
		t.Errorf("late = %s, want COMPLETED", got)
	}
}
