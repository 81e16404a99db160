package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/star64ccs/CardStrategy-sub006/internal/config"
	"github.com/star64ccs/CardStrategy-sub006/internal/events"
	"github.com/star64ccs/CardStrategy-sub006/internal/hub"
	"github.com/star64ccs/CardStrategy-sub006/internal/persistence"
	"github.com/star64ccs/CardStrategy-sub006/internal/progress"
	"github.com/star64ccs/CardStrategy-sub006/internal/scheduler"
	"github.com/star64ccs/CardStrategy-sub006/internal/syncer"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Scheduler.LoopInterval = config.Duration(5 * time.Millisecond)
	cfg.Scheduler.DefaultTimeout = config.Duration(5 * time.Second)
	cfg.Progress.BroadcastInterval = config.Duration(10 * time.Millisecond)
	cfg.Storage.Path = MemoryPath
	return cfg
}

func workRegistry() *scheduler.Registry {
	reg := scheduler.NewRegistry()
	reg.Register("work", scheduler.ExecutorFunc(func(ctx context.Context, task *scheduler.Task, p scheduler.ProgressReporter) (string, error) {
		_ = p.UpdateProgress(progress.StepOf("working", 1, 2))
		return task.ID + " done", nil
	}))
	return reg
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.Config == nil {
		opts.Config = testConfig()
	}
	if opts.Registry == nil {
		opts.Registry = workRegistry()
	}
	m, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m
}

func mustAdd(t *testing.T, m *Manager, spec scheduler.Spec) string {
	t.Helper()
	id, err := m.AddTask(spec)
	if err != nil {
		t.Fatalf("AddTask(%s): %v", spec.ID, err)
	}
	return id
}

func runAll(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestAddTaskRequiresExecutor(t *testing.T) {
	m := newTestManager(t, Options{})

	_, err := m.AddTask(scheduler.Spec{ID: "x", Type: "unknown"})
	if !errors.Is(err, scheduler.ErrMissingExecutor) {
		t.Fatalf("err = %v, want ErrMissingExecutor", err)
	}
	if _, ok := m.Task("x"); ok {
		t.Error("rejected task was added")
	}

	mustAdd(t, m, scheduler.Spec{ID: "y", Type: "work"})
	bad := "unknown"
	if _, err := m.UpdateTask("y", scheduler.Patch{Type: &bad}); !errors.Is(err, scheduler.ErrMissingExecutor) {
		t.Errorf("UpdateTask err = %v, want ErrMissingExecutor", err)
	}
}

func TestFallbackExecutorAcceptsAnyType(t *testing.T) {
	reg := scheduler.NewRegistry()
	reg.Register(scheduler.FallbackType, scheduler.ExecutorFunc(func(ctx context.Context, task *scheduler.Task, p scheduler.ProgressReporter) (string, error) {
		return "", nil
	}))
	m := newTestManager(t, Options{Registry: reg})

	mustAdd(t, m, scheduler.Spec{ID: "x", Type: "anything"})
	runAll(t, m)
	if task, _ := m.Task("x"); task.Status != scheduler.TaskCompleted {
		t.Errorf("x = %s, want COMPLETED", task.Status)
	}
}

func TestExecutionPublishesLifecycle(t *testing.T) {
	m := newTestManager(t, Options{})
	sub := m.Subscribe(events.TopicTask, 64)
	deps := m.Subscribe(events.TopicDependency, 16)

	mustAdd(t, m, scheduler.Spec{ID: "A", Type: "work"})
	mustAdd(t, m, scheduler.Spec{ID: "B", Type: "work"})
	if err := m.AddDependency("B", scheduler.Dependency{TaskID: "A", Type: scheduler.DependencyRequires}); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}
	runAll(t, m)

	counts := map[string]int{}
	for len(sub) > 0 {
		counts[(<-sub).EventType()]++
	}
	if counts[events.EventTypeTaskAdded] != 2 {
		t.Errorf("taskAdded = %d, want 2", counts[events.EventTypeTaskAdded])
	}
	if counts[events.EventTypeTaskCompleted] != 2 {
		t.Errorf("taskCompleted = %d, want 2", counts[events.EventTypeTaskCompleted])
	}
	if counts[events.EventTypeTaskUpdated] == 0 {
		t.Error("no taskUpdated events for status changes")
	}

	if len(deps) != 1 {
		t.Fatalf("dependency events = %d, want 1", len(deps))
	}
	ev := (<-deps).(events.DependencyAddedEvent)
	if ev.ID != "B" || ev.PrerequisiteID != "A" || ev.Type != string(scheduler.DependencyRequires) {
		t.Errorf("dependency event = %+v", ev)
	}

	if u, ok := m.Progress("B"); !ok || u.Percentage != 100 {
		t.Errorf("B progress = %+v, %v; want 100%%", u, ok)
	}
	if s := m.ProgressSummary(); s.Completed != 2 || s.Overall != 100 {
		t.Errorf("summary = %+v", s)
	}
	if st := m.Statistics(); st.Completed != 2 {
		t.Errorf("statistics completed = %d, want 2", st.Completed)
	}
}

func TestRestoreFromStore(t *testing.T) {
	store := persistence.NewMemoryStore()

	first := newTestManager(t, Options{Store: store})
	mustAdd(t, first, scheduler.Spec{ID: "A", Type: "work", Payload: map[string]any{"k": "v"}})
	mustAdd(t, first, scheduler.Spec{ID: "B", Type: "work", Dependencies: []scheduler.Dependency{{TaskID: "A", Type: scheduler.DependencyRequires}}})
	runAll(t, first)
	mustAdd(t, first, scheduler.Spec{ID: "C", Type: "work", Dependencies: []scheduler.Dependency{{TaskID: "B", Type: scheduler.DependencyRequires}}})
	device := first.DeviceID()
	first.Close()

	second := newTestManager(t, Options{Store: store})
	if second.DeviceID() != device {
		t.Errorf("device id changed across restart: %s -> %s", device, second.DeviceID())
	}
	if n := len(second.Tasks()); n != 3 {
		t.Fatalf("restored %d tasks, want 3", n)
	}
	a, _ := second.Task("A")
	if a.Status != scheduler.TaskCompleted || a.Payload["k"] != "v" {
		t.Errorf("A = %s %v", a.Status, a.Payload)
	}
	if c, _ := second.Task("C"); c.Status != scheduler.TaskReady {
		t.Errorf("C = %s, want READY", c.Status)
	}

	runAll(t, second)
	if c, _ := second.Task("C"); c.Status != scheduler.TaskCompleted {
		t.Errorf("C after run = %s, want COMPLETED", c.Status)
	}
}

func TestRemoveTaskDeletesPersistedCopy(t *testing.T) {
	store := persistence.NewMemoryStore()
	m := newTestManager(t, Options{Store: store})
	mustAdd(t, m, scheduler.Spec{ID: "A", Type: "work"})

	if _, err := persistence.GetTask(context.Background(), store, "A"); err != nil {
		t.Fatalf("task not persisted: %v", err)
	}
	if err := m.RemoveTask("A"); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}
	if _, err := persistence.GetTask(context.Background(), store, "A"); !persistence.IsNotFound(err) {
		t.Errorf("GetTask after remove err = %v, want not found", err)
	}
}

func TestWorkflowFollowUp(t *testing.T) {
	cfg := testConfig()
	cfg.Workflows = map[string]config.WorkflowConfig{
		"ship": {Steps: []config.WorkflowStep{{Type: "work"}, {Type: "check"}}},
	}
	reg := workRegistry()
	reg.Register("check", scheduler.ExecutorFunc(func(ctx context.Context, task *scheduler.Task, p scheduler.ProgressReporter) (string, error) {
		return "checked " + task.Payload["previousResult"].(string), nil
	}))
	m := newTestManager(t, Options{Config: cfg, Registry: reg})

	mustAdd(t, m, scheduler.Spec{ID: "build", Type: "work"})
	runAll(t, m)

	follow, ok := m.Task("build-check")
	if !ok {
		t.Fatal("follow-up task not created")
	}
	if follow.Status != scheduler.TaskCompleted {
		t.Errorf("follow-up = %s, want COMPLETED", follow.Status)
	}
	if follow.Result != "checked build done" {
		t.Errorf("follow-up result = %q", follow.Result)
	}
}

func TestSyncDisabled(t *testing.T) {
	m := newTestManager(t, Options{})

	if _, err := m.SyncNow(context.Background()); !errors.Is(err, ErrSyncDisabled) {
		t.Errorf("SyncNow err = %v", err)
	}
	if _, err := m.SyncStatus(); !errors.Is(err, ErrSyncDisabled) {
		t.Errorf("SyncStatus err = %v", err)
	}
	if err := m.ResolveConflict(context.Background(), "c", syncer.ServerWins); !errors.Is(err, ErrSyncDisabled) {
		t.Errorf("ResolveConflict err = %v", err)
	}
	if m.Conflicts() != nil {
		t.Error("Conflicts should be empty")
	}
}

func TestSyncEnabledWithoutRemote(t *testing.T) {
	cfg := testConfig()
	cfg.Sync.Enabled = true
	if _, err := New(context.Background(), Options{Config: cfg}); err == nil {
		t.Fatal("expected error for sync without remote")
	}
}

func TestTwoDevicesShareTasks(t *testing.T) {
	h := hub.NewMemoryHub()
	storeB := persistence.NewMemoryStore()
	a := newTestManager(t, Options{Remote: h})
	b := newTestManager(t, Options{Remote: h, Store: storeB})
	if a.DeviceID() == b.DeviceID() {
		t.Fatal("devices share an id")
	}

	mustAdd(t, a, scheduler.Spec{ID: "shared", Type: "work", Payload: map[string]any{"n": 1.0}})
	if _, err := a.Sync(context.Background()); err != nil {
		t.Fatalf("a sync: %v", err)
	}
	if _, err := b.Sync(context.Background()); err != nil {
		t.Fatalf("b sync: %v", err)
	}

	got, ok := b.Task("shared")
	if !ok {
		t.Fatal("task did not reach device b")
	}
	if got.Payload["n"] != 1.0 || got.DeviceID != a.DeviceID() {
		t.Errorf("b copy = %+v", got)
	}
	if _, err := persistence.GetTask(context.Background(), storeB, "shared"); err != nil {
		t.Errorf("remote task not persisted on b: %v", err)
	}
	if st, _ := b.SyncStatus(); st.Pending != 0 {
		t.Errorf("b pending = %d, want 0 (no echo)", st.Pending)
	}

	// b runs it; a sees the result
	runAll(t, b)
	if _, err := b.Sync(context.Background()); err != nil {
		t.Fatalf("b sync: %v", err)
	}
	if _, err := a.Sync(context.Background()); err != nil {
		t.Fatalf("a sync: %v", err)
	}
	if task, _ := a.Task("shared"); task.Status != scheduler.TaskCompleted {
		t.Errorf("a copy = %s, want COMPLETED", task.Status)
	}
	if st, _ := a.SyncStatus(); st.Conflicts != 0 || st.LastError != "" {
		t.Errorf("a status = %+v", st)
	}
}

func TestManualConflictDecision(t *testing.T) {
	h := hub.NewMemoryHub()
	cfg := testConfig()
	cfg.Sync.Strategy = "manual"

	asked := make(chan syncer.Conflict, 1)
	a := newTestManager(t, Options{Remote: h})
	b := newTestManager(t, Options{Remote: h, Config: cfg, Decide: func(ctx context.Context, c syncer.Conflict) (syncer.Strategy, error) {
		asked <- c
		return syncer.ClientWins, nil
	}})

	mustAdd(t, a, scheduler.Spec{ID: "t", Type: "work", Payload: map[string]any{"x": "base"}})
	a.Sync(context.Background())
	b.Sync(context.Background())

	update := func(m *Manager, v string) {
		if _, err := m.UpdateTask("t", scheduler.Patch{Payload: map[string]any{"x": v}}); err != nil {
			t.Fatalf("UpdateTask: %v", err)
		}
	}
	update(a, "from-a")
	update(b, "from-b")
	a.Sync(context.Background())
	b.Sync(context.Background())

	select {
	case c := <-asked:
		if c.TaskID != "t" || c.Type != syncer.VersionMismatch {
			t.Errorf("conflict = %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("decider never asked")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(b.Conflicts()) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(b.Conflicts()); n != 0 {
		t.Fatalf("%d conflicts still parked", n)
	}
	b.Sync(context.Background())
	a.Sync(context.Background())
	if task, _ := a.Task("t"); task.Payload["x"] != "from-b" {
		t.Errorf("a payload = %v, want from-b", task.Payload["x"])
	}
}

func TestOpenStoreEncrypted(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.db")
	cfg := config.StorageConfig{Path: path, Encrypt: true, Passphrase: "correct horse"}

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	task := &scheduler.Task{ID: "secret", Type: "work", Status: scheduler.TaskPending, Version: 1, CreatedAt: time.Now()}
	if err := persistence.SaveTask(ctx, store, task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	store.Close()

	raw, err := persistence.NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if _, err := persistence.ListTasks(ctx, raw); err == nil {
		t.Error("plain store decoded encrypted tasks")
	}
	raw.Close()

	reopened, err := OpenStore(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := persistence.GetTask(ctx, reopened, "secret")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Type != "work" {
		t.Errorf("type = %q", got.Type)
	}

	wrong := cfg
	wrong.Passphrase = "wrong"
	other, err := OpenStore(ctx, wrong)
	if err != nil {
		t.Fatalf("OpenStore wrong passphrase: %v", err)
	}
	defer other.Close()
	if _, err := persistence.GetTask(ctx, other, "secret"); err == nil {
		t.Error("wrong passphrase decrypted the task")
	}
}

func TestOpenStoreKeyFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := config.StorageConfig{Path: filepath.Join(dir, "tasks.db"), Encrypt: true, KeyFile: filepath.Join(dir, "key")}

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if err := store.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	store.Close()

	reopened, err := OpenStore(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	v, err := reopened.Get(ctx, "k")
	if err != nil || string(v) != "v" {
		t.Errorf("Get = %q, %v", v, err)
	}
}
