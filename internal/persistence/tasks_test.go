package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/star64ccs/CardStrategy-sub006/internal/scheduler"
)

func TestSaveAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	task := &scheduler.Task{
		ID:       "task-1",
		Version:  3,
		Type:     "shell",
		Name:     "Test Task",
		Priority: scheduler.PriorityHigh,
		Status:   scheduler.TaskRunning,
		Dependencies: []scheduler.Dependency{
			{TaskID: "dep-1", Type: scheduler.DependencyRequires},
			{TaskID: "dep-2", Type: scheduler.DependencyOptional, Timeout: time.Minute},
		},
		Resources:  []string{"db"},
		Payload:    map[string]any{"command": "echo hi"},
		MaxRetries: 2,
		RetryCount: 1,
		StartedAt:  &started,
	}

	if err := SaveTask(ctx, store, task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	got, err := GetTask(ctx, store, "task-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}

	if got.Name != task.Name || got.Type != task.Type || got.Version != 3 {
		t.Errorf("identity mismatch: %+v", got)
	}
	if got.Priority != scheduler.PriorityHigh {
		t.Errorf("Priority = %s, want HIGH", got.Priority)
	}
	if got.Status != scheduler.TaskRunning {
		t.Errorf("Status = %s, want RUNNING", got.Status)
	}
	if len(got.Dependencies) != 2 || got.Dependencies[1].Type != scheduler.DependencyOptional || got.Dependencies[1].Timeout != time.Minute {
		t.Errorf("Dependencies = %+v", got.Dependencies)
	}
	if got.Payload["command"] != "echo hi" {
		t.Errorf("Payload = %v", got.Payload)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
}

func TestSaveTaskIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	task := &scheduler.Task{ID: "a", Type: "noop", Status: scheduler.TaskPending}

	for i := 0; i < 3; i++ {
		if err := SaveTask(ctx, store, task); err != nil {
			t.Fatalf("SaveTask #%d: %v", i, err)
		}
	}
	tasks, err := ListTasks(ctx, store)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("ListTasks = %d tasks, want 1", len(tasks))
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := testStore(t)
	_, err := GetTask(context.Background(), store, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask missing = %v, want ErrNotFound", err)
	}
}

func TestListTasksIgnoresOtherKeys(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a"} {
		if err := SaveTask(ctx, store, &scheduler.Task{ID: id, Type: "noop"}); err != nil {
			t.Fatalf("SaveTask: %v", err)
		}
	}
	store.Set(ctx, PendingKey("a", 1), []byte("{}"))
	store.Set(ctx, DeviceIDKey, []byte("dev"))

	tasks, err := ListTasks(ctx, store)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "a" || tasks[1].ID != "b" {
		t.Errorf("ListTasks = %v", tasks)
	}
}

func TestListTasksRejectsCorruptEntry(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	store.Set(ctx, TaskKey("bad"), []byte("{not json"))

	if _, err := ListTasks(ctx, store); err == nil {
		t.Error("ListTasks accepted corrupt JSON")
	}

	store.Set(ctx, TaskKey("bad"), []byte(`{"id":"other"}`))
	if _, err := ListTasks(ctx, store); err == nil {
		t.Error("ListTasks accepted a task stored under the wrong key")
	}
}

func TestDeleteTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	SaveTask(ctx, store, &scheduler.Task{ID: "a", Type: "noop"})

	if err := DeleteTask(ctx, store, "a"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := GetTask(ctx, store, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask after delete = %v", err)
	}
}

func TestDeviceIDStable(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	first, err := DeviceID(ctx, store)
	if err != nil {
		t.Fatalf("DeviceID: %v", err)
	}
	if first == "" {
		t.Fatal("DeviceID returned empty id")
	}
	second, _ := DeviceID(ctx, store)
	if first != second {
		t.Errorf("DeviceID changed: %s then %s", first, second)
	}
}

func TestLastSync(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	zero, err := LastSync(ctx, store)
	if err != nil || !zero.IsZero() {
		t.Fatalf("LastSync on empty store = %v, %v", zero, err)
	}

	at := time.Date(2026, 5, 6, 7, 8, 9, 123, time.UTC)
	if err := SetLastSync(ctx, store, at); err != nil {
		t.Fatalf("SetLastSync: %v", err)
	}
	got, err := LastSync(ctx, store)
	if err != nil {
		t.Fatalf("LastSync: %v", err)
	}
	if !got.Equal(at) {
		t.Errorf("LastSync = %v, want %v", got, at)
	}
}

func TestEncryptionSaltStable(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a, err := EncryptionSalt(ctx, store)
	if err != nil {
		t.Fatalf("EncryptionSalt: %v", err)
	}
	if len(a) != 16 {
		t.Errorf("salt length = %d, want 16", len(a))
	}
	b, _ := EncryptionSalt(ctx, store)
	if string(a) != string(b) {
		t.Error("salt changed between calls")
	}
}

func TestPendingKey(t *testing.T) {
	if got := PendingKey("t1", 42); got != "sync:pending:t1:42" {
		t.Errorf("PendingKey = %q", got)
	}
	if got := TaskKey("t1"); got != "task:t1" {
		t.Errorf("TaskKey = %q", got)
	}
}
