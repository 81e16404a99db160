package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/star64ccs/CardStrategy-sub006/internal/scheduler"
)

// SaveTask writes a task under task:<id>. Saves are idempotent.
func SaveTask(ctx context.Context, s Store, task *scheduler.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}
	if err := s.Set(ctx, TaskKey(task.ID), data); err != nil {
		return fmt.Errorf("failed to save task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask reads one task. Returns an error wrapping ErrNotFound if absent.
func GetTask(ctx context.Context, s Store, id string) (*scheduler.Task, error) {
	data, err := s.Get(ctx, TaskKey(id))
	if err != nil {
		return nil, err
	}
	var task scheduler.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", id, err)
	}
	return &task, nil
}

// DeleteTask removes a persisted task.
func DeleteTask(ctx context.Context, s Store, id string) error {
	if err := s.Remove(ctx, TaskKey(id)); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

// ListTasks loads every persisted task, ordered by key.
func ListTasks(ctx context.Context, s Store) ([]*scheduler.Task, error) {
	keys, err := s.ListKeys(ctx, TaskPrefix)
	if err != nil {
		return nil, err
	}
	values, err := s.MultiGet(ctx, keys)
	if err != nil {
		return nil, err
	}

	tasks := make([]*scheduler.Task, 0, len(keys))
	for _, key := range keys {
		data, ok := values[key]
		if !ok {
			continue // Removed between list and get
		}
		var task scheduler.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", key, err)
		}
		if task.ID != strings.TrimPrefix(key, TaskPrefix) {
			return nil, fmt.Errorf("task under %s has id %q", key, task.ID)
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

// IsNotFound reports whether err means a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
