// Package syncer mirrors local task mutations to a remote authority and
// reconciles records other devices pushed there.
package syncer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/star64ccs/CardStrategy-sub006/internal/scheduler"
)

// Operation names the kind of mutation a Record describes.
type Operation string

const (
	OpCreate         Operation = "create"
	OpUpdate         Operation = "update"
	OpDelete         Operation = "delete"
	OpStatusChange   Operation = "status_change"
	OpProgressUpdate Operation = "progress_update"
)

// Record is a versioned, checksummed description of one task mutation.
// Data is the task in its JSON object form.
type Record struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"taskId"`
	DeviceID   string         `json:"deviceId"`
	Timestamp  time.Time      `json:"timestamp"`
	Operation  Operation      `json:"operation"`
	Data       map[string]any `json:"data,omitempty"`
	Version    int64          `json:"version"`
	Checksum   uint64         `json:"checksum"`
	ReceivedAt time.Time      `json:"receivedAt,omitempty"` // Stamped by the remote
}

// Deleted reports whether the record removes its task.
func (r Record) Deleted() bool {
	return r.Operation == OpDelete
}

// Fields that describe where a copy lives rather than what the task is.
// They are left out of checksums.
var volatileFields = []string{"version", "deviceId", "isDirty", "lastSyncTime", "dependents", "blockedReason"}

// NewRecord describes task after op. A delete record carries the last
// known state and the next version.
func NewRecord(op Operation, task *scheduler.Task, deviceID string, at time.Time) (Record, error) {
	data, err := taskData(task)
	if err != nil {
		return Record{}, err
	}
	version := task.Version
	if op == OpDelete {
		version++
	}
	return Record{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		DeviceID:  deviceID,
		Timestamp: at,
		Operation: op,
		Data:      data,
		Version:   version,
		Checksum:  Checksum(data),
	}, nil
}

// Task decodes the record's data. The record version wins over the
// version embedded in the data.
func (r Record) Task() (*scheduler.Task, error) {
	task, err := decodeTask(r.Data)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", r.ID, err)
	}
	if task.ID == "" {
		task.ID = r.TaskID
	}
	task.Version = r.Version
	return task, nil
}

// Checksum is a deterministic structural hash of the task content.
// It is for cheap equality checks only.
func Checksum(data map[string]any) uint64 {
	h, err := hashstructure.Hash(content(data), hashstructure.FormatV2, nil)
	if err != nil {
		// JSON-shaped data always hashes
		return 0
	}
	return h
}

// content strips volatile fields and folds readiness into PENDING, which
// devices recompute independently.
func content(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	for _, k := range volatileFields {
		delete(out, k)
	}
	if out["status"] == string(scheduler.TaskReady) {
		out["status"] = string(scheduler.TaskPending)
	}
	return out
}

func taskData(task *scheduler.Task) (map[string]any, error) {
	raw, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", task.ID, err)
	}
	return data, nil
}

func decodeTask(data map[string]any) (*scheduler.Task, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task data: %w", err)
	}
	var task scheduler.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task data: %w", err)
	}
	return &task, nil
}

// payloadVersion returns the task payload's "version" value, if any.
func payloadVersion(data map[string]any) (string, bool) {
	payload, ok := data["payload"].(map[string]any)
	if !ok {
		return "", false
	}
	switch v := payload["version"].(type) {
	case string:
		return v, v != ""
	case float64:
		return fmt.Sprint(v), true
	}
	return "", false
}

// OperationFor maps a graph change to the operation it is synced as.
// Derived changes and changes that arrived through sync map to nothing.
func OperationFor(c scheduler.Change) (Operation, bool) {
	if c.Derived {
		return "", false
	}
	switch c.Kind {
	case scheduler.ChangeAdded:
		return OpCreate, true
	case scheduler.ChangeUpdated, scheduler.ChangeDependencyAdded, scheduler.ChangeDependencyRemoved:
		return OpUpdate, true
	case scheduler.ChangeStatus:
		return OpStatusChange, true
	case scheduler.ChangeProgress:
		return OpProgressUpdate, true
	case scheduler.ChangeRemoved:
		return OpDelete, true
	}
	return "", false
}
