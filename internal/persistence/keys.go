package persistence

import "fmt"

// Key layout shared by the manager and the sync engine.
const (
	TaskPrefix    = "task:"
	PendingPrefix = "sync:pending:"
	DeviceIDKey   = "device:id"
	LastSyncKey   = "sync:last"
	SaltKey       = "encryption:salt"
)

// TaskKey is the key a task is persisted under.
func TaskKey(id string) string {
	return TaskPrefix + id
}

// PendingKey is the key of one queued sync record.
func PendingKey(taskID string, unixNanos int64) string {
	return fmt.Sprintf("%s%s:%d", PendingPrefix, taskID, unixNanos)
}
