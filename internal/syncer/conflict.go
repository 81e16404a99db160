package syncer

import "time"

// ConflictType classifies a divergence between two copies of a task.
type ConflictType string

const (
	VersionMismatch  ConflictType = "VERSION_MISMATCH"
	ConcurrentUpdate ConflictType = "CONCURRENT_UPDATE"
	DeletionConflict ConflictType = "DELETION_CONFLICT"
)

// Conflict pairs the local and remote records of one task.
type Conflict struct {
	ID         string       `json:"id"`
	TaskID     string       `json:"taskId"`
	TaskType   string       `json:"taskType,omitempty"`
	Type       ConflictType `json:"conflictType"`
	Local      Record       `json:"local"`
	Remote     Record       `json:"remote"`
	Strategy   Strategy     `json:"resolution"`
	Resolved   bool         `json:"resolved"`
	DetectedAt time.Time    `json:"detectedAt"`
	ResolvedAt time.Time    `json:"resolvedAt,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// classify picks the conflict type. localVersion is the last version
// this device holds; dirty means it has unsynced changes.
func classify(local, remote Record, localVersion int64, dirty bool) ConflictType {
	switch {
	case local.Deleted() || remote.Deleted():
		return DeletionConflict
	case remote.Version > localVersion+1 && dirty:
		return ConcurrentUpdate
	default:
		return VersionMismatch
	}
}
