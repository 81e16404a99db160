package syncer

import (
	"context"
	"time"
)

// PushResult is the remote's verdict on one pushed record.
type PushResult struct {
	RecordID string  `json:"recordId"`
	Accepted bool    `json:"accepted"`
	Current  *Record `json:"current,omitempty"` // Remote copy, when rejected as a conflict
	Error    string  `json:"error,omitempty"`
}

// Remote is the authority records are exchanged with.
type Remote interface {
	// Push offers records in order. Results align with records.
	// An error means nothing is known to have been stored.
	Push(ctx context.Context, records []Record) ([]PushResult, error)
	// Pull returns records other devices pushed after since, in the
	// order the remote received them.
	Pull(ctx context.Context, deviceID string, since time.Time) ([]Record, error)
}
