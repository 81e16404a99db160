// Package hub is the remote authority devices sync task records through.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/star64ccs/CardStrategy-sub006/internal/syncer"
)

// MemoryHub keeps a linear version history per task in memory.
// A push is accepted when it is the next version of the task, when the
// task is unknown, or when it re-creates a deleted task.
type MemoryHub struct {
	mu      sync.Mutex
	current map[string]syncer.Record // Task ID -> latest accepted record
	log     []syncer.Record          // Accepted records, in receive order
	now     func() time.Time
	last    time.Time
}

// Option configures a MemoryHub.
type Option func(*MemoryHub)

// WithClock overrides time.Now for receive timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *MemoryHub) { h.now = now }
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub(opts ...Option) *MemoryHub {
	h := &MemoryHub{
		current: make(map[string]syncer.Record),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Push accepts or rejects each record in order.
func (h *MemoryHub) Push(ctx context.Context, records []syncer.Record) ([]syncer.PushResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	results := make([]syncer.PushResult, len(records))
	for i, r := range records {
		results[i] = h.accept(r)
	}
	return results, nil
}

func (h *MemoryHub) accept(r syncer.Record) syncer.PushResult {
	res := syncer.PushResult{RecordID: r.ID}
	if r.TaskID == "" || r.DeviceID == "" {
		res.Error = "record needs taskId and deviceId"
		return res
	}

	cur, known := h.current[r.TaskID]
	switch {
	case !known:
	case r.Version == cur.Version+1:
	case cur.Deleted() && r.Operation == syncer.OpCreate:
	default:
		current := cur
		res.Current = &current
		return res
	}

	r.ReceivedAt = h.stamp()
	h.current[r.TaskID] = r
	h.log = append(h.log, r)
	res.Accepted = true
	return res
}

// stamp returns a receive time strictly after the previous one.
func (h *MemoryHub) stamp() time.Time {
	t := h.now().UTC()
	if !t.After(h.last) {
		t = h.last.Add(time.Nanosecond)
	}
	h.last = t
	return t
}

// Pull returns records from other devices received after since.
func (h *MemoryHub) Pull(ctx context.Context, deviceID string, since time.Time) ([]syncer.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var out []syncer.Record
	for _, r := range h.log {
		if r.DeviceID != deviceID && r.ReceivedAt.After(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Current returns the latest accepted record for a task.
func (h *MemoryHub) Current(taskID string) (syncer.Record, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.current[taskID]
	return r, ok
}

// Len returns how many records the hub has accepted.
func (h *MemoryHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.log)
}
