package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/star64ccs/CardStrategy-sub006/internal/persistence"
)

// The pending queue lives in memory and in the store under
// sync:pending:<taskID>:<unix-nanos>. Records held by a parked conflict
// stay in the store but leave the queue until the conflict settles.

func pendingKey(r Record) string {
	return persistence.PendingKey(r.TaskID, r.Timestamp.UnixNano())
}

// loadPending reads persisted records, oldest first.
func (e *Engine) loadPending(ctx context.Context) error {
	keys, err := e.store.ListKeys(ctx, persistence.PendingPrefix)
	if err != nil {
		return fmt.Errorf("failed to list pending records: %w", err)
	}
	values, err := e.store.MultiGet(ctx, keys)
	if err != nil {
		return fmt.Errorf("failed to read pending records: %w", err)
	}

	records := make([]Record, 0, len(values))
	for key, data := range values {
		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("failed to decode %s: %w", key, err)
		}
		records = append(records, r)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.Before(records[j].Timestamp)
		}
		return records[i].Version < records[j].Version
	})

	e.qmu.Lock()
	defer e.qmu.Unlock()
	e.queue = append(records, e.queue...)
	for _, r := range records {
		if n := r.Timestamp.UnixNano(); n > e.lastNanos {
			e.lastNanos = n
		}
	}
	return nil
}

// enqueue persists r and appends it, or holds it if its task has a parked
// conflict.
func (e *Engine) enqueue(r Record) error {
	e.qmu.Lock()
	defer e.qmu.Unlock()

	// Keys must be unique per task, so timestamps strictly increase.
	if n := r.Timestamp.UnixNano(); n <= e.lastNanos {
		r.Timestamp = time.Unix(0, e.lastNanos+1).UTC()
	}
	e.lastNanos = r.Timestamp.UnixNano()

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if err := e.store.Set(context.Background(), pendingKey(r), data); err != nil {
		return fmt.Errorf("failed to persist record: %w", err)
	}

	if held, ok := e.held[r.TaskID]; ok {
		e.held[r.TaskID] = append(held, r)
		return nil
	}
	e.queue = append(e.queue, r)
	return nil
}

func (e *Engine) queued() int {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	return len(e.queue)
}

func (e *Engine) pendingCount() int {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	n := len(e.queue)
	for _, recs := range e.held {
		n += len(recs)
	}
	return n
}

// takeBatch removes up to n records from the front of the queue.
func (e *Engine) takeBatch(n int) []Record {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if n > len(e.queue) {
		n = len(e.queue)
	}
	batch := append([]Record(nil), e.queue[:n]...)
	e.queue = e.queue[n:]
	return batch
}

// requeueFront puts records back ahead of everything queued, keeping their
// order. Records of a task with a parked conflict are held instead.
func (e *Engine) requeueFront(records []Record) {
	if len(records) == 0 {
		return
	}
	e.qmu.Lock()
	defer e.qmu.Unlock()
	front := make([]Record, 0, len(records)+len(e.queue))
	for _, r := range records {
		if held, ok := e.held[r.TaskID]; ok {
			e.held[r.TaskID] = append(held, r)
			continue
		}
		front = append(front, r)
	}
	e.queue = append(front, e.queue...)
}

// pendingFor returns copies of the queued and held records for a task.
func (e *Engine) pendingFor(taskID string) []Record {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	var out []Record
	out = append(out, e.held[taskID]...)
	for _, r := range e.queue {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out
}

// hold moves a task's queued records aside and routes its future records
// aside too, until release or takePending.
func (e *Engine) hold(taskID string, extra ...Record) {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	held := e.held[taskID]
	held = append(held, extra...)
	kept := e.queue[:0:0]
	for _, r := range e.queue {
		if r.TaskID == taskID {
			held = append(held, r)
			continue
		}
		kept = append(kept, r)
	}
	e.queue = kept
	if held == nil {
		held = []Record{}
	}
	e.held[taskID] = held
}

// takePending removes every in-memory record of a task and lifts any hold.
// The store keeps them until forget.
func (e *Engine) takePending(taskID string) []Record {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	out := e.held[taskID]
	delete(e.held, taskID)
	kept := e.queue[:0:0]
	for _, r := range e.queue {
		if r.TaskID == taskID {
			out = append(out, r)
			continue
		}
		kept = append(kept, r)
	}
	e.queue = kept
	return out
}

// forget deletes records from the store.
func (e *Engine) forget(ctx context.Context, records ...Record) {
	if len(records) == 0 {
		return
	}
	keys := make([]string, len(records))
	for i, r := range records {
		keys[i] = pendingKey(r)
	}
	if err := e.store.MultiRemove(ctx, keys); err != nil {
		e.log.Warn().Err(err).Int("records", len(keys)).Msg("failed to remove synced records")
	}
}

func (e *Engine) isHeld(taskID string) bool {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	_, ok := e.held[taskID]
	return ok
}
