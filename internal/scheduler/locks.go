package scheduler

import (
	"context"
	"sort"
	"sync"
)

// ResourceLockManager gives tasks exclusive use of named resources.
// Each key gets its own one-slot semaphore, so tasks on disjoint resources
// run concurrently while tasks sharing a key are serialized.
type ResourceLockManager struct {
	mu    sync.Mutex               // Guards the locks map itself
	locks map[string]chan struct{} // Per-resource semaphores
}

// NewResourceLockManager creates a new ResourceLockManager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{
		locks: make(map[string]chan struct{}),
	}
}

func (r *ResourceLockManager) slot(key string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	sem, exists := r.locks[key]
	if !exists {
		sem = make(chan struct{}, 1)
		r.locks[key] = sem
	}
	return sem
}

// Lock acquires one resource, giving up when ctx is done.
func (r *ResourceLockManager) Lock(ctx context.Context, key string) error {
	select {
	case r.slot(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases one resource. Releasing an unheld resource is a no-op.
func (r *ResourceLockManager) Unlock(key string) {
	select {
	case <-r.slot(key):
	default:
	}
}

// LockAll acquires every key in sorted order to prevent lock-order
// deadlocks between tasks. On failure nothing stays held.
func (r *ResourceLockManager) LockAll(ctx context.Context, keys []string) error {
	sorted := sortedUnique(keys)
	for i, key := range sorted {
		if err := r.Lock(ctx, key); err != nil {
			for j := i - 1; j >= 0; j-- {
				r.Unlock(sorted[j])
			}
			return err
		}
	}
	return nil
}

// UnlockAll releases keys in reverse sorted order.
func (r *ResourceLockManager) UnlockAll(keys []string) {
	sorted := sortedUnique(keys)
	for i := len(sorted) - 1; i >= 0; i-- {
		r.Unlock(sorted[i])
	}
}

func sortedUnique(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	out := sorted[:1]
	for _, k := range sorted[1:] {
		if k != out[len(out)-1] {
			out = append(out, k)
		}
	}
	return out
}
