package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/star64ccs/CardStrategy-sub006/internal/syncer"
)

func rec(id, task, device string, op syncer.Operation, version int64) syncer.Record {
	return syncer.Record{ID: id, TaskID: task, DeviceID: device, Operation: op, Version: version}
}

// fixedClock always returns the same instant, so ordering must come from
// the hub's own tiebreak.
func fixedClock() time.Time {
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
}

func TestMemoryHubAcceptance(t *testing.T) {
	tests := []struct {
		name     string
		existing []syncer.Record
		push     syncer.Record
		accepted bool
		current  int64 // Version of the returned current copy, if rejected
	}{
		{
			name:     "unknown task",
			push:     rec("r1", "t", "a", syncer.OpCreate, 1),
			accepted: true,
		},
		{
			name:     "unknown task at any version",
			push:     rec("r1", "t", "a", syncer.OpUpdate, 7),
			accepted: true,
		},
		{
			name:     "next version",
			existing: []syncer.Record{rec("r0", "t", "a", syncer.OpCreate, 1)},
			push:     rec("r1", "t", "b", syncer.OpUpdate, 2),
			accepted: true,
		},
		{
			name:     "same version",
			existing: []syncer.Record{rec("r0", "t", "a", syncer.OpCreate, 1), rec("r1", "t", "a", syncer.OpUpdate, 2)},
			push:     rec("r2", "t", "b", syncer.OpUpdate, 2),
			current:  2,
		},
		{
			name:     "skipped version",
			existing: []syncer.Record{rec("r0", "t", "a", syncer.OpCreate, 1)},
			push:     rec("r1", "t", "b", syncer.OpUpdate, 3),
			current:  1,
		},
		{
			name:     "stale version",
			existing: []syncer.Record{rec("r0", "t", "a", syncer.OpCreate, 1), rec("r1", "t", "a", syncer.OpUpdate, 2)},
			push:     rec("r2", "t", "b", syncer.OpUpdate, 1),
			current:  2,
		},
		{
			name:     "re-create after delete",
			existing: []syncer.Record{rec("r0", "t", "a", syncer.OpCreate, 1), rec("r1", "t", "a", syncer.OpDelete, 2)},
			push:     rec("r2", "t", "b", syncer.OpCreate, 1),
			accepted: true,
		},
		{
			name:     "update after delete",
			existing: []syncer.Record{rec("r0", "t", "a", syncer.OpCreate, 1), rec("r1", "t", "a", syncer.OpDelete, 2)},
			push:     rec("r2", "t", "b", syncer.OpUpdate, 2),
			current:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewMemoryHub()
			ctx := context.Background()
			if len(tt.existing) > 0 {
				res, err := h.Push(ctx, tt.existing)
				require.NoError(t, err)
				for _, r := range res {
					require.True(t, r.Accepted)
				}
			}

			res, err := h.Push(ctx, []syncer.Record{tt.push})
			require.NoError(t, err)
			require.Len(t, res, 1)
			assert.Equal(t, tt.push.ID, res[0].RecordID)
			assert.Equal(t, tt.accepted, res[0].Accepted)
			if tt.accepted {
				assert.Nil(t, res[0].Current)
				cur, ok := h.Current("t")
				require.True(t, ok)
				assert.Equal(t, tt.push.ID, cur.ID)
				return
			}
			require.NotNil(t, res[0].Current)
			assert.Equal(t, tt.current, res[0].Current.Version)
		})
	}
}

func TestMemoryHubRejectsIncompleteRecords(t *testing.T) {
	h := NewMemoryHub()
	res, err := h.Push(context.Background(), []syncer.Record{
		rec("r1", "", "a", syncer.OpCreate, 1),
		rec("r2", "t", "", syncer.OpCreate, 1),
	})
	require.NoError(t, err)
	for _, r := range res {
		assert.False(t, r.Accepted)
		assert.Nil(t, r.Current)
		assert.NotEmpty(t, r.Error)
	}
	assert.Zero(t, h.Len())
}

func TestMemoryHubBatchIsSequential(t *testing.T) {
	h := NewMemoryHub()
	res, err := h.Push(context.Background(), []syncer.Record{
		rec("r1", "t", "a", syncer.OpCreate, 1),
		rec("r2", "t", "a", syncer.OpUpdate, 2),
		rec("r3", "t", "a", syncer.OpUpdate, 3),
	})
	require.NoError(t, err)
	for _, r := range res {
		assert.True(t, r.Accepted, r.RecordID)
	}
	cur, _ := h.Current("t")
	assert.Equal(t, int64(3), cur.Version)
}

func TestMemoryHubPull(t *testing.T) {
	h := NewMemoryHub(WithClock(fixedClock))
	ctx := context.Background()
	_, err := h.Push(ctx, []syncer.Record{
		rec("r1", "t1", "a", syncer.OpCreate, 1),
		rec("r2", "t2", "b", syncer.OpCreate, 1),
		rec("r3", "t1", "a", syncer.OpUpdate, 2),
	})
	require.NoError(t, err)

	fromA, err := h.Pull(ctx, "b", time.Time{})
	require.NoError(t, err)
	require.Len(t, fromA, 2)
	assert.Equal(t, "r1", fromA[0].ID)
	assert.Equal(t, "r3", fromA[1].ID)
	assert.True(t, fromA[1].ReceivedAt.After(fromA[0].ReceivedAt), "receive times strictly increase")

	after, err := h.Pull(ctx, "b", fromA[0].ReceivedAt)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "r3", after[0].ID)

	fromB, err := h.Pull(ctx, "a", time.Time{})
	require.NoError(t, err)
	require.Len(t, fromB, 1)
	assert.Equal(t, "r2", fromB[0].ID)

	none, err := h.Pull(ctx, "b", fromA[1].ReceivedAt)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryHubCancelledContext(t *testing.T) {
	h := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Push(ctx, []syncer.Record{rec("r1", "t", "a", syncer.OpCreate, 1)})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = h.Pull(ctx, "a", time.Time{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.Len())
}
