package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/meridian/internal/wire"
)

func assignmentBackends(t *testing.T) []struct {
	name  string
	store AssignmentStore
} {
	db, err := OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return []struct {
		name  string
		store AssignmentStore
	}{
		{"memory", NewMemoryAssignmentStore()},
		{"sqlite", NewSQLAssignmentStore(db)},
	}
}

func TestAssignmentStoreRoundTrip(t *testing.T) {
	for _, b := range assignmentBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			owner := &wire.RunnerAddress{Host: "10.0.0.1", Port: 9000}
			snapshot := map[wire.ShardId]*wire.RunnerAddress{
				{Group: "default", ID: 0}: owner,
				{Group: "default", ID: 1}: nil,
			}

			require.NoError(t, b.store.Save(ctx, snapshot))
			loaded, err := b.store.Load(ctx)
			require.NoError(t, err)

			require.Contains(t, loaded, wire.ShardId{Group: "default", ID: 0})
			assert.Equal(t, *owner, *loaded[wire.ShardId{Group: "default", ID: 0}])
			assert.Nil(t, loaded[wire.ShardId{Group: "default", ID: 1}])
		})
	}
}

func TestAssignmentStoreSaveOverwrites(t *testing.T) {
	for _, b := range assignmentBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			first := map[wire.ShardId]*wire.RunnerAddress{{Group: "default", ID: 0}: {Host: "a", Port: 1}}
			require.NoError(t, b.store.Save(ctx, first))

			second := map[wire.ShardId]*wire.RunnerAddress{{Group: "default", ID: 1}: {Host: "b", Port: 2}}
			require.NoError(t, b.store.Save(ctx, second))

			loaded, err := b.store.Load(ctx)
			require.NoError(t, err)
			assert.NotContains(t, loaded, wire.ShardId{Group: "default", ID: 0})
			assert.Contains(t, loaded, wire.ShardId{Group: "default", ID: 1})
		})
	}
}
