package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/meridian/internal/wire"
)

type messageBackend struct {
	name  string
	store MessageStorage
}

func messageBackends(t *testing.T) []messageBackend {
	db, err := OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return []messageBackend{
		{"memory", NewMemoryMessageStorage()},
		{"sqlite", NewSQLMessageStorage(db)},
	}
}

func addr(shardID int, entityType, entityID string) wire.EntityAddress {
	return wire.EntityAddress{
		ShardID:    wire.ShardId{Group: "default", ID: shardID},
		EntityType: entityType,
		EntityID:   entityID,
	}
}

func TestSaveRequestNovelThenDuplicate(t *testing.T) {
	for _, b := range messageBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			req := &wire.Request{
				RequestID: 1001,
				Address:   addr(1, "Counter", "abc"),
				Tag:       "Increment",
				Payload:   json.RawMessage(`{}`),
				Key:       "increment-abc-1",
			}

			result, err := b.store.SaveRequest(ctx, req)
			require.NoError(t, err)
			assert.False(t, result.Duplicate)

			dupe := &wire.Request{
				RequestID: 1002,
				Address:   addr(1, "Counter", "abc"),
				Tag:       "Increment",
				Payload:   json.RawMessage(`{}`),
				Key:       "increment-abc-1",
			}
			result, err = b.store.SaveRequest(ctx, dupe)
			require.NoError(t, err)
			assert.True(t, result.Duplicate)
			assert.Equal(t, wire.ID(1001), result.OriginalID)
			assert.Nil(t, result.LastReceivedReply)
		})
	}
}

func TestSaveRequestWithoutKeyNeverDeduplicates(t *testing.T) {
	for _, b := range messageBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			for i, id := range []wire.ID{2001, 2002} {
				req := &wire.Request{
					RequestID: id,
					Address:   addr(1, "Counter", "xyz"),
					Tag:       "Increment",
					Payload:   json.RawMessage(`{}`),
				}
				result, err := b.store.SaveRequest(ctx, req)
				require.NoError(t, err, "request %d", i)
				assert.False(t, result.Duplicate)
			}
		})
	}
}

func TestDuplicateCarriesLastReceivedReply(t *testing.T) {
	for _, b := range messageBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			req := &wire.Request{
				RequestID: 3001,
				Address:   addr(1, "Counter", "abc"),
				Tag:       "Increment",
				Payload:   json.RawMessage(`{}`),
				Key:       "k",
			}
			_, err := b.store.SaveRequest(ctx, req)
			require.NoError(t, err)

			exit := wire.WithExit{ID: 3002, RequestID: 3001, Exit: wire.Exit{Status: wire.ExitSuccess, Value: json.RawMessage(`5`)}}
			require.NoError(t, b.store.SaveReply(ctx, exit))

			dupe := &wire.Request{RequestID: 3003, Address: addr(1, "Counter", "abc"), Tag: "Increment", Payload: json.RawMessage(`{}`), Key: "k"}
			result, err := b.store.SaveRequest(ctx, dupe)
			require.NoError(t, err)
			require.True(t, result.Duplicate)
			require.NotNil(t, result.LastReceivedReply)
			assert.Equal(t, wire.KindWithExit, result.LastReceivedReply.Kind())
		})
	}
}

func TestRepliesForRespectsAck(t *testing.T) {
	for _, b := range messageBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			req := &wire.Request{RequestID: 4001, Address: addr(1, "Counter", "abc"), Tag: "Stream", Payload: json.RawMessage(`{}`)}
			_, err := b.store.SaveRequest(ctx, req)
			require.NoError(t, err)

			c1 := wire.Chunk{ID: 4002, RequestID: 4001, Sequence: 1, Values: []json.RawMessage{json.RawMessage(`1`)}}
			c2 := wire.Chunk{ID: 4003, RequestID: 4001, Sequence: 2, Values: []json.RawMessage{json.RawMessage(`2`)}}
			require.NoError(t, b.store.SaveReply(ctx, c1))
			require.NoError(t, b.store.SaveReply(ctx, c2))

			replies, err := b.store.RepliesFor(ctx, []wire.ID{4001})
			require.NoError(t, err)
			assert.Len(t, replies[4001], 2)

			ack := wire.AckChunk{ID: 4004, Address: req.Address, RequestID: 4001, ReplyID: 4002}
			require.NoError(t, b.store.SaveEnvelope(ctx, ack))

			replies, err = b.store.RepliesFor(ctx, []wire.ID{4001})
			require.NoError(t, err)
			require.Len(t, replies[4001], 1)
			assert.Equal(t, wire.ID(4003), replies[4001][0].(wire.Chunk).ID)
		})
	}
}

func TestUnprocessedMessagesFiltersByShardAndDeliverAt(t *testing.T) {
	for _, b := range messageBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			future := int64(9_999_999_999_999)
			due := &wire.Request{RequestID: 5001, Address: addr(1, "Counter", "a"), Tag: "Increment", Payload: json.RawMessage(`{}`)}
			notDue := &wire.Request{RequestID: 5002, Address: addr(1, "Counter", "b"), Tag: "Increment", Payload: json.RawMessage(`{}`), DeliverAt: &future}
			otherShard := &wire.Request{RequestID: 5003, Address: addr(2, "Counter", "c"), Tag: "Increment", Payload: json.RawMessage(`{}`)}

			for _, r := range []*wire.Request{due, notDue, otherShard} {
				_, err := b.store.SaveRequest(ctx, r)
				require.NoError(t, err)
			}

			msgs, err := b.store.UnprocessedMessages(ctx, []wire.ShardId{{Group: "default", ID: 1}}, 1000)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, wire.ID(5001), msgs[0].Request.RequestID)
		})
	}
}

func TestUnprocessedMessagesExcludesExited(t *testing.T) {
	for _, b := range messageBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			req := &wire.Request{RequestID: 6001, Address: addr(1, "Counter", "a"), Tag: "Increment", Payload: json.RawMessage(`{}`)}
			_, err := b.store.SaveRequest(ctx, req)
			require.NoError(t, err)

			exit := wire.WithExit{ID: 6002, RequestID: 6001, Exit: wire.Exit{Status: wire.ExitSuccess}}
			require.NoError(t, b.store.SaveReply(ctx, exit))

			msgs, err := b.store.UnprocessedMessages(ctx, []wire.ShardId{{Group: "default", ID: 1}}, 1000)
			require.NoError(t, err)
			assert.Empty(t, msgs)
		})
	}
}

func TestClearAddressAndResetShards(t *testing.T) {
	for _, b := range messageBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			req := &wire.Request{RequestID: 7001, Address: addr(1, "Counter", "a"), Tag: "Increment", Payload: json.RawMessage(`{}`)}
			_, err := b.store.SaveRequest(ctx, req)
			require.NoError(t, err)

			require.NoError(t, b.store.ClearAddress(ctx, req.Address))
			msgs, err := b.store.UnprocessedMessages(ctx, []wire.ShardId{{Group: "default", ID: 1}}, 1000)
			require.NoError(t, err)
			assert.Empty(t, msgs)

			req2 := &wire.Request{RequestID: 7002, Address: addr(1, "Counter", "b"), Tag: "Increment", Payload: json.RawMessage(`{}`)}
			_, err = b.store.SaveRequest(ctx, req2)
			require.NoError(t, err)
			require.NoError(t, b.store.ResetShards(ctx, []wire.ShardId{{Group: "default", ID: 1}}))
			msgs, err = b.store.UnprocessedMessages(ctx, []wire.ShardId{{Group: "default", ID: 1}}, 1000)
			require.NoError(t, err)
			assert.Empty(t, msgs)
		})
	}
}

type runnerBackend struct {
	name  string
	store RunnerStorage
}

func runnerBackends(t *testing.T) []runnerBackend {
	db, err := OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return []runnerBackend{
		{"memory", NewMemoryRunnerStorage()},
		{"sqlite", NewSQLRunnerStorage(db)},
	}
}

func TestRunnerLivenessRegisterHeartbeatExpire(t *testing.T) {
	for _, b := range runnerBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			r := wire.Runner{Address: wire.RunnerAddress{Host: "10.0.0.1", Port: 9000}, Groups: []string{"default"}, Weight: 1}
			require.NoError(t, b.store.RegisterRunner(ctx, r, 1000))

			live, err := b.store.ListLiveRunners(ctx, 1000, time.Minute)
			require.NoError(t, err)
			require.Len(t, live, 1)
			assert.True(t, r.Equal(live[0]))

			require.NoError(t, b.store.Heartbeat(ctx, r.Address, 50_000))
			live, err = b.store.ListLiveRunners(ctx, 50_000, time.Minute)
			require.NoError(t, err)
			require.Len(t, live, 1)

			live, err = b.store.ListLiveRunners(ctx, 200_000, time.Minute)
			require.NoError(t, err)
			assert.Empty(t, live, "runner should have fallen out of the liveness window")

			require.NoError(t, b.store.RemoveRunner(ctx, r.Address))
			live, err = b.store.ListLiveRunners(ctx, 50_000, time.Minute)
			require.NoError(t, err)
			assert.Empty(t, live)
		})
	}
}

func TestShardLockAcquireRefreshRelease(t *testing.T) {
	for _, b := range runnerBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			shard := wire.ShardId{Group: "default", ID: 7}
			owner := wire.RunnerAddress{Host: "10.0.0.1", Port: 9000}
			other := wire.RunnerAddress{Host: "10.0.0.2", Port: 9000}

			ok, err := b.store.AcquireLock(ctx, shard, owner, 1000, 35*time.Second)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = b.store.AcquireLock(ctx, shard, other, 2000, 35*time.Second)
			require.NoError(t, err)
			assert.False(t, ok, "a live lease should not be stealable")

			ok, err = b.store.RefreshLock(ctx, shard, owner, 3000)
			require.NoError(t, err)
			assert.True(t, ok)

			holder, acquiredAt, found, err := b.store.LockOwner(ctx, shard)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, owner, holder)
			assert.Equal(t, int64(3000), acquiredAt)

			expiredNow := int64(3000) + (36 * time.Second).Milliseconds()
			ok, err = b.store.AcquireLock(ctx, shard, other, expiredNow, 35*time.Second)
			require.NoError(t, err)
			assert.True(t, ok, "an expired lease must be stealable")

			require.NoError(t, b.store.ReleaseLock(ctx, shard, other))
			_, _, found, err = b.store.LockOwner(ctx, shard)
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}
