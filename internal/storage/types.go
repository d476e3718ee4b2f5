package storage

import (
	"context"
	"time"

	"github.com/dreamware/meridian/internal/wire"
)

// UnprocessedMessage bundles a request with whatever envelopes have
// accumulated against it, as returned by MessageStorage.UnprocessedMessages
// for the local message-poll loop to re-deliver.
type UnprocessedMessage struct {
	Request    *wire.Request
	Interrupts []*wire.Interrupt
	LastAck    *wire.AckChunk
}

// MessageStorage is the durable request/reply log (spec.md §4.4). It is
// the single source of truth for at-most-once execution: SaveRequest is
// the compare-and-set that makes retried sends idempotent.
type MessageStorage interface {
	// SaveRequest persists req, deduplicated on its PrimaryKey. A request
	// with an empty PrimaryKey.Key is never deduplicated and always
	// succeeds.
	SaveRequest(ctx context.Context, req *wire.Request) (wire.SaveResult, error)

	// SaveEnvelope appends an AckChunk or Interrupt. Idempotent on
	// (envelope id, requestId).
	SaveEnvelope(ctx context.Context, env wire.Envelope) error

	// SaveReply appends a reply, keyed by (requestId, replyId). Saving a
	// WithExit marks the request processed, excluding it from future
	// UnprocessedMessages results.
	SaveReply(ctx context.Context, reply wire.Reply) error

	// RepliesFor returns, per requestId, the replies the caller hasn't
	// seen yet: everything if no AckChunk has been recorded, otherwise
	// only chunks with a later sequence than the last ack. A WithExit is
	// always included when present.
	RepliesFor(ctx context.Context, requestIDs []wire.ID) (map[wire.ID][]wire.Reply, error)

	// UnprocessedMessages returns every request assigned to one of shards
	// that is due (DeliverAt <= nowMS) and not yet exited, together with
	// its interrupts and latest ack.
	UnprocessedMessages(ctx context.Context, shards []wire.ShardId, nowMS int64) ([]UnprocessedMessage, error)

	// ClearAddress drops every request, envelope and reply addressed to
	// addr. Used when an entity is permanently retired.
	ClearAddress(ctx context.Context, addr wire.EntityAddress) error

	// ResetShards drops every request, envelope and reply for the given
	// shards. Used in tests and administrative recovery.
	ResetShards(ctx context.Context, shards []wire.ShardId) error
}

// RunnerStorage is the liveness table and shard-lock lease table (spec.md
// §4.4 note, §5 "Shared-resource policy"). It backs the fencing mechanism
// that keeps a shard single-owner during a shard-manager outage.
type RunnerStorage interface {
	// RegisterRunner upserts r's liveness row with the current time as its
	// last-heartbeat timestamp.
	RegisterRunner(ctx context.Context, r wire.Runner, nowMS int64) error

	// Heartbeat refreshes addr's last-heartbeat timestamp. Returns
	// ErrNotFound if addr was never registered (or was removed).
	Heartbeat(ctx context.Context, addr wire.RunnerAddress, nowMS int64) error

	// RemoveRunner deletes addr's liveness row.
	RemoveRunner(ctx context.Context, addr wire.RunnerAddress) error

	// ListLiveRunners returns every runner whose last heartbeat is no
	// older than maxAge relative to nowMS.
	ListLiveRunners(ctx context.Context, nowMS int64, maxAge time.Duration) ([]wire.Runner, error)

	// AcquireLock claims the lease for shard under owner if it is free or
	// expired (acquiredAt older than now - ttl). Returns false without
	// error if another live owner holds it.
	AcquireLock(ctx context.Context, shard wire.ShardId, owner wire.RunnerAddress, nowMS int64, ttl time.Duration) (bool, error)

	// RefreshLock extends the lease's acquiredAt to now, provided owner
	// still holds it. Returns false if the lease was stolen or released.
	RefreshLock(ctx context.Context, shard wire.ShardId, owner wire.RunnerAddress, nowMS int64) (bool, error)

	// ReleaseLock drops the lease if owner currently holds it.
	ReleaseLock(ctx context.Context, shard wire.ShardId, owner wire.RunnerAddress) error

	// LockOwner reports the current holder of shard's lease, if any.
	LockOwner(ctx context.Context, shard wire.ShardId) (owner wire.RunnerAddress, acquiredAtMS int64, ok bool, err error)
}
