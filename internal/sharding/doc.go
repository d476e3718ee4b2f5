// Package sharding is the runner-side router described in spec.md §4.2:
// it resolves which shard an entity belongs to, tracks which runner owns
// each shard, and dispatches outgoing sends to a local mailbox (via
// internal/entity) or a peer (via internal/transport).
//
// It generalizes the teacher's shard.Shard — a single fixed-size
// key-value partition addressed directly by the coordinator — into a
// router that owns no entity state itself and instead decides, per
// message, whether "here" or "somewhere else" applies, refreshing that
// decision from the shard manager on a timer and on out-of-band
// ShardingEvents.
package sharding
