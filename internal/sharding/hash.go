package sharding

import "hash/fnv"

// shardForKey maps an entity's (type, id) pair onto [0, shardsPerGroup)
// via FNV-1a, the same hash family the teacher's ShardRegistry uses for
// consistent key placement (internal/coordinator/shard_registry.go
// GetShardForKey), generalized here to hash the type and id separately
// so that two entity types sharing an id string still land on
// independent shards.
func shardForKey(entityType, entityID string, shardsPerGroup int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityType))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(entityID))
	if shardsPerGroup <= 0 {
		return 0
	}
	return int(h.Sum32() % uint32(shardsPerGroup))
}
