// Package shardmanager implements ShardManager (spec.md §4.1): the single
// authoritative decision-maker for the ShardId -> RunnerAddress? mapping.
// It generalizes the teacher's ShardRegistry (a flat round-robin assigner)
// into a weighted, multi-group rebalancer, and its HealthMonitor into the
// parallel liveness sweep the rebalance algorithm calls for.
package shardmanager
