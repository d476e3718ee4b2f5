// Package clock implements SynchronizedClock (spec.md §4.5): a
// runner-side estimate of the offset between the local wall clock and the
// shard manager's wall clock, sampled by calling GetTime several times,
// subtracting half the round-trip each time, and taking the median of the
// resulting offsets. All timestamps embedded in envelopes — including the
// ones minted by internal/snowflake — should run through a
// SynchronizedClock so that cluster-wide ordering holds even when
// individual runner clocks drift.
package clock
