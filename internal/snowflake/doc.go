// Package snowflake generates the 64-bit monotonic identifiers used as
// requestId and replyId throughout Meridian (spec.md §3, §4.6). A
// Snowflake never repeats for the lifetime of the machine id it was
// minted under: (timestamp_ms-epoch)<<22 | machineId<<10 | sequence, with
// the sequence counter resetting every millisecond and busy-waiting for
// the next tick on overflow within a millisecond.
package snowflake
