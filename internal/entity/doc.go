// Package entity hosts the bounded, serially-processed per-EntityAddress
// mailboxes described in spec.md §4.2's "Entity mailbox". It generalizes
// the teacher's Shard (internal/shard/shard.go), a fixed-size array of
// key-value stores indexed by a hashed integer ID, into a dynamically
// grown and shrunk map of lazily-constructed entity mailboxes, each
// driven by a dedicated goroutine instead of the teacher's shared
// RWMutex-guarded store.
package entity
