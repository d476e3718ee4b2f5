// Package storage implements MessageStorage and RunnerStorage (spec.md
// §4.4, §5, §6): the durable, idempotent request/reply log and the
// runner-liveness and shard-lock-lease tables. Two backends share the same
// interfaces — an in-memory backend for tests and single-process runs, and
// a SQL backend (modernc.org/sqlite, a pure-Go driver) for production — so
// callers never branch on which is in use. The SQL backend speaks the
// msgpack row encoding defined in internal/wire/codec.go; the memory
// backend speaks the Go types directly.
package storage
