// Package transport implements Runners (spec.md §4.3): a uniform,
// pooled-HTTP interface Sharding uses to reach a peer runner regardless
// of which process or machine hosts it. It generalizes the teacher's
// package-level PostJSON/GetJSON helpers (internal/cluster/types.go),
// which shared one unpooled http.Client for every peer, into a
// per-address connection pool with idle eviction.
package transport
