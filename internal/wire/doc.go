// Package wire defines the address types, envelope/reply unions, and save
// results that travel between runners, the shard manager, and durable
// storage. These are the nouns every other package in Meridian operates on:
// a ShardId names a partition of the key space, an EntityAddress names a
// single addressable entity inside it, and an Envelope or Reply is the unit
// of durable, deduplicated communication between them.
//
// Encoding is bit-exact JSON per the wire contract (see codec.go). The SQL
// storage backend's rows wrap that JSON in a small msgpack record (kind tag
// plus JSON body); msgpack is used only there and never crosses a network
// boundary.
package wire
