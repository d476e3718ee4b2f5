package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is a 64-bit Snowflake-shaped identifier. It is produced by
// internal/snowflake and embedded in requests, acks, interrupts, and
// replies. On the wire it is encoded as a decimal string (per spec.md §6)
// so that JavaScript/TypeScript peers never lose precision on a bigint.
type ID int64

// MarshalJSON renders the id as a quoted decimal string.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(id), 10))
}

// UnmarshalJSON accepts either a quoted decimal string or a bare JSON
// number, since some transports (msgpack-over-JSON bridges, test fixtures)
// emit the latter.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, perr := strconv.ParseInt(s, 10, 64)
		if perr != nil {
			return fmt.Errorf("wire: invalid id %q: %w", s, perr)
		}
		*id = ID(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("wire: invalid id %s: %w", data, err)
	}
	*id = ID(n)
	return nil
}

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// ShardId is a deterministic partition of the entity key space within a
// named shard group. Equality and hashing are structural: two ShardIds
// with equal Group and ID fields refer to the same shard everywhere in the
// cluster, regardless of which runner or observer computed them.
type ShardId struct {
	Group string `json:"group"`
	ID    int    `json:"id"`
}

func (s ShardId) String() string { return fmt.Sprintf("%s/%d", s.Group, s.ID) }

// RunnerAddress identifies a runner on the network. It is comparable and
// safe to use as a map key.
type RunnerAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (a RunnerAddress) String() string { return fmt.Sprintf("%s:%d", a.Host, a.Port) }

// Less orders two addresses lexicographically by (host, port), the
// tie-break the rebalance algorithm uses to make donor/recipient choices
// deterministic across observers (spec.md §4.1 step 2).
func (a RunnerAddress) Less(b RunnerAddress) bool {
	if a.Host != b.Host {
		return a.Host < b.Host
	}
	return a.Port < b.Port
}

// Runner describes a worker process eligible to host shards. Two runners
// are equal iff their address and weight match; Groups does not
// participate in equality because a runner may widen the set of groups it
// serves across re-registrations without changing identity.
type Runner struct {
	Address RunnerAddress `json:"address"`
	Groups  []string      `json:"groups"`
	Weight  int           `json:"weight"`
}

// Equal reports whether two runners share an address and weight.
func (r Runner) Equal(other Runner) bool {
	return r.Address == other.Address && r.Weight == other.Weight
}

// ServesGroup reports whether this runner is willing to host shards of the
// given group.
func (r Runner) ServesGroup(group string) bool {
	for _, g := range r.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// EntityAddress names a single addressable, stateful entity. Entities that
// share an address share a serial mailbox: every message sent to the same
// (shardId, entityType, entityId) is processed one at a time, in arrival
// order, by whichever runner currently owns shardId.
type EntityAddress struct {
	ShardID    ShardId `json:"shardId"`
	EntityType string  `json:"entityType"`
	EntityID   string  `json:"entityId"`
}

func (a EntityAddress) String() string {
	return fmt.Sprintf("%s:%s@%s", a.EntityType, a.EntityID, a.ShardID)
}

// EnvelopeKind discriminates the Envelope union over the wire via a "_tag"
// field, mirroring spec.md §6's bit-exact wire form.
type EnvelopeKind string

const (
	KindRequest   EnvelopeKind = "Request"
	KindAckChunk  EnvelopeKind = "AckChunk"
	KindInterrupt EnvelopeKind = "Interrupt"
)

// Envelope is the discriminated union of things a caller can durably send
// to an entity: a Request awaiting a reply, an AckChunk acknowledging a
// streamed chunk, or an Interrupt cancelling an in-flight request.
type Envelope interface {
	Kind() EnvelopeKind
}

// Request is a call to an entity's handler, identified by a unique
// RequestID and addressed to a specific entity. Payload and Headers are
// opaque to Meridian; Tag names which handler clause on the entity should
// run. DeliverAt, when set, makes the request invisible to
// UnprocessedMessages until the synchronized clock reaches that instant
// (spec.md §4.4 "Scheduled delivery").
type Request struct {
	RequestID ID                `json:"requestId"`
	Address   EntityAddress     `json:"address"`
	Tag       string            `json:"tag"`
	Payload   json.RawMessage   `json:"payload"`
	// Key, when non-empty, is the dedup key material supplied by the
	// caller (e.g. an idempotency token). Combined with the address and
	// tag it forms the request's PrimaryKey. Left empty, the request is
	// never deduplicated: every send is treated as novel.
	Key       string            `json:"key,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	DeliverAt *int64            `json:"deliverAt,omitempty"`
	TraceID   string            `json:"traceId,omitempty"`
	SpanID    string            `json:"spanId,omitempty"`
	Sampled   bool              `json:"sampled,omitempty"`
}

func (Request) Kind() EnvelopeKind { return KindRequest }

// PrimaryKey derives the request's deduplication key from its address, tag
// and Key. Two requests with an equal, non-empty Key and the same address
// and tag are collapsed onto the first one saved (spec.md §3, §4.4).
func (r Request) PrimaryKey() PrimaryKey {
	return PrimaryKey{
		EntityType: r.Address.EntityType,
		EntityID:   r.Address.EntityID,
		Tag:        r.Tag,
		Key:        r.Key,
	}
}

// MarshalJSON injects the "_tag" discriminator required by spec.md §6.
func (r Request) MarshalJSON() ([]byte, error) {
	type alias Request
	return json.Marshal(struct {
		TagField string `json:"_tag"`
		alias
	}{"Request", alias(r)})
}

// AckChunk acknowledges receipt of a streamed Chunk reply up to ReplyID,
// enabling flow control: the sender may garbage-collect chunks at or below
// that sequence once every subscriber has acked it.
type AckChunk struct {
	ID        ID            `json:"id"`
	Address   EntityAddress `json:"address"`
	RequestID ID            `json:"requestId"`
	ReplyID   ID            `json:"replyId"`
}

func (AckChunk) Kind() EnvelopeKind { return KindAckChunk }

func (a AckChunk) MarshalJSON() ([]byte, error) {
	type alias AckChunk
	return json.Marshal(struct {
		TagField string `json:"_tag"`
		alias
	}{"AckChunk", alias(a)})
}

// Interrupt cancels an in-flight request. The hosting entity observes it
// as cooperative task interruption; if it does not yield within
// entityTerminationTimeout, it is forcibly dropped and a WithExit(die)
// reply is saved in its place.
type Interrupt struct {
	ID        ID            `json:"id"`
	Address   EntityAddress `json:"address"`
	RequestID ID            `json:"requestId"`
}

func (Interrupt) Kind() EnvelopeKind { return KindInterrupt }

func (i Interrupt) MarshalJSON() ([]byte, error) {
	type alias Interrupt
	return json.Marshal(struct {
		TagField string `json:"_tag"`
		alias
	}{"Interrupt", alias(i)})
}

// ReplyKind discriminates the Reply union over the wire.
type ReplyKind string

const (
	KindChunk    ReplyKind = "Chunk"
	KindWithExit ReplyKind = "WithExit"
)

// Reply is the discriminated union of things an entity's handler can send
// back: a streaming partial Chunk, or a terminal WithExit. At most one
// WithExit is ever saved per request (spec.md §3 invariants).
type Reply interface {
	Kind() ReplyKind
	ForRequest() ID
}

// Chunk is one partial result in a streamed reply. Sequence is strictly
// monotonic within a request; a receiver that has already acked sequence N
// only needs replies with Sequence > N (spec.md §4.4 RepliesFor).
type Chunk struct {
	ID        ID                `json:"id"`
	RequestID ID                `json:"requestId"`
	Sequence  uint64            `json:"sequence"`
	Values    []json.RawMessage `json:"values"`
}

func (Chunk) Kind() ReplyKind  { return KindChunk }
func (c Chunk) ForRequest() ID { return c.RequestID }

func (c Chunk) MarshalJSON() ([]byte, error) {
	type alias Chunk
	return json.Marshal(struct {
		TagField string `json:"_tag"`
		alias
	}{"Chunk", alias(c)})
}

// ExitStatus classifies how a request terminated.
type ExitStatus string

const (
	ExitSuccess     ExitStatus = "success"
	ExitFailure     ExitStatus = "failure"
	ExitDie         ExitStatus = "die"
	ExitInterrupted ExitStatus = "interrupted"
)

// Exit carries the terminal outcome of a request: a success value, a
// typed failure, or a defect ("die") coerced from an unexpected panic or
// decode error per spec.md §7's propagation policy.
type Exit struct {
	Status ExitStatus      `json:"status"`
	Value  json.RawMessage `json:"value,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// WithExit is the terminal reply for a request. Once saved, no further
// replies — Chunk or WithExit — are ever appended for the same RequestID.
type WithExit struct {
	ID        ID   `json:"id"`
	RequestID ID   `json:"requestId"`
	Exit      Exit `json:"exit"`
}

func (WithExit) Kind() ReplyKind  { return KindWithExit }
func (w WithExit) ForRequest() ID { return w.RequestID }

func (w WithExit) MarshalJSON() ([]byte, error) {
	type alias WithExit
	return json.Marshal(struct {
		TagField string `json:"_tag"`
		alias
	}{"WithExit", alias(w)})
}

// PrimaryKey is the deduplication key of a request: two requests with the
// same PrimaryKey are collapsed to the first request's RequestID and share
// its reply stream (spec.md §3 "A request's primary key"). It is a plain
// comparable struct so it can be used directly as a map key by in-memory
// storage backends.
type PrimaryKey struct {
	EntityType string
	EntityID   string
	Tag        string
	Key        string
}

func (p PrimaryKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", p.EntityType, p.EntityID, p.Tag, p.Key)
}

// SaveResult is returned by MessageStorage.SaveRequest: either the request
// is novel (Duplicate == false), or it collapses onto an earlier request
// sharing the same PrimaryKey.
type SaveResult struct {
	Duplicate         bool
	OriginalID        ID
	LastReceivedReply Reply
}

// Success builds the SaveResult for the first sighting of a primary key.
func Success() SaveResult { return SaveResult{} }

// DuplicateOf builds the SaveResult for a primary key that already has an
// outstanding (or completed) request.
func DuplicateOf(originalID ID, last Reply) SaveResult {
	return SaveResult{Duplicate: true, OriginalID: originalID, LastReceivedReply: last}
}
