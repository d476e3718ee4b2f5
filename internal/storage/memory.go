package storage

import (
	"context"
	"sync"
	"time"

	"github.com/dreamware/meridian/internal/wire"
)

// record is the per-request working set: the request itself plus every
// envelope and reply saved against it. Guarded by its own mutex so that
// RepliesFor and SaveReply on different requests never contend.
type record struct {
	mu         sync.Mutex
	request    *wire.Request
	acks       map[wire.ID]wire.AckChunk
	interrupts map[wire.ID]wire.Interrupt
	replies    []wire.Reply
	exited     bool
}

func newRecord(req *wire.Request) *record {
	return &record{
		request:    req,
		acks:       make(map[wire.ID]wire.AckChunk),
		interrupts: make(map[wire.ID]wire.Interrupt),
	}
}

func (r *record) lastAck() (wire.AckChunk, bool) {
	var best wire.AckChunk
	var found bool
	for _, a := range r.acks {
		if !found || a.ReplyID > best.ReplyID {
			best = a
			found = true
		}
	}
	return best, found
}

func (r *record) lastReply() wire.Reply {
	if len(r.replies) == 0 {
		return nil
	}
	return r.replies[len(r.replies)-1]
}

// lastAckedSequence returns the Chunk.Sequence of the most recently acked
// reply, if any ack has been recorded and its target reply is known.
func (r *record) lastAckedSequence() (uint64, bool) {
	ack, ok := r.lastAck()
	if !ok {
		return 0, false
	}
	for _, reply := range r.replies {
		if chunk, ok := reply.(wire.Chunk); ok && chunk.ID == ack.ReplyID {
			return chunk.Sequence, true
		}
	}
	return 0, false
}

// MemoryMessageStorage is the in-memory MessageStorage backend: the teacher
// repo's sync.RWMutex-guarded map, generalized from a flat key/value store
// to the request/envelope/reply log spec.md §4.4 describes, with a
// shardedLock keeping the hot primary-key dedup path from serializing
// unrelated requests behind each other.
type MemoryMessageStorage struct {
	dedupLock shardedLock

	mu        sync.RWMutex
	byRequest map[wire.ID]*record
	byPrimary map[string]wire.ID // PrimaryKey.String() -> requestID, only for keyed requests
}

// NewMemoryMessageStorage returns an empty, ready-to-use in-memory
// MessageStorage.
func NewMemoryMessageStorage() *MemoryMessageStorage {
	return &MemoryMessageStorage{
		byRequest: make(map[wire.ID]*record),
		byPrimary: make(map[string]wire.ID),
	}
}

func (s *MemoryMessageStorage) SaveRequest(ctx context.Context, req *wire.Request) (wire.SaveResult, error) {
	if req.Key == "" {
		s.mu.Lock()
		s.byRequest[req.RequestID] = newRecord(req)
		s.mu.Unlock()
		return wire.Success(), nil
	}

	pk := req.PrimaryKey().String()
	var result wire.SaveResult
	s.dedupLock.withLock(pk, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if existingID, ok := s.byPrimary[pk]; ok {
			rec := s.byRequest[existingID]
			var last wire.Reply
			if rec != nil {
				rec.mu.Lock()
				last = rec.lastReply()
				rec.mu.Unlock()
			}
			result = wire.DuplicateOf(existingID, last)
			return
		}

		s.byPrimary[pk] = req.RequestID
		s.byRequest[req.RequestID] = newRecord(req)
		result = wire.Success()
	})
	return result, nil
}

func (s *MemoryMessageStorage) SaveEnvelope(ctx context.Context, env wire.Envelope) error {
	var requestID wire.ID
	switch e := env.(type) {
	case wire.AckChunk:
		requestID = e.RequestID
	case wire.Interrupt:
		requestID = e.RequestID
	default:
		return errMalformedEnvelope
	}

	rec := s.recordFor(requestID)
	if rec == nil {
		return ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	switch e := env.(type) {
	case wire.AckChunk:
		rec.acks[e.ID] = e
	case wire.Interrupt:
		rec.interrupts[e.ID] = e
	}
	return nil
}

func (s *MemoryMessageStorage) SaveReply(ctx context.Context, reply wire.Reply) error {
	rec := s.recordFor(reply.ForRequest())
	if rec == nil {
		return ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.exited {
		return nil
	}
	rec.replies = append(rec.replies, reply)
	if reply.Kind() == wire.KindWithExit {
		rec.exited = true
	}
	return nil
}

func (s *MemoryMessageStorage) RepliesFor(ctx context.Context, requestIDs []wire.ID) (map[wire.ID][]wire.Reply, error) {
	out := make(map[wire.ID][]wire.Reply, len(requestIDs))
	for _, id := range requestIDs {
		rec := s.recordFor(id)
		if rec == nil {
			continue
		}

		rec.mu.Lock()
		lastSeq, hasAck := rec.lastAckedSequence()
		var visible []wire.Reply
		for _, reply := range rec.replies {
			if chunk, ok := reply.(wire.Chunk); ok && hasAck && chunk.Sequence <= lastSeq {
				continue
			}
			visible = append(visible, reply)
		}
		rec.mu.Unlock()

		out[id] = visible
	}
	return out, nil
}

func (s *MemoryMessageStorage) UnprocessedMessages(ctx context.Context, shards []wire.ShardId, nowMS int64) ([]UnprocessedMessage, error) {
	wanted := make(map[wire.ShardId]bool, len(shards))
	for _, sh := range shards {
		wanted[sh] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []UnprocessedMessage
	for _, rec := range s.byRequest {
		rec.mu.Lock()
		req := rec.request
		if !wanted[req.Address.ShardID] || rec.exited {
			rec.mu.Unlock()
			continue
		}
		if req.DeliverAt != nil && *req.DeliverAt > nowMS {
			rec.mu.Unlock()
			continue
		}

		um := UnprocessedMessage{Request: req}
		for _, in := range rec.interrupts {
			i := in
			um.Interrupts = append(um.Interrupts, &i)
		}
		if ack, ok := rec.lastAck(); ok {
			a := ack
			um.LastAck = &a
		}
		rec.mu.Unlock()

		out = append(out, um)
	}
	return out, nil
}

func (s *MemoryMessageStorage) ClearAddress(ctx context.Context, addr wire.EntityAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.byRequest {
		if rec.request.Address == addr {
			delete(s.byRequest, id)
		}
	}
	for pk, id := range s.byPrimary {
		if rec, ok := s.byRequest[id]; !ok || rec == nil {
			delete(s.byPrimary, pk)
		}
	}
	return nil
}

func (s *MemoryMessageStorage) ResetShards(ctx context.Context, shards []wire.ShardId) error {
	wanted := make(map[wire.ShardId]bool, len(shards))
	for _, sh := range shards {
		wanted[sh] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.byRequest {
		if wanted[rec.request.Address.ShardID] {
			delete(s.byRequest, id)
		}
	}
	for pk, id := range s.byPrimary {
		if rec, ok := s.byRequest[id]; !ok || rec == nil {
			delete(s.byPrimary, pk)
		}
	}
	return nil
}

func (s *MemoryMessageStorage) recordFor(id wire.ID) *record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byRequest[id]
}

// runnerRow is a liveness or lock row kept in memory.
type runnerRow struct {
	runner     wire.Runner
	lastBeatMS int64
}

type lockRow struct {
	owner      wire.RunnerAddress
	acquiredAt int64
}

// MemoryRunnerStorage is the in-memory RunnerStorage backend: a liveness
// table and a shard-lock lease table, each a plain mutex-guarded map in the
// style of the teacher's MemoryStore.
type MemoryRunnerStorage struct {
	mu      sync.RWMutex
	runners map[wire.RunnerAddress]*runnerRow
	locks   map[wire.ShardId]*lockRow
}

// NewMemoryRunnerStorage returns an empty in-memory RunnerStorage.
func NewMemoryRunnerStorage() *MemoryRunnerStorage {
	return &MemoryRunnerStorage{
		runners: make(map[wire.RunnerAddress]*runnerRow),
		locks:   make(map[wire.ShardId]*lockRow),
	}
}

func (s *MemoryRunnerStorage) RegisterRunner(ctx context.Context, r wire.Runner, nowMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners[r.Address] = &runnerRow{runner: r, lastBeatMS: nowMS}
	return nil
}

func (s *MemoryRunnerStorage) Heartbeat(ctx context.Context, addr wire.RunnerAddress, nowMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.runners[addr]
	if !ok {
		return ErrNotFound
	}
	row.lastBeatMS = nowMS
	return nil
}

func (s *MemoryRunnerStorage) RemoveRunner(ctx context.Context, addr wire.RunnerAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runners, addr)
	return nil
}

func (s *MemoryRunnerStorage) ListLiveRunners(ctx context.Context, nowMS int64, maxAge time.Duration) ([]wire.Runner, error) {
	cutoff := nowMS - maxAge.Milliseconds()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []wire.Runner
	for _, row := range s.runners {
		if row.lastBeatMS >= cutoff {
			out = append(out, row.runner)
		}
	}
	return out, nil
}

func (s *MemoryRunnerStorage) AcquireLock(ctx context.Context, shard wire.ShardId, owner wire.RunnerAddress, nowMS int64, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, exists := s.locks[shard]
	if exists && row.owner != owner && row.acquiredAt > nowMS-ttl.Milliseconds() {
		return false, nil
	}
	s.locks[shard] = &lockRow{owner: owner, acquiredAt: nowMS}
	return true, nil
}

func (s *MemoryRunnerStorage) RefreshLock(ctx context.Context, shard wire.ShardId, owner wire.RunnerAddress, nowMS int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.locks[shard]
	if !ok || row.owner != owner {
		return false, nil
	}
	row.acquiredAt = nowMS
	return true, nil
}

func (s *MemoryRunnerStorage) ReleaseLock(ctx context.Context, shard wire.ShardId, owner wire.RunnerAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.locks[shard]; ok && row.owner == owner {
		delete(s.locks, shard)
	}
	return nil
}

func (s *MemoryRunnerStorage) LockOwner(ctx context.Context, shard wire.ShardId) (wire.RunnerAddress, int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.locks[shard]
	if !ok {
		return wire.RunnerAddress{}, 0, false, nil
	}
	return row.owner, row.acquiredAt, true, nil
}
