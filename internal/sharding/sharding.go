package sharding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/dreamware/meridian/internal/entity"
	"github.com/dreamware/meridian/internal/errs"
	"github.com/dreamware/meridian/internal/obslog"
	"github.com/dreamware/meridian/internal/shardmanager"
	"github.com/dreamware/meridian/internal/storage"
	"github.com/dreamware/meridian/internal/transport"
	"github.com/dreamware/meridian/internal/wire"
)

// Config bundles the runner-side tunables named in spec.md §6 that
// govern Sharding specifically (entity mailbox tunables live in
// entity.Config; Sharding only needs the routing and lock-leasing ones).
type Config struct {
	ShardsPerGroup    int
	ShardGroups       []string
	RunnerWeight      int
	SendRetryInterval time.Duration

	RefreshAssignmentsInterval time.Duration
	ShardLockRefreshInterval   time.Duration
	ShardLockExpiration        time.Duration
}

// assignmentCacheSize is generous relative to any realistic
// shardsPerGroup * len(shardGroups): the cache exists for lock-free
// reads on the dispatch hot path, not to bound memory against an
// otherwise-unbounded key space.
const assignmentCacheSize = 8192

// Sharding is the runner-side router: it knows which shards this runner
// owns, routes outgoing sends to the right place, and keeps its local
// view of ownership fresh against the shard manager.
type Sharding struct {
	cfg  Config
	self wire.RunnerAddress

	log     *logrus.Entry
	metrics *obslog.Metrics

	sm       ShardManagerClient
	runners  transport.Runners
	entities *entity.Registry
	messages storage.MessageStorage
	locks    storage.RunnerStorage

	cache atomic.Pointer[lru.Cache[wire.ShardId, wire.RunnerAddress]]
	sf    singleflight.Group

	mu           sync.Mutex
	held         map[wire.ShardId]context.CancelFunc
	waiters      map[wire.ID]chan wire.Reply
	singletons   map[string]*singletonRun
	subscription *shardmanager.Subscription

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Sharding bound to self, talking to sm for assignments,
// runners for peer RPC, entities for local hosting, and messages/locks
// for durability and shard-lock leasing.
func New(cfg Config, self wire.RunnerAddress, sm ShardManagerClient, runners transport.Runners, entities *entity.Registry, messages storage.MessageStorage, locks storage.RunnerStorage, metrics *obslog.Metrics) *Sharding {
	s := &Sharding{
		cfg:        cfg,
		self:       self,
		log:        obslog.For("sharding"),
		metrics:    metrics,
		sm:         sm,
		runners:    runners,
		entities:   entities,
		messages:   messages,
		locks:      locks,
		held:       make(map[wire.ShardId]context.CancelFunc),
		waiters:    make(map[wire.ID]chan wire.Reply),
		singletons: make(map[string]*singletonRun),
	}
	emptyCache, _ := lru.New[wire.ShardId, wire.RunnerAddress](assignmentCacheSize)
	s.cache.Store(emptyCache)
	return s
}

// ShardFor computes the shard a given entity belongs to within group,
// the caller's half of spec.md §4.2 outgoing-dispatch step 1.
func (s *Sharding) ShardFor(group, entityType, entityID string) wire.ShardId {
	return wire.ShardId{Group: group, ID: shardForKey(entityType, entityID, s.cfg.ShardsPerGroup)}
}

// AddressFor builds the fully addressed EntityAddress Dispatch and Send
// expect, resolving its shard via ShardFor.
func (s *Sharding) AddressFor(group, entityType, entityID string) wire.EntityAddress {
	return wire.EntityAddress{ShardID: s.ShardFor(group, entityType, entityID), EntityType: entityType, EntityID: entityID}
}

// RegisterEntity registers a handler factory for entityType, delegating
// to the local entity registry (spec.md §4.2 registerEntity).
func (s *Sharding) RegisterEntity(entityType string, factory entity.Factory) {
	s.entities.RegisterEntity(entityType, factory)
}

// Start subscribes to ShardingEvents and launches the assignment-refresh
// loop and the event loop. Shard-lock heartbeats are started per shard by
// acquire, when a refresh claims that shard.
func (s *Sharding) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.subscription = s.sm.Subscribe()

	s.wg.Add(2)
	go s.refreshLoop(ctx)
	go s.eventLoop(ctx)
}

// Stop halts the background loops and releases every shard lock this
// runner currently holds.
func (s *Sharding) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.subscription != nil {
		s.subscription.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	held := make([]wire.ShardId, 0, len(s.held))
	for shard, release := range s.held {
		release()
		held = append(held, shard)
	}
	s.held = make(map[wire.ShardId]context.CancelFunc)
	s.mu.Unlock()

	for _, shard := range held {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.locks.ReleaseLock(ctx, shard, s.self)
		done()
	}
}

func (s *Sharding) refreshLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.RefreshAssignmentsInterval)
	defer ticker.Stop()
	s.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *Sharding) eventLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.subscription.Events():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case shardmanager.ShardsAssigned:
				if e.Address == s.self {
					s.refresh(ctx)
				}
			case shardmanager.ShardsUnassigned:
				if e.Address == s.self {
					s.revoke(e.Shard)
				}
			case shardmanager.RunnerUnregistered:
				s.invalidateOwner(e.Address)
			}
		}
	}
}

// refresh pulls the latest assignment snapshot, swaps in a fresh
// lock-free-readable cache, and reconciles which shards this runner
// should now be serving versus which it should give up.
func (s *Sharding) refresh(ctx context.Context) {
	assignments := s.sm.GetAssignments()

	next, err := lru.New[wire.ShardId, wire.RunnerAddress](assignmentCacheSize)
	if err != nil {
		s.log.WithError(err).Error("sharding: failed building assignment cache")
		return
	}
	var mine []wire.ShardId
	for shard, addr := range assignments {
		if addr == nil {
			continue
		}
		next.Add(shard, *addr)
		if *addr == s.self {
			mine = append(mine, shard)
		}
	}
	s.cache.Store(next)

	s.mu.Lock()
	var toAcquire []wire.ShardId
	for _, shard := range mine {
		if _, ok := s.held[shard]; !ok {
			toAcquire = append(toAcquire, shard)
		}
	}
	mineSet := make(map[wire.ShardId]struct{}, len(mine))
	for _, shard := range mine {
		mineSet[shard] = struct{}{}
	}
	var toRelease []wire.ShardId
	for shard := range s.held {
		if _, ok := mineSet[shard]; !ok {
			toRelease = append(toRelease, shard)
		}
	}
	s.mu.Unlock()

	for _, shard := range toAcquire {
		s.acquire(ctx, shard)
	}
	for _, shard := range toRelease {
		s.revoke(shard)
	}

	s.reconcileSingletons(assignments)
}

// acquire claims shard's lock, then starts a heartbeat goroutine that
// stops serving the shard the moment the lease is lost — the fencing
// mechanism of spec.md §4.2 "Shard-lock discipline".
func (s *Sharding) acquire(ctx context.Context, shard wire.ShardId) {
	ok, err := s.locks.AcquireLock(ctx, shard, s.self, s.sm.GetTime(), s.cfg.ShardLockExpiration)
	if err != nil {
		s.log.WithError(err).WithField("shard", shard.String()).Warn("sharding: lock acquire failed")
		return
	}
	if !ok {
		return
	}

	lockCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.held[shard] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.heartbeatLock(lockCtx, shard)
}

func (s *Sharding) heartbeatLock(ctx context.Context, shard wire.ShardId) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ShardLockRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := s.locks.RefreshLock(ctx, shard, s.self, s.sm.GetTime())
			if err != nil || !ok {
				if s.metrics != nil {
					s.metrics.ShardLockSteals.Inc()
				}
				s.log.WithField("shard", shard.String()).Warn("sharding: shard lock lost, dropping entities")
				s.dropShard(shard)
				return
			}
		}
	}
}

// revoke stops serving shard: it drains hosted entities, cancels the
// heartbeat, and releases the lease.
func (s *Sharding) revoke(shard wire.ShardId) {
	s.dropShard(shard)
	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = s.locks.ReleaseLock(ctx, shard, s.self)
}

func (s *Sharding) dropShard(shard wire.ShardId) {
	s.mu.Lock()
	cancel, ok := s.held[shard]
	delete(s.held, shard)
	s.mu.Unlock()
	if ok {
		cancel()
	}
	s.entities.DrainShard(shard)
}

// invalidateOwner drops every cache entry pointing at addr, so a runner
// the shard manager just declared gone stops being used as a dispatch
// target even before the next scheduled refresh runs.
func (s *Sharding) invalidateOwner(addr wire.RunnerAddress) {
	current := s.cache.Load()
	for _, shard := range current.Keys() {
		if owner, ok := current.Peek(shard); ok && owner == addr {
			current.Remove(shard)
		}
	}
}

func (s *Sharding) ownerOf(shard wire.ShardId) (wire.RunnerAddress, bool) {
	return s.cache.Load().Get(shard)
}

func (s *Sharding) invalidate(shard wire.ShardId) {
	s.cache.Load().Remove(shard)
}

// Notify is the fire-and-forget send of spec.md §4.2: the request is
// durably saved, then handed to the owning runner (or processed locally)
// without the caller waiting on a reply.
func (s *Sharding) Notify(ctx context.Context, req wire.Request) error {
	saved, err := s.messages.SaveRequest(ctx, &req)
	if err != nil {
		return errs.Wrap(errs.PersistenceError, "sharding.Notify", err)
	}
	return s.route(ctx, req, func(ctx context.Context, owner wire.RunnerAddress) error {
		return s.runners.Notify(ctx, owner, req)
	}, func(ctx context.Context) error {
		local := req
		if saved.Duplicate {
			if saved.LastReceivedReply != nil && saved.LastReceivedReply.Kind() == wire.KindWithExit {
				return nil
			}
			local.RequestID = saved.OriginalID
		}
		return s.entities.Dispatch(ctx, local)
	})
}

// Send is the fire-and-get-reply call of spec.md §4.2: it dispatches req
// to whichever runner owns its shard and returns a channel of the
// replies produced, deduplicating concurrent sends that share a primary
// key before they ever reach storage or the network.
func (s *Sharding) Send(ctx context.Context, req wire.Request, persisted bool) (<-chan wire.Reply, error) {
	key := req.PrimaryKey().String()
	if req.Key == "" {
		return s.sendOnce(ctx, req, persisted)
	}

	type result struct {
		replies []wire.Reply
		err     error
	}
	v, err, _ := s.sf.Do(key, func() (any, error) {
		replies, sendErr := s.sendOnce(ctx, req, persisted)
		if sendErr != nil {
			return result{err: sendErr}, nil
		}
		var collected []wire.Reply
		for r := range replies {
			collected = append(collected, r)
		}
		return result{replies: collected}, nil
	})
	if err != nil {
		return nil, err
	}
	r := v.(result)
	if r.err != nil {
		return nil, r.err
	}
	out := make(chan wire.Reply, len(r.replies))
	for _, reply := range r.replies {
		out <- reply
	}
	close(out)
	return out, nil
}

func (s *Sharding) sendOnce(ctx context.Context, req wire.Request, persisted bool) (<-chan wire.Reply, error) {
	var replies <-chan wire.Reply
	err := s.route(ctx, req, func(ctx context.Context, owner wire.RunnerAddress) error {
		r, rerr := s.runners.Stream(ctx, owner, req, persisted)
		if rerr != nil {
			return rerr
		}
		replies = r
		return nil
	}, func(ctx context.Context) error {
		resolved, replayed, derr := s.dedupeOrReplay(ctx, req, persisted)
		if derr != nil {
			return derr
		}
		if replayed != nil {
			out := make(chan wire.Reply, 1)
			out <- replayed
			close(out)
			replies = out
			return nil
		}
		r, rerr := s.sendLocal(ctx, *resolved)
		if rerr != nil {
			return rerr
		}
		replies = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return replies, nil
}

// dedupe saves req unless the caller already has (persisted==true),
// returning nil with no error when the save collapsed onto an earlier
// request that already reached a terminal reply — nothing left to do.
// Used by Receiver.HandleNotify (remote-originated); Notify's own
// local-dispatch branch applies the same rule to the result of Notify's
// save, so a locally-owned entity gets the same primary-key dedup
// guarantee a remote one gets from the owning peer.
func (s *Sharding) dedupe(ctx context.Context, req wire.Request, persisted bool) (*wire.Request, error) {
	if persisted {
		return &req, nil
	}
	result, err := s.messages.SaveRequest(ctx, &req)
	if err != nil {
		return nil, errs.Wrap(errs.PersistenceError, "sharding.dedupe", err)
	}
	if !result.Duplicate {
		return &req, nil
	}
	if result.LastReceivedReply != nil && result.LastReceivedReply.Kind() == wire.KindWithExit {
		return nil, nil
	}
	req.RequestID = result.OriginalID
	return &req, nil
}

// dedupeOrReplay is dedupe's streaming counterpart: when saveRequest
// reports a duplicate that already has a terminal reply, that reply is
// returned directly instead of re-executing the handler (spec.md §4.3
// "Duplicate handling"). Shared by Receiver.HandleStream (remote-
// originated) and sendOnce's local-dispatch branch: without this, a
// sequential (non-overlapping) duplicate send to a locally-owned entity
// would simply re-run the handler instead of replaying its saved exit.
func (s *Sharding) dedupeOrReplay(ctx context.Context, req wire.Request, persisted bool) (*wire.Request, wire.Reply, error) {
	if persisted {
		return &req, nil, nil
	}
	result, err := s.messages.SaveRequest(ctx, &req)
	if err != nil {
		return nil, nil, errs.Wrap(errs.PersistenceError, "sharding.dedupeOrReplay", err)
	}
	if !result.Duplicate {
		return &req, nil, nil
	}
	if result.LastReceivedReply != nil && result.LastReceivedReply.Kind() == wire.KindWithExit {
		return nil, result.LastReceivedReply, nil
	}
	req.RequestID = result.OriginalID
	return &req, nil, nil
}

// route implements spec.md §4.2's outgoing-dispatch steps 2-6: resolve
// the shard's owner, call local or remote as appropriate, retry while
// the owner is unknown, and invalidate-and-retry on a stale local
// mapping.
func (s *Sharding) route(ctx context.Context, req wire.Request, remote func(context.Context, wire.RunnerAddress) error, local func(context.Context) error) error {
	shard := req.Address.ShardID
	for {
		owner, ok := s.ownerOf(shard)
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.SendRetryInterval):
				continue
			}
		}

		if owner == s.self {
			return local(ctx)
		}

		err := remote(ctx, owner)
		if err == nil {
			return nil
		}
		if errs.Is(err, errs.EntityNotAssignedToRunner) {
			s.invalidate(shard)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.SendRetryInterval):
				continue
			}
		}
		if errs.Is(err, errs.RunnerUnavailable) || errors.Is(err, transport.ErrRunnerUnavailable) {
			_ = s.sm.NotifyUnhealthyRunner(ctx, owner)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.SendRetryInterval):
				continue
			}
		}
		return err
	}
}

// sendLocal dispatches req into this runner's entity registry and
// returns a channel fed by whatever the hosted behavior replies with,
// via the per-request waiter registry ReceiveReply feeds.
func (s *Sharding) sendLocal(ctx context.Context, req wire.Request) (<-chan wire.Reply, error) {
	waiter := make(chan wire.Reply, 16)
	s.mu.Lock()
	s.waiters[req.RequestID] = waiter
	s.mu.Unlock()

	if err := s.entities.Dispatch(ctx, req); err != nil {
		s.mu.Lock()
		delete(s.waiters, req.RequestID)
		s.mu.Unlock()
		close(waiter)
		return nil, err
	}
	return waiter, nil
}

// ReplySink is passed to entity.NewRegistry: it persists every reply a
// hosted behavior produces and, if a local caller is waiting on this
// request via sendLocal, forwards replies to it too.
func (s *Sharding) ReplySink(req wire.Request, replies <-chan wire.Reply) {
	s.mu.Lock()
	waiter, waiting := s.waiters[req.RequestID]
	s.mu.Unlock()

	for reply := range replies {
		if err := s.messages.SaveReply(context.Background(), reply); err != nil {
			s.log.WithError(err).WithField("request", req.RequestID.String()).Warn("sharding: failed saving reply")
		}
		if waiting {
			select {
			case waiter <- reply:
			default:
			}
		}
		if reply.Kind() == wire.KindWithExit {
			break
		}
	}
	if waiting {
		s.mu.Lock()
		delete(s.waiters, req.RequestID)
		s.mu.Unlock()
		close(waiter)
	}
}
