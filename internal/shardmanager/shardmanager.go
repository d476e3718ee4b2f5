package shardmanager

import (
	"context"
	"math"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/meridian/internal/obslog"
	"github.com/dreamware/meridian/internal/storage"
	"github.com/dreamware/meridian/internal/wire"
)

// shardState is the per-shard state machine spec.md §4.1 describes
// alongside the rebalance algorithm. Assigning/Unassigning only ever
// exist for the duration of one cycle and are never persisted; a crash
// mid-cycle resumes from Unassigned/Assigned as read from storage.
type shardState int

const (
	stateUnassigned shardState = iota
	stateAssigning
	stateAssigned
	stateUnassigning
)

type shardEntry struct {
	state shardState
	owner wire.RunnerAddress // zero value when state != assigned/assigning
}

// Config bundles the rebalancer's tunables, sourced from config.Config so
// this package stays independent of the viper-backed loader.
type Config struct {
	ShardsPerGroup            int
	ShardGroups               []string
	RebalanceRate             float64
	RebalanceInterval         time.Duration
	RebalanceDebounce         time.Duration
	RunnerHealthCheckInterval time.Duration
	PersistRetryCount         int
	PersistRetryInterval      time.Duration
}

// ShardManager is the single authoritative decision-maker for the
// ShardId -> RunnerAddress? mapping (spec.md §4.1). It generalizes the
// teacher's ShardRegistry, a flat round-robin assigner over one shard
// count, into a weighted, multi-group rebalancer backed by durable
// storage and liveness-gated moves.
type ShardManager struct {
	cfg Config
	log *logrus.Entry

	store   storage.AssignmentStore
	runners storage.RunnerStorage
	metrics *obslog.Metrics

	health *healthSweeper
	bus    *eventBus

	nextMachineID int64

	mu         sync.Mutex
	runnerSet  map[wire.RunnerAddress]wire.Runner
	machineIDs map[wire.RunnerAddress]int64
	shards     map[wire.ShardId]*shardEntry

	rebalanceMu      sync.Mutex
	rebalanceTimer   *time.Timer
	rebalancePending bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a ShardManager. It does not start background loops;
// call Start for that.
func New(cfg Config, store storage.AssignmentStore, runners storage.RunnerStorage, health RunnerHealth, metrics *obslog.Metrics) *ShardManager {
	sm := &ShardManager{
		cfg:        cfg,
		log:        obslog.For("shardmanager"),
		store:      store,
		runners:    runners,
		metrics:    metrics,
		bus:        newEventBus(),
		runnerSet:  make(map[wire.RunnerAddress]wire.Runner),
		machineIDs: make(map[wire.RunnerAddress]int64),
		shards:     make(map[wire.ShardId]*shardEntry),
	}
	sm.health = newHealthSweeper(health, cfg.RunnerHealthCheckInterval, sm.handleUnhealthy)
	return sm
}

// Start loads the last persisted assignment snapshot, seeds the shard
// table for every configured group, and starts the health sweep and
// periodic rebalance loop.
func (sm *ShardManager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	sm.cancel = cancel

	snapshot, err := sm.store.Load(ctx)
	if err != nil {
		return err
	}

	sm.mu.Lock()
	for _, group := range sm.cfg.ShardGroups {
		for i := 0; i < sm.cfg.ShardsPerGroup; i++ {
			id := wire.ShardId{Group: group, ID: i}
			entry := &shardEntry{state: stateUnassigned}
			if owner, ok := snapshot[id]; ok && owner != nil {
				entry.state = stateAssigned
				entry.owner = *owner
			}
			sm.shards[id] = entry
		}
	}
	sm.mu.Unlock()

	sm.health.start(ctx, sm.liveRunnerAddresses)

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		ticker := time.NewTicker(sm.cfg.RebalanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sm.Rebalance()
			}
		}
	}()

	return nil
}

// Stop halts the health sweep and rebalance loop.
func (sm *ShardManager) Stop() {
	if sm.cancel != nil {
		sm.cancel()
	}
	sm.rebalanceMu.Lock()
	if sm.rebalanceTimer != nil {
		sm.rebalanceTimer.Stop()
	}
	sm.rebalanceMu.Unlock()
	sm.health.stop()
	sm.wg.Wait()
}

// Register is idempotent by address and weight: re-registering a runner
// equal to its current record (wire.Runner.Equal) updates its groups in
// place and returns the machine id assigned on its first registration
// rather than minting a new one; a re-registration that changes the
// weight replaces the record and mints a new id. The id is
// kept in machineIDs for the lifetime of the process so a lost response
// (the caller times out and retries per cmd/runner's registerWithShardManager)
// never hands out a second, colliding id for the same address.
func (sm *ShardManager) Register(ctx context.Context, r wire.Runner, nowMS int64) (int64, error) {
	sm.mu.Lock()
	existing, already := sm.runnerSet[r.Address]
	sm.runnerSet[r.Address] = r
	live := len(sm.runnerSet)
	priorID, hasPriorID := sm.machineIDs[r.Address]
	sm.mu.Unlock()
	if sm.metrics != nil {
		sm.metrics.RunnersLive.Set(float64(live))
	}

	if err := sm.runners.RegisterRunner(ctx, r, nowMS); err != nil {
		return 0, err
	}

	if already && existing.Equal(r) && hasPriorID {
		sm.bus.Publish(RunnerRegistered{Runner: r})
		sm.ScheduleRebalance()
		return priorID, nil
	}

	machineID := atomic.AddInt64(&sm.nextMachineID, 1)
	sm.mu.Lock()
	sm.machineIDs[r.Address] = machineID
	sm.mu.Unlock()
	sm.bus.Publish(RunnerRegistered{Runner: r})
	sm.ScheduleRebalance()
	return machineID, nil
}

// Unregister removes a runner and unassigns every shard it owned.
func (sm *ShardManager) Unregister(ctx context.Context, addr wire.RunnerAddress) error {
	sm.mu.Lock()
	delete(sm.runnerSet, addr)
	for _, entry := range sm.shards {
		if (entry.state == stateAssigned || entry.state == stateAssigning) && entry.owner == addr {
			entry.state = stateUnassigned
			entry.owner = wire.RunnerAddress{}
		}
	}
	live := len(sm.runnerSet)
	sm.mu.Unlock()
	if sm.metrics != nil {
		sm.metrics.RunnersLive.Set(float64(live))
	}

	if err := sm.runners.RemoveRunner(ctx, addr); err != nil {
		return err
	}

	sm.bus.Publish(RunnerUnregistered{Address: addr})
	sm.ScheduleRebalance()
	return nil
}

// NotifyUnhealthyRunner pings addr and unregisters it if dead; a live
// runner is left untouched.
func (sm *ShardManager) NotifyUnhealthyRunner(ctx context.Context, addr wire.RunnerAddress) error {
	if sm.health.check.IsAlive(ctx, addr) {
		return nil
	}
	return sm.Unregister(ctx, addr)
}

func (sm *ShardManager) handleUnhealthy(addr wire.RunnerAddress) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sm.Unregister(ctx, addr); err != nil {
		sm.log.WithError(err).WithField("runner", addr.String()).Warn("failed to unregister unhealthy runner")
	}
}

// GetAssignments returns a snapshot of the current ShardId -> Address?
// map.
func (sm *ShardManager) GetAssignments() map[wire.ShardId]*wire.RunnerAddress {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	out := make(map[wire.ShardId]*wire.RunnerAddress, len(sm.shards))
	for id, entry := range sm.shards {
		if entry.state == stateAssigned || entry.state == stateUnassigning {
			addr := entry.owner
			out[id] = &addr
			continue
		}
		out[id] = nil
	}
	return out
}

// Subscribe returns a live feed of shard-manager events, StreamStarted
// first.
func (sm *ShardManager) Subscribe() *Subscription { return sm.bus.Subscribe() }

// EventsHandler exposes the websocket upgrade endpoint for out-of-process
// subscribers (spec.md §4.2's remote ShardingEvents subscription).
func (sm *ShardManager) EventsHandler() http.HandlerFunc { return sm.bus.ServeHTTP }

// GetTime is the wall clock subscribers (runners' SynchronizedClock) use
// to compute drift. The shard manager's own clock is canonical; it never
// corrects for anyone else's.
func (sm *ShardManager) GetTime() int64 { return time.Now().UnixMilli() }

// ScheduleRebalance debounces repeated triggers (e.g. several runners
// registering in quick succession) into a single rebalance cycle fired
// rebalanceDebounce after the last call.
func (sm *ShardManager) ScheduleRebalance() {
	sm.rebalanceMu.Lock()
	defer sm.rebalanceMu.Unlock()

	if sm.rebalanceTimer != nil {
		sm.rebalanceTimer.Stop()
	}
	sm.rebalanceTimer = time.AfterFunc(sm.cfg.RebalanceDebounce, sm.Rebalance)
}

// Rebalance runs one rebalance cycle across every configured shard
// group. It is safe to call concurrently with itself, since shard state is
// only read and written under sm.mu, but overlapping calls are not
// serialized: each cycle releases sm.mu while pinging the runners its
// moves touch, so two cycles may each apply their own plan.
func (sm *ShardManager) Rebalance() {
	start := time.Now()
	for _, group := range sm.cfg.ShardGroups {
		sm.rebalanceGroup(group)
	}
	if sm.metrics != nil {
		sm.metrics.RebalanceCycleSeconds.Observe(time.Since(start).Seconds())
	}
}

type move struct {
	shard  wire.ShardId
	from   *wire.RunnerAddress // nil when assigning from Unassigned
	to     *wire.RunnerAddress // nil when unassigning to Unassigned
}

func (sm *ShardManager) rebalanceGroup(group string) {
	sm.mu.Lock()
	runners := sm.liveRunnersForGroupLocked(group)
	if len(runners) == 0 {
		sm.mu.Unlock()
		return
	}

	load := make(map[wire.RunnerAddress]int, len(runners))
	totalWeight := 0
	for _, r := range runners {
		load[r.Address] = 0
		totalWeight += r.Weight
	}
	if totalWeight == 0 {
		sm.mu.Unlock()
		return
	}

	type groupShard struct {
		id    wire.ShardId
		entry *shardEntry
	}
	var unassigned []groupShard
	var assignedToLive []groupShard
	totalShards := 0
	for id, entry := range sm.shards {
		if id.Group != group {
			continue
		}
		totalShards++
		switch {
		case entry.state == stateUnassigned:
			unassigned = append(unassigned, groupShard{id, entry})
		case entry.state == stateAssigned:
			if _, live := load[entry.owner]; live {
				load[entry.owner]++
				assignedToLive = append(assignedToLive, groupShard{id, entry})
			} else {
				// Owner no longer live in this group's runner set; treat
				// as unassigned so it gets re-homed below.
				unassigned = append(unassigned, groupShard{id, entry})
			}
		}
	}
	if totalShards == 0 {
		sm.mu.Unlock()
		return
	}

	target := make(map[wire.RunnerAddress]float64, len(runners))
	for _, r := range runners {
		target[r.Address] = float64(totalShards) * float64(r.Weight) / float64(totalWeight)
	}

	sortedRunners := append([]wire.Runner(nil), runners...)
	sort.Slice(sortedRunners, func(i, j int) bool {
		return sortedRunners[i].Address.Less(sortedRunners[j].Address)
	})

	mostUnderTarget := func(exclude wire.RunnerAddress) (wire.RunnerAddress, bool) {
		var best wire.RunnerAddress
		bestDeficit := math.Inf(-1)
		found := false
		for _, r := range sortedRunners {
			if r.Address == exclude {
				continue
			}
			deficit := target[r.Address] - float64(load[r.Address])
			if deficit > bestDeficit {
				bestDeficit = deficit
				best = r.Address
				found = true
			}
		}
		return best, found
	}

	maxMoves := int(math.Ceil(sm.cfg.RebalanceRate * float64(totalShards)))
	if maxMoves < 1 {
		maxMoves = 1
	}
	moved := 0

	var moves []move

	for _, gs := range unassigned {
		if moved >= maxMoves {
			break
		}
		to, ok := mostUnderTarget(wire.RunnerAddress{})
		if !ok {
			break
		}
		moves = append(moves, move{shard: gs.id, from: nil, to: &to})
		load[to]++
		moved++
	}

	for _, r := range sortedRunners {
		if moved >= maxMoves {
			break
		}
		for load[r.Address] > int(math.Ceil(target[r.Address])) && moved < maxMoves {
			donorIdx := slices.IndexFunc(assignedToLive, func(gs groupShard) bool {
				return gs.entry.owner == r.Address
			})
			if donorIdx == -1 {
				break
			}
			donorShard := &assignedToLive[donorIdx]
			to, ok := mostUnderTarget(r.Address)
			if !ok || to == r.Address {
				break
			}
			if float64(load[to]) >= target[to] {
				break
			}
			moves = append(moves, move{shard: donorShard.id, from: &r.Address, to: &to})
			load[r.Address]--
			load[to]++
			moved++

			assignedToLive = slices.Delete(assignedToLive, donorIdx, donorIdx+1)
		}
	}
	sm.mu.Unlock()

	if len(moves) == 0 {
		return
	}

	touched := make(map[wire.RunnerAddress]struct{})
	for _, m := range moves {
		if m.from != nil {
			touched[*m.from] = struct{}{}
		}
		if m.to != nil {
			touched[*m.to] = struct{}{}
		}
	}
	unhealthy := sm.pingTouched(touched)

	sm.mu.Lock()
	applied := make([]move, 0, len(moves))
	for _, m := range moves {
		if m.from != nil {
			if _, bad := unhealthy[*m.from]; bad {
				continue
			}
		}
		if m.to != nil {
			if _, bad := unhealthy[*m.to]; bad {
				continue
			}
		}

		entry := sm.shards[m.shard]
		if entry == nil {
			continue
		}
		if m.from != nil {
			entry.state = stateUnassigned
			entry.owner = wire.RunnerAddress{}
		}
		if m.to != nil {
			entry.state = stateAssigned
			entry.owner = *m.to
		}
		applied = append(applied, m)
	}
	snapshot := sm.snapshotLocked()
	sm.mu.Unlock()

	for _, m := range applied {
		if m.from != nil {
			sm.bus.Publish(ShardsUnassigned{Shard: m.shard, Address: *m.from})
		}
		if m.to != nil {
			sm.bus.Publish(ShardsAssigned{Shard: m.shard, Address: *m.to})
		}
	}
	if sm.metrics != nil {
		sm.metrics.ShardsMoved.Add(float64(len(applied)))
	}

	sm.persistWithRetry(snapshot)
}

func (sm *ShardManager) snapshotLocked() map[wire.ShardId]*wire.RunnerAddress {
	out := make(map[wire.ShardId]*wire.RunnerAddress, len(sm.shards))
	for id, entry := range sm.shards {
		if entry.state == stateAssigned {
			addr := entry.owner
			out[id] = &addr
		} else {
			out[id] = nil
		}
	}
	return out
}

// persistWithRetry saves the assignment snapshot, retrying up to
// persistRetryCount times spaced persistRetryInterval apart. Exhausting
// retries only logs: the in-memory map stays authoritative until the
// next successful persist or process restart.
func (sm *ShardManager) persistWithRetry(snapshot map[wire.ShardId]*wire.RunnerAddress) {
	ctx := context.Background()
	var err error
	for attempt := 0; attempt <= sm.cfg.PersistRetryCount; attempt++ {
		if err = sm.store.Save(ctx, snapshot); err == nil {
			return
		}
		if sm.metrics != nil {
			sm.metrics.StorageRetries.WithLabelValues("persist_assignments").Inc()
		}
		if attempt < sm.cfg.PersistRetryCount {
			time.Sleep(sm.cfg.PersistRetryInterval)
		}
	}
	sm.log.WithError(err).Error("failed to persist assignment snapshot after retries")
}

// pingTouched health-checks every touched runner in parallel and returns
// the set found dead, per spec.md §4.1 step 3.
func (sm *ShardManager) pingTouched(touched map[wire.RunnerAddress]struct{}) map[wire.RunnerAddress]struct{} {
	unhealthy := make(map[wire.RunnerAddress]struct{})
	if len(touched) == 0 {
		return unhealthy
	}

	var mu sync.Mutex
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for addr := range touched {
		addr := addr
		g.Go(func() error {
			if !sm.health.check.IsAlive(gctx, addr) {
				mu.Lock()
				unhealthy[addr] = struct{}{}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return unhealthy
}

func (sm *ShardManager) liveRunnersForGroupLocked(group string) []wire.Runner {
	var out []wire.Runner
	for _, r := range sm.runnerSet {
		if r.ServesGroup(group) {
			out = append(out, r)
		}
	}
	return out
}

func (sm *ShardManager) liveRunnerAddresses() []wire.RunnerAddress {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]wire.RunnerAddress, 0, len(sm.runnerSet))
	for addr := range sm.runnerSet {
		out = append(out, addr)
	}
	return out
}
