package shardmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/meridian/internal/storage"
	"github.com/dreamware/meridian/internal/wire"
)

// alwaysAlive treats every runner as healthy, the common case for tests
// that aren't exercising NotifyUnhealthyRunner.
type alwaysAlive struct{}

func (alwaysAlive) IsAlive(ctx context.Context, addr wire.RunnerAddress) bool { return true }

// scriptedHealth lets a test flip specific addresses dead.
type scriptedHealth struct {
	mu   sync.Mutex
	dead map[wire.RunnerAddress]bool
}

func newScriptedHealth() *scriptedHealth {
	return &scriptedHealth{dead: make(map[wire.RunnerAddress]bool)}
}

func (s *scriptedHealth) kill(addr wire.RunnerAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead[addr] = true
}

func (s *scriptedHealth) IsAlive(ctx context.Context, addr wire.RunnerAddress) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead[addr]
}

func testConfig() Config {
	return Config{
		ShardsPerGroup:            12,
		ShardGroups:               []string{"default"},
		RebalanceRate:             1.0,
		RebalanceInterval:         time.Hour,
		RebalanceDebounce:         time.Millisecond,
		RunnerHealthCheckInterval: time.Hour,
		PersistRetryCount:         2,
		PersistRetryInterval:      time.Millisecond,
	}
}

func newTestManager(t *testing.T, cfg Config, health RunnerHealth) *ShardManager {
	t.Helper()
	store := storage.NewMemoryAssignmentStore()
	runners := storage.NewMemoryRunnerStorage()
	sm := New(cfg, store, runners, health, nil)
	require.NoError(t, sm.Start(context.Background()))
	t.Cleanup(sm.Stop)
	return sm
}

func TestRegisterSingleRunnerAssignsAllShards(t *testing.T) {
	sm := newTestManager(t, testConfig(), alwaysAlive{})
	ctx := context.Background()

	addr := wire.RunnerAddress{Host: "10.0.0.1", Port: 9000}
	_, err := sm.Register(ctx, wire.Runner{Address: addr, Groups: []string{"default"}, Weight: 1}, 1000)
	require.NoError(t, err)

	sm.Rebalance()

	assignments := sm.GetAssignments()
	require.Len(t, assignments, 12)
	for shard, owner := range assignments {
		require.NotNilf(t, owner, "shard %s should be assigned", shard)
		assert.Equal(t, addr, *owner)
	}
}

func TestRegisterAssignsMonotonicMachineIDs(t *testing.T) {
	sm := newTestManager(t, testConfig(), alwaysAlive{})
	ctx := context.Background()

	first, err := sm.Register(ctx, wire.Runner{Address: wire.RunnerAddress{Host: "a", Port: 1}, Groups: []string{"default"}, Weight: 1}, 1000)
	require.NoError(t, err)
	second, err := sm.Register(ctx, wire.Runner{Address: wire.RunnerAddress{Host: "b", Port: 1}, Groups: []string{"default"}, Weight: 1}, 1000)
	require.NoError(t, err)

	assert.Greater(t, second, first)
}

func TestRegisterIsIdempotentByAddress(t *testing.T) {
	sm := newTestManager(t, testConfig(), alwaysAlive{})
	ctx := context.Background()
	runner := wire.Runner{Address: wire.RunnerAddress{Host: "a", Port: 1}, Groups: []string{"default"}, Weight: 1}

	first, err := sm.Register(ctx, runner, 1000)
	require.NoError(t, err)
	require.NotZero(t, first)

	second, err := sm.Register(ctx, runner, 2000)
	require.NoError(t, err)
	assert.Equal(t, first, second, "re-registering an unchanged runner should not mint a new machine id")
}

func TestRebalanceWeightedSplitConvergesToTarget(t *testing.T) {
	sm := newTestManager(t, testConfig(), alwaysAlive{})
	ctx := context.Background()

	heavy := wire.RunnerAddress{Host: "a", Port: 1}
	light := wire.RunnerAddress{Host: "b", Port: 1}
	_, err := sm.Register(ctx, wire.Runner{Address: heavy, Groups: []string{"default"}, Weight: 2}, 1000)
	require.NoError(t, err)
	_, err = sm.Register(ctx, wire.Runner{Address: light, Groups: []string{"default"}, Weight: 1}, 1000)
	require.NoError(t, err)

	sm.Rebalance()

	counts := map[wire.RunnerAddress]int{}
	for _, owner := range sm.GetAssignments() {
		require.NotNil(t, owner)
		counts[*owner]++
	}
	assert.Equal(t, 8, counts[heavy])
	assert.Equal(t, 4, counts[light])
}

func TestUnregisterUnassignsOwnedShards(t *testing.T) {
	sm := newTestManager(t, testConfig(), alwaysAlive{})
	ctx := context.Background()
	addr := wire.RunnerAddress{Host: "a", Port: 1}
	_, err := sm.Register(ctx, wire.Runner{Address: addr, Groups: []string{"default"}, Weight: 1}, 1000)
	require.NoError(t, err)
	sm.Rebalance()

	require.NoError(t, sm.Unregister(ctx, addr))

	for _, owner := range sm.GetAssignments() {
		assert.Nil(t, owner)
	}
}

func TestRebalanceRateCapsMovesPerCycle(t *testing.T) {
	cfg := testConfig()
	cfg.RebalanceRate = 0.1 // ceil(0.1 * 12) = 2 moves per cycle
	// Keep Register's debounced cycle from firing, so only the explicit
	// Rebalance below runs.
	cfg.RebalanceDebounce = time.Hour
	sm := newTestManager(t, cfg, alwaysAlive{})
	ctx := context.Background()

	addr := wire.RunnerAddress{Host: "a", Port: 1}
	_, err := sm.Register(ctx, wire.Runner{Address: addr, Groups: []string{"default"}, Weight: 1}, 1000)
	require.NoError(t, err)
	sm.Rebalance()

	assigned := 0
	for _, owner := range sm.GetAssignments() {
		if owner != nil {
			assigned++
		}
	}
	assert.Equal(t, 2, assigned, "only the capped number of shards should move in one cycle")
}

func TestRebalanceSkipsMovesToUnhealthyRunner(t *testing.T) {
	health := newScriptedHealth()
	sm := newTestManager(t, testConfig(), health)
	ctx := context.Background()

	dead := wire.RunnerAddress{Host: "dead", Port: 1}
	health.kill(dead)
	_, err := sm.Register(ctx, wire.Runner{Address: dead, Groups: []string{"default"}, Weight: 1}, 1000)
	require.NoError(t, err)

	sm.Rebalance()

	for _, owner := range sm.GetAssignments() {
		assert.Nil(t, owner, "no shard should be handed to a runner that fails its health ping")
	}
}

func TestNotifyUnhealthyRunnerUnregistersDeadRunner(t *testing.T) {
	health := newScriptedHealth()
	sm := newTestManager(t, testConfig(), health)
	ctx := context.Background()

	addr := wire.RunnerAddress{Host: "a", Port: 1}
	_, err := sm.Register(ctx, wire.Runner{Address: addr, Groups: []string{"default"}, Weight: 1}, 1000)
	require.NoError(t, err)
	sm.Rebalance()

	health.kill(addr)
	require.NoError(t, sm.NotifyUnhealthyRunner(ctx, addr))

	for _, owner := range sm.GetAssignments() {
		assert.Nil(t, owner)
	}
}

func TestNotifyUnhealthyRunnerNoOpWhenAlive(t *testing.T) {
	sm := newTestManager(t, testConfig(), alwaysAlive{})
	ctx := context.Background()

	addr := wire.RunnerAddress{Host: "a", Port: 1}
	_, err := sm.Register(ctx, wire.Runner{Address: addr, Groups: []string{"default"}, Weight: 1}, 1000)
	require.NoError(t, err)
	sm.Rebalance()

	require.NoError(t, sm.NotifyUnhealthyRunner(ctx, addr))

	assigned := 0
	for _, owner := range sm.GetAssignments() {
		if owner != nil {
			assigned++
		}
	}
	assert.Equal(t, 12, assigned)
}

func TestSubscribeReceivesStreamStartedFirst(t *testing.T) {
	sm := newTestManager(t, testConfig(), alwaysAlive{})
	sub := sm.Subscribe()
	defer sub.Close()

	select {
	case evt := <-sub.Events():
		assert.Equal(t, KindStreamStarted, evt.Kind())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for StreamStarted")
	}
}

func TestSubscribeObservesAssignmentEvents(t *testing.T) {
	sm := newTestManager(t, testConfig(), alwaysAlive{})
	sub := sm.Subscribe()
	defer sub.Close()
	<-sub.Events() // StreamStarted

	ctx := context.Background()
	addr := wire.RunnerAddress{Host: "a", Port: 1}
	_, err := sm.Register(ctx, wire.Runner{Address: addr, Groups: []string{"default"}, Weight: 1}, 1000)
	require.NoError(t, err)
	sm.Rebalance()

	sawAssigned := false
	for i := 0; i < 12+2; i++ {
		select {
		case evt := <-sub.Events():
			if evt.Kind() == KindShardsAssigned {
				sawAssigned = true
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for ShardsAssigned")
		}
		if sawAssigned {
			break
		}
	}
	assert.True(t, sawAssigned)
}

func TestGetTimeReturnsWallClockMillis(t *testing.T) {
	sm := newTestManager(t, testConfig(), alwaysAlive{})
	before := time.Now().UnixMilli()
	got := sm.GetTime()
	after := time.Now().UnixMilli()
	assert.GreaterOrEqual(t, got, before)
	assert.LessOrEqual(t, got, after)
}
