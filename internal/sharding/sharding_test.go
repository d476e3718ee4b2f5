package sharding

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/meridian/internal/entity"
	"github.com/dreamware/meridian/internal/errs"
	"github.com/dreamware/meridian/internal/obslog"
	"github.com/dreamware/meridian/internal/shardmanager"
	"github.com/dreamware/meridian/internal/storage"
	"github.com/dreamware/meridian/internal/wire"
)

func init() { obslog.Configure("fatal") }

// fakeClient is a minimal in-memory ShardManagerClient stand-in: tests
// set its assignments directly rather than driving a real rebalance.
type fakeClient struct {
	assignments map[wire.ShardId]*wire.RunnerAddress
	bus         *fakeBus
	unhealthy   []wire.RunnerAddress
}

func newFakeClient() *fakeClient {
	return &fakeClient{assignments: make(map[wire.ShardId]*wire.RunnerAddress), bus: newFakeBus()}
}

func (f *fakeClient) Register(ctx context.Context, r wire.Runner, nowMS int64) (int64, error) {
	return 1, nil
}
func (f *fakeClient) Unregister(ctx context.Context, addr wire.RunnerAddress) error { return nil }
func (f *fakeClient) NotifyUnhealthyRunner(ctx context.Context, addr wire.RunnerAddress) error {
	f.unhealthy = append(f.unhealthy, addr)
	return nil
}
func (f *fakeClient) GetAssignments() map[wire.ShardId]*wire.RunnerAddress {
	out := make(map[wire.ShardId]*wire.RunnerAddress, len(f.assignments))
	for k, v := range f.assignments {
		out[k] = v
	}
	return out
}
func (f *fakeClient) Subscribe() *shardmanager.Subscription { return f.bus.subscribe() }
func (f *fakeClient) GetTime() int64                        { return time.Now().UnixMilli() }

// fakeBus is a tiny stand-in for the shard manager's real event bus. It
// hands out no subscription: these tests never call Sharding.Start, so
// the event loop never runs and assignments reach Sharding only through
// direct refresh calls.
type fakeBus struct{ subs []*shardmanager.Subscription }

func newFakeBus() *fakeBus { return &fakeBus{} }
func (b *fakeBus) subscribe() *shardmanager.Subscription {
	// nil is safe here: Stop only closes a non-nil subscription, and
	// nothing reads from it without Start.
	return nil
}

// fakeRunners is an in-process Runners that loops a request straight
// back to a locally-held Sharding's Receiver, so a two-runner dispatch
// can be exercised without real HTTP.
type fakeRunners struct {
	peers map[wire.RunnerAddress]*Receiver
}

func (f *fakeRunners) Ping(ctx context.Context, addr wire.RunnerAddress) error {
	if _, ok := f.peers[addr]; !ok {
		return errs.New(errs.RunnerUnavailable, "fakeRunners.Ping", addr.String())
	}
	return nil
}

func (f *fakeRunners) Notify(ctx context.Context, addr wire.RunnerAddress, req wire.Request) error {
	peer, ok := f.peers[addr]
	if !ok {
		return errs.New(errs.RunnerUnavailable, "fakeRunners.Notify", addr.String())
	}
	return peer.HandleNotify(ctx, req)
}

func (f *fakeRunners) Effect(ctx context.Context, addr wire.RunnerAddress, req wire.Request, persisted bool) (wire.Reply, error) {
	peer, ok := f.peers[addr]
	if !ok {
		return nil, errs.New(errs.RunnerUnavailable, "fakeRunners.Effect", addr.String())
	}
	return peer.HandleEffect(ctx, req, persisted)
}

func (f *fakeRunners) Stream(ctx context.Context, addr wire.RunnerAddress, req wire.Request, persisted bool) (<-chan wire.Reply, error) {
	peer, ok := f.peers[addr]
	if !ok {
		return nil, errs.New(errs.RunnerUnavailable, "fakeRunners.Stream", addr.String())
	}
	return peer.HandleStream(ctx, req, persisted)
}

func (f *fakeRunners) Envelope(ctx context.Context, addr wire.RunnerAddress, env wire.Envelope, persisted bool) error {
	peer, ok := f.peers[addr]
	if !ok {
		return errs.New(errs.RunnerUnavailable, "fakeRunners.Envelope", addr.String())
	}
	return peer.HandleEnvelope(ctx, env, persisted)
}

type echoBehavior struct{}

func (echoBehavior) Handle(ctx context.Context, req wire.Request) (<-chan wire.Reply, error) {
	ch := make(chan wire.Reply, 1)
	ch <- wire.WithExit{ID: 1, RequestID: req.RequestID, Exit: wire.Exit{Status: wire.ExitSuccess}}
	close(ch)
	return ch, nil
}

func testSharding(t *testing.T, self wire.RunnerAddress) (*Sharding, *fakeClient) {
	t.Helper()
	cfg := Config{
		ShardsPerGroup:             8,
		ShardGroups:                []string{"default"},
		RunnerWeight:               1,
		SendRetryInterval:          10 * time.Millisecond,
		RefreshAssignmentsInterval: 20 * time.Millisecond,
		ShardLockRefreshInterval:   50 * time.Millisecond,
		ShardLockExpiration:        time.Second,
	}
	client := newFakeClient()
	runners := &fakeRunners{peers: make(map[wire.RunnerAddress]*Receiver)}
	messages := storage.NewMemoryMessageStorage()
	locks := storage.NewMemoryRunnerStorage()

	var s *Sharding
	entities := entity.NewRegistry(entity.Config{
		MailboxCapacity:     4,
		MaxIdleTime:         time.Minute,
		RegistrationTimeout: time.Second,
		TerminationTimeout:  time.Second,
	}, func(req wire.Request, replies <-chan wire.Reply) { s.ReplySink(req, replies) }, nil)

	s = New(cfg, self, client, runners, entities, messages, locks, nil)
	runners.peers[self] = NewReceiver(s)
	entities.RegisterEntity("counter", func(addr wire.EntityAddress) entity.Behavior { return echoBehavior{} })

	entities.Start(context.Background())
	t.Cleanup(entities.Stop)
	t.Cleanup(s.Stop)
	return s, client
}

func TestShardForIsDeterministic(t *testing.T) {
	s, _ := testSharding(t, wire.RunnerAddress{Host: "a", Port: 1})
	first := s.ShardFor("default", "counter", "alice")
	second := s.ShardFor("default", "counter", "alice")
	assert.Equal(t, first, second)
	assert.Equal(t, "default", first.Group)
}

func TestSendDispatchesLocallyWhenSelfOwnsShard(t *testing.T) {
	self := wire.RunnerAddress{Host: "a", Port: 1}
	s, client := testSharding(t, self)

	addr := s.AddressFor("default", "counter", "alice")
	client.assignments[addr.ShardID] = &self

	s.refresh(context.Background())

	req := wire.Request{RequestID: 1, Address: addr, Tag: "get"}
	replies, err := s.Send(context.Background(), req, false)
	require.NoError(t, err)

	var last wire.Reply
	for r := range replies {
		last = r
	}
	require.NotNil(t, last)
	assert.Equal(t, wire.KindWithExit, last.Kind())
}

func TestSendRoutesToRemoteOwner(t *testing.T) {
	self := wire.RunnerAddress{Host: "a", Port: 1}
	peerAddr := wire.RunnerAddress{Host: "b", Port: 2}

	s, client := testSharding(t, self)
	peer, _ := testSharding(t, peerAddr)

	// Wire the two fakeRunners instances so self can reach peer.
	selfRunners := s.runners.(*fakeRunners)
	selfRunners.peers[peerAddr] = NewReceiver(peer)

	addr := s.AddressFor("default", "counter", "alice")
	client.assignments[addr.ShardID] = &peerAddr
	peer.sm.(*fakeClient).assignments[addr.ShardID] = &peerAddr

	s.refresh(context.Background())
	peer.refresh(context.Background())

	req := wire.Request{RequestID: 2, Address: addr, Tag: "get"}
	replies, err := s.Send(context.Background(), req, false)
	require.NoError(t, err)

	var last wire.Reply
	for r := range replies {
		last = r
	}
	require.NotNil(t, last)
	assert.Equal(t, wire.KindWithExit, last.Kind())
}

func TestSendRetriesUntilOwnerKnown(t *testing.T) {
	self := wire.RunnerAddress{Host: "a", Port: 1}
	s, client := testSharding(t, self)

	addr := s.AddressFor("default", "counter", "alice")
	req := wire.Request{RequestID: 3, Address: addr, Tag: "get"}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go func() {
		time.Sleep(40 * time.Millisecond)
		client.assignments[addr.ShardID] = &self
		s.refresh(context.Background())
	}()

	replies, err := s.Send(ctx, req, false)
	require.NoError(t, err)
	var last wire.Reply
	for r := range replies {
		last = r
	}
	require.NotNil(t, last)
}

func TestRegisterSingletonRunsOnlyWhenShardOwned(t *testing.T) {
	self := wire.RunnerAddress{Host: "a", Port: 1}
	s, client := testSharding(t, self)

	started := make(chan struct{}, 1)
	s.RegisterSingleton("leader-election", "default", func(ctx context.Context) {
		started <- struct{}{}
		<-ctx.Done()
	})

	shard := wire.ShardId{Group: "default", ID: shardForKey("singleton", "leader-election", s.cfg.ShardsPerGroup)}
	client.assignments[shard] = &self
	s.refresh(context.Background())

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("singleton task never started")
	}
}

func TestShardLockHeldAfterAcquire(t *testing.T) {
	self := wire.RunnerAddress{Host: "a", Port: 1}
	s, client := testSharding(t, self)

	addr := s.AddressFor("default", "counter", "alice")
	client.assignments[addr.ShardID] = &self
	s.refresh(context.Background())

	owner, acquiredAtMS, ok, err := s.locks.LockOwner(context.Background(), addr.ShardID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, self, owner)
	assert.Positive(t, acquiredAtMS)
}
