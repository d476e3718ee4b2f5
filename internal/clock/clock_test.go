package clock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedServer replays a fixed sequence of GetTime responses (and
// optional errors), one per call, and lets tests drive the local clock
// independently via the wrapping SynchronizedClock's localNow override.
type scriptedServer struct {
	mu    sync.Mutex
	calls int
	times []int64
	errs  []error
}

func (s *scriptedServer) GetTime(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return 0, s.errs[i]
	}
	return s.times[i], nil
}

func newClockForTest(server TimeServer, localTimes []int64) *SynchronizedClock {
	var idx int64 = -1
	c := New(server)
	c.localNow = func() int64 {
		i := atomic.AddInt64(&idx, 1)
		if int(i) >= len(localTimes) {
			return localTimes[len(localTimes)-1]
		}
		return localTimes[i]
	}
	return c
}

func TestResampleTakesMedianOfFiveOffsets(t *testing.T) {
	// Each sample consumes two localNow() calls (send, receive) around one
	// GetTime() call. Zero round-trip latency keeps the arithmetic simple:
	// offset == remote - local.
	localTimes := []int64{
		0, 0, // sample 1: offset 100
		10, 10, // sample 2: offset 40 (outlier low)
		20, 20, // sample 3: offset 105
		30, 30, // sample 4: offset 300 (outlier high)
		40, 40, // sample 5: offset 102
	}
	remote := []int64{100, 50, 125, 330, 142}

	server := &scriptedServer{times: remote}
	c := newClockForTest(server, localTimes)

	err := c.resample(context.Background())
	require.NoError(t, err)

	offset, synced := c.Offset()
	assert.True(t, synced)
	// offsets computed: 100, 40, 105, 300, 102 -> sorted 40,100,102,105,300 -> median 102
	assert.Equal(t, int64(102), offset)
}

func TestResampleExponentiallyAveragesAgainstPriorOffset(t *testing.T) {
	localTimes := make([]int64, 0, 10)
	for i := 0; i < 5; i++ {
		localTimes = append(localTimes, 0, 0)
	}
	server := &scriptedServer{times: []int64{50, 50, 50, 50, 50}}
	c := newClockForTest(server, localTimes)
	c.alpha = 0.5

	require.NoError(t, c.resample(context.Background()))
	offset, _ := c.Offset()
	require.Equal(t, int64(50), offset)

	// Second resample: reuse the same server/local wiring for a fresh
	// median of 100, blended 50/50 against the prior estimate of 50.
	localTimes2 := make([]int64, 0, 10)
	for i := 0; i < 5; i++ {
		localTimes2 = append(localTimes2, 0, 0)
	}
	c.localNow = func() int64 { return 0 }
	server.calls = 0
	server.times = []int64{100, 100, 100, 100, 100}

	require.NoError(t, c.resample(context.Background()))
	offset, synced := c.Offset()
	assert.True(t, synced)
	assert.Equal(t, int64(75), offset)
}

func TestResampleRetainsMedianNotMeanOnBackwardSample(t *testing.T) {
	// One of the five samples reports a remote time far in the past
	// relative to the others (clock stepped backwards on the shard
	// manager, or a stale/out-of-order response). The median should
	// ignore it rather than let it drag the mean down.
	localTimes := []int64{0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	server := &scriptedServer{times: []int64{1000, 1001, -5000, 999, 1002}}
	c := newClockForTest(server, localTimes)

	require.NoError(t, c.resample(context.Background()))
	offset, _ := c.Offset()
	// sorted: -5000, 999, 1000, 1001, 1002 -> median 1000
	assert.Equal(t, int64(1000), offset)
}

func TestResamplePropagatesServerError(t *testing.T) {
	server := &scriptedServer{
		times: []int64{1, 1, 1, 1, 1},
		errs:  []error{nil, errors.New("unavailable")},
	}
	c := newClockForTest(server, []int64{0, 0, 0, 0, 0, 0, 0, 0, 0, 0})

	err := c.resample(context.Background())
	assert.Error(t, err)

	_, synced := c.Offset()
	assert.False(t, synced, "a failed resample must not mark the clock synced")
}

func TestNowMillisAppliesOffset(t *testing.T) {
	c := New(&scriptedServer{})
	c.localNow = func() int64 { return 1_000_000 }
	c.mu.Lock()
	c.offset = 250
	c.mu.Unlock()

	assert.Equal(t, int64(1_000_250), c.NowMillis())
}

func TestStartStopRunsLoopAtLeastOnce(t *testing.T) {
	server := &scriptedServer{times: []int64{10, 10, 10, 10, 10}}
	c := newClockForTest(server, make([]int64, 10))
	c = New(server, WithResampleInterval(time.Hour), WithRetryInterval(time.Millisecond))
	c.localNow = func() int64 { return 0 }

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	require.Eventually(t, func() bool {
		_, synced := c.Offset()
		return synced
	}, time.Second, time.Millisecond)

	cancel()
	c.Stop()
}
