package clock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultResampleInterval is how often the clock re-estimates drift
	// against the shard manager once it has a stable offset.
	DefaultResampleInterval = 5 * time.Minute
	// DefaultRetryInterval is how soon a failed sample is retried,
	// rather than waiting a full DefaultResampleInterval.
	DefaultRetryInterval = 1 * time.Minute
	// sampleCount is the number of GetTime round trips whose median forms
	// one offset estimate.
	sampleCount = 5
	// defaultAlpha weights the new median sample against the prior
	// estimate in the exponential average.
	defaultAlpha = 0.3
)

// TimeServer is the minimal surface SynchronizedClock needs from the shard
// manager: its own wall-clock reading in epoch milliseconds. cmd/runner
// adapts a sharding.ShardManagerClient to this interface, since that
// client's GetTime is synchronous and uncancellable.
type TimeServer interface {
	GetTime(ctx context.Context) (int64, error)
}

// SynchronizedClock estimates the offset between the local wall clock and
// the shard manager's, so that timestamps embedded in envelopes (and the
// Snowflake ids derived from them) agree across runners to within a few
// milliseconds (spec.md §4.5).
type SynchronizedClock struct {
	server           TimeServer
	log              *logrus.Entry
	resampleInterval time.Duration
	retryInterval    time.Duration
	alpha            float64
	localNow         func() int64

	mu     sync.RWMutex
	offset int64
	synced bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a SynchronizedClock at construction.
type Option func(*SynchronizedClock)

// WithResampleInterval overrides the 5-minute default.
func WithResampleInterval(d time.Duration) Option {
	return func(c *SynchronizedClock) { c.resampleInterval = d }
}

// WithRetryInterval overrides the 1-minute error-retry default.
func WithRetryInterval(d time.Duration) Option {
	return func(c *SynchronizedClock) { c.retryInterval = d }
}

// WithLogger attaches a logrus entry used for resample warnings.
func WithLogger(log *logrus.Entry) Option {
	return func(c *SynchronizedClock) { c.log = log }
}

// New builds a clock against the given TimeServer. Call Start to begin the
// background resample loop; until the first successful sample, NowMillis
// returns the uncorrected local wall clock.
func New(server TimeServer, opts ...Option) *SynchronizedClock {
	c := &SynchronizedClock{
		server:           server,
		log:              logrus.WithField("component", "clock"),
		resampleInterval: DefaultResampleInterval,
		retryInterval:    DefaultRetryInterval,
		alpha:            defaultAlpha,
		localNow:         func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NowMillis returns the corrected cluster time: the local wall clock plus
// the most recently estimated offset.
func (c *SynchronizedClock) NowMillis() int64 {
	c.mu.RLock()
	offset := c.offset
	c.mu.RUnlock()
	return c.localNow() + offset
}

// Offset returns the current offset estimate and whether at least one
// sample round has completed successfully.
func (c *SynchronizedClock) Offset() (offsetMS int64, synced bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset, c.synced
}

// Start launches the background resample loop and returns immediately,
// without waiting for a sample; the loop takes its first sample right
// away, subsequent resamples happen every resampleInterval, and failed
// attempts are retried after retryInterval instead.
func (c *SynchronizedClock) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runLoop(ctx)
	}()
}

// Stop halts the resample loop and waits for it to exit.
func (c *SynchronizedClock) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *SynchronizedClock) runLoop(ctx context.Context) {
	wait := time.Duration(0)
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := c.resample(ctx); err != nil {
			c.log.WithError(err).Warn("clock resample failed, retrying sooner")
			wait = c.retryInterval
			continue
		}
		wait = c.resampleInterval
	}
}

// resample takes sampleCount round trips to the shard manager, computes
// one offset per round trip, and folds the median into the running
// estimate via exponential averaging.
func (c *SynchronizedClock) resample(ctx context.Context) error {
	offsets := make([]int64, 0, sampleCount)
	for i := 0; i < sampleCount; i++ {
		offset, err := c.sampleOnce(ctx)
		if err != nil {
			return err
		}
		offsets = append(offsets, offset)
	}

	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	median := offsets[len(offsets)/2]

	c.mu.Lock()
	if c.synced {
		c.offset = int64(c.alpha*float64(median) + (1-c.alpha)*float64(c.offset))
	} else {
		c.offset = median
		c.synced = true
	}
	c.mu.Unlock()
	return nil
}

// sampleOnce performs a single GetTime round trip and returns the
// estimated offset, correcting for half the observed round-trip latency.
// A GetTime that returns a value earlier than expected (clock running
// backwards on the shard manager, or a slow/out-of-order response) is not
// special-cased here: resample's median over sampleCount trips absorbs it
// rather than letting one outlier skew the average.
func (c *SynchronizedClock) sampleOnce(ctx context.Context) (int64, error) {
	sentAt := c.localNow()
	remote, err := c.server.GetTime(ctx)
	if err != nil {
		return 0, err
	}
	receivedAt := c.localNow()
	rtt := receivedAt - sentAt
	if rtt < 0 {
		rtt = 0
	}
	return remote - (sentAt + rtt/2), nil
}
