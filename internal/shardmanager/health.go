package shardmanager

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/meridian/internal/obslog"
	"github.com/dreamware/meridian/internal/wire"
)

// RunnerHealth is the liveness check the rebalance algorithm pings touched
// runners with (spec.md §4.1 step 3) and NotifyUnhealthyRunner consults
// before deciding to unregister (spec.md §4.1 "NotifyUnhealthyRunner").
type RunnerHealth interface {
	IsAlive(ctx context.Context, addr wire.RunnerAddress) bool
}

// HTTPRunnerHealth pings a runner's /health endpoint, the same check the
// teacher's HealthMonitor performed against cluster nodes.
type HTTPRunnerHealth struct {
	client *http.Client
}

// NewHTTPRunnerHealth builds a RunnerHealth with the given per-check
// timeout.
func NewHTTPRunnerHealth(timeout time.Duration) *HTTPRunnerHealth {
	return &HTTPRunnerHealth{client: &http.Client{Timeout: timeout}}
}

func (h *HTTPRunnerHealth) IsAlive(ctx context.Context, addr wire.RunnerAddress) bool {
	url := fmt.Sprintf("http://%s/health", addr.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// runnerHealthRecord tracks consecutive failures for one runner, the same
// bookkeeping the teacher's NodeHealth kept per node.
type runnerHealthRecord struct {
	consecutiveFails int
	unhealthy        bool
}

// healthSweeper periodically pings every live runner and calls onUnhealthy
// once a runner crosses maxFailures consecutive misses. It generalizes the
// teacher's ticker-driven HealthMonitor from a flat node list to
// wire.RunnerAddress, and logs through obslog instead of the standard
// "log" package.
type healthSweeper struct {
	log         *logrus.Entry
	check       RunnerHealth
	interval    time.Duration
	maxFailures int
	onUnhealthy func(wire.RunnerAddress)

	mu      sync.Mutex
	records map[wire.RunnerAddress]*runnerHealthRecord

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newHealthSweeper(check RunnerHealth, interval time.Duration, onUnhealthy func(wire.RunnerAddress)) *healthSweeper {
	return &healthSweeper{
		log:         obslog.For("shardmanager.health"),
		check:       check,
		interval:    interval,
		maxFailures: 3,
		onUnhealthy: onUnhealthy,
		records:     make(map[wire.RunnerAddress]*runnerHealthRecord),
	}
}

func (h *healthSweeper) start(ctx context.Context, listRunners func() []wire.RunnerAddress) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.sweep(ctx, listRunners())
			}
		}
	}()
}

func (h *healthSweeper) stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

func (h *healthSweeper) sweep(ctx context.Context, runners []wire.RunnerAddress) {
	live := make(map[wire.RunnerAddress]bool, len(runners))
	for _, addr := range runners {
		live[addr] = true
		h.checkOne(ctx, addr)
	}

	h.mu.Lock()
	for addr := range h.records {
		if !live[addr] {
			delete(h.records, addr)
		}
	}
	h.mu.Unlock()
}

func (h *healthSweeper) checkOne(ctx context.Context, addr wire.RunnerAddress) {
	alive := h.check.IsAlive(ctx, addr)

	h.mu.Lock()
	rec, ok := h.records[addr]
	if !ok {
		rec = &runnerHealthRecord{}
		h.records[addr] = rec
	}

	if alive {
		rec.consecutiveFails = 0
		rec.unhealthy = false
		h.mu.Unlock()
		return
	}

	rec.consecutiveFails++
	becameUnhealthy := !rec.unhealthy && rec.consecutiveFails >= h.maxFailures
	if becameUnhealthy {
		rec.unhealthy = true
	}
	h.mu.Unlock()

	if becameUnhealthy {
		h.log.WithField("runner", addr.String()).Warn("runner failed health checks, notifying shard manager")
		h.onUnhealthy(addr)
	}
}
