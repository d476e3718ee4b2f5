package sharding

import (
	"context"

	"github.com/dreamware/meridian/internal/wire"
)

// SingletonTask is the function registerSingleton runs on whichever
// runner currently owns the singleton's designated shard. It must return
// promptly when ctx is cancelled — that is the migration signal when
// ownership moves to another runner.
type SingletonTask func(ctx context.Context)

type singletonDef struct {
	name  string
	group string
	task  SingletonTask
}

type singletonRun struct {
	def    singletonDef
	cancel context.CancelFunc
}

// RegisterSingleton arranges for task to run on exactly one runner per
// group — the runner that owns the shard name hashes to within that
// group — migrating automatically whenever a rebalance moves that shard
// (spec.md §4.2 registerSingleton).
func (s *Sharding) RegisterSingleton(name, group string, task SingletonTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.singletons[name] = &singletonRun{def: singletonDef{name: name, group: group, task: task}}
}

// reconcileSingletons starts or stops each registered singleton's task
// depending on whether this runner currently owns its designated shard,
// per the latest assignment snapshot.
func (s *Sharding) reconcileSingletons(assignments map[wire.ShardId]*wire.RunnerAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.singletons {
		shard := wire.ShardId{Group: run.def.group, ID: shardForKey("singleton", run.def.name, s.cfg.ShardsPerGroup)}
		owner := assignments[shard]
		owned := owner != nil && *owner == s.self

		switch {
		case owned && run.cancel == nil:
			taskCtx, cancel := context.WithCancel(context.Background())
			run.cancel = cancel
			go run.def.task(taskCtx)
		case !owned && run.cancel != nil:
			run.cancel()
			run.cancel = nil
		}
	}
}
