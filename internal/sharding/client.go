package sharding

import (
	"context"

	"github.com/dreamware/meridian/internal/shardmanager"
	"github.com/dreamware/meridian/internal/wire"
)

// ShardManagerClient is the subset of ShardManager a runner needs,
// narrowed to an interface so a runner process can talk to an
// in-process ShardManager (single-binary deployments and tests) or a
// remote one over HTTP (HTTPShardManagerClient) without Sharding caring
// which.
type ShardManagerClient interface {
	Register(ctx context.Context, r wire.Runner, nowMS int64) (int64, error)
	Unregister(ctx context.Context, addr wire.RunnerAddress) error
	NotifyUnhealthyRunner(ctx context.Context, addr wire.RunnerAddress) error
	GetAssignments() map[wire.ShardId]*wire.RunnerAddress
	Subscribe() *shardmanager.Subscription
	GetTime() int64
}
