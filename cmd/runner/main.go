// Package main implements the Meridian runner: the worker process that
// hosts entities, routes requests to whichever runner currently owns
// their shard, and durably records messages and replies. A runner
// registers with the shard manager to receive a machineId and a share
// of shards, then serves the four peer RPC verbs (notify/effect/stream/
// envelope) transport.Server exposes, alongside its own /health and
// /metrics.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                 Runner                   │
//	├─────────────────────────────────────────┤
//	│  Peer HTTP API (transport.Server):      │
//	│    /health, /notify, /effect            │
//	│    /stream, /envelope                   │
//	│    /metrics                             │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    sharding.Sharding     - router        │
//	│    entity.Registry       - mailboxes     │
//	│    storage.MessageStorage- dedup log     │
//	│    clock.SynchronizedClock               │
//	│    snowflake.Generator   - request ids   │
//	└─────────────────────────────────────────┘
//
// Configuration is read via internal/config; see that package for every
// tunable name and default.
//
// Example usage:
//
//	MERIDIAN_RUNNERADDRESS_PORT=9001 MERIDIAN_SHARDMANAGERADDR=http://127.0.0.1:8080 ./runner
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/meridian/internal/clock"
	"github.com/dreamware/meridian/internal/config"
	"github.com/dreamware/meridian/internal/entity"
	"github.com/dreamware/meridian/internal/obslog"
	"github.com/dreamware/meridian/internal/sharding"
	"github.com/dreamware/meridian/internal/snowflake"
	"github.com/dreamware/meridian/internal/storage"
	"github.com/dreamware/meridian/internal/transport"
	"github.com/dreamware/meridian/internal/wire"
)

// bootID is generated fresh on every process start and logged alongside
// registration attempts, so log lines from two incarnations of the same
// address (a crash-restart, or a blue/green redeploy) are distinguishable
// before the shard manager has assigned a machineId.
var bootID = uuid.NewString()

// timeServerAdapter bridges sharding.ShardManagerClient's synchronous,
// uncancellable GetTime() int64 to the context-aware, fallible
// clock.TimeServer the SynchronizedClock resample loop expects.
type timeServerAdapter struct {
	sm sharding.ShardManagerClient
}

func (a timeServerAdapter) GetTime(ctx context.Context) (int64, error) {
	return a.sm.GetTime(), nil
}

func main() {
	configPath := flag.String("config", "", "optional config file (yaml/json/toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("runner: load config")
	}
	obslog.Configure(cfg.LogLevel)
	log := obslog.For("cmd.runner").WithField("bootId", bootID)

	db, err := storage.OpenDB(cfg.StoragePath)
	if err != nil {
		log.WithError(err).Fatal("open storage")
	}
	defer db.Close()

	metrics := obslog.NewMetrics()
	messages := storage.NewSQLMessageStorage(db)
	runnerStorage := storage.NewSQLRunnerStorage(db)
	smClient := sharding.NewHTTPShardManagerClient(cfg.ShardManagerAddr, 10*time.Second)

	self := wire.RunnerAddress{Host: cfg.RunnerHost, Port: cfg.RunnerPort}
	self = publicAddress(self)

	machineID := registerWithShardManager(context.Background(), smClient, wire.Runner{
		Address: self,
		Groups:  cfg.ShardGroups,
		Weight:  cfg.RunnerShardWeight,
	}, log)

	syncedClock := clock.New(timeServerAdapter{smClient}, clock.WithLogger(log))
	syncedClock.Start(context.Background())

	idGen, err := snowflake.New(machineID, syncedClock)
	if err != nil {
		log.WithError(err).Fatal("init snowflake generator")
	}

	var shardingRouter *sharding.Sharding
	entities := entity.NewRegistry(entity.Config{
		MailboxCapacity:     cfg.EntityMailboxCapacity,
		MaxIdleTime:         cfg.EntityMaxIdleTime,
		RegistrationTimeout: cfg.EntityRegistrationTimeout,
		TerminationTimeout:  cfg.EntityTerminationTimeout,
	}, func(req wire.Request, replies <-chan wire.Reply) {
		shardingRouter.ReplySink(req, replies)
	}, metrics)
	entities.RegisterEntity("kv", entity.NewKVBehaviorFactory(idGen))

	onUnavailable := func(addr wire.RunnerAddress) {
		if err := smClient.NotifyUnhealthyRunner(context.Background(), addr); err != nil {
			log.WithError(err).Warn("notify unhealthy runner")
		}
	}
	runners := transport.NewHTTPRunners(3*time.Minute, onUnavailable, metrics)
	runners.Start(context.Background())

	shardingRouter = sharding.New(sharding.Config{
		ShardsPerGroup:             cfg.ShardsPerGroup,
		ShardGroups:                cfg.ShardGroups,
		RunnerWeight:               cfg.RunnerShardWeight,
		SendRetryInterval:          cfg.SendRetryInterval,
		RefreshAssignmentsInterval: cfg.RefreshAssignmentsInterval,
		ShardLockRefreshInterval:   cfg.ShardLockRefreshInterval,
		ShardLockExpiration:        cfg.ShardLockExpiration,
	}, self, smClient, runners, entities, messages, runnerStorage, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	entities.Start(ctx)
	shardingRouter.Start(ctx)

	receiver := sharding.NewReceiver(shardingRouter)
	transportSrv := transport.NewServer(receiver)

	mux := http.NewServeMux()
	mux.Handle("/", transportSrv.Handler())
	mux.Handle("/metrics", metrics.Handler())

	httpSrv := &http.Server{
		Addr:              cfg.RunnerAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithField("addr", httpSrv.Addr).Info("runner listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("stopping runner")
	cancel()
	shardingRouter.Stop()
	entities.Stop()
	runners.Stop()
	syncedClock.Stop()

	if err := smClient.Unregister(context.Background(), self); err != nil {
		log.WithError(err).Warn("unregister from shard manager")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown error")
	}
	log.Info("runner stopped")
}

// publicAddress fills in a loopback host when RunnerHost is the
// unspecified "0.0.0.0" listen address, which the shard manager and
// peer runners can't dial.
func publicAddress(addr wire.RunnerAddress) wire.RunnerAddress {
	if addr.Host == "0.0.0.0" || addr.Host == "" {
		addr.Host = "127.0.0.1"
	}
	return addr
}

// registerWithShardManager mirrors cmd/node's register(): retry with a
// fixed delay, fatal once the window is exhausted, since a runner can't
// usefully run without a machineId and a share of shards.
func registerWithShardManager(ctx context.Context, sm sharding.ShardManagerClient, r wire.Runner, log *logrus.Entry) int64 {
	var lastErr error
	for i := 0; i < 10; i++ {
		machineID, err := sm.Register(ctx, r, time.Now().UnixMilli())
		if err == nil {
			log.WithField("machineId", machineID).Info("registered with shard manager")
			return machineID
		}
		lastErr = err
		log.WithError(err).Warnf("register retry %d", i+1)
		time.Sleep(400 * time.Millisecond)
	}
	log.WithError(lastErr).Fatal("failed to register with shard manager")
	return 0
}
