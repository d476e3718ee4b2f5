// Package main implements the Meridian shard manager, the single
// authoritative allocator described in spec.md §4.1: it tracks which
// runners are live, decides which of them owns each shard, and persists
// that decision so a restart resumes from the last snapshot instead of
// reassigning everything from scratch.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│            Shard Manager                 │
//	├─────────────────────────────────────────┤
//	│  Admin HTTP API:                        │
//	│    /register         - Runner joins     │
//	│    /unregister       - Runner leaves    │
//	│    /notify-unhealthy - Liveness report  │
//	│    /assignments      - Current mapping  │
//	│    /runners          - List live runners│
//	│    /time             - Wall clock       │
//	│    /events           - ShardingEvents ws│
//	│    /health, /metrics                    │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    shardmanager.ShardManager - rebalancer│
//	│    storage.AssignmentStore   - snapshot  │
//	│    storage.RunnerStorage     - liveness  │
//	└─────────────────────────────────────────┘
//
// Configuration is read via internal/config; see that package for every
// tunable name and default.
//
// Example usage:
//
//	MERIDIAN_SHARDMANAGERLISTENADDR=:8080 ./shardmanager
//
//	curl -X POST localhost:8080/register \
//	  -d '{"runner":{"address":{"host":"127.0.0.1","port":9001},"groups":["default"],"weight":1},"nowMs":0}'
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/meridian/internal/config"
	"github.com/dreamware/meridian/internal/obslog"
	"github.com/dreamware/meridian/internal/shardmanager"
	"github.com/dreamware/meridian/internal/storage"
	"github.com/dreamware/meridian/internal/wire"
)

func main() {
	configPath := flag.String("config", "", "optional config file (yaml/json/toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("shardmanager: load config")
	}
	obslog.Configure(cfg.LogLevel)
	log := obslog.For("cmd.shardmanager")

	db, err := storage.OpenDB(cfg.StoragePath)
	if err != nil {
		log.WithError(err).Fatal("open storage")
	}
	defer db.Close()

	metrics := obslog.NewMetrics()
	assignments := storage.NewSQLAssignmentStore(db)
	runners := storage.NewSQLRunnerStorage(db)
	health := shardmanager.NewHTTPRunnerHealth(5 * time.Second)

	sm := shardmanager.New(shardmanager.Config{
		ShardsPerGroup:            cfg.ShardsPerGroup,
		ShardGroups:               cfg.ShardGroups,
		RebalanceRate:             cfg.RebalanceRate,
		RebalanceInterval:         cfg.RebalanceInterval,
		RebalanceDebounce:         cfg.RebalanceDebounce,
		RunnerHealthCheckInterval: cfg.RunnerHealthCheckInterval,
		PersistRetryCount:         cfg.PersistRetryCount,
		PersistRetryInterval:      cfg.PersistRetryInterval,
	}, assignments, runners, health, metrics)

	srv := newServer(sm, runners, 3*cfg.RunnerHealthCheckInterval, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/register", srv.handleRegister)
	mux.HandleFunc("/unregister", srv.handleUnregister)
	mux.HandleFunc("/notify-unhealthy", srv.handleNotifyUnhealthy)
	mux.HandleFunc("/assignments", srv.handleAssignments)
	mux.HandleFunc("/runners", srv.handleListRunners)
	mux.HandleFunc("/time", srv.handleTime)
	mux.HandleFunc("/events", sm.EventsHandler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", metrics.Handler())

	addr := cfg.ShardManagerListenAddr
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := sm.Start(ctx); err != nil {
		cancel()
		log.WithError(err).Fatal("start shard manager")
	}

	go func() {
		log.WithField("addr", addr).Info("shardmanager listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("stopping shard manager")
	cancel()
	sm.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown error")
	}
	log.Info("shardmanager stopped")
}

// server adapts the admin HTTP API onto a *shardmanager.ShardManager,
// the way cmd/coordinator's server adapts its HTTP routes onto
// coordinator.ShardRegistry.
type server struct {
	sm             *shardmanager.ShardManager
	runners        storage.RunnerStorage
	livenessWindow time.Duration
	log            *logrus.Entry
}

func newServer(sm *shardmanager.ShardManager, runners storage.RunnerStorage, livenessWindow time.Duration, log *logrus.Entry) *server {
	return &server{sm: sm, runners: runners, livenessWindow: livenessWindow, log: log}
}

type registerRequest struct {
	Runner wire.Runner `json:"runner"`
	NowMS  int64       `json:"nowMs"`
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	machineID, err := s.sm.Register(r.Context(), req.Runner, req.NowMS)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		MachineID int64 `json:"machineId"`
	}{machineID})
}

type addressRequest struct {
	Address wire.RunnerAddress `json:"address"`
}

func (s *server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.sm.Unregister(r.Context(), req.Address); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleNotifyUnhealthy(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.sm.NotifyUnhealthyRunner(r.Context(), req.Address); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// assignmentEntry mirrors internal/sharding's client-side decoding shape;
// a wire.ShardId can't be a JSON object key.
type assignmentEntry struct {
	Shard   wire.ShardId        `json:"shard"`
	Address *wire.RunnerAddress `json:"address"`
}

func (s *server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	assignments := s.sm.GetAssignments()
	entries := make([]assignmentEntry, 0, len(assignments))
	for shard, addr := range assignments {
		entries = append(entries, assignmentEntry{Shard: shard, Address: addr})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}

func (s *server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	nowMS := s.sm.GetTime()
	live, err := s.runners.ListLiveRunners(r.Context(), nowMS, s.livenessWindow)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Runners []wire.Runner `json:"runners"`
	}{live})
}

func (s *server) handleTime(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		NowMS int64 `json:"nowMs"`
	}{s.sm.GetTime()})
}
