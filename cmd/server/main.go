// cmd/server is the entrypoint for a single node of the vector store.
//
// Configuration comes from an optional TOML file plus flags, so one binary
// can serve any role in the cluster.
//
// Example, 3-node cluster:
//
//	./server --id 1 --listen :6333 --data-dir /tmp/n1 \
//	         --peers 2=localhost:6334,3=localhost:6335
//	./server --id 2 --listen :6334 --data-dir /tmp/n2 \
//	         --peers 1=localhost:6333,3=localhost:6335
//	./server --id 3 --listen :6335 --data-dir /tmp/n3 \
//	         --peers 1=localhost:6333,2=localhost:6334
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tyrchen/qdrant/internal/api"
	"github.com/tyrchen/qdrant/internal/cluster"
	"github.com/tyrchen/qdrant/internal/config"
	"github.com/tyrchen/qdrant/internal/cpu"
	"github.com/tyrchen/qdrant/internal/shard"
	"github.com/tyrchen/qdrant/internal/store"
)

const snapshotInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to TOML config file")
	peerID := flag.Uint64("id", 0, "This node's peer id (overrides config)")
	listen := flag.String("listen", "", "Listen address (overrides config)")
	dataDir := flag.String("data-dir", "", "Directory for WAL and snapshots (overrides config)")
	peersFlag := flag.String("peers", "", "Comma-separated peers: id=host:port (overrides config)")
	logLevel := flag.String("log-level", "info", "Log level: trace|debug|info|warn|error")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("bad log level %q: %v", *logLevel, err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := config.Default()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			logrus.Fatalf("load config: %v", err)
		}
	}
	if *peerID != 0 {
		cfg.Cluster.PeerID = *peerID
	}
	if *listen != "" {
		cfg.Cluster.Listen = *listen
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *peersFlag != "" {
		cfg.Cluster.Peers = strings.Split(*peersFlag, ",")
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("invalid config: %v", err)
	}

	peers, err := config.ParsePeers(cfg.Cluster.Peers)
	if err != nil {
		logrus.Fatalf("parse peers: %v", err)
	}

	// One CPU budget for the whole process; every shard's background
	// maintenance draws from it.
	budget := cpu.NewBudget(cpu.GetCPUBudget(cfg.Storage.CPUBudget))
	logrus.WithFields(logrus.Fields{
		"budget": budget.Capacity(),
		"cpus":   cpu.NumCPUs(),
	}).Info("CPU budget sized")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router := cluster.NewRouter(cfg.Collection.Params.ShardNumber)
	shards, engines, err := buildShards(ctx, cfg, peers, budget)
	if err != nil {
		logrus.Fatalf("build shards: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(api.Logger(), api.Recovery())
	api.NewHandler(cfg.Collection.Name, router, shards).Register(engine)

	srv := &http.Server{Addr: cfg.Cluster.Listen, Handler: engine}
	go func() {
		logrus.WithField("addr", cfg.Cluster.Listen).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("server shutdown")
	}
	for _, e := range engines {
		if err := e.Close(); err != nil {
			logrus.WithError(err).Warn("close engine")
		}
	}
}

// buildShards assembles one replica set per logical shard. Every configured
// peer replicates every shard; placement beyond that is a consensus concern
// this binary does not model.
func buildShards(ctx context.Context, cfg *config.Config, peers map[uint64]string, budget *cpu.Budget) (map[shard.ShardID]*shard.ShardReplicaSet, []*store.Engine, error) {
	thisPeer := shard.PeerID(cfg.Cluster.PeerID)
	shards := make(map[shard.ShardID]*shard.ShardReplicaSet)
	var engines []*store.Engine

	for sid := uint32(0); sid < cfg.Collection.Params.ShardNumber; sid++ {
		engine, err := store.Open(fmt.Sprintf("%s/shard-%d", cfg.Storage.DataDir, sid))
		if err != nil {
			return nil, nil, fmt.Errorf("open shard %d: %w", sid, err)
		}
		engines = append(engines, engine)

		local := shard.NewLocalShard(engine, budget)
		remotes := make([]shard.RemoteReplica, 0, len(peers))
		for pid, addr := range peers {
			remotes = append(remotes, shard.NewRemoteShard(shard.PeerID(pid), shard.ShardID(sid), addr))
		}

		rs := shard.NewShardReplicaSet(shard.ReplicaSetParams{
			ShardID:          shard.ShardID(sid),
			CollectionID:     cfg.Collection.Name,
			ThisPeerID:       thisPeer,
			Local:            local,
			Remotes:          remotes,
			CollectionConfig: cfg.Collection,
			StorageConfig:    cfg.Storage,
		})
		rs.SetOnPeerFailure(deactivateOnFailure(rs))

		// Without an external consensus process, activate every replica at
		// boot. Operators (or tests) drive later transitions through the
		// cluster API.
		_ = rs.SetReplicaState(thisPeer, shard.ReplicaActive)
		for pid := range peers {
			_ = rs.SetReplicaState(shard.PeerID(pid), shard.ReplicaActive)
		}

		go local.RunMaintenance(ctx, snapshotInterval)
		shards[shard.ShardID(sid)] = rs
	}
	return shards, engines, nil
}

// deactivateOnFailure stands in for the consensus relay: a reported peer
// failure is confirmed by marking the peer Dead on this node's own state
// table. A real cluster would propose the change and wait for agreement.
func deactivateOnFailure(rs *shard.ShardReplicaSet) shard.OnPeerFailure {
	return func(peer shard.PeerID, shardID shard.ShardID) {
		logrus.WithFields(logrus.Fields{
			"peer":  peer,
			"shard": shardID,
		}).Warn("reporting peer failure for deactivation")
		go func() {
			if err := rs.SetReplicaState(peer, shard.ReplicaDead); err != nil {
				logrus.WithError(err).Warn("deactivate peer")
			}
		}()
	}
}
