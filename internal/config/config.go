// Package config loads node configuration from a TOML file; cmd/server
// overlays its command-line flags on the result. A single file configures any
// role in the cluster.
//
// Example:
//
//	[cluster]
//	peer_id = 1
//	listen = ":6333"
//	peers = ["2=localhost:6334", "3=localhost:6335"]
//
//	[collection]
//	name = "points"
//
//	[collection.params]
//	shard_number = 4
//	replication_factor = 3
//	write_consistency_factor = 2
//
//	[storage]
//	data_dir = "/var/qdrant/node1"
//	update_concurrency = 0   # 0 = unbounded fan-out
//	cpu_budget = 0           # 0 = auto, <0 = keep that many CPUs free
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// ClusterConfig identifies this node and its peers.
type ClusterConfig struct {
	PeerID uint64   `toml:"peer_id"`
	Listen string   `toml:"listen"`
	Peers  []string `toml:"peers"` // "id=host:port"
}

// CollectionParams are the consensus-replicated collection parameters.
type CollectionParams struct {
	ShardNumber            uint32 `toml:"shard_number"`
	ReplicationFactor      uint32 `toml:"replication_factor"`
	WriteConsistencyFactor uint32 `toml:"write_consistency_factor"`
}

// CollectionConfig holds everything describing one collection.
type CollectionConfig struct {
	Name   string           `toml:"name"`
	Params CollectionParams `toml:"params"`
}

// StorageConfig holds the node-local storage and scheduling knobs shared by
// all collections on this node.
type StorageConfig struct {
	DataDir string `toml:"data_dir"`
	// UpdateConcurrency caps parallel per-replica dispatches; 0 means
	// unbounded.
	UpdateConcurrency int `toml:"update_concurrency"`
	// CPUBudget sizes the global CPU budget for background work, see
	// cpu.GetCPUBudget.
	CPUBudget int `toml:"cpu_budget"`
}

// Config is the root of the TOML file.
type Config struct {
	Cluster    ClusterConfig    `toml:"cluster"`
	Collection CollectionConfig `toml:"collection"`
	Storage    StorageConfig    `toml:"storage"`
}

// Default returns a single-node configuration usable without any file.
func Default() *Config {
	cfg := &Config{}
	cfg.Cluster.PeerID = 1
	cfg.Cluster.Listen = ":6333"
	cfg.Collection.Name = "points"
	cfg.Collection.Params = CollectionParams{
		ShardNumber:            1,
		ReplicationFactor:      1,
		WriteConsistencyFactor: 1,
	}
	cfg.Storage.DataDir = "./data"
	return cfg
}

// Load reads path into a Config pre-populated with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the invariants the write path depends on.
func (c *Config) Validate() error {
	if c.Cluster.PeerID == 0 {
		return fmt.Errorf("cluster.peer_id must be a positive integer")
	}
	if c.Collection.Params.WriteConsistencyFactor < 1 {
		return fmt.Errorf("collection.params.write_consistency_factor must be >= 1")
	}
	if c.Collection.Params.ShardNumber < 1 {
		return fmt.Errorf("collection.params.shard_number must be >= 1")
	}
	if c.Storage.UpdateConcurrency < 0 {
		return fmt.Errorf("storage.update_concurrency must not be negative")
	}
	return nil
}

// ParsePeers splits "id=host:port" entries into a peer map.
func ParsePeers(entries []string) (map[uint64]string, error) {
	peers := make(map[uint64]string, len(entries))
	for _, e := range entries {
		id, addr, ok := strings.Cut(e, "=")
		if !ok {
			return nil, fmt.Errorf("malformed peer %q, want id=host:port", e)
		}
		pid, err := strconv.ParseUint(id, 10, 64)
		if err != nil || pid == 0 {
			return nil, fmt.Errorf("malformed peer id %q", id)
		}
		peers[pid] = addr
	}
	return peers, nil
}
