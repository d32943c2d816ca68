// cmd/client is the CLI built with Cobra.
//
// Usage:
//
//	qdrantctl upsert 1 0.1,0.2,0.3       --server http://localhost:6333
//	qdrantctl get 1                      --server http://localhost:6333
//	qdrantctl delete 1 2 3               --server http://localhost:6333
//	qdrantctl cluster                    --server http://localhost:6333
//	qdrantctl set-state 0 2 Dead         --server http://localhost:6333
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tyrchen/qdrant/internal/client"
	"github.com/tyrchen/qdrant/internal/shard"
	"github.com/tyrchen/qdrant/internal/store"
)

var (
	serverAddr string
	collection string
	timeout    time.Duration
	wait       bool
	ordering   string
)

func main() {
	root := &cobra.Command{
		Use:   "qdrantctl",
		Short: "CLI client for the distributed vector store",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:6333", "Node address")
	root.PersistentFlags().StringVarP(&collection, "collection", "c",
		"points", "Collection name")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")
	root.PersistentFlags().BoolVar(&wait, "wait", true,
		"Wait until the operation is fully applied")
	root.PersistentFlags().StringVar(&ordering, "ordering", "weak",
		"Write ordering: weak|medium|strong")

	root.AddCommand(upsertCmd(), getCmd(), deleteCmd(), clusterCmd(), setStateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient() *client.Client {
	return client.New(serverAddr, collection, timeout)
}

func updateParams() client.UpdateParams {
	return client.UpdateParams{Wait: wait, Ordering: shard.WriteOrdering(ordering)}
}

// ─── upsert ──────────────────────────────────────────────────────────────────

func upsertCmd() *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "upsert <id> <v1,v2,...>",
		Short: "Store a point",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("malformed point id %q", args[0])
			}
			vector, err := parseVector(args[1])
			if err != nil {
				return err
			}
			point := store.Point{ID: store.PointID(id), Vector: vector}
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &point.Payload); err != nil {
					return fmt.Errorf("malformed payload: %w", err)
				}
			}

			resp, err := newClient().Upsert(context.Background(), []store.Point{point}, updateParams())
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "Point payload as JSON object")
	return cmd
}

// ─── get ─────────────────────────────────────────────────────────────────────

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch a point from the node's local replica",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("malformed point id %q", args[0])
			}
			p, err := newClient().GetPoint(context.Background(), store.PointID(id))
			if err != nil {
				return err
			}
			prettyPrint(p)
			return nil
		},
	}
}

// ─── delete ──────────────────────────────────────────────────────────────────

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id> [id...]",
		Short: "Delete points by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]store.PointID, 0, len(args))
			for _, a := range args {
				id, err := strconv.ParseUint(a, 10, 64)
				if err != nil {
					return fmt.Errorf("malformed point id %q", a)
				}
				ids = append(ids, store.PointID(id))
			}
			resp, err := newClient().Delete(context.Background(), ids, updateParams())
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

// ─── cluster ─────────────────────────────────────────────────────────────────

func clusterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cluster",
		Short: "Show the node's replica state view",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := newClient().Cluster(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(state)
			return nil
		},
	}
}

// ─── set-state ───────────────────────────────────────────────────────────────

func setStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-state <shard> <peer> <state>",
		Short: "Record a replica state change (manual consensus stand-in)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			sid, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("malformed shard id %q", args[0])
			}
			peer, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("malformed peer id %q", args[1])
			}
			return newClient().SetReplicaState(context.Background(),
				shard.ShardID(sid), shard.PeerID(peer), shard.ReplicaState(args[2]))
		},
	}
}

func parseVector(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	vector := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("malformed vector component %q", p)
		}
		vector = append(vector, float32(f))
	}
	return vector, nil
}

func prettyPrint(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
