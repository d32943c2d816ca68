// Package client is the Go SDK for the points API. It talks to a single
// node; that node coordinates replication with its peers, so the client
// carries no distributed logic of its own.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tyrchen/qdrant/internal/shard"
	"github.com/tyrchen/qdrant/internal/store"
)

// Client is a connection to one node.
type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
}

// New creates a client for collection at baseURL, e.g.
// "http://localhost:6333". A zero timeout defaults to 10s; never call the
// network without one.
func New(baseURL, collection string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		collection: collection,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// UpdateParams tune one write request.
type UpdateParams struct {
	// Wait blocks the call until the operation is fully applied.
	Wait bool
	// Ordering picks the write ordering; empty means weak.
	Ordering shard.WriteOrdering
}

// UpdateResponse carries the per-shard acknowledgments of one write.
type UpdateResponse struct {
	Results map[string]shard.UpdateResult `json:"results"`
}

// Upsert stores points in the collection.
func (c *Client) Upsert(ctx context.Context, points []store.Point, params UpdateParams) (*UpdateResponse, error) {
	url := fmt.Sprintf("%s/collections/%s/points?%s", c.baseURL, c.collection, params.query())
	return c.update(ctx, http.MethodPut, url, map[string]any{"points": points})
}

// Delete removes points by id.
func (c *Client) Delete(ctx context.Context, ids []store.PointID, params UpdateParams) (*UpdateResponse, error) {
	url := fmt.Sprintf("%s/collections/%s/points/delete?%s", c.baseURL, c.collection, params.query())
	return c.update(ctx, http.MethodPost, url, map[string]any{"ids": ids})
}

// GetPoint fetches one point from the node's local replica.
func (c *Client) GetPoint(ctx context.Context, id store.PointID) (*store.Point, error) {
	url := fmt.Sprintf("%s/collections/%s/points/%d", c.baseURL, c.collection, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var p store.Point
	return &p, json.NewDecoder(resp.Body).Decode(&p)
}

// ClusterState is the per-shard replica view of one node.
type ClusterState struct {
	Collection string                `json:"collection"`
	Shards     map[string]ShardState `json:"shards"`
}

// ShardState lists the replica states and the locally disabled peers of one
// shard.
type ShardState struct {
	Peers           map[string]shard.ReplicaState `json:"peers"`
	LocallyDisabled []shard.PeerID                `json:"locally_disabled"`
}

// Cluster fetches the node's replica state view.
func (c *Client) Cluster(ctx context.Context) (*ClusterState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/cluster", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var state ClusterState
	return &state, json.NewDecoder(resp.Body).Decode(&state)
}

// SetReplicaState records a replica state change on the node, the manual
// stand-in for a consensus decision.
func (c *Client) SetReplicaState(ctx context.Context, shardID shard.ShardID, peer shard.PeerID, state shard.ReplicaState) error {
	url := fmt.Sprintf("%s/cluster/shards/%d/peers/%d/state", c.baseURL, shardID, peer)
	body, _ := json.Marshal(map[string]any{"state": state})
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func (c *Client) update(ctx context.Context, method, url string, payload any) (*UpdateResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var result UpdateResponse
	return &result, json.NewDecoder(resp.Body).Decode(&result)
}

func (p UpdateParams) query() string {
	ordering := p.Ordering
	if ordering == "" {
		ordering = shard.OrderingWeak
	}
	return fmt.Sprintf("wait=%t&ordering=%s", p.Wait, ordering)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
