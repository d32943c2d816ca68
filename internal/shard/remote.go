package shard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	remoteTimeout     = 10 * time.Second
	remoteMaxAttempts = 3
	remoteBackoffBase = 100 * time.Millisecond
)

// RemoteShard is the handle for a replica hosted on another peer. It speaks
// JSON over HTTP to the peer's internal shard endpoints and maps transport
// outcomes onto the collection error taxonomy: connection failures and 5xx
// answers are transient, 4xx answers are not.
type RemoteShard struct {
	peerID  PeerID
	shardID ShardID
	baseURL string
	client  *http.Client
	log     *logrus.Entry
}

// NewRemoteShard creates a handle for the replica of shardID on peer at addr
// (host:port).
func NewRemoteShard(peer PeerID, shardID ShardID, addr string) *RemoteShard {
	return &RemoteShard{
		peerID:  peer,
		shardID: shardID,
		baseURL: fmt.Sprintf("http://%s", addr),
		client:  &http.Client{Timeout: remoteTimeout},
		log: logrus.WithFields(logrus.Fields{
			"peer":  peer,
			"shard": shardID,
		}),
	}
}

// PeerID returns the peer hosting this replica.
func (r *RemoteShard) PeerID() PeerID { return r.peerID }

// Update applies op on the remote replica.
func (r *RemoteShard) Update(ctx context.Context, op *UpdateOperation, wait bool) (*UpdateResult, error) {
	url := fmt.Sprintf("%s/internal/shards/%d/update?wait=%t", r.baseURL, r.shardID, wait)
	return r.post(ctx, url, op)
}

// ForwardUpdate runs a full consistency update on the remote peer, which is
// the designated leader for this write.
func (r *RemoteShard) ForwardUpdate(ctx context.Context, op *UpdateOperation, wait bool, ordering WriteOrdering) (*UpdateResult, error) {
	url := fmt.Sprintf("%s/internal/shards/%d/forward?wait=%t&ordering=%s", r.baseURL, r.shardID, wait, ordering)
	return r.post(ctx, url, op)
}

// post sends op to url with bounded exponential-backoff retries. Only
// transient failures are retried; retrying is safe because shard update
// operations are idempotent. All attempts of one call share a correlation id
// so the receiving peer can tell a retry from a new update.
func (r *RemoteShard) post(ctx context.Context, url string, op *UpdateOperation) (*UpdateResult, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return nil, NewBadInput(fmt.Sprintf("encode operation: %v", err))
	}
	requestID := uuid.NewString()

	backoff := remoteBackoffBase
	var lastErr error
	for attempt := 0; attempt < remoteMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, &CollectionError{Kind: KindCancelled, Msg: "remote update", Err: ctx.Err()}
			}
			backoff *= 2
		}

		res, err := r.do(ctx, url, body, requestID)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
		r.log.WithError(err).WithField("attempt", attempt+1).Debug("remote update attempt failed")
	}
	return nil, WrapService(lastErr, "peer %d unreachable after %d attempts", r.peerID, remoteMaxAttempts)
}

func (r *RemoteShard) do(ctx context.Context, url string, body []byte, requestID string) (*UpdateResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewBadInput(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, WrapService(err, "request to peer %d", r.peerID)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, r.statusError(resp)
	}

	var result UpdateResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, WrapService(err, "decode response from peer %d", r.peerID)
	}
	return &result, nil
}

// statusError reconstructs a CollectionError from a non-2xx answer so the
// remote taxonomy survives the wire.
func (r *RemoteShard) statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Error == "" {
		body.Error = resp.Status
	}
	msg := fmt.Sprintf("peer %d: %s", r.peerID, body.Error)

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return NewBadInput(msg)
	case resp.StatusCode == http.StatusNotFound:
		return NewNotFound("%s", msg)
	case resp.StatusCode == http.StatusGatewayTimeout:
		return NewTimeout(msg)
	case resp.StatusCode >= 500:
		return NewServiceError("%s", msg)
	default:
		return NewBadInput(msg)
	}
}
