// Package api wires up the gin HTTP router: the public points API, the
// cluster-state surface the consensus layer drives, and the internal
// endpoints peers use to reach each other's replicas.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tyrchen/qdrant/internal/cluster"
	"github.com/tyrchen/qdrant/internal/shard"
	"github.com/tyrchen/qdrant/internal/store"
)

// Handler holds the per-node dependencies injected from main.
type Handler struct {
	collection string
	router     *cluster.Router
	shards     map[shard.ShardID]*shard.ShardReplicaSet
}

// NewHandler creates a Handler serving the given collection.
func NewHandler(collection string, router *cluster.Router, shards map[shard.ShardID]*shard.ShardReplicaSet) *Handler {
	return &Handler{collection: collection, router: router, shards: shards}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	// Public points API.
	points := r.Group("/collections/:collection/points")
	points.PUT("", h.UpsertPoints)
	points.POST("/delete", h.DeletePoints)
	points.GET("/:id", h.GetPoint)

	// Cluster state: read for operators, write for the consensus layer.
	clusterGroup := r.Group("/cluster")
	clusterGroup.GET("", h.ClusterState)
	clusterGroup.PUT("/shards/:shard/peers/:peer/state", h.SetReplicaState)

	// Internal endpoints used only by peer nodes.
	internal := r.Group("/internal/shards/:shard")
	internal.POST("/update", h.InternalUpdate)
	internal.POST("/forward", h.InternalForward)
}

// ─── Public points handlers ──────────────────────────────────────────────────

// UpsertPoints handles PUT /collections/:collection/points?wait=&ordering=
// Body: {"points": [{"id": 1, "vector": [...], "payload": {...}}, ...]}
func (h *Handler) UpsertPoints(c *gin.Context) {
	var body struct {
		Points []store.Point `json:"points" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	byShard := make(map[shard.ShardID][]store.Point)
	for _, p := range body.Points {
		sid := shard.ShardID(h.router.ShardFor(p.ID))
		byShard[sid] = append(byShard[sid], p)
	}

	h.dispatch(c, byShard, func(points []store.Point) *shard.UpdateOperation {
		return &shard.UpdateOperation{Upsert: &shard.UpsertPoints{Points: points}}
	})
}

// DeletePoints handles POST /collections/:collection/points/delete
// Body: {"ids": [1, 2, 3]}
func (h *Handler) DeletePoints(c *gin.Context) {
	var body struct {
		IDs []store.PointID `json:"ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	byShard := make(map[shard.ShardID][]store.PointID)
	for _, id := range body.IDs {
		sid := shard.ShardID(h.router.ShardFor(id))
		byShard[sid] = append(byShard[sid], id)
	}

	results := make(map[string]*shard.UpdateResult, len(byShard))
	wait, ordering, ok := h.updateParams(c)
	if !ok {
		return
	}
	for sid, ids := range byShard {
		rs, ok := h.replicaSet(c, sid)
		if !ok {
			return
		}
		op := &shard.UpdateOperation{Delete: &shard.DeletePoints{IDs: ids}}
		res, err := rs.UpdateWithConsistency(c.Request.Context(), op, wait, ordering)
		if err != nil {
			h.writeError(c, err)
			return
		}
		results[strconv.FormatUint(uint64(sid), 10)] = res
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// GetPoint handles GET /collections/:collection/points/:id. Served from the
// local replica only; cross-peer read routing is a different subsystem.
func (h *Handler) GetPoint(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed point id"})
		return
	}
	sid := shard.ShardID(h.router.ShardFor(store.PointID(id)))
	rs, ok := h.replicaSet(c, sid)
	if !ok {
		return
	}
	local := rs.Local()
	if local == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "shard has no local replica on this peer"})
		return
	}
	p, found := local.Engine().Get(store.PointID(id))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "point not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) dispatch(c *gin.Context, byShard map[shard.ShardID][]store.Point, build func([]store.Point) *shard.UpdateOperation) {
	wait, ordering, ok := h.updateParams(c)
	if !ok {
		return
	}
	results := make(map[string]*shard.UpdateResult, len(byShard))
	for sid, points := range byShard {
		rs, ok := h.replicaSet(c, sid)
		if !ok {
			return
		}
		res, err := rs.UpdateWithConsistency(c.Request.Context(), build(points), wait, ordering)
		if err != nil {
			h.writeError(c, err)
			return
		}
		results[strconv.FormatUint(uint64(sid), 10)] = res
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// ─── Cluster state handlers ──────────────────────────────────────────────────

// ClusterState handles GET /cluster: replica states and locally disabled
// peers per shard.
func (h *Handler) ClusterState(c *gin.Context) {
	type shardState struct {
		Peers           map[string]shard.ReplicaState `json:"peers"`
		LocallyDisabled []shard.PeerID                `json:"locally_disabled"`
	}
	out := make(map[string]shardState, len(h.shards))
	for sid, rs := range h.shards {
		peers := make(map[string]shard.ReplicaState)
		for p, st := range rs.State().Peers() {
			peers[strconv.FormatUint(uint64(p), 10)] = st
		}
		out[strconv.FormatUint(uint64(sid), 10)] = shardState{
			Peers:           peers,
			LocallyDisabled: rs.LocallyDisabled(),
		}
	}
	c.JSON(http.StatusOK, gin.H{"collection": h.collection, "shards": out})
}

// SetReplicaState handles PUT /cluster/shards/:shard/peers/:peer/state:
// the consensus layer recording a replica state change.
// Body: {"state": "Active"}
func (h *Handler) SetReplicaState(c *gin.Context) {
	sid, ok := h.shardParam(c)
	if !ok {
		return
	}
	peer, err := strconv.ParseUint(c.Param("peer"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed peer id"})
		return
	}
	var body struct {
		State shard.ReplicaState `json:"state" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rs, ok := h.replicaSet(c, sid)
	if !ok {
		return
	}
	if err := rs.SetReplicaState(shard.PeerID(peer), body.State); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peer": peer, "state": body.State})
}

// ─── Internal (peer-to-peer) handlers ────────────────────────────────────────

// InternalUpdate handles POST /internal/shards/:shard/update?wait=: a peer
// applying an operation to our local replica during its fan-out.
func (h *Handler) InternalUpdate(c *gin.Context) {
	sid, ok := h.shardParam(c)
	if !ok {
		return
	}
	rs, ok := h.replicaSet(c, sid)
	if !ok {
		return
	}
	var op shard.UpdateOperation
	if err := c.ShouldBindJSON(&op); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	wait := c.Query("wait") == "true"

	res, err := rs.UpdateLocal(c.Request.Context(), &op, wait)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if res == nil {
		// No local replica, or its state does not accept writes. The calling
		// dispatcher treats this as a failed (transient) replica.
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "replica is not in an updatable state"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// InternalForward handles POST /internal/shards/:shard/forward?wait=&ordering=:
// a peer handing us a whole update because we are the designated leader.
func (h *Handler) InternalForward(c *gin.Context) {
	sid, ok := h.shardParam(c)
	if !ok {
		return
	}
	rs, ok := h.replicaSet(c, sid)
	if !ok {
		return
	}
	var op shard.UpdateOperation
	if err := c.ShouldBindJSON(&op); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	wait, ordering, ok := h.updateParams(c)
	if !ok {
		return
	}

	res, err := rs.UpdateWithConsistency(c.Request.Context(), &op, wait, ordering)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (h *Handler) updateParams(c *gin.Context) (wait bool, ordering shard.WriteOrdering, ok bool) {
	wait = c.Query("wait") == "true"
	ordering, err := shard.ParseWriteOrdering(c.Query("ordering"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false, "", false
	}
	return wait, ordering, true
}

func (h *Handler) shardParam(c *gin.Context) (shard.ShardID, bool) {
	sid, err := strconv.ParseUint(c.Param("shard"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed shard id"})
		return 0, false
	}
	return shard.ShardID(sid), true
}

func (h *Handler) replicaSet(c *gin.Context, sid shard.ShardID) (*shard.ShardReplicaSet, bool) {
	rs, ok := h.shards[sid]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown shard"})
		return nil, false
	}
	return rs, true
}

// writeError maps the collection error taxonomy onto HTTP statuses so the
// remote side can rebuild it.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var ce *shard.CollectionError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case shard.KindBadInput:
			status = http.StatusBadRequest
		case shard.KindNotFound:
			status = http.StatusNotFound
		case shard.KindTimeout:
			status = http.StatusGatewayTimeout
		case shard.KindService, shard.KindCancelled, shard.KindOutOfMemory:
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
