package shard

import "github.com/tyrchen/qdrant/internal/store"

// UpdateOperation is one write against a shard: exactly one of the fields is
// set. The operation is cloned per dispatch target, so replicas never share
// the underlying slices.
type UpdateOperation struct {
	Upsert *UpsertPoints `json:"upsert,omitempty"`
	Delete *DeletePoints `json:"delete,omitempty"`
}

// UpsertPoints inserts the given points, overwriting existing IDs.
type UpsertPoints struct {
	Points []store.Point `json:"points"`
}

// DeletePoints removes the given point IDs, if present.
type DeletePoints struct {
	IDs []store.PointID `json:"ids"`
}

// Validate rejects operations the storage engine could never apply.
func (op *UpdateOperation) Validate() error {
	switch {
	case op == nil:
		return NewBadInput("empty update operation")
	case op.Upsert != nil && op.Delete != nil:
		return NewBadInput("update operation must carry exactly one of upsert/delete")
	case op.Upsert != nil:
		if len(op.Upsert.Points) == 0 {
			return NewBadInput("upsert carries no points")
		}
		for _, p := range op.Upsert.Points {
			if len(p.Vector) == 0 {
				return NewBadInput("point has an empty vector")
			}
		}
		return nil
	case op.Delete != nil:
		if len(op.Delete.IDs) == 0 {
			return NewBadInput("delete carries no point ids")
		}
		return nil
	default:
		return NewBadInput("empty update operation")
	}
}

// Clone deep-copies the operation so each dispatch target owns its payload.
func (op *UpdateOperation) Clone() *UpdateOperation {
	if op == nil {
		return nil
	}
	out := &UpdateOperation{}
	if op.Upsert != nil {
		points := make([]store.Point, len(op.Upsert.Points))
		for i, p := range op.Upsert.Points {
			cp := store.Point{ID: p.ID, Vector: append([]float32(nil), p.Vector...)}
			if p.Payload != nil {
				cp.Payload = make(map[string]any, len(p.Payload))
				for k, v := range p.Payload {
					cp.Payload[k] = v
				}
			}
			points[i] = cp
		}
		out.Upsert = &UpsertPoints{Points: points}
	}
	if op.Delete != nil {
		out.Delete = &DeletePoints{IDs: append([]store.PointID(nil), op.Delete.IDs...)}
	}
	return out
}
