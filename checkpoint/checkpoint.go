// Package checkpoint persists resumable progress for the bulk loader,
// polling CDC worker, and streaming CDC worker, one record per
// collection per kind.
package checkpoint

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// BulkCheckpoint records how far the bulk loader has progressed through
// a collection's ordered _id scan. LastIDExt is the extended-JSON form
// of LastID, the only part that actually gets serialized; LastID is
// populated on Load and consulted on Save.
type BulkCheckpoint struct {
	LastID    bson.RawValue `json:"-"`
	LastIDExt []byte        `json:"last_id"`
	Count     int64         `json:"count"`
	Timestamp time.Time     `json:"timestamp"`
}

// PollingCheckpoint records the watermark the polling CDC worker has
// advanced to, plus running totals of documents updated and deleted.
// UpdatesTotal/DeletionsTotal accumulate across Save calls rather than
// being overwritten: a caller passes the delta observed since the last
// save, and the store merges it with whatever total is already
// persisted, so a worker that restarts mid-cycle doesn't lose counts.
type PollingCheckpoint struct {
	LastUpdatedAt     *time.Time `json:"last_updated_at,omitempty"`
	LastOperationTime string     `json:"last_operation_time,omitempty"`
	UpdatesTotal      int64      `json:"updates_total"`
	DeletionsTotal    int64      `json:"deletions_total"`
	Timestamp         time.Time  `json:"timestamp"`
}

// StreamResumePoint records the last change-stream resume token
// successfully applied.
type StreamResumePoint struct {
	Token     bson.Raw  `json:"token"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the contract for persisting checkpoint state.
type Store interface {
	LoadBulk(ctx context.Context, collection string) (BulkCheckpoint, error)
	SaveBulk(ctx context.Context, collection string, cp BulkCheckpoint) error

	LoadPolling(ctx context.Context, collection string) (PollingCheckpoint, error)
	SavePolling(ctx context.Context, collection string, delta PollingCheckpoint) error

	LoadStream(ctx context.Context, collection string) (StreamResumePoint, error)
	SaveStream(ctx context.Context, collection string, rp StreamResumePoint) error
}
