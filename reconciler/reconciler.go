// Package reconciler finds documents present in the target collection
// but no longer present in the source, and removes them. Unlike inserts
// and updates, deletes leave no trace for a polling scan to notice, so
// this is a deliberate sample-then-probe pass rather than part of the
// watermark query.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/gurre/docrepl/checkpoint"
	"github.com/gurre/docrepl/store"
)

const (
	normalSampleSize    = 100
	escalatedSampleSize = 1000
)

// Reconciler deletes target documents whose source counterpart is gone.
type Reconciler struct {
	source store.Store
	target store.Store
	cps    checkpoint.Store
	log    *slog.Logger
}

// New builds a Reconciler.
func New(source, target store.Store, cps checkpoint.Store, log *slog.Logger) *Reconciler {
	return &Reconciler{source: source, target: target, cps: cps, log: log}
}

// Reconcile samples documents from the target, probes the source for
// each by _id, and deletes any target document whose source
// counterpart is missing. forceCheck escalates the sample size from
// 100 to 1000, as does the target collection already having more
// documents than the source (a strong signal that deletions have
// accumulated undetected).
func (r *Reconciler) Reconcile(ctx context.Context, collection string, forceCheck bool) (int, error) {
	srcCount, err := r.source.Count(ctx, collection)
	if err != nil {
		return 0, fmt.Errorf("counting source: %w", err)
	}
	tgtCount, err := r.target.Count(ctx, collection)
	if err != nil {
		return 0, fmt.Errorf("counting target: %w", err)
	}
	targetExceeds := tgtCount > srcCount

	sampleSize := normalSampleSize
	if forceCheck || targetExceeds {
		sampleSize = escalatedSampleSize
	}
	r.log.Info("checking for deletions", "collection", collection, "sample_size", sampleSize, "target_exceeds", targetExceeds)

	sample, err := r.target.FindSample(ctx, collection, sampleSize)
	if err != nil {
		return 0, fmt.Errorf("sampling target: %w", err)
	}

	var toDelete []bson.RawValue
	for _, doc := range sample {
		idBytes, err := bson.Marshal(bson.M{"v": doc["_id"]})
		if err != nil {
			return 0, fmt.Errorf("encoding id: %w", err)
		}
		idRaw := bson.Raw(idBytes).Lookup("v")

		_, found, err := r.source.FindByID(ctx, collection, idRaw)
		if err != nil {
			return 0, fmt.Errorf("probing source: %w", err)
		}
		if !found {
			toDelete = append(toDelete, idRaw)
			r.log.Info("document deleted in source, removing from target", "collection", collection, "id", doc["_id"])
		}
	}

	if len(toDelete) == 0 {
		return 0, nil
	}

	if err := r.target.BulkDelete(ctx, collection, toDelete); err != nil {
		return 0, fmt.Errorf("deleting reconciled documents: %w", err)
	}
	r.log.Info("removed deleted documents", "collection", collection, "count", len(toDelete))

	if err := r.cps.SavePolling(ctx, collection, checkpoint.PollingCheckpoint{DeletionsTotal: int64(len(toDelete))}); err != nil {
		return len(toDelete), fmt.Errorf("updating deletion checkpoint: %w", err)
	}

	return len(toDelete), nil
}
