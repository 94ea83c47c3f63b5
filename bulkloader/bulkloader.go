// Package bulkloader implements the resumable, checkpointed bulk copy
// of a collection from a source database to a target database: replicate
// indexes, then walk the source ordered by _id in batches, upserting
// each batch into the target and advancing a checkpoint after every
// batch so a restart resumes instead of rescanning from the start.
package bulkloader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/gurre/docrepl/checkpoint"
	"github.com/gurre/docrepl/document"
	"github.com/gurre/docrepl/store"
)

// Loader copies one collection from a source store to a target store.
type Loader struct {
	source store.Store
	target store.Store
	cps    checkpoint.Store
	log    *slog.Logger

	batchSize   int
	sampleEvery int // verify 1 out of every N batches; 1 verifies every batch
}

// New builds a Loader. sampleEvery controls how often a batch's
// documents are sample-verified by hash after the upsert; pass 1 to
// verify every batch.
func New(source, target store.Store, cps checkpoint.Store, log *slog.Logger, batchSize, sampleEvery int) *Loader {
	if sampleEvery < 1 {
		sampleEvery = 1
	}
	return &Loader{source: source, target: target, cps: cps, log: log, batchSize: batchSize, sampleEvery: sampleEvery}
}

// Result summarizes one Load call.
type Result struct {
	Copied         int64
	IndexesCreated int
	IndexWarnings  []string
	VerifyFailures int64
}

// Load replicates indexes (warn-and-continue on any index that fails to
// create) and then copies documents in ascending _id order, resuming
// from the collection's persisted checkpoint.
func (l *Loader) Load(ctx context.Context, collection string) (Result, error) {
	var result Result

	indexes, err := l.source.ListIndexes(ctx, collection)
	if err != nil {
		l.log.Warn("could not list source indexes, continuing without replicating them", "collection", collection, "error", err)
	}
	for _, idx := range indexes {
		if err := l.target.CreateIndex(ctx, collection, idx); err != nil {
			l.log.Warn("could not create index", "collection", collection, "index", idx.Name, "error", err)
			result.IndexWarnings = append(result.IndexWarnings, fmt.Sprintf("%s: %v", idx.Name, err))
			continue
		}
		result.IndexesCreated++
	}

	cp, err := l.cps.LoadBulk(ctx, collection)
	if err != nil {
		return result, fmt.Errorf("loading bulk checkpoint for %s: %w", collection, err)
	}
	result.Copied = cp.Count

	afterID := cp.LastID
	batchNum := 0

	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		docs, err := l.source.FindOrdered(ctx, collection, afterID, l.batchSize)
		if err != nil {
			return result, fmt.Errorf("fetching batch for %s: %w", collection, err)
		}
		if len(docs) == 0 {
			l.log.Info("bulk load complete", "collection", collection, "copied", result.Copied)
			return result, nil
		}

		if err := l.target.BulkUpsert(ctx, collection, docs); err != nil {
			return result, fmt.Errorf("writing batch for %s: %w", collection, err)
		}

		batchNum++
		if batchNum%l.sampleEvery == 0 {
			failures, err := l.verifyBatch(ctx, collection, docs)
			if err != nil {
				l.log.Warn("batch verification error", "collection", collection, "error", err)
			}
			result.VerifyFailures += failures
		}

		last := docs[len(docs)-1]
		lastIDBytes, err := bson.Marshal(bson.M{"v": last["_id"]})
		if err != nil {
			return result, fmt.Errorf("encoding checkpoint id: %w", err)
		}
		afterID = bson.Raw(lastIDBytes).Lookup("v")
		result.Copied += int64(len(docs))

		if err := l.cps.SaveBulk(ctx, collection, checkpoint.BulkCheckpoint{
			LastID:    afterID,
			Count:     result.Copied,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			return result, fmt.Errorf("saving checkpoint for %s: %w", collection, err)
		}

		l.log.Info("bulk load progress", "collection", collection, "copied", result.Copied)
	}
}

// verifyBatch re-reads each document from the target by id and compares
// its content hash against the source document, reporting a count of
// mismatches without aborting the load.
func (l *Loader) verifyBatch(ctx context.Context, collection string, srcDocs []store.Document) (int64, error) {
	var failures int64
	for _, src := range srcDocs {
		idBytes, err := bson.Marshal(bson.M{"v": src["_id"]})
		if err != nil {
			return failures, err
		}
		idRaw := bson.Raw(idBytes).Lookup("v")

		tgt, found, err := l.target.FindByID(ctx, collection, idRaw)
		if err != nil {
			return failures, err
		}
		if !found {
			failures++
			l.log.Error("verification: document missing in target", "collection", collection, "id", src["_id"])
			continue
		}
		if !document.Equal(src, tgt) {
			failures++
			l.log.Error("verification: document content mismatch", "collection", collection, "id", src["_id"])
		}
	}
	return failures, nil
}
