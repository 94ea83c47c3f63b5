// Package pollcdc implements change detection by periodically polling a
// collection for documents whose updatedAt watermark has advanced since
// the last cycle, diffing each candidate against the target by content
// hash, and reconciling deletions that a watermark scan can never see.
package pollcdc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/gurre/docrepl/checkpoint"
	"github.com/gurre/docrepl/document"
	"github.com/gurre/docrepl/reconciler"
	"github.com/gurre/docrepl/store"
)

// watermarkField is the document field consulted for incremental
// polling, matching the field name the prior prototype used.
const watermarkField = "updatedAt"

// forceRefreshSampleSize is how many target-side documents the
// force-refresh auxiliary pass re-probes against the source.
const forceRefreshSampleSize = 500

// sampleVerifyLimit is how many documents from a batch's staged
// upserts get re-read and hash-compared after the apply.
const sampleVerifyLimit = 10

// Worker runs polling-based CDC cycles for one collection.
type Worker struct {
	source store.Store
	target store.Store
	cps    checkpoint.Store
	recon  *reconciler.Reconciler
	log    *slog.Logger

	batchSize int
	failLog   *FailureLog
}

// New builds a Worker. logsDir is where failed-apply records are
// written (one file per collection); pass "" to disable the failure
// log, as tests do.
func New(source, target store.Store, cps checkpoint.Store, log *slog.Logger, batchSize int, logsDir string) *Worker {
	return &Worker{
		source:    source,
		target:    target,
		cps:       cps,
		recon:     reconciler.New(source, target, cps, log),
		log:       log,
		batchSize: batchSize,
		failLog:   NewFailureLog(logsDir, log),
	}
}

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	Synced               int64
	Deleted              int
	VerificationFailures int
}

// RunCycle performs one poll cycle against collection. forceRefresh
// ignores the watermark checkpoint, runs the force-refresh auxiliary
// pass, and scans from the start of the collection ordered by id rather
// than by watermark (one batch of up to batchSize documents per cycle,
// so a collection larger than that is not fully rescanned by a single
// cycle); used for the first cycle of a newly started worker and
// whenever the caller otherwise distrusts the incremental state.
func (w *Worker) RunCycle(ctx context.Context, collection string, forceRefresh bool) (CycleResult, error) {
	var result CycleResult

	srcCount, err := w.source.Count(ctx, collection)
	if err != nil {
		return result, fmt.Errorf("counting source: %w", err)
	}
	tgtCount, err := w.target.Count(ctx, collection)
	if err != nil {
		return result, fmt.Errorf("counting target: %w", err)
	}
	targetExceeds := tgtCount > srcCount

	if targetExceeds {
		w.log.Info("target exceeds source, checking for deletions up front", "collection", collection, "source", srcCount, "target", tgtCount)
		deleted, err := w.recon.Reconcile(ctx, collection, true)
		if err != nil {
			w.log.Error("deletion check failed", "collection", collection, "error", err)
		}
		result.Deleted += deleted
	}

	if forceRefresh {
		refreshed, err := w.runForceRefreshPass(ctx, collection)
		if err != nil {
			w.log.Error("force-refresh pass failed", "collection", collection, "error", err)
		}
		result.Synced += refreshed
	}

	cp, err := w.cps.LoadPolling(ctx, collection)
	if err != nil {
		return result, fmt.Errorf("loading polling checkpoint: %w", err)
	}

	// Watermark selection: updated_at is preferred whenever a prior
	// last_updated_at exists; id-ordered fallback (last_operation_time)
	// covers collections whose documents never carry updatedAt, and is
	// also what force_refresh uses for its full, id-ordered scan.
	var (
		usingIDWatermark bool
		after            time.Time
		afterID          bson.RawValue
		candidates       []store.Document
	)
	switch {
	case forceRefresh:
		usingIDWatermark = true
	case cp.LastUpdatedAt != nil:
		after = *cp.LastUpdatedAt
	default:
		usingIDWatermark = true
		if cp.LastOperationTime != "" {
			afterID, err = document.JSONToValue([]byte(cp.LastOperationTime))
			if err != nil {
				return result, fmt.Errorf("decoding last operation time: %w", err)
			}
		}
	}

	if usingIDWatermark {
		candidates, err = w.source.FindOrdered(ctx, collection, afterID, w.batchSize)
	} else {
		candidates, err = w.source.FindByTimestamp(ctx, collection, watermarkField, after, w.batchSize)
	}
	if err != nil {
		return result, fmt.Errorf("finding changed documents: %w", err)
	}

	var (
		latest time.Time
		lastID bson.RawValue
		staged []store.Document
	)
	for _, doc := range candidates {
		idBytes, err := bson.Marshal(bson.M{"v": doc["_id"]})
		if err != nil {
			return result, fmt.Errorf("encoding id: %w", err)
		}
		idRaw := bson.Raw(idBytes).Lookup("v")
		lastID = idRaw
		if ts, ok := fieldTime(doc[watermarkField]); ok && ts.After(latest) {
			latest = ts
		}

		tgt, found, err := w.target.FindByID(ctx, collection, idRaw)
		if err != nil {
			return result, fmt.Errorf("looking up target document: %w", err)
		}
		if found {
			if document.Equal(doc, tgt) {
				continue
			}
			// Last-writer-wins: when both sides hold an updatedAt date, a
			// source that is not strictly newer leaves the target alone.
			// forceRefresh, or a missing or non-date updatedAt on either
			// side, applies the source unconditionally.
			srcTS, srcOK := fieldTime(doc[watermarkField])
			tgtTS, tgtOK := fieldTime(tgt[watermarkField])
			if !forceRefresh && srcOK && tgtOK && !srcTS.After(tgtTS) {
				continue
			}
		}
		staged = append(staged, doc)
	}

	if len(staged) > 0 {
		if err := w.target.BulkUpsert(ctx, collection, staged); err != nil {
			w.failLog.Record(collection, idsOf(staged), err)
			return result, fmt.Errorf("upserting documents: %w", err)
		}
	}
	result.Synced += int64(len(staged))
	result.VerificationFailures += w.sampleVerify(ctx, collection, staged)

	delta := checkpoint.PollingCheckpoint{UpdatesTotal: int64(len(staged))}
	if !latest.IsZero() {
		delta.LastUpdatedAt = &latest
	}
	if lastID.Type != 0 {
		ext, err := document.ValueToJSON(lastID)
		if err != nil {
			return result, fmt.Errorf("encoding last operation time: %w", err)
		}
		delta.LastOperationTime = string(ext)
	}
	if err := w.cps.SavePolling(ctx, collection, delta); err != nil {
		return result, fmt.Errorf("saving polling checkpoint: %w", err)
	}

	if len(candidates) == 0 && !targetExceeds {
		deleted, err := w.recon.Reconcile(ctx, collection, false)
		if err != nil {
			w.log.Error("deletion check failed", "collection", collection, "error", err)
		}
		result.Deleted += deleted
	}

	w.log.Info("poll cycle complete", "collection", collection, "synced", result.Synced, "deleted", result.Deleted, "verification_failures", result.VerificationFailures)
	return result, nil
}

// runForceRefreshPass samples up to forceRefreshSampleSize target-side
// documents, re-reads each one's source counterpart by id, and
// reapplies any whose content hash no longer matches. This closes the
// gap left by an unreliable or absent updatedAt field, which the
// watermark query alone cannot detect.
func (w *Worker) runForceRefreshPass(ctx context.Context, collection string) (int64, error) {
	sample, err := w.target.FindSample(ctx, collection, forceRefreshSampleSize)
	if err != nil {
		return 0, fmt.Errorf("sampling target: %w", err)
	}

	var staged []store.Document
	for _, tgtDoc := range sample {
		idBytes, err := bson.Marshal(bson.M{"v": tgtDoc["_id"]})
		if err != nil {
			return 0, fmt.Errorf("encoding id: %w", err)
		}
		idRaw := bson.Raw(idBytes).Lookup("v")

		srcDoc, found, err := w.source.FindByID(ctx, collection, idRaw)
		if err != nil {
			return 0, fmt.Errorf("re-probing source: %w", err)
		}
		if !found || document.Equal(srcDoc, tgtDoc) {
			continue
		}
		staged = append(staged, srcDoc)
	}

	if len(staged) == 0 {
		return 0, nil
	}
	if err := w.target.BulkUpsert(ctx, collection, staged); err != nil {
		w.failLog.Record(collection, idsOf(staged), err)
		return 0, fmt.Errorf("applying force-refresh corrections: %w", err)
	}
	w.log.Info("force-refresh pass applied corrections", "collection", collection, "count", len(staged))
	return int64(len(staged)), nil
}

// sampleVerify re-reads up to sampleVerifyLimit of the just-staged
// documents from the target and compares each by content hash,
// reporting a count of mismatches without aborting the cycle.
func (w *Worker) sampleVerify(ctx context.Context, collection string, staged []store.Document) int {
	n := len(staged)
	if n > sampleVerifyLimit {
		n = sampleVerifyLimit
	}

	var failures int
	for _, src := range staged[:n] {
		idBytes, err := bson.Marshal(bson.M{"v": src["_id"]})
		if err != nil {
			failures++
			continue
		}
		idRaw := bson.Raw(idBytes).Lookup("v")

		tgt, found, err := w.target.FindByID(ctx, collection, idRaw)
		if err != nil {
			failures++
			w.log.Warn("sample verification error", "collection", collection, "id", src["_id"], "error", err)
			continue
		}
		if !found {
			failures++
			w.log.Warn("sample verification: document missing in target", "collection", collection, "id", src["_id"])
			continue
		}
		if !document.Equal(src, tgt) {
			failures++
			w.log.Warn("sample verification: document content mismatch", "collection", collection, "id", src["_id"])
		}
	}
	return failures
}

// RunLoop runs RunCycle repeatedly at interval until ctx is cancelled.
// The first cycle always uses forceRefresh (matching the prior
// prototype's "always force refresh on first cycle" behavior), even if
// the caller did not request one, so a freshly started worker
// establishes a trustworthy baseline.
func (w *Worker) RunLoop(ctx context.Context, collection string, interval time.Duration, forceRefresh bool) error {
	first := true
	for {
		cycleForce := forceRefresh || first
		if _, err := w.RunCycle(ctx, collection, cycleForce); err != nil {
			w.log.Error("poll cycle failed", "collection", collection, "error", err)
		}
		first = false

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func idsOf(docs []store.Document) []any {
	ids := make([]any, len(docs))
	for i, d := range docs {
		ids[i] = d["_id"]
	}
	return ids
}

func fieldTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case primitive.DateTime:
		return t.Time(), true
	default:
		return time.Time{}, false
	}
}
