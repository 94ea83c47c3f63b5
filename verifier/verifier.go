// Package verifier checks that a target collection faithfully mirrors
// its source: a document count within tolerance, matching indexes, and
// a content-hash comparison over a sample of documents.
package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/gurre/docrepl/document"
	"github.com/gurre/docrepl/store"
)

const defaultSampleSize = 100

// CountCheck reports the source/target document counts and whether
// they're within tolerance (5 documents or 1% of source, whichever is
// larger).
type CountCheck struct {
	Source int64 `json:"source"`
	Target int64 `json:"target"`
	Match  bool  `json:"match"`
}

// Record is the outcome of verifying one collection.
type Record struct {
	Collection string    `json:"collection"`
	SourceDB   string    `json:"source_db"`
	TargetDB   string    `json:"target_db"`
	Timestamp  time.Time `json:"timestamp"`

	Count          CountCheck `json:"count"`
	IndexesMatch   bool       `json:"indexes_match"`
	DocumentsMatch bool       `json:"documents_match"`
	MatchPercent   float64    `json:"match_percent"`
	Mismatches     int        `json:"mismatches"`
	Checked        int        `json:"checked"`

	OK bool `json:"ok"`
}

// Verifier compares a source and target store for one collection.
type Verifier struct {
	source store.Store
	target store.Store
	log    *slog.Logger

	sampleSize int
}

// New builds a Verifier. sampleSize sets the sampling stride (source
// count / sampleSize, at least 1): every stride-th source document is
// content-hash compared, so a collection of at least sampleSize
// documents gets between sampleSize and 2*sampleSize-1 comparisons and
// a smaller one gets all of its documents compared. Pass 0 to use the
// default of 100.
func New(source, target store.Store, log *slog.Logger, sampleSize int) *Verifier {
	if sampleSize <= 0 {
		sampleSize = defaultSampleSize
	}
	return &Verifier{source: source, target: target, log: log, sampleSize: sampleSize}
}

// Verify runs all checks against collection and returns the combined
// Record.
func (v *Verifier) Verify(ctx context.Context, sourceDB, targetDB, collection string) (Record, error) {
	rec := Record{
		Collection: collection,
		SourceDB:   sourceDB,
		TargetDB:   targetDB,
		Timestamp:  time.Now().UTC(),
	}

	count, err := v.verifyCount(ctx, collection)
	if err != nil {
		return rec, fmt.Errorf("verifying count: %w", err)
	}
	rec.Count = count

	indexesMatch, err := v.verifyIndexes(ctx, collection)
	if err != nil {
		v.log.Error("index verification error", "collection", collection, "error", err)
	}
	rec.IndexesMatch = indexesMatch

	matched, checked, err := v.verifySample(ctx, collection)
	if err != nil {
		return rec, fmt.Errorf("verifying sample: %w", err)
	}
	rec.Checked = checked
	rec.Mismatches = checked - matched
	if checked > 0 {
		rec.MatchPercent = float64(matched) / float64(checked) * 100
	} else {
		rec.MatchPercent = 100
	}
	rec.DocumentsMatch = rec.MatchPercent >= 99.0

	rec.OK = rec.Count.Match && rec.IndexesMatch && rec.DocumentsMatch
	return rec, nil
}

func (v *Verifier) verifyCount(ctx context.Context, collection string) (CountCheck, error) {
	srcCount, err := v.source.Count(ctx, collection)
	if err != nil {
		return CountCheck{}, fmt.Errorf("counting source: %w", err)
	}
	tgtCount, err := v.target.Count(ctx, collection)
	if err != nil {
		return CountCheck{}, fmt.Errorf("counting target: %w", err)
	}

	diff := srcCount - tgtCount
	if diff < 0 {
		diff = -diff
	}
	tolerance := int64(float64(srcCount) * 0.01)
	if tolerance < 5 {
		tolerance = 5
	}

	return CountCheck{Source: srcCount, Target: tgtCount, Match: diff <= tolerance}, nil
}

func (v *Verifier) verifyIndexes(ctx context.Context, collection string) (bool, error) {
	srcIdx, err := v.source.ListIndexes(ctx, collection)
	if err != nil {
		return false, fmt.Errorf("listing source indexes: %w", err)
	}
	tgtIdx, err := v.target.ListIndexes(ctx, collection)
	if err != nil {
		return false, fmt.Errorf("listing target indexes: %w", err)
	}

	if len(srcIdx) != len(tgtIdx) {
		v.log.Warn("index count mismatch", "collection", collection, "source", len(srcIdx), "target", len(tgtIdx))
		return false, nil
	}

	byName := make(map[string]store.IndexInfo, len(tgtIdx))
	for _, idx := range tgtIdx {
		byName[idx.Name] = idx
	}

	for _, src := range srcIdx {
		tgt, ok := byName[src.Name]
		if !ok {
			v.log.Warn("index missing in target", "collection", collection, "index", src.Name)
			return false, nil
		}
		if !keysEqual(src.Keys, tgt.Keys) {
			v.log.Warn("index key pattern mismatch", "collection", collection, "index", src.Name)
			return false, nil
		}
	}
	return true, nil
}

func keysEqual(a, b bson.D) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key != b[i].Key || fmt.Sprintf("%v", a[i].Value) != fmt.Sprintf("%v", b[i].Value) {
			return false
		}
	}
	return true
}

// verifySample takes an evenly spaced sample of source documents and
// compares each by content hash against its target counterpart,
// returning the number that matched and the number checked.
func (v *Verifier) verifySample(ctx context.Context, collection string) (matched, checked int, err error) {
	total, err := v.source.Count(ctx, collection)
	if err != nil {
		return 0, 0, fmt.Errorf("counting source: %w", err)
	}
	if total == 0 {
		return 0, 0, nil
	}

	skipInterval := total / int64(v.sampleSize)
	if skipInterval < 1 {
		skipInterval = 1
	}

	for offset := int64(0); offset < total; offset += skipInterval {
		srcDoc, found, err := v.source.FindAtOffset(ctx, collection, offset)
		if err != nil {
			return matched, checked, fmt.Errorf("reading source offset %d: %w", offset, err)
		}
		if !found {
			continue
		}

		idBytes, err := bson.Marshal(bson.M{"v": srcDoc["_id"]})
		if err != nil {
			return matched, checked, fmt.Errorf("encoding id: %w", err)
		}
		idRaw := bson.Raw(idBytes).Lookup("v")

		tgtDoc, found, err := v.target.FindByID(ctx, collection, idRaw)
		if err != nil {
			return matched, checked, fmt.Errorf("looking up target document: %w", err)
		}
		checked++

		if !found {
			v.log.Warn("document missing in target", "collection", collection, "id", srcDoc["_id"])
			continue
		}
		if !document.Equal(srcDoc, tgtDoc) {
			v.log.Warn("document content mismatch", "collection", collection, "id", srcDoc["_id"])
			continue
		}
		matched++
	}
	return matched, checked, nil
}
