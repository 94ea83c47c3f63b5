package bulkloader

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/gurre/docrepl/checkpoint"
	"github.com/gurre/docrepl/store/memstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedDocs(n int) []bson.M {
	docs := make([]bson.M, n)
	for i := 0; i < n; i++ {
		docs[i] = bson.M{"_id": primitive.NewObjectID(), "seq": i}
	}
	return docs
}

func TestLoadCopiesAllDocumentsInOrder(t *testing.T) {
	source := memstore.New()
	target := memstore.New()
	cps := checkpoint.NewMemoryStore()

	docs := seedDocs(25)
	for _, d := range docs {
		source.Seed("orders", d)
	}

	l := New(source, target, cps, discardLogger(), 10, 1)
	result, err := l.Load(context.Background(), "orders")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if result.Copied != 25 {
		t.Errorf("expected 25 copied, got %d", result.Copied)
	}

	count, _ := target.Count(context.Background(), "orders")
	if count != 25 {
		t.Errorf("expected 25 documents in target, got %d", count)
	}
	if result.VerifyFailures != 0 {
		t.Errorf("expected no verification failures, got %d", result.VerifyFailures)
	}
}

func TestLoadResumesFromCheckpoint(t *testing.T) {
	source := memstore.New()
	target := memstore.New()
	cps := checkpoint.NewMemoryStore()

	docs := seedDocs(10)
	for _, d := range docs {
		source.Seed("orders", d)
	}

	// Simulate a prior run that already copied the first 5 documents
	// and checkpointed at the fifth id.
	fifthID := docs[4]["_id"]
	idBytes, _ := bson.Marshal(bson.M{"v": fifthID})
	idRaw := bson.Raw(idBytes).Lookup("v")
	for _, d := range docs[:5] {
		target.Seed("orders", d)
	}
	if err := cps.SaveBulk(context.Background(), "orders", checkpoint.BulkCheckpoint{LastID: idRaw, Count: 5}); err != nil {
		t.Fatalf("SaveBulk: %v", err)
	}

	l := New(source, target, cps, discardLogger(), 10, 1)
	result, err := l.Load(context.Background(), "orders")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if result.Copied != 10 {
		t.Errorf("expected Copied to reach 10 (5 prior + 5 new), got %d", result.Copied)
	}

	count, _ := target.Count(context.Background(), "orders")
	if count != 10 {
		t.Errorf("expected all 10 documents present in target, got %d", count)
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	source := memstore.New()
	target := memstore.New()
	cps := checkpoint.NewMemoryStore()

	docs := seedDocs(12)
	for _, d := range docs {
		source.Seed("orders", d)
	}

	l := New(source, target, cps, discardLogger(), 5, 1)
	if _, err := l.Load(context.Background(), "orders"); err != nil {
		t.Fatalf("first Load: %v", err)
	}

	// A second load over the same checkpoint should find nothing new
	// and leave the target unchanged.
	result, err := l.Load(context.Background(), "orders")
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if result.Copied != 12 {
		t.Errorf("expected Copied to remain 12 on a no-op rerun, got %d", result.Copied)
	}
}
