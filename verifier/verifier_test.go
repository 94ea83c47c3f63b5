package verifier

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/gurre/docrepl/store"
	"github.com/gurre/docrepl/store/memstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestVerifyOKWhenInSync(t *testing.T) {
	source := memstore.New()
	target := memstore.New()

	idx := store.IndexInfo{Name: "by_v", Keys: bson.D{{Key: "v", Value: 1}}}
	if err := source.CreateIndex(context.Background(), "orders", idx); err != nil {
		t.Fatalf("CreateIndex source: %v", err)
	}
	if err := target.CreateIndex(context.Background(), "orders", idx); err != nil {
		t.Fatalf("CreateIndex target: %v", err)
	}

	for i := 0; i < 20; i++ {
		doc := bson.M{"_id": primitive.NewObjectID(), "v": i}
		source.Seed("orders", doc)
		target.Seed("orders", doc)
	}

	v := New(source, target, discardLogger(), 10)
	rec, err := v.Verify(context.Background(), "src", "tgt", "orders")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !rec.OK {
		t.Errorf("expected record to be OK, got %+v", rec)
	}
	if !rec.Count.Match {
		t.Errorf("expected count match")
	}
	if !rec.IndexesMatch {
		t.Errorf("expected indexes to match")
	}
	if !rec.DocumentsMatch {
		t.Errorf("expected documents to match, got %.1f%%", rec.MatchPercent)
	}
}

func TestVerifyFailsOnCountMismatch(t *testing.T) {
	source := memstore.New()
	target := memstore.New()

	for i := 0; i < 20; i++ {
		doc := bson.M{"_id": primitive.NewObjectID(), "v": i}
		source.Seed("orders", doc)
		if i < 10 {
			target.Seed("orders", doc)
		}
	}

	v := New(source, target, discardLogger(), 10)
	rec, err := v.Verify(context.Background(), "src", "tgt", "orders")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if rec.Count.Match {
		t.Errorf("expected count mismatch to be detected")
	}
	if rec.OK {
		t.Errorf("expected overall status to be not OK")
	}
}

func TestVerifyFailsOnContentMismatch(t *testing.T) {
	source := memstore.New()
	target := memstore.New()

	for i := 0; i < 20; i++ {
		id := primitive.NewObjectID()
		source.Seed("orders", bson.M{"_id": id, "v": i})
		target.Seed("orders", bson.M{"_id": id, "v": -1})
	}

	v := New(source, target, discardLogger(), 20)
	rec, err := v.Verify(context.Background(), "src", "tgt", "orders")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if rec.DocumentsMatch {
		t.Errorf("expected document content mismatch to be detected")
	}
	if rec.OK {
		t.Errorf("expected overall status to be not OK")
	}
}

func TestVerifyFailsOnIndexMismatch(t *testing.T) {
	source := memstore.New()
	target := memstore.New()

	if err := source.CreateIndex(context.Background(), "orders", store.IndexInfo{
		Name: "by_v", Keys: bson.D{{Key: "v", Value: 1}},
	}); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	id := primitive.NewObjectID()
	source.Seed("orders", bson.M{"_id": id, "v": 1})
	target.Seed("orders", bson.M{"_id": id, "v": 1})

	v := New(source, target, discardLogger(), 10)
	rec, err := v.Verify(context.Background(), "src", "tgt", "orders")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if rec.IndexesMatch {
		t.Errorf("expected index mismatch to be detected")
	}
	if rec.OK {
		t.Errorf("expected overall status to be not OK")
	}
}
