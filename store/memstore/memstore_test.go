package memstore

import (
	"context"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestSeedAndFindOrdered(t *testing.T) {
	s := New()
	ctx := context.Background()

	id1 := primitive.NewObjectID()
	id2 := primitive.NewObjectID()
	s.Seed("orders", bson.M{"_id": id1, "v": 1}, bson.M{"_id": id2, "v": 2})

	count, err := s.Count(ctx, "orders")
	if err != nil || count != 2 {
		t.Fatalf("expected count 2, got %d (err=%v)", count, err)
	}

	docs, err := s.FindOrdered(ctx, "orders", bson.RawValue{}, 10)
	if err != nil {
		t.Fatalf("FindOrdered: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 docs, got %d", len(docs))
	}
}

func TestBulkUpsertAndDelete(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := primitive.NewObjectID()

	if err := s.BulkUpsert(ctx, "orders", []bson.M{{"_id": id, "v": 1}}); err != nil {
		t.Fatalf("BulkUpsert: %v", err)
	}

	doc, found, err := s.FindByID(ctx, "orders", rawValueOf(id))
	if err != nil || !found {
		t.Fatalf("expected document found, err=%v found=%v", err, found)
	}
	if doc["v"] != 1 {
		t.Fatalf("expected v=1, got %v", doc["v"])
	}

	if err := s.BulkDelete(ctx, "orders", []bson.RawValue{rawValueOf(id)}); err != nil {
		t.Fatalf("BulkDelete: %v", err)
	}
	_, found, err = s.FindByID(ctx, "orders", rawValueOf(id))
	if err != nil || found {
		t.Fatalf("expected document deleted, found=%v err=%v", found, err)
	}
}

func TestWatchReceivesUpsert(t *testing.T) {
	s := New()
	ctx := context.Background()

	cs, err := s.Watch(ctx, "orders", nil)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	id := primitive.NewObjectID()
	go func() {
		_ = s.BulkUpsert(ctx, "orders", []bson.M{{"_id": id, "v": 1}})
	}()

	evt, err := cs.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if evt.OperationType != "replace" {
		t.Errorf("expected replace event, got %s", evt.OperationType)
	}
}

func rawValueOf(id primitive.ObjectID) bson.RawValue {
	data, _ := bson.Marshal(bson.M{"v": id})
	raw := bson.Raw(data)
	return raw.Lookup("v")
}
