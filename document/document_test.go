package document

import (
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestHashStableUnderFieldOrder(t *testing.T) {
	id := primitive.NewObjectID()
	a := bson.M{"_id": id, "name": "alice", "age": 30}
	b := bson.M{"age": 30, "_id": id, "name": "alice"}

	if Hash(a) != Hash(b) {
		t.Error("expected hash to be invariant under field order")
	}
}

func TestHashDiffersOnValueChange(t *testing.T) {
	id := primitive.NewObjectID()
	a := bson.M{"_id": id, "age": 30}
	b := bson.M{"_id": id, "age": 31}

	if Hash(a) == Hash(b) {
		t.Error("expected different hashes for different values")
	}
}

func TestCanonicalizeObjectID(t *testing.T) {
	id := primitive.NewObjectID()
	doc := bson.M{"_id": id}
	out := string(Canonicalize(doc))
	if out != "{_id:"+id.Hex()+"}" {
		t.Errorf("unexpected canonical form: %s", out)
	}
}

func TestCanonicalizeTimestampUTC(t *testing.T) {
	loc := time.FixedZone("EST", -5*60*60)
	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, loc)
	doc := bson.M{"updatedAt": primitive.NewDateTimeFromTime(ts)}

	expected := ts.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	out := string(Canonicalize(doc))
	if out != "{updatedAt:"+expected+"}" {
		t.Errorf("expected UTC-normalized timestamp, got: %s", out)
	}
}

func TestCanonicalizeNestedDocuments(t *testing.T) {
	doc := bson.M{
		"address": bson.M{"city": "NYC", "zip": "10001"},
		"tags":    bson.A{"a", "b"},
	}
	out := string(Canonicalize(doc))
	if out != "{address:{city:NYC,zip:10001},tags:[a,b]}" {
		t.Errorf("unexpected canonical form: %s", out)
	}
}

func TestValueJSONRoundTripObjectID(t *testing.T) {
	id := primitive.NewObjectID()
	raw, err := bson.Marshal(bson.M{"v": id})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rv := bson.Raw(raw).Lookup("v")

	data, err := ValueToJSON(rv)
	if err != nil {
		t.Fatalf("ValueToJSON: %v", err)
	}

	got, err := JSONToValue(data)
	if err != nil {
		t.Fatalf("JSONToValue: %v", err)
	}

	oid, ok := got.ObjectIDOK()
	if !ok || oid != id {
		t.Errorf("expected round-tripped ObjectID %s, got %v (ok=%v)", id.Hex(), got, ok)
	}
}

func TestValueJSONRoundTripString(t *testing.T) {
	raw, err := bson.Marshal(bson.M{"v": "order-123"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rv := bson.Raw(raw).Lookup("v")

	data, err := ValueToJSON(rv)
	if err != nil {
		t.Fatalf("ValueToJSON: %v", err)
	}

	got, err := JSONToValue(data)
	if err != nil {
		t.Fatalf("JSONToValue: %v", err)
	}
	if s, ok := got.StringValueOK(); !ok || s != "order-123" {
		t.Errorf("expected round-tripped string order-123, got %v (ok=%v)", got, ok)
	}
}

func TestJSONToValueEmpty(t *testing.T) {
	rv, err := JSONToValue(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rv.Value) != 0 {
		t.Errorf("expected zero-value RawValue, got %v", rv)
	}
}

func TestEqual(t *testing.T) {
	id := primitive.NewObjectID()
	a := bson.M{"_id": id, "x": 1}
	b := bson.M{"_id": id, "x": 1}
	c := bson.M{"_id": id, "x": 2}

	if !Equal(a, b) {
		t.Error("expected a and b to be equal")
	}
	if Equal(a, c) {
		t.Error("expected a and c to differ")
	}
}
