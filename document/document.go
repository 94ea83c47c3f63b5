// Package document implements canonical encoding and content hashing for
// MongoDB documents, used throughout the replication engine to decide
// whether a source and target document are equivalent without comparing
// every field by hand.
package document

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Canonicalize renders doc as a deterministic byte sequence: map keys
// sorted lexicographically at every level, ObjectIDs as lowercase hex,
// timestamps as RFC3339 in UTC, Decimal128 in its own decimal string
// form, and binary data as lowercase hex. Two documents that are
// semantically equal produce identical canonical bytes regardless of
// field order.
func Canonicalize(doc bson.M) []byte {
	var b strings.Builder
	writeValue(&b, doc)
	return []byte(b.String())
}

// Hash returns the MD5 digest of doc's canonical encoding, as a
// lowercase hex string. MD5 is used for equivalence checking only, not
// for anything security-sensitive.
func Hash(doc bson.M) string {
	sum := md5.Sum(Canonicalize(doc))
	return hex.EncodeToString(sum[:])
}

// Equal reports whether a and b canonicalize to the same bytes.
func Equal(a, b bson.M) bool {
	return Hash(a) == Hash(b)
}

// ValueToJSON renders a single BSON value (an _id, typically) as
// MongoDB Extended JSON, so arbitrary id types (ObjectID, string,
// int64, ...) survive a round trip through a plain JSON checkpoint
// file.
func ValueToJSON(rv bson.RawValue) ([]byte, error) {
	if len(rv.Value) == 0 {
		return []byte("null"), nil
	}

	data, err := bson.MarshalExtJSON(bson.D{{Key: "v", Value: rv}}, true, false)
	if err != nil {
		return nil, fmt.Errorf("marshaling extended JSON: %w", err)
	}

	var wrapper map[string]gojson.RawMessage
	if err := gojson.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("unwrapping extended JSON: %w", err)
	}
	return wrapper["v"], nil
}

// JSONToValue parses the Extended JSON produced by ValueToJSON back
// into a bson.RawValue.
func JSONToValue(data []byte) (bson.RawValue, error) {
	if len(data) == 0 || string(data) == "null" {
		return bson.RawValue{}, nil
	}

	wrapped := append([]byte(`{"v":`), append(append([]byte{}, data...), '}')...)

	var doc bson.D
	if err := bson.UnmarshalExtJSON(wrapped, true, &doc); err != nil {
		return bson.RawValue{}, fmt.Errorf("parsing extended JSON: %w", err)
	}
	if len(doc) == 0 {
		return bson.RawValue{}, fmt.Errorf("missing value")
	}

	raw, err := bson.Marshal(bson.D{{Key: "v", Value: doc[0].Value}})
	if err != nil {
		return bson.RawValue{}, fmt.Errorf("re-encoding value: %w", err)
	}
	return bson.Raw(raw).Lookup("v"), nil
}

func writeValue(b *strings.Builder, v any) {
	switch val := v.(type) {
	case bson.M:
		writeMap(b, val)
	case map[string]any:
		writeMap(b, val)
	case bson.A:
		writeArray(b, val)
	case []any:
		writeArray(b, val)
	case primitive.ObjectID:
		b.WriteString(val.Hex())
	case primitive.DateTime:
		b.WriteString(val.Time().UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	case time.Time:
		b.WriteString(val.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	case primitive.Decimal128:
		b.WriteString(val.String())
	case primitive.Binary:
		b.WriteString(hex.EncodeToString(val.Data))
	case primitive.Null:
		b.WriteString("null")
	case nil:
		b.WriteString("null")
	default:
		fmt.Fprintf(b, "%v", val)
	}
}

func writeMap(b *strings.Builder, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte(':')
		writeValue(b, m[k])
	}
	b.WriteByte('}')
}

func writeArray(b *strings.Builder, arr []any) {
	b.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			b.WriteByte(',')
		}
		writeValue(b, v)
	}
	b.WriteByte(']')
}
