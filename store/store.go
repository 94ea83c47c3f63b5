// Package store defines the storage-agnostic contract the replication
// engine is written against. bulkloader, streamcdc, pollcdc, reconciler,
// and verifier depend only on Store, never on a concrete database driver.
package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Document is a single record from a collection.
type Document = bson.M

// IndexInfo describes a single index on a collection.
type IndexInfo struct {
	Name   string
	Keys   bson.D
	Unique bool
}

// ChangeEvent is one entry from a change stream: an insert, update,
// replace, or delete applied to a single document.
type ChangeEvent struct {
	OperationType string // "insert", "update", "replace", "delete"
	DocumentKey   bson.RawValue
	FullDocument  Document // nil for delete events
	ResumeToken   bson.Raw
}

// ChangeStream yields a live sequence of ChangeEvent values from a
// collection's change log. Next blocks until an event is available, ctx
// is cancelled, or the stream fails; Close releases server-side
// resources.
type ChangeStream interface {
	Next(ctx context.Context) (ChangeEvent, error)
	Close(ctx context.Context) error
}

// Store is the wire contract every replication component is written
// against. A concrete implementation lives in store/mongostore.
type Store interface {
	Ping(ctx context.Context) error

	Count(ctx context.Context, collection string) (int64, error)
	FindOrdered(ctx context.Context, collection string, afterID bson.RawValue, limit int) ([]Document, error)
	FindByTimestamp(ctx context.Context, collection, field string, after time.Time, limit int) ([]Document, error)
	FindByID(ctx context.Context, collection string, id bson.RawValue) (Document, bool, error)
	FindSample(ctx context.Context, collection string, n int) ([]Document, error)
	FindAtOffset(ctx context.Context, collection string, offset int64) (Document, bool, error)

	BulkUpsert(ctx context.Context, collection string, docs []Document) error
	BulkDelete(ctx context.Context, collection string, ids []bson.RawValue) error

	ListIndexes(ctx context.Context, collection string) ([]IndexInfo, error)
	CreateIndex(ctx context.Context, collection string, idx IndexInfo) error

	Watch(ctx context.Context, collection string, resumeToken bson.Raw) (ChangeStream, error)
}
