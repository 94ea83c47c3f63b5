// Package mongostore implements store.Store against a live MongoDB
// database via the official driver.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/gurre/docrepl/connmgr"
	"github.com/gurre/docrepl/store"
)

// Store adapts a *mongo.Database to store.Store. Every method routes its
// network call through conns.Retry, so a transient blip is retried with
// linear backoff instead of aborting the caller's collection.
type Store struct {
	db    *mongo.Database
	conns *connmgr.Manager
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// New wraps db, retrying operations through conns.
func New(db *mongo.Database, conns *connmgr.Manager) *Store {
	return &Store{db: db, conns: conns}
}

// Connect dials uri through conns and returns a Store bound to database
// dbName.
func Connect(ctx context.Context, uri, dbName string, conns *connmgr.Manager) (*Store, error) {
	client, err := conns.Client(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", uri, err)
	}
	return New(client.Database(dbName), conns), nil
}

// Ping verifies the underlying connection is healthy.
func (s *Store) Ping(ctx context.Context) error {
	return s.conns.Retry(ctx, "ping", func(ctx context.Context) error {
		return s.db.Client().Ping(ctx, readpref.Primary())
	})
}

// Count returns the document count of collection.
func (s *Store) Count(ctx context.Context, collection string) (int64, error) {
	var count int64
	err := s.conns.Retry(ctx, "count", func(ctx context.Context) error {
		var err error
		count, err = s.db.Collection(collection).CountDocuments(ctx, bson.M{})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("counting: %w", err)
	}
	return count, nil
}

// FindOrdered returns up to limit documents with _id greater than
// afterID, sorted ascending by _id. afterID may be a zero RawValue to
// start from the beginning.
func (s *Store) FindOrdered(ctx context.Context, collection string, afterID bson.RawValue, limit int) ([]store.Document, error) {
	filter := bson.M{}
	if afterID.Type != 0 {
		var v any
		if err := afterID.Unmarshal(&v); err != nil {
			return nil, fmt.Errorf("decoding afterID: %w", err)
		}
		filter["_id"] = bson.M{"$gt": v}
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit))

	var docs []store.Document
	err := s.conns.Retry(ctx, "find ordered", func(ctx context.Context) error {
		cur, err := s.db.Collection(collection).Find(ctx, filter, opts)
		if err != nil {
			return err
		}
		defer cur.Close(ctx)
		docs = nil
		return cur.All(ctx, &docs)
	})
	if err != nil {
		return nil, fmt.Errorf("finding ordered: %w", err)
	}
	return docs, nil
}

// FindByTimestamp returns up to limit documents whose field value is
// strictly greater than after, sorted ascending by field.
func (s *Store) FindByTimestamp(ctx context.Context, collection, field string, after time.Time, limit int) ([]store.Document, error) {
	filter := bson.M{field: bson.M{"$gt": after}}
	opts := options.Find().SetSort(bson.D{{Key: field, Value: 1}}).SetLimit(int64(limit))

	var docs []store.Document
	err := s.conns.Retry(ctx, "find by timestamp", func(ctx context.Context) error {
		cur, err := s.db.Collection(collection).Find(ctx, filter, opts)
		if err != nil {
			return err
		}
		defer cur.Close(ctx)
		docs = nil
		return cur.All(ctx, &docs)
	})
	if err != nil {
		return nil, fmt.Errorf("finding by timestamp: %w", err)
	}
	return docs, nil
}

// FindByID returns the document with the given _id, if present.
func (s *Store) FindByID(ctx context.Context, collection string, id bson.RawValue) (store.Document, bool, error) {
	var v any
	if err := id.Unmarshal(&v); err != nil {
		return nil, false, fmt.Errorf("decoding id: %w", err)
	}

	var doc store.Document
	err := s.conns.Retry(ctx, "find by id", func(ctx context.Context) error {
		doc = nil
		return s.db.Collection(collection).FindOne(ctx, bson.M{"_id": v}).Decode(&doc)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("finding by id: %w", err)
	}
	return doc, true, nil
}

// FindSample returns up to n randomly sampled documents.
func (s *Store) FindSample(ctx context.Context, collection string, n int) ([]store.Document, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$sample", Value: bson.M{"size": n}}},
	}

	var docs []store.Document
	err := s.conns.Retry(ctx, "find sample", func(ctx context.Context) error {
		cur, err := s.db.Collection(collection).Aggregate(ctx, pipeline)
		if err != nil {
			return err
		}
		defer cur.Close(ctx)
		docs = nil
		return cur.All(ctx, &docs)
	})
	if err != nil {
		return nil, fmt.Errorf("sampling: %w", err)
	}
	return docs, nil
}

// FindAtOffset returns the document at the given zero-based offset when
// sorted ascending by _id, for spot-checking mid-collection consistency.
func (s *Store) FindAtOffset(ctx context.Context, collection string, offset int64) (store.Document, bool, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetSkip(offset).SetLimit(1)

	var doc store.Document
	found := false
	err := s.conns.Retry(ctx, "find at offset", func(ctx context.Context) error {
		found = false
		cur, err := s.db.Collection(collection).Find(ctx, bson.M{}, opts)
		if err != nil {
			return err
		}
		defer cur.Close(ctx)
		if !cur.Next(ctx) {
			return cur.Err()
		}
		found = true
		return cur.Decode(&doc)
	})
	if err != nil {
		return nil, false, fmt.Errorf("finding at offset: %w", err)
	}
	return doc, found, nil
}

// BulkUpsert replaces each document by _id, inserting it if absent.
func (s *Store) BulkUpsert(ctx context.Context, collection string, docs []store.Document) error {
	if len(docs) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, 0, len(docs))
	for _, doc := range docs {
		id, ok := doc["_id"]
		if !ok {
			return fmt.Errorf("document missing _id")
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": id}).
			SetReplacement(doc).
			SetUpsert(true))
	}

	err := s.conns.Retry(ctx, "bulk upsert", func(ctx context.Context) error {
		_, err := s.db.Collection(collection).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
		return err
	})
	if err != nil {
		return fmt.Errorf("bulk upsert: %w", err)
	}
	return nil
}

// BulkDelete removes every document whose _id is in ids.
func (s *Store) BulkDelete(ctx context.Context, collection string, ids []bson.RawValue) error {
	if len(ids) == 0 {
		return nil
	}

	values := make([]any, 0, len(ids))
	for _, id := range ids {
		var v any
		if err := id.Unmarshal(&v); err != nil {
			return fmt.Errorf("decoding id: %w", err)
		}
		values = append(values, v)
	}

	err := s.conns.Retry(ctx, "bulk delete", func(ctx context.Context) error {
		_, err := s.db.Collection(collection).DeleteMany(ctx, bson.M{"_id": bson.M{"$in": values}})
		return err
	})
	if err != nil {
		return fmt.Errorf("bulk delete: %w", err)
	}
	return nil
}

// ListIndexes enumerates the indexes defined on collection.
func (s *Store) ListIndexes(ctx context.Context, collection string) ([]store.IndexInfo, error) {
	var raw []bson.M
	err := s.conns.Retry(ctx, "list indexes", func(ctx context.Context) error {
		cur, err := s.db.Collection(collection).Indexes().List(ctx)
		if err != nil {
			return err
		}
		defer cur.Close(ctx)
		raw = nil
		return cur.All(ctx, &raw)
	})
	if err != nil {
		return nil, fmt.Errorf("listing indexes: %w", err)
	}

	infos := make([]store.IndexInfo, 0, len(raw))
	for _, r := range raw {
		name, _ := r["name"].(string)
		if name == "_id_" {
			continue
		}
		keysRaw, _ := r["key"].(bson.M)
		var keys bson.D
		for k, v := range keysRaw {
			keys = append(keys, bson.E{Key: k, Value: v})
		}
		unique, _ := r["unique"].(bool)
		infos = append(infos, store.IndexInfo{Name: name, Keys: keys, Unique: unique})
	}
	return infos, nil
}

// CreateIndex creates idx on collection if an index with that name does
// not already exist.
func (s *Store) CreateIndex(ctx context.Context, collection string, idx store.IndexInfo) error {
	model := mongo.IndexModel{
		Keys:    idx.Keys,
		Options: options.Index().SetName(idx.Name).SetUnique(idx.Unique),
	}

	err := s.conns.Retry(ctx, "create index", func(ctx context.Context) error {
		_, err := s.db.Collection(collection).Indexes().CreateOne(ctx, model)
		return err
	})
	if err != nil {
		return fmt.Errorf("creating index %s: %w", idx.Name, err)
	}
	return nil
}

// Watch opens a change stream on collection with full post-images
// enabled, resuming from resumeToken when non-empty. Only the open is
// retried here; once the stream is established, reconnect-with-backoff
// on a read error is the caller's job (streamcdc.Worker.Run reopens from
// the last persisted resume token instead of resubmitting a blocking
// Next call to Retry's backoff loop).
func (s *Store) Watch(ctx context.Context, collection string, resumeToken bson.Raw) (store.ChangeStream, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if len(resumeToken) > 0 {
		opts = opts.SetResumeAfter(resumeToken)
	}

	var cs *mongo.ChangeStream
	err := s.conns.Retry(ctx, "watch", func(ctx context.Context) error {
		var err error
		cs, err = s.db.Collection(collection).Watch(ctx, mongo.Pipeline{}, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("opening change stream: %w", err)
	}
	return &changeStream{cs: cs}, nil
}

type changeStream struct {
	cs *mongo.ChangeStream
}

func (c *changeStream) Next(ctx context.Context) (store.ChangeEvent, error) {
	if !c.cs.Next(ctx) {
		if err := c.cs.Err(); err != nil {
			return store.ChangeEvent{}, fmt.Errorf("change stream: %w", err)
		}
		return store.ChangeEvent{}, ctx.Err()
	}

	var raw struct {
		OperationType string   `bson:"operationType"`
		DocumentKey   bson.Raw `bson:"documentKey"`
		FullDocument  bson.M   `bson:"fullDocument"`
	}
	if err := c.cs.Decode(&raw); err != nil {
		return store.ChangeEvent{}, fmt.Errorf("decoding change event: %w", err)
	}

	id := raw.DocumentKey.Lookup("_id")

	return store.ChangeEvent{
		OperationType: raw.OperationType,
		DocumentKey:   id,
		FullDocument:  raw.FullDocument,
		ResumeToken:   c.cs.ResumeToken(),
	}, nil
}

func (c *changeStream) Close(ctx context.Context) error {
	return c.cs.Close(ctx)
}
