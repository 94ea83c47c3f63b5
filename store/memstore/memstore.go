// Package memstore is an in-memory implementation of store.Store, used
// by unit and integration tests so the replication engine can be
// exercised without a live MongoDB deployment.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/gurre/docrepl/store"
)

// Store holds collections as maps keyed by a stringified _id.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]store.Document
	indexes     map[string][]store.IndexInfo
	watchers    map[string][]*watchState

	// Failing lets tests simulate a transient outage.
	Failing bool
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		collections: make(map[string]map[string]store.Document),
		indexes:     make(map[string][]store.IndexInfo),
		watchers:    make(map[string][]*watchState),
	}
}

func keyOf(id any) string {
	return fmt.Sprintf("%v", id)
}

func (s *Store) coll(name string) map[string]store.Document {
	c, ok := s.collections[name]
	if !ok {
		c = make(map[string]store.Document)
		s.collections[name] = c
	}
	return c
}

// Seed inserts docs into collection directly, bypassing Watch
// notifications, for test setup.
func (s *Store) Seed(collection string, docs ...store.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(collection)
	for _, d := range docs {
		c[keyOf(d["_id"])] = d
	}
}

func (s *Store) Ping(ctx context.Context) error {
	if s.Failing {
		return fmt.Errorf("memstore: simulated outage")
	}
	return nil
}

func (s *Store) Count(ctx context.Context, collection string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.coll(collection))), nil
}

func (s *Store) sortedDocs(collection string) []store.Document {
	c := s.coll(collection)
	docs := make([]store.Document, 0, len(c))
	for _, d := range c {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool {
		return keyOf(docs[i]["_id"]) < keyOf(docs[j]["_id"])
	})
	return docs
}

func (s *Store) FindOrdered(ctx context.Context, collection string, afterID bson.RawValue, limit int) ([]store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var after string
	if afterID.Type != 0 {
		var v any
		if err := afterID.Unmarshal(&v); err != nil {
			return nil, err
		}
		after = keyOf(v)
	}

	var out []store.Document
	for _, d := range s.sortedDocs(collection) {
		if after != "" && keyOf(d["_id"]) <= after {
			continue
		}
		out = append(out, d)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) FindByTimestamp(ctx context.Context, collection, field string, after time.Time, limit int) ([]store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := s.sortedDocs(collection)
	sort.Slice(docs, func(i, j int) bool {
		ti, _ := fieldTime(docs[i][field])
		tj, _ := fieldTime(docs[j][field])
		return ti.Before(tj)
	})

	var out []store.Document
	for _, d := range docs {
		t, ok := fieldTime(d[field])
		if !ok || !t.After(after) {
			continue
		}
		out = append(out, d)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
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

func (s *Store) FindByID(ctx context.Context, collection string, id bson.RawValue) (store.Document, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var v any
	if err := id.Unmarshal(&v); err != nil {
		return nil, false, err
	}
	doc, ok := s.coll(collection)[keyOf(v)]
	return doc, ok, nil
}

func (s *Store) FindSample(ctx context.Context, collection string, n int) ([]store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := s.sortedDocs(collection)
	if n < len(docs) {
		docs = docs[:n]
	}
	return docs, nil
}

func (s *Store) FindAtOffset(ctx context.Context, collection string, offset int64) (store.Document, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := s.sortedDocs(collection)
	if offset < 0 || offset >= int64(len(docs)) {
		return nil, false, nil
	}
	return docs[offset], true, nil
}

func (s *Store) BulkUpsert(ctx context.Context, collection string, docs []store.Document) error {
	if s.Failing {
		return fmt.Errorf("memstore: simulated outage")
	}
	s.mu.Lock()
	c := s.coll(collection)
	for _, d := range docs {
		c[keyOf(d["_id"])] = d
	}
	watchers := append([]*watchState(nil), s.watchers[collection]...)
	s.mu.Unlock()

	for _, w := range watchers {
		for _, d := range docs {
			w.push(store.ChangeEvent{OperationType: "replace", FullDocument: d})
		}
	}
	return nil
}

func (s *Store) BulkDelete(ctx context.Context, collection string, ids []bson.RawValue) error {
	if s.Failing {
		return fmt.Errorf("memstore: simulated outage")
	}
	s.mu.Lock()
	c := s.coll(collection)
	for _, id := range ids {
		var v any
		if err := id.Unmarshal(&v); err != nil {
			s.mu.Unlock()
			return err
		}
		delete(c, keyOf(v))
	}
	watchers := append([]*watchState(nil), s.watchers[collection]...)
	s.mu.Unlock()

	for _, w := range watchers {
		for _, id := range ids {
			w.push(store.ChangeEvent{OperationType: "delete", DocumentKey: id})
		}
	}
	return nil
}

func (s *Store) ListIndexes(ctx context.Context, collection string) ([]store.IndexInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.IndexInfo(nil), s.indexes[collection]...), nil
}

func (s *Store) CreateIndex(ctx context.Context, collection string, idx store.IndexInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes[collection] = append(s.indexes[collection], idx)
	return nil
}

func (s *Store) Watch(ctx context.Context, collection string, resumeToken bson.Raw) (store.ChangeStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := newWatchState()
	s.watchers[collection] = append(s.watchers[collection], w)
	return w, nil
}

type watchState struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []store.ChangeEvent
	seq    int64
	closed bool
}

func newWatchState() *watchState {
	w := &watchState{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *watchState) push(evt store.ChangeEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	evt.ResumeToken = bson.Raw(fmt.Sprintf("token-%d", w.seq))
	w.events = append(w.events, evt)
	w.cond.Broadcast()
}

func (w *watchState) Next(ctx context.Context) (store.ChangeEvent, error) {
	w.mu.Lock()
	for len(w.events) == 0 && !w.closed {
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				w.cond.Broadcast()
			case <-done:
			}
		}()
		w.cond.Wait()
		close(done)
		if ctx.Err() != nil {
			w.mu.Unlock()
			return store.ChangeEvent{}, ctx.Err()
		}
	}
	if w.closed && len(w.events) == 0 {
		w.mu.Unlock()
		return store.ChangeEvent{}, fmt.Errorf("memstore: change stream closed")
	}
	evt := w.events[0]
	w.events = w.events[1:]
	w.mu.Unlock()
	return evt, nil
}

func (w *watchState) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.cond.Broadcast()
	return nil
}
