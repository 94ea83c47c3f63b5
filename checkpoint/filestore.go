package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/gurre/docrepl/document"
)

// FileStore persists checkpoints as one JSON file per collection per
// kind under a directory, e.g. <dir>/orders.bulk.json. Saves write to a
// temp file in the same directory and rename it into place, so a reader
// never observes a partially written file (I6).
type FileStore struct {
	dir string
	log *slog.Logger
	mu  sync.Mutex
}

// NewFileStore creates dir if necessary and returns a FileStore rooted
// there.
func NewFileStore(dir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir, log: log}, nil
}

func (f *FileStore) path(collection, kind string) string {
	return filepath.Join(f.dir, fmt.Sprintf("%s.%s.json", collection, kind))
}

// readJSON reports whether a usable checkpoint was found. A missing
// file and an unparseable file are both treated as absent (the worker
// restarts from zero) rather than as a hard failure; only an I/O error
// reading the file is returned to the caller.
func (f *FileStore) readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		f.log.Warn("checkpoint file unparseable, treating as absent", "path", path, "error", err)
		return false, nil
	}
	return true, nil
}

// writeJSONAtomic marshals v and replaces path with it via a temp file
// in the same directory followed by os.Rename, so the write is atomic
// with respect to any concurrent reader.
func (f *FileStore) writeJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming temp file into %s: %w", path, err)
	}
	return nil
}

func (f *FileStore) LoadBulk(ctx context.Context, collection string) (BulkCheckpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var cp BulkCheckpoint
	found, err := f.readJSON(f.path(collection, "bulk"), &cp)
	if err != nil {
		return BulkCheckpoint{}, err
	}
	if !found {
		return BulkCheckpoint{}, nil
	}
	if len(cp.LastIDExt) > 0 {
		rv, err := document.JSONToValue(cp.LastIDExt)
		if err != nil {
			return BulkCheckpoint{}, fmt.Errorf("decoding last_id: %w", err)
		}
		cp.LastID = rv
	}
	return cp, nil
}

func (f *FileStore) SaveBulk(ctx context.Context, collection string, cp BulkCheckpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ext, err := document.ValueToJSON(cp.LastID)
	if err != nil {
		return fmt.Errorf("encoding last_id: %w", err)
	}
	cp.LastIDExt = ext
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	return f.writeJSONAtomic(f.path(collection, "bulk"), cp)
}

func (f *FileStore) LoadPolling(ctx context.Context, collection string) (PollingCheckpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var cp PollingCheckpoint
	found, err := f.readJSON(f.path(collection, "polling"), &cp)
	if err != nil {
		return PollingCheckpoint{}, err
	}
	if !found {
		return PollingCheckpoint{}, nil
	}
	return cp, nil
}

// SavePolling merges delta's UpdatesTotal/DeletionsTotal into whatever
// is already persisted before writing, and overwrites the watermark
// fields with delta's (the watermark always moves forward, so the
// latest write wins).
func (f *FileStore) SavePolling(ctx context.Context, collection string, delta PollingCheckpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.path(collection, "polling")
	var existing PollingCheckpoint
	if _, err := f.readJSON(path, &existing); err != nil {
		return err
	}

	merged := PollingCheckpoint{
		LastUpdatedAt:     delta.LastUpdatedAt,
		LastOperationTime: delta.LastOperationTime,
		UpdatesTotal:      existing.UpdatesTotal + delta.UpdatesTotal,
		DeletionsTotal:    existing.DeletionsTotal + delta.DeletionsTotal,
		Timestamp:         time.Now().UTC(),
	}
	if merged.LastUpdatedAt == nil {
		merged.LastUpdatedAt = existing.LastUpdatedAt
	}
	if merged.LastOperationTime == "" {
		merged.LastOperationTime = existing.LastOperationTime
	}

	return f.writeJSONAtomic(path, merged)
}

func (f *FileStore) LoadStream(ctx context.Context, collection string) (StreamResumePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var rp StreamResumePoint
	found, err := f.readJSON(f.path(collection, "stream"), &rp)
	if err != nil {
		return StreamResumePoint{}, err
	}
	if !found {
		return StreamResumePoint{}, nil
	}
	return rp, nil
}

func (f *FileStore) SaveStream(ctx context.Context, collection string, rp StreamResumePoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if rp.Timestamp.IsZero() {
		rp.Timestamp = time.Now().UTC()
	}
	return f.writeJSONAtomic(f.path(collection, "stream"), rp)
}
