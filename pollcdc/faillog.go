package pollcdc

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// failedDocRecord is one line written to a collection's failure log.
type failedDocRecord struct {
	ID        any       `json:"id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// FailureLog appends newline-delimited JSON records of documents that
// failed to apply after the store's retry budget was exhausted, one
// file per collection under dir (logs/<collection>_failed_docs.log). A
// zero-value FailureLog (dir == "") silently discards records, which is
// what tests and in-memory runs want.
type FailureLog struct {
	dir string
	log *slog.Logger
	mu  sync.Mutex
}

// NewFailureLog builds a FailureLog rooted at dir. Pass "" to disable
// it entirely.
func NewFailureLog(dir string, log *slog.Logger) *FailureLog {
	return &FailureLog{dir: dir, log: log}
}

// Record appends one entry per id to collection's failure log,
// attributing cause's error text to each. Failures to write the log
// itself are only logged — a logging problem must never mask the
// original apply failure being reported.
func (f *FailureLog) Record(collection string, ids []any, cause error) {
	if f == nil || f.dir == "" || len(ids) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		f.log.Error("creating failure log directory", "dir", f.dir, "error", err)
		return
	}

	path := filepath.Join(f.dir, fmt.Sprintf("%s_failed_docs.log", collection))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		f.log.Error("opening failure log", "path", path, "error", err)
		return
	}
	defer file.Close()

	now := time.Now().UTC()
	for _, id := range ids {
		data, err := json.Marshal(failedDocRecord{ID: id, Error: cause.Error(), Timestamp: now})
		if err != nil {
			f.log.Error("encoding failure record", "error", err)
			continue
		}
		if _, err := file.Write(append(data, '\n')); err != nil {
			f.log.Error("writing failure record", "path", path, "error", err)
			return
		}
	}
}
