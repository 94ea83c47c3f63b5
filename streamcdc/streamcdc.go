// Package streamcdc tails a collection's change stream and applies
// each event to the target in near-real time, persisting the resume
// token periodically so a restart picks up where it left off instead
// of replaying the whole stream.
package streamcdc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/gurre/docrepl/checkpoint"
	"github.com/gurre/docrepl/store"
)

// State is the worker's lifecycle state.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateReconnecting
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// tokenSaveInterval is how many applied events elapse between resume
// token persists.
const tokenSaveInterval = 100

// reconnectDelay is how long the worker waits before reopening a change
// stream after a transient failure.
const reconnectDelay = 5 * time.Second

// Worker tails one collection's change stream.
type Worker struct {
	source store.Store
	target store.Store
	cps    checkpoint.Store
	log    *slog.Logger

	state State
}

// New builds a Worker for a single collection.
func New(source, target store.Store, cps checkpoint.Store, log *slog.Logger) *Worker {
	return &Worker{source: source, target: target, cps: cps, log: log, state: StateStarting}
}

// State reports the worker's current lifecycle state.
func (w *Worker) State() State {
	return w.state
}

// Run tails collection until ctx is cancelled. On any stream error it
// transitions to StateReconnecting, waits reconnectDelay, and reopens
// the stream from the last persisted resume token rather than giving
// up — this is the one place the design departs from the original
// prototype, which broke out of its read loop on error without ever
// reopening. Errors are not classified as transient or permanent: Run
// never sets StateFailed and keeps reconnecting until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, collection string) error {
	w.state = StateStarting

	for {
		if ctx.Err() != nil {
			w.state = StateStopped
			return ctx.Err()
		}

		err := w.runOnce(ctx, collection)
		if err == nil {
			w.state = StateStopped
			return nil
		}
		if ctx.Err() != nil {
			w.state = StateStopped
			return ctx.Err()
		}

		w.state = StateReconnecting
		w.log.Warn("change stream error, reconnecting", "collection", collection, "error", err)

		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			w.state = StateStopped
			return ctx.Err()
		}
	}
}

// runOnce opens a change stream from the last persisted resume token
// and applies events until ctx is cancelled (persisting the latest
// resume token before returning) or the stream errors.
func (w *Worker) runOnce(ctx context.Context, collection string) error {
	rp, err := w.cps.LoadStream(ctx, collection)
	if err != nil {
		return fmt.Errorf("loading resume point: %w", err)
	}

	cs, err := w.source.Watch(ctx, collection, rp.Token)
	if err != nil {
		return fmt.Errorf("opening change stream: %w", err)
	}
	defer cs.Close(ctx)

	w.state = StateRunning
	w.log.Info("change stream established", "collection", collection)

	processed := 0
	var lastToken bson.Raw

	for {
		evt, err := cs.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				if lastToken != nil {
					if err := w.saveResumeToken(context.WithoutCancel(ctx), collection, lastToken); err != nil {
						w.log.Error("failed to save resume token on shutdown", "collection", collection, "error", err)
					}
				}
				return nil
			}
			return fmt.Errorf("reading change event: %w", err)
		}

		if err := w.apply(ctx, collection, evt); err != nil {
			w.log.Error("failed to apply change event", "collection", collection, "error", err)
		}

		processed++
		lastToken = evt.ResumeToken

		if processed%tokenSaveInterval == 0 {
			if err := w.saveResumeToken(ctx, collection, lastToken); err != nil {
				w.log.Error("failed to save resume token", "collection", collection, "error", err)
			} else {
				w.log.Info("resume token saved", "collection", collection, "processed", processed)
			}
		}
	}
}

func (w *Worker) apply(ctx context.Context, collection string, evt store.ChangeEvent) error {
	switch evt.OperationType {
	case "insert", "update", "replace":
		if evt.FullDocument == nil {
			w.log.Warn("missing fullDocument on change event", "collection", collection, "type", evt.OperationType)
			return nil
		}
		return w.target.BulkUpsert(ctx, collection, []store.Document{evt.FullDocument})
	case "delete":
		return w.target.BulkDelete(ctx, collection, []bson.RawValue{evt.DocumentKey})
	default:
		w.log.Debug("ignoring unhandled change event type", "collection", collection, "type", evt.OperationType)
		return nil
	}
}

func (w *Worker) saveResumeToken(ctx context.Context, collection string, token bson.Raw) error {
	return w.cps.SaveStream(ctx, collection, checkpoint.StreamResumePoint{
		Token:     token,
		Timestamp: time.Now().UTC(),
	})
}
