package streamcdc

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/gurre/docrepl/checkpoint"
	"github.com/gurre/docrepl/store/memstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunAppliesUpsertsAndDeletes(t *testing.T) {
	source := memstore.New()
	target := memstore.New()
	cps := checkpoint.NewMemoryStore()

	w := New(source, target, cps, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, "orders")
	}()

	// Give Run time to open the change stream before emitting events.
	time.Sleep(20 * time.Millisecond)

	id := primitive.NewObjectID()
	if err := source.BulkUpsert(ctx, "orders", []bson.M{{"_id": id, "v": 1}}); err != nil {
		t.Fatalf("seed upsert: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, found, _ := target.FindByID(ctx, "orders", rawValueOf(id)); found {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for change event to apply")
		case <-time.After(10 * time.Millisecond):
		}
	}

	idToDelete := primitive.NewObjectID()
	if err := source.BulkUpsert(ctx, "orders", []bson.M{{"_id": idToDelete, "v": 2}}); err != nil {
		t.Fatalf("seed upsert: %v", err)
	}
	deadline = time.After(2 * time.Second)
	for {
		if _, found, _ := target.FindByID(ctx, "orders", rawValueOf(idToDelete)); found {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for second change event to apply")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := source.BulkDelete(ctx, "orders", []bson.RawValue{rawValueOf(idToDelete)}); err != nil {
		t.Fatalf("seed delete: %v", err)
	}
	deadline = time.After(2 * time.Second)
	for {
		if _, found, _ := target.FindByID(ctx, "orders", rawValueOf(idToDelete)); !found {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for delete event to apply")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if w.State() != StateStopped {
		t.Errorf("expected StateStopped after cancellation, got %s", w.State())
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateStarting:     "starting",
		StateRunning:      "running",
		StateReconnecting: "reconnecting",
		StateStopped:      "stopped",
		StateFailed:       "failed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func rawValueOf(id primitive.ObjectID) bson.RawValue {
	data, _ := bson.Marshal(bson.M{"v": id})
	raw := bson.Raw(data)
	return raw.Lookup("v")
}
