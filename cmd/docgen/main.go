// Command docgen generates test documents in a MongoDB collection and
// can apply an update/delete lifecycle against a subset of them, for
// exercising bulkloader/streamcdc/pollcdc/reconciler without a real
// production dataset.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/gurre/docrepl/connmgr"
	"github.com/gurre/docrepl/store"
	"github.com/gurre/docrepl/store/mongostore"
)

// Config holds the command-line configuration for the generator.
type Config struct {
	URI         string
	Database    string
	Collection  string
	NumItems    int
	Mode        string // "put" or "lifecycle"
	UpdateCount int
	DeleteCount int
	Seed        int64
}

func randomString(r *rand.Rand, n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[r.Intn(len(letters))]
	}
	return string(b)
}

func randomNumber(r *rand.Rand, min, max int) int {
	return min + r.Intn(max-min+1)
}

func randomAttributeNames(r *rand.Rand, count int) []string {
	prefixes := []string{"Attr", "Field", "Data", "Value", "Info", "Meta", "Config", "Setting"}
	suffixes := []string{"Name", "Type", "Status", "Count", "Size", "Level", "Score", "Index"}

	names := make([]string, count)
	used := make(map[string]bool)

	for i := 0; i < count; i++ {
		var name string
		for {
			name = fmt.Sprintf("%s%s", prefixes[r.Intn(len(prefixes))], suffixes[r.Intn(len(suffixes))])
			if !used[name] {
				used[name] = true
				break
			}
		}
		names[i] = name
	}
	return names
}

// generateRandomDocument creates a document exercising most of the BSON
// types the canonical encoder in the document package needs to handle:
// strings, numbers, booleans, nulls, binary, nested maps, and arrays.
func generateRandomDocument(r *rand.Rand, id int) bson.M {
	numAttributes := randomNumber(r, 5, 15)
	attributeNames := randomAttributeNames(r, numAttributes)
	now := primitive.NewDateTimeFromTime(time.Now())

	doc := bson.M{
		"_id":       primitive.NewObjectID(),
		"seq":       id,
		"updatedAt": now,
	}

	for _, name := range attributeNames {
		switch r.Intn(7) {
		case 0:
			doc[name] = randomString(r, randomNumber(r, 5, 50))
		case 1:
			doc[name] = randomNumber(r, 1, 1000)
		case 2:
			doc[name] = r.Float32() > 0.5
		case 3:
			doc[name] = nil
		case 4:
			doc[name] = primitive.Binary{Data: []byte(randomString(r, randomNumber(r, 5, 20)))}
		case 5:
			nested := bson.M{}
			for i := 0; i < randomNumber(r, 2, 5); i++ {
				nested[randomString(r, 5)] = randomString(r, randomNumber(r, 5, 20))
			}
			doc[name] = nested
		case 6:
			items := make(bson.A, randomNumber(r, 1, 5))
			for i := range items {
				items[i] = randomString(r, randomNumber(r, 5, 20))
			}
			doc[name] = items
		}
	}

	return doc
}

func runPutMode(ctx context.Context, s store.Store, cfg Config, r *rand.Rand) error {
	fmt.Printf("Generating %d documents...\n", cfg.NumItems)

	const batchSize = 100
	batch := make([]store.Document, 0, batchSize)
	written := 0

	for i := 0; i < cfg.NumItems; i++ {
		batch = append(batch, generateRandomDocument(r, i))
		if len(batch) == batchSize || i == cfg.NumItems-1 {
			if err := s.BulkUpsert(ctx, cfg.Collection, batch); err != nil {
				return fmt.Errorf("writing batch: %w", err)
			}
			written += len(batch)
			fmt.Printf("Written %d documents...\n", written)
			batch = batch[:0]
		}
	}

	fmt.Printf("Documents added: %d\n", written)
	return nil
}

// runLifecycleMode updates a sample and deletes another sample of
// existing documents, so a downstream CDC worker has real change
// events to observe.
func runLifecycleMode(ctx context.Context, s store.Store, cfg Config) error {
	sample, err := s.FindSample(ctx, cfg.Collection, cfg.UpdateCount+cfg.DeleteCount)
	if err != nil {
		return fmt.Errorf("sampling collection: %w", err)
	}
	if len(sample) < cfg.UpdateCount+cfg.DeleteCount {
		return fmt.Errorf("collection has only %d documents, need %d for lifecycle ops", len(sample), cfg.UpdateCount+cfg.DeleteCount)
	}

	fmt.Printf("Lifecycle mode: updating %d documents, deleting %d documents\n", cfg.UpdateCount, cfg.DeleteCount)

	toUpdate := sample[:cfg.UpdateCount]
	for i := range toUpdate {
		toUpdate[i]["lifecycle"] = "updated"
		toUpdate[i]["updatedAt"] = primitive.NewDateTimeFromTime(time.Now())
	}
	if len(toUpdate) > 0 {
		if err := s.BulkUpsert(ctx, cfg.Collection, toUpdate); err != nil {
			return fmt.Errorf("updating documents: %w", err)
		}
	}
	fmt.Printf("Documents updated: %d\n", len(toUpdate))

	toDelete := sample[cfg.UpdateCount : cfg.UpdateCount+cfg.DeleteCount]
	ids := make([]bson.RawValue, len(toDelete))
	for i, doc := range toDelete {
		data, err := bson.Marshal(bson.M{"v": doc["_id"]})
		if err != nil {
			return fmt.Errorf("encoding id: %w", err)
		}
		ids[i] = bson.Raw(data).Lookup("v")
	}
	if len(ids) > 0 {
		if err := s.BulkDelete(ctx, cfg.Collection, ids); err != nil {
			return fmt.Errorf("deleting documents: %w", err)
		}
	}
	fmt.Printf("Documents deleted: %d\n", len(ids))

	return nil
}

func main() {
	cfg := Config{}

	flag.StringVar(&cfg.URI, "uri", "mongodb://localhost:27017", "MongoDB connection URI")
	flag.StringVar(&cfg.Database, "db", "docgen", "Database name")
	flag.StringVar(&cfg.Collection, "collection", "items", "Collection name")
	flag.IntVar(&cfg.NumItems, "items", 100, "Number of documents (put mode)")
	flag.StringVar(&cfg.Mode, "mode", "put", "Operation mode: put | lifecycle")
	flag.IntVar(&cfg.UpdateCount, "update-count", 0, "Documents to update (lifecycle mode)")
	flag.IntVar(&cfg.DeleteCount, "delete-count", 0, "Documents to delete (lifecycle mode)")
	flag.Int64Var(&cfg.Seed, "seed", 0, "Random seed (0 = time-based)")
	flag.Parse()

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r := rand.New(rand.NewSource(seed))
	fmt.Printf("Using seed: %d\n", seed)

	ctx := context.Background()
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	conns := connmgr.New(slogger, 5, 2*time.Second, 10*time.Second, 10)
	defer conns.Close(context.Background())

	s, err := mongostore.Connect(ctx, cfg.URI, cfg.Database, conns)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}

	switch cfg.Mode {
	case "put":
		if err := runPutMode(ctx, s, cfg, r); err != nil {
			log.Fatalf("Put mode failed: %v", err)
		}
	case "lifecycle":
		if err := runLifecycleMode(ctx, s, cfg); err != nil {
			log.Fatalf("Lifecycle mode failed: %v", err)
		}
	default:
		log.Fatalf("Unknown mode: %s (use 'put' or 'lifecycle')", cfg.Mode)
	}

	fmt.Printf("\nDatabase: %s Collection: %s\n", cfg.Database, cfg.Collection)
}
