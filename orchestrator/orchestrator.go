// Package orchestrator runs a replication pass across a set of
// collection mappings using a bounded worker pool: migrate (bulk load),
// cdc (streaming + polling + reconciliation), verify (check only), or
// update (one-shot polling cycle without a running CDC loop).
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gurre/docrepl/bulkloader"
	"github.com/gurre/docrepl/checkpoint"
	"github.com/gurre/docrepl/config"
	"github.com/gurre/docrepl/connmgr"
	"github.com/gurre/docrepl/metrics"
	"github.com/gurre/docrepl/pollcdc"
	"github.com/gurre/docrepl/reconciler"
	"github.com/gurre/docrepl/report"
	"github.com/gurre/docrepl/store"
	"github.com/gurre/docrepl/store/mongostore"
	"github.com/gurre/docrepl/streamcdc"
	"github.com/gurre/docrepl/verifier"

	"log/slog"
)

// Mode selects what each collection's worker does.
type Mode string

const (
	ModeMigrate Mode = "migrate"
	ModeCDC     Mode = "cdc"
	ModeVerify  Mode = "verify"
	ModeUpdate  Mode = "update"
)

// WorkerStatus tracks one collection worker's progress for monitoring.
type WorkerStatus struct {
	Collection string
	StartTime  time.Time
	LastActive time.Time
	Stats      *metrics.Stats
}

// StoreFactory opens the source and target stores for one collection
// mapping. The default used by cmd/docrepl dials MongoDB through a
// connmgr.Manager; tests substitute one backed by in-memory stores.
type StoreFactory func(ctx context.Context, mapping config.CollectionMapping) (source, target store.Store, err error)

// Orchestrator runs a replication pass across cfg.Collections.
type Orchestrator struct {
	cfg      *config.Config
	stores   StoreFactory
	cps      checkpoint.Store
	uploader report.Uploader
	log      *slog.Logger

	statusMu sync.RWMutex
	status   map[string]*WorkerStatus
}

// New builds an Orchestrator.
func New(cfg *config.Config, stores StoreFactory, cps checkpoint.Store, uploader report.Uploader, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		stores:   stores,
		cps:      cps,
		uploader: uploader,
		log:      log,
		status:   make(map[string]*WorkerStatus),
	}
}

// MongoStoreFactory builds the default StoreFactory, dialing both ends
// of a mapping through conns and wrapping each *mongo.Database in a
// mongostore.Store.
func MongoStoreFactory(cfg *config.Config, conns *connmgr.Manager) StoreFactory {
	return func(ctx context.Context, mapping config.CollectionMapping) (store.Store, store.Store, error) {
		sourceClient, err := conns.Client(ctx, cfg.SourceURI)
		if err != nil {
			return nil, nil, fmt.Errorf("source client: %w", err)
		}
		targetClient, err := conns.Client(ctx, cfg.TargetURI)
		if err != nil {
			return nil, nil, fmt.Errorf("target client: %w", err)
		}

		source := mongostore.New(sourceClient.Database(mapping.SourceDB), conns)
		target := mongostore.New(targetClient.Database(mapping.TargetDB), conns)
		return source, target, nil
	}
}

// Run fans cfg.Collections out across a worker pool sized by poolSize
// (cfg.Concurrency except in cdc mode), each running mode. It installs signal handling so an
// interrupt drains in-flight work before returning, and reports
// aggregate progress every 5 seconds.
func (o *Orchestrator) Run(ctx context.Context, mode Mode) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	poolSize := o.poolSize(mode)
	tasks := make(chan config.CollectionMapping)
	results := make(chan error, poolSize)
	var wg sync.WaitGroup

	go o.reportProgress(ctx)

	for i := 0; i < poolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for mapping := range tasks {
				if err := o.runOne(ctx, mode, mapping); err != nil {
					results <- fmt.Errorf("collection %s: %w", mapping.Collection, err)
				}
			}
		}()
	}

	go func() {
		defer close(tasks)
		for _, mapping := range o.cfg.Collections {
			select {
			case tasks <- mapping:
			case <-ctx.Done():
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var errs []error
	for {
		select {
		case err := <-results:
			errs = append(errs, err)
		case <-done:
			for {
				select {
				case err := <-results:
					errs = append(errs, err)
				default:
					if len(errs) > 0 {
						return fmt.Errorf("some collections failed: %v", errs)
					}
					return nil
				}
			}
		case <-ctx.Done():
			<-done
			return ctx.Err()
		}
	}
}

// poolSize picks the worker count for mode. CDC mode honors
// cfg.Threads: a positive value fixes the pool at that size, zero
// spins up one worker per configured collection so each gets its own
// dedicated poller, and the overall fallback is cfg.Concurrency (used
// directly by every other mode, and by CDC when no collections are
// configured).
func (o *Orchestrator) poolSize(mode Mode) int {
	if mode != ModeCDC {
		return o.cfg.Concurrency
	}
	switch {
	case o.cfg.Threads > 0:
		return o.cfg.Threads
	case len(o.cfg.Collections) > 0:
		return len(o.cfg.Collections)
	default:
		return o.cfg.Concurrency
	}
}

func (o *Orchestrator) runOne(ctx context.Context, mode Mode, mapping config.CollectionMapping) error {
	stats := o.initWorker(mapping.Collection)

	source, target, err := o.stores(ctx, mapping)
	if err != nil {
		stats.RecordError(err)
		return fmt.Errorf("connecting: %w", err)
	}

	var runErr error
	switch mode {
	case ModeMigrate:
		runErr = o.runMigrate(ctx, source, target, mapping, stats)
	case ModeCDC:
		runErr = o.runCDC(ctx, source, target, mapping, stats)
	case ModeVerify:
		runErr = o.runVerify(ctx, source, target, mapping, stats)
	case ModeUpdate:
		runErr = o.runUpdate(ctx, source, target, mapping, stats)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	if runErr != nil {
		stats.RecordError(runErr)
	}
	return runErr
}

// runMigrate bulk-loads the collection, runs one polling pass to catch
// whatever changed at the source while the bulk copy was in flight,
// then verifies the result. A migrate pass is only a success (nil
// error, exit code 0) when the verification record comes back OK.
func (o *Orchestrator) runMigrate(ctx context.Context, source, target store.Store, mapping config.CollectionMapping, stats *metrics.Stats) error {
	loader := bulkloader.New(source, target, o.cps, o.log, o.cfg.BatchSize, 10)
	result, err := loader.Load(ctx, mapping.Collection)
	stats.RecordSynced(result.Copied)
	if result.VerifyFailures > 0 {
		stats.RecordVerificationFailure()
	}
	if err != nil {
		return err
	}

	pw := pollcdc.New(source, target, o.cps, o.log, o.cfg.BatchSize, o.cfg.LogsDir)
	pollResult, err := pw.RunCycle(ctx, mapping.Collection, o.cfg.CDCForceRefresh)
	stats.RecordSynced(pollResult.Synced)
	stats.RecordDeleted(int64(pollResult.Deleted))
	for i := 0; i < pollResult.VerificationFailures; i++ {
		stats.RecordVerificationFailure()
	}
	if err != nil {
		return fmt.Errorf("polling pass after bulk load: %w", err)
	}

	v := verifier.New(source, target, o.log, 0)
	rec, err := v.Verify(ctx, mapping.SourceDB, mapping.TargetDB, mapping.Collection)
	if err != nil {
		return fmt.Errorf("verifying migration: %w", err)
	}
	if !rec.OK {
		stats.RecordVerificationFailure()
		o.log.Warn("migration verification failed", "collection", mapping.Collection, "record", rec)
	}

	if err := o.uploadReport(ctx, mapping.Collection, "migrate", stats.Snapshot(mapping.Collection)); err != nil {
		return err
	}
	if !rec.OK {
		return fmt.Errorf("migration verification failed for %s", mapping.Collection)
	}
	return nil
}

func (o *Orchestrator) runCDC(ctx context.Context, source, target store.Store, mapping config.CollectionMapping, stats *metrics.Stats) error {
	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		sw := streamcdc.New(source, target, o.cps, o.log)
		if err := sw.Run(ctx, mapping.Collection); err != nil && ctx.Err() == nil {
			errs <- fmt.Errorf("stream cdc: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pw := pollcdc.New(source, target, o.cps, o.log, o.cfg.BatchSize, o.cfg.LogsDir)
		err := pw.RunLoop(ctx, mapping.Collection, o.cfg.PollingInterval, o.cfg.CDCForceRefresh)
		if err != nil && ctx.Err() == nil {
			errs <- fmt.Errorf("poll cdc: %w", err)
		}
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}
	return nil
}

func (o *Orchestrator) runVerify(ctx context.Context, source, target store.Store, mapping config.CollectionMapping, stats *metrics.Stats) error {
	v := verifier.New(source, target, o.log, 0)
	rec, err := v.Verify(ctx, mapping.SourceDB, mapping.TargetDB, mapping.Collection)
	if err != nil {
		return err
	}
	if !rec.OK {
		stats.RecordVerificationFailure()
		o.log.Warn("verification failed", "collection", mapping.Collection, "record", rec)
	}
	if err := o.uploadReport(ctx, mapping.Collection, "verify", rec); err != nil {
		return err
	}
	if !rec.OK {
		return fmt.Errorf("verification failed for %s", mapping.Collection)
	}
	return nil
}

func (o *Orchestrator) runUpdate(ctx context.Context, source, target store.Store, mapping config.CollectionMapping, stats *metrics.Stats) error {
	pw := pollcdc.New(source, target, o.cps, o.log, o.cfg.BatchSize, o.cfg.LogsDir)
	result, err := pw.RunCycle(ctx, mapping.Collection, o.cfg.CDCForceRefresh)
	stats.RecordSynced(result.Synced)
	stats.RecordDeleted(int64(result.Deleted))
	if err != nil {
		return err
	}

	rc := reconciler.New(source, target, o.cps, o.log)
	deleted, err := rc.Reconcile(ctx, mapping.Collection, o.cfg.CDCForceRefresh)
	stats.RecordDeleted(int64(deleted))
	if err != nil {
		return err
	}

	return o.uploadReport(ctx, mapping.Collection, "update", stats.Snapshot(mapping.Collection))
}

func (o *Orchestrator) uploadReport(ctx context.Context, collection, mode string, v any) error {
	if o.uploader == nil {
		return nil
	}
	name := fmt.Sprintf("%s-%s", collection, mode)
	if err := o.uploader.Upload(ctx, name, v); err != nil {
		return fmt.Errorf("uploading report: %w", err)
	}
	return nil
}

func (o *Orchestrator) initWorker(collection string) *metrics.Stats {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	stats := metrics.New()
	o.status[collection] = &WorkerStatus{Collection: collection, StartTime: time.Now(), LastActive: time.Now(), Stats: stats}
	return stats
}

func (o *Orchestrator) reportProgress(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.statusMu.RLock()
			var synced, deleted int64
			active := 0
			for _, s := range o.status {
				if time.Since(s.LastActive) < 10*time.Second {
					active++
				}
				snap := s.Stats.Snapshot(s.Collection)
				synced += snap.Synced
				deleted += snap.Deleted
			}
			o.statusMu.RUnlock()
			o.log.Info("progress", "synced", synced, "deleted", deleted, "active_workers", active)
		case <-ctx.Done():
			return
		}
	}
}
