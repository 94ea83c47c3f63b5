// Command docrepl runs a document-replication pass against the
// collections named in a collections manifest: migrate copies a
// collection once, cdc tails changes continuously, verify checks that
// source and target agree, and update runs a single polling/reconcile
// cycle.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gurre/docrepl/checkpoint"
	"github.com/gurre/docrepl/config"
	"github.com/gurre/docrepl/connmgr"
	"github.com/gurre/docrepl/orchestrator"
	"github.com/gurre/docrepl/report"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("docrepl", flag.ExitOnError)

	collectionsPath := fs.String("collections", "", "Path to the collections mapping JSON file")
	checkpointDir := fs.String("checkpoint-dir", "", "Local directory for checkpoint files (defaults to in-memory)")
	checkpointS3URI := fs.String("checkpoint-s3", "", "S3 URI for checkpoint files (s3://bucket/prefix)")
	reportDir := fs.String("report-dir", "", "Local directory for reports")
	reportS3URI := fs.String("report-s3", "", "S3 URI for reports (s3://bucket/prefix)")
	region := fs.String("region", "", "AWS region (defaults to AWS_REGION env), only needed for S3-backed checkpoints/reports")
	threads := fs.String("threads", "auto", "CDC worker pool size: auto (one worker per collection) or a fixed N")
	batchSize := fs.Int("batch-size", 0, "Override documents-per-bulk-write (0 keeps the configured default)")
	forceRefresh := fs.Bool("force-refresh", false, "Force every polling cycle to ignore the saved watermark and scan by id from the start")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}

	mode := "migrate"
	if args := fs.Args(); len(args) > 0 {
		mode = args[0]
	}

	cfg, err := config.Load(*collectionsPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	threadCount, err := parseThreads(*threads)
	if err != nil {
		return fmt.Errorf("parsing --threads: %w", err)
	}
	cfg.Threads = threadCount
	if *batchSize > 0 {
		cfg.BatchSize = *batchSize
	}
	cfg.CDCForceRefresh = cfg.CDCForceRefresh || *forceRefresh

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var s3Client *s3.Client
	if *checkpointS3URI != "" || *reportS3URI != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(*region))
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
		s3Client = s3.NewFromConfig(awsCfg)
	}

	cps, err := buildCheckpointStore(*checkpointDir, *checkpointS3URI, s3Client, log)
	if err != nil {
		return fmt.Errorf("building checkpoint store: %w", err)
	}

	uploader, err := buildReportUploader(*reportDir, *reportS3URI, s3Client)
	if err != nil {
		return fmt.Errorf("building report uploader: %w", err)
	}

	conns := connmgr.New(log, cfg.RetryLimit, cfg.RetryDelay, cfg.ConnectionTimeout, 50)
	defer conns.Close(context.Background())

	orch := orchestrator.New(cfg, orchestrator.MongoStoreFactory(cfg, conns), cps, uploader, log)

	log.Info("starting replication run", "mode", mode, "collections", len(cfg.Collections), "threads", cfg.Threads)
	start := time.Now()
	if err := orch.Run(ctx, orchestrator.Mode(mode)); err != nil {
		return fmt.Errorf("replication run failed: %w", err)
	}
	log.Info("replication run complete", "mode", mode, "duration", time.Since(start))
	return nil
}

// parseThreads parses the --threads flag value: "auto" or "" means one
// worker per collection (0), anything else must be a non-negative
// integer.
func parseThreads(v string) (int, error) {
	if v == "" || v == "auto" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("must be \"auto\" or an integer, got %q", v)
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative, got %d", n)
	}
	return n, nil
}

func buildCheckpointStore(dir, s3URI string, client *s3.Client, log *slog.Logger) (checkpoint.Store, error) {
	switch {
	case s3URI != "":
		return checkpoint.NewS3Store(client, s3URI, log)
	case dir != "":
		return checkpoint.NewFileStore(dir, log)
	default:
		return checkpoint.NewMemoryStore(), nil
	}
}

func buildReportUploader(dir, s3URI string, client *s3.Client) (report.Uploader, error) {
	switch {
	case s3URI != "":
		return report.NewS3Uploader(client, s3URI)
	case dir != "":
		return report.NewDiskUploader(dir)
	default:
		return nil, nil
	}
}
