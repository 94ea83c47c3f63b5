package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/goccy/go-json"

	"github.com/gurre/docrepl/document"
)

// S3Client is the subset of the S3 SDK client S3Store depends on.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ S3Client = (*s3.Client)(nil)

// S3Store persists checkpoints as objects under an S3 prefix, one per
// collection per kind: s3://bucket/prefix/<collection>.<kind>.json.
// S3's PutObject is already atomic from a reader's perspective (no
// partial-object reads), so there is no temp-then-rename step here.
type S3Store struct {
	client S3Client
	bucket string
	prefix string
	log    *slog.Logger
}

// NewS3Store builds an S3Store from an S3 URI, e.g.
// s3://my-bucket/checkpoints/run-42.
func NewS3Store(client S3Client, uri string, log *slog.Logger) (*S3Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid S3 URI: %w", err)
	}
	if u.Scheme != "s3" {
		return nil, fmt.Errorf("invalid S3 URI scheme: %s", u.Scheme)
	}

	return &S3Store{
		client: client,
		bucket: u.Host,
		prefix: strings.Trim(u.Path, "/"),
		log:    log,
	}, nil
}

func (s *S3Store) key(collection, kind string) string {
	if s.prefix == "" {
		return fmt.Sprintf("%s.%s.json", collection, kind)
	}
	return fmt.Sprintf("%s/%s.%s.json", s.prefix, collection, kind)
}

// getJSON reports whether a usable checkpoint object was found. A
// missing key and an unparseable object are both treated as absent
// (the worker restarts from zero) rather than as a hard failure; only a
// GetObject error other than not-found is returned to the caller.
func (s *S3Store) getJSON(ctx context.Context, key string, v any) (bool, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("getting %s: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		s.log.Warn("checkpoint object unparseable, treating as absent", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

func (s *S3Store) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("putting %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) LoadBulk(ctx context.Context, collection string) (BulkCheckpoint, error) {
	var cp BulkCheckpoint
	found, err := s.getJSON(ctx, s.key(collection, "bulk"), &cp)
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

func (s *S3Store) SaveBulk(ctx context.Context, collection string, cp BulkCheckpoint) error {
	ext, err := document.ValueToJSON(cp.LastID)
	if err != nil {
		return fmt.Errorf("encoding last_id: %w", err)
	}
	cp.LastIDExt = ext
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	return s.putJSON(ctx, s.key(collection, "bulk"), cp)
}

func (s *S3Store) LoadPolling(ctx context.Context, collection string) (PollingCheckpoint, error) {
	var cp PollingCheckpoint
	found, err := s.getJSON(ctx, s.key(collection, "polling"), &cp)
	if err != nil {
		return PollingCheckpoint{}, err
	}
	if !found {
		return PollingCheckpoint{}, nil
	}
	return cp, nil
}

func (s *S3Store) SavePolling(ctx context.Context, collection string, delta PollingCheckpoint) error {
	key := s.key(collection, "polling")
	var existing PollingCheckpoint
	if _, err := s.getJSON(ctx, key, &existing); err != nil {
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

	return s.putJSON(ctx, key, merged)
}

func (s *S3Store) LoadStream(ctx context.Context, collection string) (StreamResumePoint, error) {
	var rp StreamResumePoint
	found, err := s.getJSON(ctx, s.key(collection, "stream"), &rp)
	if err != nil {
		return StreamResumePoint{}, err
	}
	if !found {
		return StreamResumePoint{}, nil
	}
	return rp, nil
}

func (s *S3Store) SaveStream(ctx context.Context, collection string, rp StreamResumePoint) error {
	if rp.Timestamp.IsZero() {
		rp.Timestamp = time.Now().UTC()
	}
	return s.putJSON(ctx, s.key(collection, "stream"), rp)
}
