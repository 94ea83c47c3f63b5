// Package report publishes verification and migration summaries to
// local disk or S3, the same two destinations a run's checkpoints can
// live in.
package report

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"
)

// Uploader publishes an arbitrary JSON-serializable report to a named
// destination.
type Uploader interface {
	Upload(ctx context.Context, name string, v any) error
}

// S3Client is the subset of the S3 SDK client S3Uploader depends on.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ S3Client = (*s3.Client)(nil)

// S3Uploader uploads reports as objects under an S3 prefix.
type S3Uploader struct {
	client S3Client
	bucket string
	prefix string
}

// NewS3Uploader builds an S3Uploader from an S3 URI, e.g.
// s3://my-bucket/reports.
func NewS3Uploader(client S3Client, uri string) (*S3Uploader, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid S3 URI: %w", err)
	}
	if u.Scheme != "s3" {
		return nil, fmt.Errorf("invalid S3 URI scheme: %s", u.Scheme)
	}
	return &S3Uploader{client: client, bucket: u.Host, prefix: strings.Trim(u.Path, "/")}, nil
}

var _ Uploader = (*S3Uploader)(nil)

// Upload marshals v to JSON and puts it at <prefix>/<name>.json.
func (u *S3Uploader) Upload(ctx context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	key := fmt.Sprintf("%s.json", name)
	if u.prefix != "" {
		key = fmt.Sprintf("%s/%s.json", u.prefix, name)
	}

	contentType := "application/json"
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &u.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("uploading report: %w", err)
	}
	return nil
}

// DiskUploader writes reports as files under a local directory, for
// runs that don't have S3 configured.
type DiskUploader struct {
	dir string
}

// NewDiskUploader builds a DiskUploader rooted at dir, creating it if
// it doesn't already exist.
func NewDiskUploader(dir string) (*DiskUploader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating report directory: %w", err)
	}
	return &DiskUploader{dir: dir}, nil
}

var _ Uploader = (*DiskUploader)(nil)

// Upload marshals v to JSON and writes it atomically to
// <dir>/<name>.json.
func (d *DiskUploader) Upload(ctx context.Context, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	path := filepath.Join(d.dir, name+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalizing report: %w", err)
	}
	return nil
}
