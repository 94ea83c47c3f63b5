package report

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
)

func TestDiskUploaderWritesReport(t *testing.T) {
	dir := t.TempDir()
	uploader, err := NewDiskUploader(dir)
	if err != nil {
		t.Fatalf("NewDiskUploader: %v", err)
	}

	summary := map[string]any{"synced": 3, "collection": "orders"}
	if err := uploader.Upload(context.Background(), "orders-migrate", summary); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "orders-migrate.json"))
	if err != nil {
		t.Fatalf("reading report file: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decoding report file: %v", err)
	}
	if decoded["collection"] != "orders" {
		t.Errorf("expected collection orders, got %v", decoded["collection"])
	}
}

func TestDiskUploaderLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	uploader, err := NewDiskUploader(dir)
	if err != nil {
		t.Fatalf("NewDiskUploader: %v", err)
	}

	if err := uploader.Upload(context.Background(), "report", map[string]int{"a": 1}); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "report.json.tmp")); !os.IsNotExist(err) {
		t.Errorf("expected temp file to be removed by rename, stat error: %v", err)
	}
}

func TestNewS3UploaderRejectsNonS3Scheme(t *testing.T) {
	if _, err := NewS3Uploader(nil, "https://example.com/reports"); err == nil {
		t.Error("expected error for non-s3 scheme")
	}
}

func TestNewS3UploaderParsesBucketAndPrefix(t *testing.T) {
	u, err := NewS3Uploader(nil, "s3://my-bucket/reports")
	if err != nil {
		t.Fatalf("NewS3Uploader: %v", err)
	}
	if u.bucket != "my-bucket" {
		t.Errorf("expected bucket my-bucket, got %q", u.bucket)
	}
	if u.prefix != "reports" {
		t.Errorf("expected prefix reports, got %q", u.prefix)
	}
}
