package blob

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"document-pipeline/internal/config"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st := NewLocalStore(dir)

	ref, err := st.Put(ctx, "2024/doc-1.pdf", []byte("%PDF-1.7"), "application/pdf")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref != "file://2024/doc-1.pdf" {
		t.Fatalf("unexpected ref %q", ref)
	}
	if _, err := os.Stat(filepath.Join(dir, "2024", "doc-1.pdf")); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}
	body, err := st.Get(ctx, ref)
	if err != nil || string(body) != "%PDF-1.7" {
		t.Fatalf("get: %q %v", body, err)
	}
	if _, err := st.Get(ctx, "file://missing.pdf"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalStoreKeepsKeysInsideBaseDir(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	dir := filepath.Join(root, "uploads")
	st := NewLocalStore(dir)

	ref, err := st.Put(ctx, "../../escape.pdf", []byte("x"), "application/pdf")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.pdf")); err != nil {
		t.Fatalf("expected traversal to be clamped into base dir (ref %s): %v", ref, err)
	}
	if _, err := os.Stat(filepath.Join(root, "escape.pdf")); err == nil {
		t.Fatalf("file escaped the base directory")
	}
}

func TestParseS3Ref(t *testing.T) {
	bucket, key, err := parseS3Ref("s3://docs/2024/a.pdf", "default")
	if err != nil || bucket != "docs" || key != "2024/a.pdf" {
		t.Fatalf("unexpected parse: %s %s %v", bucket, key, err)
	}
	bucket, key, err = parseS3Ref("a.pdf", "default")
	if err != nil || bucket != "default" || key != "a.pdf" {
		t.Fatalf("bare keys use the default bucket: %s %s %v", bucket, key, err)
	}
	if _, _, err := parseS3Ref("s3://docs", "default"); err == nil {
		t.Fatalf("expected malformed reference error")
	}
}

func TestNewSelectsBackend(t *testing.T) {
	st, err := New(context.Background(), config.Config{StorageBackend: "local", UploadDirectory: t.TempDir()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := st.(*LocalStore); !ok {
		t.Fatalf("expected local store, got %T", st)
	}
	if _, err := New(context.Background(), config.Config{StorageBackend: "s3"}); err == nil {
		t.Fatalf("s3 without a bucket should fail")
	}
	if _, err := New(context.Background(), config.Config{StorageBackend: "ftp"}); err == nil {
		t.Fatalf("unknown backend should fail")
	}
}
