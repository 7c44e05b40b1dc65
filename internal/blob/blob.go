// Package blob stores uploaded document bytes on local disk or in S3.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"document-pipeline/internal/config"
)

// ErrNotFound is returned by Get for references that do not resolve to an object.
var ErrNotFound = errors.New("blob: not found")

// Store persists document bytes and returns a reference that Get accepts.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// New picks the backend named by STORAGE_BACKEND.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	switch strings.ToLower(cfg.StorageBackend) {
	case "", "local":
		return NewLocalStore(cfg.UploadDirectory), nil
	case "s3":
		if cfg.StorageBucket == "" {
			return nil, errors.New("storage backend s3 requires STORAGE_BUCKET")
		}
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3Store{client: client, bucket: cfg.StorageBucket}, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// sanitizeKey cleans key into a relative path that cannot climb out of its root.
func sanitizeKey(key string) (string, error) {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	key = strings.TrimPrefix(key, "/")
	if key == "" || key == "." {
		return "", fmt.Errorf("blob: empty key")
	}
	return key, nil
}
