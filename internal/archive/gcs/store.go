// Package gcs implements the page archive on Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config names the bucket and an optional object prefix.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

type writerFunc func(ctx context.Context, bucket, object, contentType string) io.WriteCloser

// Store uploads archived pages to a bucket.
type Store struct {
	bucket    string
	prefix    string
	newWriter writerFunc
}

// New creates a GCS-backed archive.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return newStore(cfg, func(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
		w := client.Bucket(bucket).Object(object).NewWriter(ctx)
		w.ContentType = contentType
		return w
	})
}

func newStore(cfg Config, newWriter writerFunc) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		newWriter: newWriter,
	}, nil
}

// Put uploads data and returns a gs:// URI.
func (s *Store) Put(ctx context.Context, objectPath, contentType string, data []byte) (string, error) {
	objectPath = strings.TrimLeft(objectPath, "/")
	if strings.TrimSpace(objectPath) == "" {
		return "", fmt.Errorf("path is required")
	}
	if s.prefix != "" {
		objectPath = s.prefix + "/" + objectPath
	}
	writer := s.newWriter(ctx, s.bucket, objectPath, contentType)
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, objectPath), nil
}
