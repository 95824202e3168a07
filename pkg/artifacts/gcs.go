//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
)

// GCSStore keeps blobs in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a GCS-backed store using application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(d assets.Digest) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(objectName(s.prefix, d))
}

func (s *GCSStore) Put(ctx context.Context, d assets.Digest, data []byte) error {
	if err := checkDigest(d, data); err != nil {
		return err
	}
	// DoesNotExist makes concurrent uploads of the same blob a no-op.
	w := s.object(d).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed for %s: %w", d, err)
	}
	if err := w.Close(); err != nil {
		if exists, _ := s.Exists(ctx, d); exists {
			return nil
		}
		return fmt.Errorf("gcs close failed for %s: %w", d, err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, d assets.Digest) ([]byte, error) {
	r, err := s.object(d).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("artifact %s: %w", d, assets.ErrNotFound)
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", d, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSStore) Exists(ctx context.Context, d assets.Digest) (bool, error) {
	_, err := s.object(d).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs failed for %s: %w", d, err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, d assets.Digest) error {
	if err := s.object(d).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete failed for %s: %w", d, err)
	}
	return nil
}

// Close releases the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func newGCSStore(ctx context.Context, cfg Config) (Store, error) {
	if cfg.GCSBucket == "" {
		return nil, fmt.Errorf("ARTIFACT_GCS_BUCKET is required for GCS storage")
	}
	return NewGCSStore(ctx, GCSStoreConfig{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix})
}
