package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType selects the blob backend.
type StoreType string

const (
	StoreTypeNone StoreType = "none"
	StoreTypeFS   StoreType = "fs"
	StoreTypeS3   StoreType = "s3"
	StoreTypeGCS  StoreType = "gcs"
)

// Config selects and parameterizes a backend.
type Config struct {
	Type       StoreType
	Dir        string
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string
	GCSBucket  string
	GCSPrefix  string
}

// ConfigFromEnv reads the backend settings.
//
// Environment variables:
//   - ARTIFACT_STORAGE_TYPE: "fs" (default), "s3", "gcs" or "none"
//   - DATA_DIR: base directory of the fs backend (default "data")
//   - ARTIFACT_S3_BUCKET, ARTIFACT_S3_REGION (or AWS_REGION), ARTIFACT_S3_ENDPOINT, ARTIFACT_S3_PREFIX
//   - ARTIFACT_GCS_BUCKET, ARTIFACT_GCS_PREFIX
func ConfigFromEnv() Config {
	cfg := Config{
		Type:       StoreType(os.Getenv("ARTIFACT_STORAGE_TYPE")),
		Dir:        os.Getenv("DATA_DIR"),
		S3Bucket:   os.Getenv("ARTIFACT_S3_BUCKET"),
		S3Region:   os.Getenv("ARTIFACT_S3_REGION"),
		S3Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
		S3Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
		GCSBucket:  os.Getenv("ARTIFACT_GCS_BUCKET"),
		GCSPrefix:  os.Getenv("ARTIFACT_GCS_PREFIX"),
	}
	if cfg.Type == "" {
		cfg.Type = StoreTypeFS
	}
	if cfg.Dir == "" {
		cfg.Dir = "data"
	}
	if cfg.S3Region == "" {
		cfg.S3Region = os.Getenv("AWS_REGION")
	}
	if cfg.S3Region == "" {
		cfg.S3Region = "us-east-1"
	}
	return cfg
}

// NewStoreFromEnv builds the backend named by the environment.
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	return NewStore(ctx, ConfigFromEnv())
}

// NewStore builds the configured backend. StoreTypeNone yields a nil Store.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case StoreTypeNone:
		return nil, nil
	case StoreTypeFS, "":
		return NewFileStore(filepath.Join(cfg.Dir, "artifacts"))
	case StoreTypeS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_S3_BUCKET is required for S3 storage")
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case StoreTypeGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", cfg.Type)
	}
}
