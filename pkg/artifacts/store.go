// Package artifacts mirrors published release artifacts into content-addressed
// blob storage (local disk, S3 or GCS) outside the asset store.
package artifacts

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
)

// Store is a content-addressed blob store. Blobs are named by the SHA-256 of
// their content, so Put is idempotent.
type Store interface {
	// Put stores data under d. It fails when data does not hash to d.
	Put(ctx context.Context, d assets.Digest, data []byte) error
	// Get returns the blob named d, wrapping assets.ErrNotFound when absent.
	Get(ctx context.Context, d assets.Digest) ([]byte, error)
	Exists(ctx context.Context, d assets.Digest) (bool, error)
	Delete(ctx context.Context, d assets.Digest) error
}

// objectName is the key of a blob within a bucket or directory.
func objectName(prefix string, d assets.Digest) string {
	return prefix + d.String() + ".blob"
}

func checkDigest(d assets.Digest, data []byte) error {
	if got := assets.Sum(data); got != d {
		return fmt.Errorf("blob %s hashes to %s: %w", d, got, assets.ErrHashMismatch)
	}
	return nil
}
