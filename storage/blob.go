package storage

import (
	"context"
	"fmt"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// BlobStore fetches raster files from a gocloud.dev bucket, which covers
// local directories (file://) as well as S3, GCS and Azure with the matching
// driver imported by the binary.
type BlobStore struct {
	bucket *blob.Bucket
}

// NewBlobStore wraps an already opened bucket.
func NewBlobStore(bucket *blob.Bucket) *BlobStore {
	return &BlobStore{bucket: bucket}
}

// OpenBlobStore opens a bucket from its URL, e.g. "file:///var/rasters".
func OpenBlobStore(ctx context.Context, url string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", url, err)
	}
	return &BlobStore{bucket: bucket}, nil
}

// Fetch reads the complete object for the given key.
func (s *BlobStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// Close releases the underlying bucket.
func (s *BlobStore) Close() error {
	return s.bucket.Close()
}
