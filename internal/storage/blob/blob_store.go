// Package blob provides a BlobStore over any gocloud.dev bucket URL
// (gs://, s3://, file://, mem://).
package blob

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	gcblob "gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver

	"github.com/JakeFAU/court-crawler/internal/court"
)

// BlobStore writes artifacts through a gocloud.dev bucket.
type BlobStore struct {
	bucket *gcblob.Bucket
	base   string
	prefix string
}

var _ court.BlobStore = (*BlobStore)(nil)

// Open opens the bucket named by bucketURL.
func Open(ctx context.Context, bucketURL, prefix string) (*BlobStore, error) {
	if strings.TrimSpace(bucketURL) == "" {
		return nil, fmt.Errorf("bucket url is required")
	}
	bucket, err := gcblob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return New(bucket, bucketURL, prefix), nil
}

// New wraps an open bucket. bucketURL is only used to render object URIs.
func New(bucket *gcblob.Bucket, bucketURL, prefix string) *BlobStore {
	return &BlobStore{
		bucket: bucket,
		base:   baseURI(bucketURL),
		prefix: strings.Trim(prefix, "/"),
	}
}

// baseURI drops driver query parameters and ends with a slash.
func baseURI(bucketURL string) string {
	base, _, _ := strings.Cut(bucketURL, "?")
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

// PutObject streams r to prefix/key and returns the object URI.
func (s *BlobStore) PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("path is required")
	}
	full := key
	if s.prefix != "" {
		full = path.Join(s.prefix, key)
	}
	w, err := s.bucket.NewWriter(ctx, full, &gcblob.WriterOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("create writer for %s: %w", full, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("write %s: %w (close writer: %v)", full, err, closeErr)
		}
		return "", fmt.Errorf("write %s: %w", full, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer for %s: %w", full, err)
	}
	return s.base + full, nil
}

// Close releases the bucket.
func (s *BlobStore) Close() error {
	if s.bucket == nil {
		return nil
	}
	return s.bucket.Close()
}
