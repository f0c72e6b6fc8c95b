package artifacts

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"bootvault/pkg/errs"
	gos3 "bootvault/pkg/s3"
)

// S3Blobs stores payloads as objects under Prefix in Bucket.
type S3Blobs struct {
	client *gos3.Client
	bucket string
	prefix string
}

// NewS3Blobs validates the bucket and normalises the key prefix.
func NewS3Blobs(client *gos3.Client, bucket, prefix string) (*S3Blobs, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Blobs{client: client, bucket: bucket, prefix: prefix}, nil
}

func (b *S3Blobs) objectKey(key string) string {
	return b.prefix + key
}

func (b *S3Blobs) Put(ctx context.Context, key string, r io.Reader, size int64, digest string) error {
	return b.client.PutObject(ctx, b.bucket, b.objectKey(key), r, size, digest)
}

func (b *S3Blobs) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	body, size, err := b.client.GetObject(ctx, b.bucket, b.objectKey(key))
	if errors.Is(err, gos3.ErrNoSuchKey) {
		return nil, 0, errs.NotFoundf("artifact %q not found", key)
	}
	return body, size, err
}

func (b *S3Blobs) Delete(ctx context.Context, key string) error {
	return b.client.DeleteObject(ctx, b.bucket, b.objectKey(key))
}

// PresignGet returns a time-limited direct download URL for key.
func (b *S3Blobs) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return b.client.PresignGet(ctx, b.bucket, b.objectKey(key), ttl)
}
