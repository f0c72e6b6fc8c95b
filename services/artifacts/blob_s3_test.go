package artifacts

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bootvault/pkg/errs"
	gos3 "bootvault/pkg/s3"
	"bootvault/pkg/s3/s3test"
)

var _ BlobStore = (*S3Blobs)(nil)

func TestNewS3BlobsNormalisesPrefix(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		wantKey string
	}{
		{name: "empty", prefix: "", wantKey: "vmlinuz"},
		{name: "bare", prefix: "artifacts", wantKey: "artifacts/vmlinuz"},
		{name: "slashes", prefix: "/artifacts/", wantKey: "artifacts/vmlinuz"},
		{name: "nested", prefix: "lab/artifacts", wantKey: "lab/artifacts/vmlinuz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := s3test.NewMemory()
			blobs, err := NewS3Blobs(gos3.New(mem, mem), "boot", tt.prefix)
			require.NoError(t, err)

			require.NoError(t, blobs.Put(context.Background(), "vmlinuz", strings.NewReader("k"), 1, ""))
			assert.True(t, mem.Has("boot", tt.wantKey))
		})
	}
}

func TestNewS3BlobsValidates(t *testing.T) {
	_, err := NewS3Blobs(nil, "boot", "")
	assert.Error(t, err)

	mem := s3test.NewMemory()
	_, err = NewS3Blobs(gos3.New(mem, mem), "  ", "")
	assert.Error(t, err)
}

func TestS3BlobsRoundTrip(t *testing.T) {
	mem := s3test.NewMemory()
	blobs, err := NewS3Blobs(gos3.New(mem, mem), "boot", "artifacts")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, blobs.Put(ctx, "initrd.img", strings.NewReader("ramdisk"), 7, "902fbdd2b1df0c4f70b4a5d23525e932"))

	body, size, err := blobs.Open(ctx, "initrd.img")
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, body.Close())
	require.NoError(t, err)
	assert.Equal(t, "ramdisk", string(data))
	assert.Equal(t, int64(7), size)

	url, err := blobs.PresignGet(ctx, "initrd.img", time.Minute)
	require.NoError(t, err)
	assert.Contains(t, url, "/boot/artifacts/initrd.img")

	require.NoError(t, blobs.Delete(ctx, "initrd.img"))
	assert.False(t, mem.Has("boot", "artifacts/initrd.img"))
}

func TestS3BlobsMissingKey(t *testing.T) {
	mem := s3test.NewMemory()
	blobs, err := NewS3Blobs(gos3.New(mem, mem), "boot", "artifacts")
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = blobs.Open(ctx, "absent")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	assert.NoError(t, blobs.Delete(ctx, "absent"))
}
