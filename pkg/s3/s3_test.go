package s3_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gos3 "bootvault/pkg/s3"
	"bootvault/pkg/s3/s3test"
)

type failingAPI struct {
	*s3test.Memory
	err error
}

func (f failingAPI) GetObject(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return nil, f.err
}

func (f failingAPI) DeleteObject(context.Context, *s3.DeleteObjectInput, ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return nil, f.err
}

func TestPutObjectContentMD5(t *testing.T) {
	tests := []struct {
		name       string
		md5Hex     string
		wantMD5    string
		wantErr    bool
		wantStored bool
	}{
		{name: "hex digest sent as base64", md5Hex: "902fbdd2b1df0c4f70b4a5d23525e932", wantMD5: "kC+90rHfDE9wtKXSNSXpMg==", wantStored: true},
		{name: "no digest", wantStored: true},
		{name: "malformed digest", md5Hex: "not-hex", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := s3test.NewMemory()
			client := gos3.New(mem, mem)

			err := client.PutObject(context.Background(), "boot", "vmlinuz", strings.NewReader("ABC"), 3, tt.md5Hex)
			if tt.wantErr {
				require.Error(t, err)
				assert.Empty(t, mem.Puts())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStored, mem.Has("boot", "vmlinuz"))

			puts := mem.Puts()
			require.Len(t, puts, 1)
			assert.Equal(t, tt.wantMD5, aws.ToString(puts[0].ContentMD5))
			assert.Equal(t, int64(3), aws.ToInt64(puts[0].ContentLength))
			if tt.md5Hex != "" {
				assert.Equal(t, tt.md5Hex, puts[0].Metadata["md5"])
			}
		})
	}
}

func TestGetObject(t *testing.T) {
	mem := s3test.NewMemory()
	client := gos3.New(mem, mem)
	ctx := context.Background()

	require.NoError(t, client.PutObject(ctx, "boot", "initrd", strings.NewReader("payload"), 7, ""))

	body, size, err := client.GetObject(ctx, "boot", "initrd")
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, int64(7), size)

	_, _, err = client.GetObject(ctx, "boot", "missing")
	assert.ErrorIs(t, err, gos3.ErrNoSuchKey)
}

func TestErrorMapping(t *testing.T) {
	boom := errors.New("connection reset")

	tests := []struct {
		name      string
		api       gos3.API
		wantGet   error
		deleteNil bool
	}{
		{name: "missing key", api: s3test.NewMemory(), wantGet: gos3.ErrNoSuchKey, deleteNil: true},
		{name: "transport failure", api: failingAPI{Memory: s3test.NewMemory(), err: boom}, wantGet: boom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := gos3.New(tt.api, nil)
			ctx := context.Background()

			_, _, err := client.GetObject(ctx, "boot", "gone")
			assert.ErrorIs(t, err, tt.wantGet)

			err = client.DeleteObject(ctx, "boot", "gone")
			if tt.deleteNil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, boom)
			}
		})
	}
}

func TestPresignGet(t *testing.T) {
	mem := s3test.NewMemory()

	url, err := gos3.New(mem, mem).PresignGet(context.Background(), "boot", "vmlinuz", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://s3.test/boot/vmlinuz?X-Amz-Expires=900", url)

	_, err = gos3.New(mem, nil).PresignGet(context.Background(), "boot", "vmlinuz", time.Minute)
	assert.Error(t, err)
}
