package s3test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// Memory is an in-process stand-in for an S3 bucket set. Deleting a missing key answers NoSuchKey,
// which some S3-compatible servers do.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []s3.PutObjectInput
}

func NewMemory() *Memory {
	return &Memory{objects: map[string][]byte{}}
}

func objectID(bucket, key *string) string {
	return aws.ToString(bucket) + "/" + aws.ToString(key)
}

func noSuchKey() error {
	return &smithy.GenericAPIError{Code: "NoSuchKey", Message: "The specified key does not exist."}
}

func (m *Memory) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *in
	stored.Body = nil
	m.puts = append(m.puts, stored)
	m.objects[objectID(in.Bucket, in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *Memory) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[objectID(in.Bucket, in.Key)]
	if !ok {
		return nil, noSuchKey()
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (m *Memory) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := objectID(in.Bucket, in.Key)
	if _, ok := m.objects[id]; !ok {
		return nil, noSuchKey()
	}
	delete(m.objects, id)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *Memory) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	u := url.URL{
		Scheme:   "https",
		Host:     "s3.test",
		Path:     "/" + objectID(in.Bucket, in.Key),
		RawQuery: fmt.Sprintf("X-Amz-Expires=%d", int64(opts.Expires.Seconds())),
	}
	return &v4.PresignedHTTPRequest{URL: u.String(), Method: "GET"}, nil
}

// Has reports whether bucket/key is stored.
func (m *Memory) Has(bucket, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[bucket+"/"+key]
	return ok
}

// Puts returns the inputs of every PutObject call, bodies stripped.
func (m *Memory) Puts() []s3.PutObjectInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]s3.PutObjectInput(nil), m.puts...)
}
