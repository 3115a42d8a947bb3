// Package blob writes whole objects to a bucket.
package blob

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
)

// Writer stores objects by key, replacing any existing object.
type Writer interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Client is the subset of the S3 API the writer uses.
type Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 writes objects to one bucket.
type S3 struct {
	client Client
	bucket string
}

// NewS3 creates a writer for bucket.
func NewS3(client Client, bucket string) *S3 {
	return &S3{client: client, bucket: bucket}
}

func (w *S3) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(w.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		appErr := apperrors.FromAWS(err, apperrors.CodeObjectWriteFailed, "failed to write object")
		appErr.Resource = key
		return appErr
	}
	return nil
}

// Memory keeps objects in process.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemory creates an empty in-memory bucket.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, key string, body []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

// Get returns a stored object.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	return b, ok
}

// Keys lists stored keys in order.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	_ Writer = (*S3)(nil)
	_ Writer = (*Memory)(nil)
)
