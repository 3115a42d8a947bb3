// Package s3store implements the batch tracker store as one JSON object per
// batch in S3.
//
// Object stores have no atomic increment, so every update is a
// compare-and-swap: read the object and its ETag, apply the change, and
// write it back with If-Match (or If-None-Match: * for a new object). A
// failed precondition means another writer got there first; the update is
// retried against the fresh object.
package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
	"github.com/yuryprokashev/public-writing/internal/tracker"
)

const (
	DefaultKeyPrefix     = "batches/"
	DefaultMaxCASRetries = 10
	DefaultBackoff       = 20 * time.Millisecond
)

// Client is the subset of the S3 API the store uses.
type Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store is a tracker.Store backed by S3 conditional writes.
type Store struct {
	client     Client
	bucket     string
	prefix     string
	maxRetries int
	backoff    time.Duration
	clock      func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix sets the object key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithMaxRetries bounds the compare-and-swap attempts per update.
func WithMaxRetries(n int) Option {
	return func(s *Store) { s.maxRetries = n }
}

// WithBackoff sets the base pause between compare-and-swap attempts.
func WithBackoff(d time.Duration) Option {
	return func(s *Store) { s.backoff = d }
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New creates an S3 batch store.
func New(client Client, bucket string, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		client:     client,
		bucket:     bucket,
		prefix:     DefaultKeyPrefix,
		maxRetries: DefaultMaxCASRetries,
		backoff:    DefaultBackoff,
		clock:      time.Now,
		sleep:      sleepContext,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxRetries < 1 {
		s.maxRetries = 1
	}
	return s
}

// Key returns the object key for a batch.
func (s *Store) Key(batchID string) string {
	return s.prefix + batchID + ".json"
}

// version is a batch as read, with the ETag it was read at. An empty ETag
// means the object does not exist yet.
type version struct {
	batch tracker.Batch
	etag  string
}

func (v version) exists() bool { return v.etag != "" }

// mutation changes the batch in place and reports whether it must be written.
type mutation func(v *version) (bool, error)

func (s *Store) Record(ctx context.Context, batchID string, size int, indexes []int) (tracker.Batch, error) {
	v, _, err := s.update(ctx, batchID, func(v *version) (bool, error) {
		now := s.clock()
		if !v.exists() {
			v.batch = tracker.NewBatch(batchID, size, now)
		}
		changed, err := v.batch.Add(size, indexes, now)
		return changed || !v.exists(), err
	})
	return v.batch, err
}

func (s *Store) Claim(ctx context.Context, batchID string, now time.Time, lease time.Duration) (bool, error) {
	_, written, err := s.update(ctx, batchID, func(v *version) (bool, error) {
		return v.exists() && v.batch.Claim(now, lease), nil
	})
	return written, err
}

func (s *Store) Complete(ctx context.Context, batchID string) error {
	_, _, err := s.update(ctx, batchID, func(v *version) (bool, error) {
		return v.exists() && v.batch.MarkComplete(s.clock()), nil
	})
	return err
}

func (s *Store) MarkDispatched(ctx context.Context, batchID string) (bool, error) {
	_, written, err := s.update(ctx, batchID, func(v *version) (bool, error) {
		return v.exists() && v.batch.MarkDispatched(s.clock()), nil
	})
	return written, err
}

func (s *Store) Get(ctx context.Context, batchID string) (tracker.Batch, error) {
	v, err := s.read(ctx, batchID)
	if err != nil {
		return tracker.Batch{}, err
	}
	if !v.exists() {
		return tracker.Batch{}, tracker.ErrNotFound(batchID)
	}
	return v.batch, nil
}

// update runs the compare-and-swap loop. It returns the final version and
// whether this call wrote it.
func (s *Store) update(ctx context.Context, batchID string, mutate mutation) (version, bool, error) {
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		v, err := s.read(ctx, batchID)
		if err != nil {
			return version{}, false, err
		}
		write, err := mutate(&v)
		if err != nil || !write {
			return v, false, err
		}

		err = s.write(ctx, batchID, v)
		if err == nil {
			return v, true, nil
		}
		if !isPreconditionFailure(err) {
			return version{}, false, apperrors.FromAWS(err, apperrors.CodeStoreFailed, "failed to write batch object")
		}
		if attempt == s.maxRetries {
			break
		}
		pause := s.pause(attempt)
		s.logger.Debug("Batch object changed concurrently, retrying",
			zap.String("batch_id", batchID),
			zap.Int("attempt", attempt),
			zap.Duration("pause", pause),
		)
		if err := s.sleep(ctx, pause); err != nil {
			return version{}, false, apperrors.Wrap(err, "batch update cancelled")
		}
	}
	return version{}, false, apperrors.Conflict(apperrors.CodeConcurrentUpdate, "batch object kept changing during update").
		WithResource(batchID).
		Build()
}

// pause grows linearly with the attempt and adds up to one base of jitter
// so writers that lost the same race spread out.
func (s *Store) pause(attempt int) time.Duration {
	if s.backoff <= 0 {
		return 0
	}
	return time.Duration(attempt)*s.backoff + time.Duration(rand.Int63n(int64(s.backoff)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) read(ctx context.Context, batchID string) (version, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.Key(batchID)),
	})
	if err != nil {
		var missing *s3types.NoSuchKey
		if errors.As(err, &missing) {
			return version{}, nil
		}
		return version{}, apperrors.FromAWS(err, apperrors.CodeStoreFailed, "failed to read batch object")
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return version{}, apperrors.External(apperrors.CodeStoreFailed, "failed to read batch object body").WithCause(err).Build()
	}
	var b tracker.Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return version{}, apperrors.Internal(apperrors.CodeStoreFailed, "corrupt batch object").
			WithResource(s.Key(batchID)).
			WithCause(err).
			Build()
	}
	return version{batch: b, etag: aws.ToString(out.ETag)}, nil
}

func (s *Store) write(ctx context.Context, batchID string, v version) error {
	data, err := json.Marshal(v.batch)
	if err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.Key(batchID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if v.exists() {
		in.IfMatch = aws.String(v.etag)
	} else {
		in.IfNoneMatch = aws.String("*")
	}
	_, err = s.client.PutObject(ctx, in)
	return err
}

// isPreconditionFailure reports a lost compare-and-swap race: 412 when the
// ETag no longer matches or the object now exists, 409 when a concurrent
// conditional write is still in flight.
func isPreconditionFailure(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}

var _ tracker.Store = (*Store)(nil)
