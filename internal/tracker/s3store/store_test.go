package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
	"github.com/yuryprokashev/public-writing/internal/tracker"
)

type object struct {
	data []byte
	etag string
}

// fakeBucket is an in-memory S3 honoring If-Match and If-None-Match.
// With a gate set, the first gate.n reads block until all of them arrived,
// which forces every writer to start from the same version.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string]object
	seq     int
	puts    int
	gate    *gate
	putErr  error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string]object)}
}

type gate struct {
	mu      sync.Mutex
	n       int
	arrived int
	open    chan struct{}
}

func newGate(n int) *gate {
	return &gate{n: n, open: make(chan struct{})}
}

func (g *gate) wait() {
	g.mu.Lock()
	if g.arrived >= g.n {
		g.mu.Unlock()
		return
	}
	g.arrived++
	if g.arrived == g.n {
		close(g.open)
	}
	g.mu.Unlock()
	<-g.open
}

func (f *fakeBucket) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	f.mu.Unlock()
	if f.gate != nil {
		f.gate.wait()
	}
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(obj.data)),
		ETag: aws.String(obj.etag),
	}, nil
}

func (f *fakeBucket) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}

	key := aws.ToString(in.Key)
	current, exists := f.objects[key]
	if aws.ToString(in.IfNoneMatch) == "*" && exists {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
	}
	if in.IfMatch != nil && (!exists || current.etag != aws.ToString(in.IfMatch)) {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
	}

	f.seq++
	f.puts++
	etag := `"` + strconv.Itoa(f.seq) + `"`
	f.objects[key] = object{data: data, etag: etag}
	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

func (f *fakeBucket) batch(t *testing.T, key string) tracker.Batch {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var b tracker.Batch
	require.NoError(t, json.Unmarshal(f.objects[key].data, &b))
	return b
}

var now = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestStore(client Client, opts ...Option) *Store {
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return New(client, "tracker-bucket", zap.NewNop(), opts...)
}

func TestStore_Lifecycle(t *testing.T) {
	bucket := newFakeBucket()
	store := newTestStore(bucket, WithKeyPrefix("fanout/"))
	ctx := context.Background()

	b, err := store.Record(ctx, "b1", 3, []int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, 2, b.Count())
	assert.Equal(t, "fanout/b1.json", store.Key("b1"))

	b, err = store.Record(ctx, "b1", 3, []int{1})
	require.NoError(t, err)
	assert.Equal(t, 2, b.Count())
	assert.Equal(t, 1, bucket.puts, "unchanged sets are not rewritten")

	claimed, err := store.Claim(ctx, "b1", now, time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed, "not done yet")

	_, err = store.Record(ctx, "b1", 3, []int{2})
	require.NoError(t, err)

	claimed, err = store.Claim(ctx, "b1", now, time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = store.Claim(ctx, "b1", now.Add(time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, store.Complete(ctx, "b1"))
	assert.Equal(t, tracker.StatusComplete, bucket.batch(t, "fanout/b1.json").Status)

	dispatched, err := store.MarkDispatched(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, dispatched)

	dispatched, err = store.MarkDispatched(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, dispatched)
}

func TestStore_SizeMismatch(t *testing.T) {
	store := newTestStore(newFakeBucket())

	_, err := store.Record(context.Background(), "b1", 3, []int{0})
	require.NoError(t, err)

	_, err = store.Record(context.Background(), "b1", 4, []int{1})
	assert.True(t, apperrors.IsValidation(err))
}

func TestStore_GetMissing(t *testing.T) {
	store := newTestStore(newFakeBucket())

	_, err := store.Get(context.Background(), "nope")
	assert.True(t, apperrors.IsNotFound(err))

	claimed, err := store.Claim(context.Background(), "nope", now, time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestStore_WriteFailureIsRetryable(t *testing.T) {
	bucket := newFakeBucket()
	bucket.putErr = &smithy.GenericAPIError{Code: "SlowDown", Message: "Please reduce your request rate."}
	store := newTestStore(bucket)

	_, err := store.Record(context.Background(), "b1", 3, []int{0})
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.False(t, apperrors.IsConflict(err))
}

// alwaysConflicting loses every compare-and-swap.
type alwaysConflicting struct {
	*fakeBucket
}

func (a alwaysConflicting) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return nil, &smithy.GenericAPIError{Code: "ConditionalRequestConflict"}
}

func TestStore_RetriesExhausted(t *testing.T) {
	store := newTestStore(alwaysConflicting{newFakeBucket()}, WithMaxRetries(3))
	var pauses []time.Duration
	store.sleep = func(ctx context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}

	_, err := store.Record(context.Background(), "b1", 3, []int{0})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
	assert.True(t, apperrors.IsRetryable(err))

	require.Len(t, pauses, 2, "no pause after the last attempt")
	for i, d := range pauses {
		attempt := time.Duration(i + 1)
		assert.GreaterOrEqual(t, d, attempt*DefaultBackoff)
		assert.Less(t, d, (attempt+1)*DefaultBackoff)
	}
}

func TestStore_BackoffHonoursCancellation(t *testing.T) {
	store := newTestStore(alwaysConflicting{newFakeBucket()}, WithMaxRetries(5), WithBackoff(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Record(ctx, "b1", 3, []int{0})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, apperrors.IsConflict(err))
}

// naiveRecord is the unconditional read-modify-write the store replaces.
func naiveRecord(ctx context.Context, client Client, key string, size, index int) error {
	var b tracker.Batch
	out, err := client.GetObject(ctx, &s3.GetObjectInput{Key: aws.String(key)})
	switch {
	case err == nil:
		data, _ := io.ReadAll(out.Body)
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
	case errors.As(err, new(*s3types.NoSuchKey)):
		b = tracker.NewBatch("b1", size, now)
	default:
		return err
	}
	if _, err := b.Add(size, []int{index}, now); err != nil {
		return err
	}
	data, _ := json.Marshal(b)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{Key: aws.String(key), Body: bytes.NewReader(data)})
	return err
}

func TestConcurrentWriters_NaiveLosesUpdatesCASDoesNot(t *testing.T) {
	const m = 8

	t.Run("naive read-modify-write", func(t *testing.T) {
		bucket := newFakeBucket()
		bucket.gate = newGate(m)

		var wg sync.WaitGroup
		for i := 0; i < m; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				assert.NoError(t, naiveRecord(context.Background(), bucket, "batches/b1.json", m, idx))
			}(i)
		}
		wg.Wait()

		// Every writer started from the same empty state; only the last write survives.
		assert.Equal(t, 1, bucket.batch(t, "batches/b1.json").Count())
	})

	t.Run("compare-and-swap", func(t *testing.T) {
		bucket := newFakeBucket()
		bucket.gate = newGate(m)
		store := newTestStore(bucket, WithMaxRetries(m+2))

		var wg sync.WaitGroup
		for i := 0; i < m; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				_, err := store.Record(context.Background(), "b1", m, []int{idx})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		b := bucket.batch(t, store.Key("b1"))
		assert.Equal(t, m, b.Count())
		assert.True(t, b.Done())
	})
}
