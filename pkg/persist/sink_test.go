package persist

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseSink checks the overwrite contract shared by every backend.
func exerciseSink(t *testing.T, sink Sink) {
	t.Helper()
	ctx := context.Background()

	_, err := sink.Load(ctx)
	require.ErrorIs(t, err, ErrNoSnapshot)

	require.NoError(t, sink.Save(ctx, []byte("first")))
	got, err := sink.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)

	require.NoError(t, sink.Save(ctx, []byte("second, longer")))
	got, err = sink.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("second, longer"), got)

	assert.NotEmpty(t, sink.Describe())
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	exerciseSink(t, NewFileSink(filepath.Join(dir, "place.png")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
	assert.Equal(t, "place.png", entries[0].Name())
}

func TestFileSink_MissingDirectory(t *testing.T) {
	sink := NewFileSink(filepath.Join(t.TempDir(), "nope", "place.png"))
	assert.Error(t, sink.Save(context.Background(), []byte("x")))
}

func TestSQLiteSink(t *testing.T) {
	sink, err := OpenSQLiteSink(context.Background(), filepath.Join(t.TempDir(), "place.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	exerciseSink(t, sink)

	var rows int
	require.NoError(t, sink.database.QueryRow(`SELECT count(*) FROM snapshots`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

type fakeRedis struct {
	values map[string][]byte
	err    error
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.values[key] = append([]byte(nil), value.([]byte)...)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func TestRedisSink(t *testing.T) {
	fake := &fakeRedis{values: map[string][]byte{}}
	exerciseSink(t, NewRedisSink(fake, "place:snapshot"))
	assert.Contains(t, fake.values, "place:snapshot")
}

func TestRedisSink_BackendError(t *testing.T) {
	sink := NewRedisSink(&fakeRedis{err: errors.New("connection refused")}, "k")
	_, err := sink.Load(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoSnapshot)
	assert.Error(t, sink.Save(context.Background(), []byte("x")))
}

type fakeS3 struct {
	objects map[string][]byte
	types   map[string]string
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	raw, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objects[key] = raw
	f.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	raw, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(raw))}, nil
}

func TestS3Sink(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
	exerciseSink(t, NewS3Sink(fake, "bucket", "place.png", "image/png"))
	assert.Equal(t, "image/png", fake.types["bucket/place.png"])
}

func TestNewS3Client(t *testing.T) {
	c := NewS3Client(S3Options{Region: "us-east-1", Endpoint: "http://localhost:9000", PathStyle: true})
	assert.NotNil(t, c)
}
