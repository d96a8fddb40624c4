package chartstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"
)

type mockS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []*s3.PutObjectInput
	getErr  error
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string][]byte)}
}

func (m *mockS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)] = data
	m.puts = append(m.puts, params)
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func testStore(t *testing.T, mirror Mirror) *Store {
	t.Helper()
	s, err := New(Config{
		Logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
		Dir:    filepath.Join(t.TempDir(), "charts"),
		Mirror: mirror,
	})
	require.NoError(t, err)
	return s
}

func TestTaxi_ChartStore_New(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorContains(t, err, "logger is required")

	s := testStore(t, nil)
	info, err := os.Stat(s.Dir())
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestTaxi_ChartStore_Names(t *testing.T) {
	t.Parallel()

	s := testStore(t, nil)
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		name, path := s.Allocate()
		require.True(t, strings.HasPrefix(name, "chart_"))
		require.True(t, strings.HasSuffix(name, ".png"))
		require.Equal(t, filepath.Join(s.Dir(), name), path)
		_, dup := seen[name]
		require.False(t, dup)
		seen[name] = struct{}{}

		resolved, err := s.Path(name)
		require.NoError(t, err)
		require.Equal(t, path, resolved)
	}
}

func TestTaxi_ChartStore_PathRejectsTraversal(t *testing.T) {
	t.Parallel()

	s := testStore(t, nil)
	for _, name := range []string{
		"",
		"..",
		"../etc/passwd",
		"chart_abc.png/../../x",
		"sub/chart_abc.png",
		"/tmp/chart_abc.png",
		"chart_abc.txt",
		"notes.png",
		"chart_a b.png",
	} {
		_, err := s.Path(name)
		require.ErrorIs(t, err, ErrInvalidPath, name)
		_, err = s.Open(context.Background(), name)
		require.ErrorIs(t, err, ErrInvalidPath, name)
	}
}

func TestTaxi_ChartStore_OpenLocal(t *testing.T) {
	t.Parallel()

	s := testStore(t, nil)
	name, path := s.Allocate()
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o644))

	rc, err := s.Open(context.Background(), name)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, []byte("png"), data)

	_, err = s.Open(context.Background(), NewName())
	require.ErrorIs(t, err, ErrNotFound)

	// Publishing without a mirror is a no-op.
	require.NoError(t, s.Publish(context.Background(), name))
}

func TestTaxi_ChartStore_S3Mirror(t *testing.T) {
	t.Parallel()

	api := newMockS3()
	mirror, err := NewS3Mirror(api, "charts-bucket", "nyc")
	require.NoError(t, err)
	s := testStore(t, mirror)

	name, path := s.Allocate()
	require.NoError(t, os.WriteFile(path, []byte("image-bytes"), 0o644))
	require.NoError(t, s.Publish(context.Background(), name))

	require.Len(t, api.puts, 1)
	require.Equal(t, "nyc/"+name, aws.ToString(api.puts[0].Key))
	require.Equal(t, "image/png", aws.ToString(api.puts[0].ContentType))
	require.Equal(t, int64(len("image-bytes")), aws.ToInt64(api.puts[0].ContentLength))

	// A replica without the local file falls back to the mirror and caches it.
	require.NoError(t, os.Remove(path))
	rc, err := s.Open(context.Background(), name)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, []byte("image-bytes"), data)
	_, err = os.Stat(path)
	require.NoError(t, err)

	_, err = s.Open(context.Background(), NewName())
	require.ErrorIs(t, err, ErrNotFound)

	api.getErr = errors.New("access denied")
	_, err = mirror.Get(context.Background(), NewName())
	require.ErrorContains(t, err, "access denied")
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestTaxi_ChartStore_NewS3Mirror(t *testing.T) {
	t.Parallel()

	_, err := NewS3Mirror(nil, "b", "")
	require.ErrorContains(t, err, "s3 client is required")
	_, err = NewS3Mirror(newMockS3(), "", "")
	require.ErrorContains(t, err, "bucket is required")

	m, err := NewS3Mirror(newMockS3(), "b", "")
	require.NoError(t, err)
	require.Equal(t, "chart_x.png", m.key("chart_x.png"))
}
