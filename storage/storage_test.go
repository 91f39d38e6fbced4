package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the same round trip against any backend.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "user", []byte(`{"token":"abc"}`)))
	got, err := s.Get(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, `{"token":"abc"}`, string(got))

	require.NoError(t, s.Set(ctx, "user", []byte(`{"token":"def"}`)))
	got, err = s.Get(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, `{"token":"def"}`, string(got))

	require.NoError(t, s.Delete(ctx, "user"))
	_, err = s.Get(ctx, "user")
	require.ErrorIs(t, err, ErrNotFound)

	// deleting twice is fine
	require.NoError(t, s.Delete(ctx, "user"))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	exerciseStore(t, s)
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	in := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", in))
	in[0] = 'x'

	out, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))
	out[0] = 'y'

	again, _ := s.Get(ctx, "k")
	assert.Equal(t, "abc", string(again))
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "dir"))
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestFileStore_PermissionsAndNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set(context.Background(), "user", []byte("{}")))

	info, err := os.Stat(filepath.Join(dir, "user.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp.")
	}
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		key      string
		expected string
	}{
		{"user", "user"},
		{"http://host/a?b=c", "http___host_a_b_c"},
		{"a b", "a_b"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, sanitizeKey(tt.key))
	}

	long := sanitizeKey(strings.Repeat("k", 300))
	assert.True(t, strings.HasPrefix(long, "hash_"))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{Backend: BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	dir := t.TempDir()
	s, err = Open(ctx, Options{Backend: BackendFile, Dir: dir})
	require.NoError(t, err)
	require.IsType(t, &FileStore{}, s)
	assert.Equal(t, dir, s.(*FileStore).Dir())

	_, err = Open(ctx, Options{Backend: "etcd"})
	assert.Error(t, err)

	_, err = Open(ctx, Options{Backend: BackendRedis})
	assert.Error(t, err, "redis without an address")

	_, err = Open(ctx, Options{Backend: BackendPostgres})
	assert.Error(t, err, "postgres without a url")
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("APICONN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("APICONN_TEST_REDIS_ADDR not set")
	}
	s, err := NewRedisStore(context.Background(), RedisConfig{Addr: addr, KeyPrefix: "apiconn-test:"})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("APICONN_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("APICONN_TEST_DATABASE_URL not set")
	}
	s, err := NewPostgresStore(context.Background(), dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}
