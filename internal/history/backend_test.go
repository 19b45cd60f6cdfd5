package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseBackend(t *testing.T, backend Backend) {
	t.Helper()
	ctx := context.Background()

	_, err := backend.Get(ctx, "llm-council:conversation")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, backend.Put(ctx, "llm-council:conversation", []byte(`[1]`)))
	require.NoError(t, backend.Put(ctx, "llm-council:conversation", []byte(`[1,2]`)))
	got, err := backend.Get(ctx, "llm-council:conversation")
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(got))

	require.NoError(t, backend.Delete(ctx, "llm-council:conversation"))
	_, err = backend.Get(ctx, "llm-council:conversation")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, backend.Delete(ctx, "llm-council:conversation"))

	require.NoError(t, backend.Close())
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewMemoryBackend())
}

func TestFileBackend(t *testing.T) {
	backend, err := NewFileBackend(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	exerciseBackend(t, backend)
}

func TestFileBackendWritesSanitizedFileWithPrivateMode(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	require.NoError(t, err)
	require.NoError(t, backend.Put(context.Background(), "llm-council:conversation", []byte(`[]`)))

	info, err := os.Stat(filepath.Join(dir, "llm-council-conversation.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileBackendRequiresDir(t *testing.T) {
	_, err := NewFileBackend("  ")
	assert.Error(t, err)
}

func TestSQLiteBackend(t *testing.T) {
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	exerciseBackend(t, backend)
}

func TestSQLiteBackendSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	first, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	NewStore(first).Save(ctx, sampleTurns())
	require.NoError(t, first.Close())

	second, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	defer second.Close()
	assert.Len(t, NewStore(second).Load(ctx), 2)
}

func TestRedisBackend(t *testing.T) {
	url := os.Getenv("COUNCIL_TEST_REDIS_URL")
	if url == "" {
		t.Skip("COUNCIL_TEST_REDIS_URL not set")
	}
	backend, err := NewRedisBackend(context.Background(), url)
	require.NoError(t, err)
	exerciseBackend(t, backend)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := Open(ctx, "", dir, "")
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, b)

	b, err = Open(ctx, "SQLite", dir, "")
	require.NoError(t, err)
	assert.IsType(t, &SQLiteBackend{}, b)
	require.NoError(t, b.Close())
	assert.FileExists(t, filepath.Join(dir, "history.db"))

	b, err = Open(ctx, "memory", "", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, b)

	_, err = Open(ctx, "redis", dir, "")
	assert.Error(t, err)

	_, err = Open(ctx, "etcd", dir, "")
	assert.Error(t, err)
}
