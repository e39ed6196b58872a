package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackend(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	for _, kind := range AllKinds() {
		info, err := os.Stat(filepath.Join(dir, string(kind)))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	require.NoError(t, backend.Put(ctx, KindJobs, "a", []byte(`{"v":1}`)))
	require.NoError(t, backend.Put(ctx, KindJobs, "a", []byte(`{"v":2}`)))
	require.NoError(t, backend.Put(ctx, KindReports, "a", []byte("# a")))

	data, err := backend.Get(ctx, KindJobs, "a")
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(data))

	_, err = os.Stat(filepath.Join(dir, "reports", "a.md"))
	assert.NoError(t, err)

	// leftover temp files from an interrupted write are not listed
	require.NoError(t, os.WriteFile(filepath.Join(dir, "jobs", tempPrefix+"b-123"), []byte("{"), 0o644))

	ids, err := backend.List(ctx, KindJobs)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	require.NoError(t, backend.Delete(ctx, KindJobs, "a"))
	require.NoError(t, backend.Delete(ctx, KindJobs, "a"))

	_, err = backend.Get(ctx, KindJobs, "a")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestFileBackend_CancelledContext(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, backend.Put(ctx, KindJobs, "a", []byte("{}")), context.Canceled)
}
