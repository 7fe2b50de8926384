package progress

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreFlushAndLoad(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	store.Flush(42, 100)
	cp, ok := store.Load()
	require.True(t, ok)
	assert.Equal(t, 42, cp.Downloaded)
	assert.Equal(t, 100, cp.Total)
	assert.Greater(t, cp.Timestamp, 0.0)
}

func TestStoreUpdateWritesEveryHundred(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	store.Update(50, 500)
	_, ok := store.Load()
	assert.False(t, ok, "checkpoint should not exist below the write interval")

	store.Update(100, 500)
	cp, ok := store.Load()
	require.True(t, ok)
	assert.Equal(t, 100, cp.Downloaded)

	store.Update(150, 500)
	cp, _ = store.Load()
	assert.Equal(t, 100, cp.Downloaded, "checkpoint should only advance every %d segments", WriteEvery)

	store.Update(205, 500)
	cp, _ = store.Load()
	assert.Equal(t, 205, cp.Downloaded)
}

func TestLoadMissingCheckpoint(t *testing.T) {
	store := NewStore(t.TempDir())
	_, ok := store.Load()
	assert.False(t, ok)
}

func TestLoadCorruptCheckpoint(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "progress.json"), []byte("{not json"), 0644))
	store := NewStore(dir)
	_, ok := store.Load()
	assert.False(t, ok)
}
