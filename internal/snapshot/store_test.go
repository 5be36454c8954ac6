package snapshot

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setup(t *testing.T) (*Store, string) {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "protected")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "supervisors"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "core.bin"), []byte("core v1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "supervisors", "hecate.py"), []byte("hecate v1"), 0o644))
	return NewStore(filepath.Join(base, "snapshots"), root, testLogger()), root
}

func TestStore_CreateAndRestore(t *testing.T) {
	store, root := setup(t)
	ctx := context.Background()

	created, err := store.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, created.Files)

	// tamper: modify, delete and plant files
	require.NoError(t, os.WriteFile(filepath.Join(root, "core.bin"), []byte("backdoored"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(root, "supervisors", "hecate.py")))
	require.NoError(t, os.WriteFile(filepath.Join(root, "implant.sh"), []byte("#!/bin/sh"), 0o755))

	latest, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, created.Path, latest.Path)

	require.NoError(t, store.Restore(ctx, latest))

	data, err := os.ReadFile(filepath.Join(root, "core.bin"))
	require.NoError(t, err)
	assert.Equal(t, "core v1", string(data))

	data, err = os.ReadFile(filepath.Join(root, "supervisors", "hecate.py"))
	require.NoError(t, err)
	assert.Equal(t, "hecate v1", string(data))

	_, err = os.Stat(filepath.Join(root, "implant.sh"))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_LatestWithoutSnapshots(t *testing.T) {
	store, _ := setup(t)

	_, err := store.Latest(context.Background())
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestStore_LatestSkipsCorruptArchives(t *testing.T) {
	store, _ := setup(t)
	ctx := context.Background()

	good, err := store.Create(ctx)
	require.NoError(t, err)

	corrupt := filepath.Join(store.dir, "snapshot_99999999999999999999.tar.zst")
	require.NoError(t, os.WriteFile(corrupt, []byte("not an archive"), 0o600))

	handles, err := store.List()
	require.NoError(t, err)
	require.Len(t, handles, 2)
	assert.Equal(t, corrupt, handles[0].Path, "newest first")

	latest, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, good.Path, latest.Path)
}

func TestStore_RestoreRejectsUnreadableSnapshot(t *testing.T) {
	store, root := setup(t)

	corrupt := filepath.Join(t.TempDir(), "snapshot_1.tar.zst")
	require.NoError(t, os.WriteFile(corrupt, []byte("garbage"), 0o600))

	err := store.Restore(context.Background(), Handle{Path: corrupt})
	assert.Error(t, err)

	data, readErr := os.ReadFile(filepath.Join(root, "core.bin"))
	require.NoError(t, readErr)
	assert.Equal(t, "core v1", string(data), "failed restore leaves the tree untouched")
}

func TestSafeJoin(t *testing.T) {
	_, err := safeJoin("/srv/root", "../etc/passwd")
	assert.Error(t, err)

	p, err := safeJoin("/srv/root", "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv/root", "a", "b.txt"), p)
}
