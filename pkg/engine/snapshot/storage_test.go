package snapshot_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats.go"
	"github.com/openpower/engine/pkg/engine/snapshot"
	"github.com/openpower/engine/pkg/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backupLoader is implemented by storages that keep the replaced save.
type backupLoader interface {
	LoadBackup(ctx context.Context, name string) ([]byte, error)
}

// testStorageContract checks the behavior every Storage implementation must share.
func testStorageContract(t *testing.T, s snapshot.Storage) {
	t.Helper()
	ctx := context.Background()

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = s.Load(ctx, "missing")
	require.ErrorIs(t, err, snapshot.ErrSnapshotNotFound)

	first, err := snapshot.Encode(newRegions(t, 10).Snapshot())
	require.NoError(t, err)
	second, err := snapshot.Encode(newRegions(t, 20).Snapshot())
	require.NoError(t, err)

	require.NoError(t, s.Store(ctx, "campaign", first))
	require.NoError(t, s.Store(ctx, "autosave", first))
	require.NoError(t, s.Store(ctx, "campaign", second))

	got, err := s.Load(ctx, "campaign")
	require.NoError(t, err)
	assert.Equal(t, second, got)

	if b, ok := s.(backupLoader); ok {
		backup, err := b.LoadBackup(ctx, "campaign")
		require.NoError(t, err)
		assert.Equal(t, first, backup)
	}

	names, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"autosave", "campaign"}, names)

	infos, err := snapshot.Describe(ctx, s)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "campaign", infos[1].Name)
	assert.Equal(t, len(second), infos[1].Size)

	require.NoError(t, s.Delete(ctx, "campaign"))
	require.NoError(t, s.Delete(ctx, "campaign"), "deleting twice is not an error")
	_, err = s.Load(ctx, "campaign")
	require.ErrorIs(t, err, snapshot.ErrSnapshotNotFound)

	names, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"autosave"}, names)

	for _, bad := range []string{"", "../escape", "a/b", ".hidden"} {
		require.ErrorIs(t, s.Store(ctx, bad, first), snapshot.ErrInvalidName, bad)
	}
}

func TestFileStorage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := snapshot.NewFileStorage(dir)
	require.NoError(t, err)
	testStorageContract(t, s)

	// Stray files in the directory are not saves.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o600))
	names, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"autosave"}, names)

	// No temp files are left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestRedisStorage(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s, err := snapshot.NewRedisStorage(context.Background(), snapshot.RedisStorageOptions{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	testStorageContract(t, s)
	assert.True(t, mr.Exists("openpower:snapshot:autosave"))
}

func TestRedisStorage_Unreachable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := snapshot.NewRedisStorage(context.Background(), snapshot.RedisStorageOptions{Address: addr})
	assert.Error(t, err)
}

func TestJetStreamStorage(t *testing.T) {
	t.Parallel()
	rng := testutils.NewRand(t)

	nc, err := nats.Connect(testNATS.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	bucket := "snapshots_" + strconv.FormatUint(rng.Uint64(), 36)
	s, err := snapshot.NewJetStreamStorage(context.Background(), snapshot.JetStreamStorageOptions{
		Conn:   nc,
		Bucket: bucket,
	})
	require.NoError(t, err)
	testStorageContract(t, s)

	// Opening an existing bucket reuses it.
	again, err := snapshot.NewJetStreamStorage(context.Background(), snapshot.JetStreamStorageOptions{
		URL:    testNATS.ClientURL(),
		Bucket: bucket,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = again.Close() })
	names, err := again.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"autosave"}, names)
}

func TestNopStorage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := snapshot.NewNopStorage()
	require.NoError(t, s.Store(ctx, "x", []byte("data")))
	_, err := s.Load(ctx, "x")
	require.ErrorIs(t, err, snapshot.ErrSnapshotNotFound)
	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestParseStorageType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    snapshot.StorageType
		wantErr bool
	}{
		{in: "nop", want: snapshot.StorageTypeNop},
		{in: "FILE", want: snapshot.StorageTypeFile},
		{in: "Redis", want: snapshot.StorageTypeRedis},
		{in: "jetstream", want: snapshot.StorageTypeJetStream},
		{in: "s3", want: snapshot.StorageTypeUndefined, wantErr: true},
	}
	for _, tt := range tests {
		got, err := snapshot.ParseStorageType(tt.in)
		if tt.wantErr {
			require.Error(t, err)
		} else {
			require.NoError(t, err)
			assert.True(t, got.IsValid())
		}
		assert.Equal(t, tt.want, got)
	}
}

func TestOpen(t *testing.T) { //nolint:paralleltest // Uses t.Setenv
	dir := t.TempDir()
	t.Setenv("SIM_SNAPSHOT_STORAGE", "file")
	t.Setenv("SIM_SNAPSHOT_DIR", dir)

	cfg, err := snapshot.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, snapshot.DefaultName, cfg.Name)

	s, closeFn, err := snapshot.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFn() })
	assert.IsType(t, &snapshot.FileStorage{}, s)

	t.Setenv("SIM_SNAPSHOT_NAME", "../bad")
	_, err = snapshot.LoadConfig()
	require.ErrorIs(t, err, snapshot.ErrInvalidName)
}
