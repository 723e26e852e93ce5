package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	key := BackupKey("u1", "c1")
	require.NoError(t, s.Put(ctx, key, strings.NewReader("archive-bytes")))

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := s.Get(ctx, key)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "archive-bytes", string(data))

	// Overwrite replaces the object.
	require.NoError(t, s.Put(ctx, key, strings.NewReader("v2")))
	rc, err = s.Get(ctx, key)
	require.NoError(t, err)
	data, _ = io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "v2", string(data))
}

func TestDiskStoreDeletePrefix(t *testing.T) {
	ctx := context.Background()
	s, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, BackupKey("u1", "c1"), strings.NewReader("a")))
	require.NoError(t, s.Put(ctx, SnapshotKey("u1", "c1"), strings.NewReader("b")))
	require.NoError(t, s.Put(ctx, BackupKey("u1", "c2"), strings.NewReader("c")))

	require.NoError(t, s.DeletePrefix(ctx, ChatPrefix("u1", "c1")))

	ok, _ := s.Exists(ctx, BackupKey("u1", "c1"))
	assert.False(t, ok)
	ok, _ = s.Exists(ctx, SnapshotKey("u1", "c1"))
	assert.False(t, ok)
	ok, _ = s.Exists(ctx, BackupKey("u1", "c2"))
	assert.True(t, ok, "other chats survive the prefix delete")
}

func TestDiskStoreRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	s, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, s.Put(ctx, "../outside", strings.NewReader("x")))
	_, err = s.Get(ctx, "missing/key")
	assert.ErrorIs(t, err, ErrNotFound)
}
