package cachestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreTTL(t *testing.T) {
	store := NewMemoryStore(8)
	now := time.Now()
	store.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "exec:abc", []byte("state"), time.Second))

	value, err := store.Get(ctx, "exec:abc")
	require.NoError(t, err)
	require.Equal(t, []byte("state"), value)

	now = now.Add(2 * time.Second)
	value, err = store.Get(ctx, "exec:abc")
	require.NoError(t, err)
	require.Nil(t, value, "expired key must read as a miss")
}

func TestMemoryStoreEviction(t *testing.T) {
	store := NewMemoryStore(2)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), 0))
	require.NoError(t, store.Set(ctx, "c", []byte("3"), 0))

	value, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.Nil(t, value, "oldest key should be evicted at maxKeys")
}

func TestMemoryStoreClearPrefix(t *testing.T) {
	store := NewMemoryStore(16)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "sess:1", []byte("x"), 0))
	require.NoError(t, store.Set(ctx, "sess:2", []byte("y"), 0))
	require.NoError(t, store.Set(ctx, "exec:1", []byte("z"), 0))

	require.NoError(t, store.Clear(ctx, "sess:"))

	value, _ := store.Get(ctx, "sess:1")
	require.Nil(t, value)
	value, _ = store.Get(ctx, "exec:1")
	require.Equal(t, []byte("z"), value)
}

func TestMemoryStoreMGetMSet(t *testing.T) {
	store := NewMemoryStore(16)
	ctx := context.Background()
	require.NoError(t, store.MSet(ctx, map[string][]byte{
		"k1": []byte("v1"),
		"k2": []byte("v2"),
	}, 0))

	values, err := store.MGet(ctx, "k1", "missing", "k2")
	require.NoError(t, err)
	require.Len(t, values, 3)
	require.Equal(t, []byte("v1"), values[0])
	require.Nil(t, values[1])
	require.Equal(t, []byte("v2"), values[2])
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "exec:e1", []byte(`{"status":"paused"}`), time.Minute))

	value, err := store.Get(ctx, "exec:e1")
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"paused"}`, string(value))

	require.NoError(t, store.Delete(ctx, "exec:e1"))
	value, err = store.Get(ctx, "exec:e1")
	require.NoError(t, err)
	require.Nil(t, value)
}

func TestFileStoreExpiry(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	now := time.Now()
	store.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Second))

	now = now.Add(2 * time.Second)
	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, value)
}

func TestFileStoreClearPrefix(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "cache:s1:a", []byte("1"), 0))
	require.NoError(t, store.Set(ctx, "cache:s2:a", []byte("2"), 0))

	require.NoError(t, store.Clear(ctx, "cache:s1:"))

	value, _ := store.Get(ctx, "cache:s1:a")
	require.Nil(t, value)
	value, _ = store.Get(ctx, "cache:s2:a")
	require.Equal(t, []byte("2"), value)
}
