package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewRedisStore(mr.Addr(), "", 0, "test:")
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRecordLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	got, err := store.GetRecord(ctx, "widget", "a")
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, store.PutRecord(ctx, "widget", "a", map[string]string{
		"color": "red",
		"count": "3",
	}))

	got, err = store.GetRecord(ctx, "widget", "a")
	require.NoError(t, err)
	require.Equal(t, "red", got["color"])
	require.Equal(t, "3", got["count"])

	// Partial update merges, never replaces.
	require.NoError(t, store.PutRecord(ctx, "widget", "a", map[string]string{"color": "blue"}))
	got, err = store.GetRecord(ctx, "widget", "a")
	require.NoError(t, err)
	require.Equal(t, "blue", got["color"])
	require.Equal(t, "3", got["count"])

	deleted, err := store.DeleteRecord(ctx, "widget", "a")
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = store.DeleteRecord(ctx, "widget", "a")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestRecordExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutRecord(ctx, "widget", "b", map[string]string{"x": "1"}))
	require.NoError(t, store.ExpireRecord(ctx, "widget", "b", time.Minute))

	mr.FastForward(2 * time.Minute)

	got, err := store.GetRecord(ctx, "widget", "b")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSets(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetAdd(ctx, "pool", "a"))
	require.NoError(t, store.SetAdd(ctx, "pool", "b"))
	require.NoError(t, store.SetAdd(ctx, "pool", "a"))

	members, err := store.SetMembers(ctx, "pool")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, members)

	ok, err := store.SetContains(ctx, "pool", "a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.SetRemove(ctx, "pool", "a"))
	ok, err = store.SetContains(ctx, "pool", "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSortedSetRangeByScore(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SortedSetAdd(ctx, "due", "early", 100))
	require.NoError(t, store.SortedSetAdd(ctx, "due", "late", 500))

	due, err := store.SortedSetRangeByScore(ctx, "due", float64(-1<<62), 200)
	require.NoError(t, err)
	require.Equal(t, []string{"early"}, due)

	require.NoError(t, store.SortedSetRemove(ctx, "due", "early"))
	due, err = store.SortedSetRangeByScore(ctx, "due", float64(-1<<62), 1000)
	require.NoError(t, err)
	require.Equal(t, []string{"late"}, due)
}

func TestIncrementField(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	n, err := store.IncrementField(ctx, "widget", "c", "count", 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = store.IncrementField(ctx, "widget", "c", "count", 4)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
}

func TestIncrementCounterSetsTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	n, err := store.IncrementCounter(ctx, "rate:u1:100", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = store.IncrementCounter(ctx, "rate:u1:100", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	mr.FastForward(2 * time.Minute)

	n, err = store.IncrementCounter(ctx, "rate:u1:100", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestScanNamespace(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutRecord(ctx, "widget", "a", map[string]string{"x": "1"}))
	require.NoError(t, store.PutRecord(ctx, "widget", "b", map[string]string{"x": "1"}))
	require.NoError(t, store.PutRecord(ctx, "gadget", "c", map[string]string{"x": "1"}))

	ids, err := store.Scan(ctx, "widget")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, ids)
}
