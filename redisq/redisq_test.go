package redisq

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirq/dirq/name"
	"github.com/dirq/dirq/queue"
	"github.com/dirq/dirq/test"
)

func TestAddGetRemove(t *testing.T) {
	ctx := test.Context(t)
	_, rdb := test.MiniRedis(t)
	q, err := New(rdb, test.Prefix(t))
	require.NoError(t, err)

	elem, err := q.Add(ctx, []byte("hello world"))
	require.NoError(t, err)
	assert.Regexp(t, name.Element, elem)

	count, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	ok, err := q.Lock(ctx, elem, true)
	require.NoError(t, err)
	require.True(t, ok)

	data, err := q.Get(ctx, elem)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), data)

	require.NoError(t, q.Remove(ctx, elem))

	count, err = q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestGetRequiresLock(t *testing.T) {
	ctx := test.Context(t)
	_, rdb := test.MiniRedis(t)
	q, err := New(rdb, test.Prefix(t))
	require.NoError(t, err)

	elem, err := q.Add(ctx, []byte("data"))
	require.NoError(t, err)

	_, err = q.Get(ctx, elem)
	assert.ErrorIs(t, err, queue.ErrNotLocked)
}

func TestLockExclusive(t *testing.T) {
	ctx := test.Context(t)
	_, rdb := test.MiniRedis(t)
	q, err := New(rdb, test.Prefix(t))
	require.NoError(t, err)

	elem, err := q.Add(ctx, []byte("data"))
	require.NoError(t, err)

	ok, err := q.Lock(ctx, elem, true)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Lock(ctx, elem, true)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = q.Lock(ctx, elem, false)
	assert.Error(t, err)
}

func TestLockVanishedElement(t *testing.T) {
	ctx := test.Context(t)
	_, rdb := test.MiniRedis(t)
	q, err := New(rdb, test.Prefix(t))
	require.NoError(t, err)

	ok, err := q.Lock(ctx, "00000000000000", true)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = q.Lock(ctx, "00000000000000", false)
	assert.Error(t, err)
}

func TestUnlock(t *testing.T) {
	ctx := test.Context(t)
	_, rdb := test.MiniRedis(t)
	q, err := New(rdb, test.Prefix(t))
	require.NoError(t, err)

	elem, err := q.Add(ctx, []byte("data"))
	require.NoError(t, err)

	ok, err := q.Lock(ctx, elem, false)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.Unlock(ctx, elem, false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Unlock(ctx, elem, true)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = q.Unlock(ctx, elem, false)
	assert.Error(t, err)
}

func TestRemoveRequiresLock(t *testing.T) {
	ctx := test.Context(t)
	_, rdb := test.MiniRedis(t)
	q, err := New(rdb, test.Prefix(t))
	require.NoError(t, err)

	elem, err := q.Add(ctx, []byte("data"))
	require.NoError(t, err)

	assert.ErrorIs(t, q.Remove(ctx, elem), queue.ErrNotLocked)
}

func TestInvalidName(t *testing.T) {
	ctx := test.Context(t)
	_, rdb := test.MiniRedis(t)
	q, err := New(rdb, test.Prefix(t))
	require.NoError(t, err)

	for _, elem := range []string{"", "nonsense", "00000000/00000000000000"} {
		_, err := q.Lock(ctx, elem, true)
		assert.ErrorIs(t, err, queue.ErrInvalidName, elem)
	}
}

func TestIteration(t *testing.T) {
	ctx := test.Context(t)
	_, rdb := test.MiniRedis(t)
	q, err := New(rdb, test.Prefix(t))
	require.NoError(t, err)

	want := make(map[string]bool)
	for i := 0; i < 5; i++ {
		elem, err := q.Add(ctx, []byte{byte(i)})
		require.NoError(t, err)
		want[elem] = true
	}

	var got []string
	elem, err := q.First(ctx)
	require.NoError(t, err)
	for elem != "" {
		got = append(got, elem)
		elem, err = q.Next(ctx)
		require.NoError(t, err)
	}

	assert.Len(t, got, 5)
	assert.IsIncreasing(t, got)
	for _, elem := range got {
		assert.True(t, want[elem])
	}
}

func TestIterationIgnoresLockKeys(t *testing.T) {
	ctx := test.Context(t)
	_, rdb := test.MiniRedis(t)
	q, err := New(rdb, test.Prefix(t))
	require.NoError(t, err)

	elem, err := q.Add(ctx, []byte("data"))
	require.NoError(t, err)
	ok, err := q.Lock(ctx, elem, true)
	require.NoError(t, err)
	require.True(t, ok)

	count, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDequeue(t *testing.T) {
	ctx := test.Context(t)
	_, rdb := test.MiniRedis(t)
	q, err := New(rdb, test.Prefix(t))
	require.NoError(t, err)

	elem, err := q.Add(ctx, []byte("consume me"))
	require.NoError(t, err)

	data, err := q.Dequeue(ctx, elem)
	require.NoError(t, err)
	assert.Equal(t, []byte("consume me"), data)

	_, err = q.Dequeue(ctx, elem)
	assert.ErrorIs(t, err, queue.ErrLockNotAcquired)
}

func TestStaleLockTakeover(t *testing.T) {
	ctx := test.Context(t)
	_, rdb := test.MiniRedis(t)
	prefix := test.Prefix(t)
	q, err := New(rdb, prefix)
	require.NoError(t, err)

	elem, err := q.Add(ctx, []byte("data"))
	require.NoError(t, err)

	// a lock left behind by a consumer that died an hour ago
	stale := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	require.NoError(t, rdb.Set(ctx, prefix+"."+elem+lockSuffix, stale, 0).Err())

	ok, err := q.Lock(ctx, elem, true)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFreshLockNotBroken(t *testing.T) {
	ctx := test.Context(t)
	_, rdb := test.MiniRedis(t)
	prefix := test.Prefix(t)
	q, err := New(rdb, prefix)
	require.NoError(t, err)

	elem, err := q.Add(ctx, []byte("data"))
	require.NoError(t, err)

	fresh := strconv.FormatInt(time.Now().Unix(), 10)
	require.NoError(t, rdb.Set(ctx, prefix+"."+elem+lockSuffix, fresh, 0).Err())

	ok, err := q.Lock(ctx, elem, true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTakeoverDisabled(t *testing.T) {
	ctx := test.Context(t)
	_, rdb := test.MiniRedis(t)
	prefix := test.Prefix(t)
	q, err := New(rdb, prefix, WithMaxLock(0))
	require.NoError(t, err)

	elem, err := q.Add(ctx, []byte("data"))
	require.NoError(t, err)

	stale := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	require.NoError(t, rdb.Set(ctx, prefix+"."+elem+lockSuffix, stale, 0).Err())

	ok, err := q.Lock(ctx, elem, true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPurge(t *testing.T) {
	ctx := test.Context(t)
	_, rdb := test.MiniRedis(t)
	prefix := test.Prefix(t)
	q, err := New(rdb, prefix)
	require.NoError(t, err)

	staleElem, err := q.Add(ctx, []byte("stale"))
	require.NoError(t, err)
	freshElem, err := q.Add(ctx, []byte("fresh"))
	require.NoError(t, err)

	stale := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	require.NoError(t, rdb.Set(ctx, prefix+"."+staleElem+lockSuffix, stale, 0).Err())
	ok, err := q.Lock(ctx, freshElem, true)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Purge(ctx))

	// the stale lock is broken, the fresh one survives
	n, err := rdb.Exists(ctx, prefix+"."+staleElem+lockSuffix).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = rdb.Exists(ctx, prefix+"."+freshElem+lockSuffix).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// the elements themselves are untouched
	count, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPurgeDisabled(t *testing.T) {
	ctx := test.Context(t)
	_, rdb := test.MiniRedis(t)
	prefix := test.Prefix(t)
	q, err := New(rdb, prefix)
	require.NoError(t, err)

	elem, err := q.Add(ctx, []byte("data"))
	require.NoError(t, err)
	stale := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	require.NoError(t, rdb.Set(ctx, prefix+"."+elem+lockSuffix, stale, 0).Err())

	require.NoError(t, q.Purge(ctx, queue.MaxLock(0)))

	n, err := rdb.Exists(ctx, prefix+"."+elem+lockSuffix).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestClone(t *testing.T) {
	ctx := test.Context(t)
	_, rdb := test.MiniRedis(t)
	q, err := New(rdb, test.Prefix(t))
	require.NoError(t, err)

	_, err = q.Add(ctx, []byte("one"))
	require.NoError(t, err)
	_, err = q.Add(ctx, []byte("two"))
	require.NoError(t, err)

	first, err := q.First(ctx)
	require.NoError(t, err)

	clone := q.Clone()
	assert.Equal(t, q.ID(), clone.ID())

	cloneFirst, err := clone.First(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, cloneFirst)

	_, err = clone.Next(ctx)
	require.NoError(t, err)
	second, err := q.Next(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, second)
}

func TestEmptyPrefix(t *testing.T) {
	_, rdb := test.MiniRedis(t)
	_, err := New(rdb, "")
	assert.ErrorIs(t, err, queue.ErrInvalidName)
}

func TestCountError(t *testing.T) {
	ctx := test.Context(t)
	rdb, mock := redismock.NewClientMock()
	q, err := New(rdb, "q")
	require.NoError(t, err)

	mock.ExpectScan(0, "q.*", 100).SetErr(errors.New("connection refused"))

	_, err = q.Count(ctx)
	assert.ErrorContains(t, err, "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockError(t *testing.T) {
	ctx := test.Context(t)
	rdb, mock := redismock.NewClientMock()
	q, err := New(rdb, "q")
	require.NoError(t, err)

	mock.ExpectExists("q.00000000000000").SetErr(errors.New("connection refused"))

	_, err = q.Lock(ctx, "00000000000000", true)
	assert.ErrorContains(t, err, "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}
