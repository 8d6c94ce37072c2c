package simple

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirq/dirq/name"
	"github.com/dirq/dirq/queue"
)

func newTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	q, err := New(filepath.Join(t.TempDir(), "queue"), opts...)
	require.NoError(t, err)
	return q
}

func TestAddGetRemove(t *testing.T) {
	q := newTestQueue(t)

	elem, err := q.Add([]byte("hello world"))
	require.NoError(t, err)
	assert.Regexp(t, name.Path, elem)

	count, err := q.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	ok, err := q.Lock(elem, true)
	require.NoError(t, err)
	require.True(t, ok)

	data, err := q.Get(elem)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), data)

	require.NoError(t, q.Remove(elem))

	count, err = q.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestAddPath(t *testing.T) {
	q := newTestQueue(t)

	path := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(path, []byte("imported"), 0o666))

	elem, err := q.AddPath(path)
	require.NoError(t, err)
	assert.Regexp(t, name.Path, elem)

	// the original file has been moved into the queue
	assert.NoFileExists(t, path)

	data, err := q.GetElement(elem)
	require.NoError(t, err)
	assert.Equal(t, []byte("imported"), data)
}

func TestGetPath(t *testing.T) {
	q := newTestQueue(t)

	elem, err := q.Add([]byte("on disk"))
	require.NoError(t, err)

	ok, err := q.Lock(elem, true)
	require.NoError(t, err)
	require.True(t, ok)

	data, err := os.ReadFile(q.GetPath(elem))
	require.NoError(t, err)
	assert.Equal(t, []byte("on disk"), data)
}

func TestGetRequiresLock(t *testing.T) {
	q := newTestQueue(t)

	elem, err := q.Add([]byte("data"))
	require.NoError(t, err)

	_, err = q.Get(elem)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLockExclusive(t *testing.T) {
	q := newTestQueue(t)

	elem, err := q.Add([]byte("data"))
	require.NoError(t, err)

	ok, err := q.Lock(elem, true)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Lock(elem, true)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = q.Lock(elem, false)
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestLockVanishedElement(t *testing.T) {
	q := newTestQueue(t)

	ok, err := q.Lock("00000000/00000000000000", true)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = q.Lock("00000000/00000000000000", false)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestUnlock(t *testing.T) {
	q := newTestQueue(t)

	elem, err := q.Add([]byte("data"))
	require.NoError(t, err)

	ok, err := q.Lock(elem, true)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.Unlock(elem, false)
	require.NoError(t, err)
	assert.True(t, ok)

	// idempotent in permissive mode, an error otherwise
	ok, err = q.Unlock(elem, true)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = q.Unlock(elem, false)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRemoveRequiresLock(t *testing.T) {
	q := newTestQueue(t)

	elem, err := q.Add([]byte("data"))
	require.NoError(t, err)

	assert.ErrorIs(t, q.Remove(elem), queue.ErrNotLocked)
}

func TestInvalidName(t *testing.T) {
	q := newTestQueue(t)

	for _, elem := range []string{"", "nonsense", "../../etc/passwd", "00000000"} {
		_, err := q.Lock(elem, true)
		assert.ErrorIs(t, err, queue.ErrInvalidName, elem)
	}
}

func TestIteration(t *testing.T) {
	q := newTestQueue(t, WithRndHex(7))

	want := make(map[string]bool)
	for i := 0; i < 5; i++ {
		elem, err := q.Add([]byte{byte(i)})
		require.NoError(t, err)
		want[elem] = true
	}

	var got []string
	elem, err := q.First()
	require.NoError(t, err)
	for elem != "" {
		got = append(got, elem)
		elem, err = q.Next()
		require.NoError(t, err)
	}

	assert.Len(t, got, 5)
	assert.IsIncreasing(t, got)
	for _, elem := range got {
		assert.True(t, want[elem])
	}
}

func TestDequeue(t *testing.T) {
	q := newTestQueue(t)

	elem, err := q.Add([]byte("consume me"))
	require.NoError(t, err)

	data, err := q.Dequeue(elem)
	require.NoError(t, err)
	assert.Equal(t, []byte("consume me"), data)

	count, err := q.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// gone, so the lock cannot be acquired again
	_, err = q.Dequeue(elem)
	assert.ErrorIs(t, err, queue.ErrLockNotAcquired)
}

func TestGranularity(t *testing.T) {
	q := newTestQueue(t, WithGranularity(time.Hour))

	a, err := q.Add([]byte("a"))
	require.NoError(t, err)
	b, err := q.Add([]byte("b"))
	require.NoError(t, err)

	// both land in the same hour-wide bucket
	assert.Equal(t, filepath.Dir(a), filepath.Dir(b))
}

func TestClone(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.Add([]byte("one"))
	require.NoError(t, err)
	_, err = q.Add([]byte("two"))
	require.NoError(t, err)

	first, err := q.First()
	require.NoError(t, err)

	clone := q.Clone().(*Queue)
	assert.Equal(t, q.ID(), clone.ID())

	cloneFirst, err := clone.First()
	require.NoError(t, err)
	assert.Equal(t, first, cloneFirst)

	// advancing the clone does not move the original's cursor
	_, err = clone.Next()
	require.NoError(t, err)
	second, err := q.Next()
	require.NoError(t, err)
	assert.NotEmpty(t, second)
}

func TestPurgeStaleTemporary(t *testing.T) {
	q := newTestQueue(t)

	elem, err := q.Add([]byte("keep"))
	require.NoError(t, err)

	// a leftover temporary file from a crashed producer
	bucket := filepath.Dir(filepath.Join(q.Root(), elem))
	stale := filepath.Join(bucket, "00000000000000.tmp")
	require.NoError(t, os.WriteFile(stale, []byte("junk"), 0o666))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	require.NoError(t, q.Purge())
	assert.NoFileExists(t, stale)

	count, err := q.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPurgeStaleLock(t *testing.T) {
	q := newTestQueue(t)

	elem, err := q.Add([]byte("data"))
	require.NoError(t, err)
	ok, err := q.Lock(elem, true)
	require.NoError(t, err)
	require.True(t, ok)

	lock := q.GetPath(elem)
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(lock, old, old))

	require.NoError(t, q.Purge())
	assert.NoFileExists(t, lock)

	// the element itself survives and can be locked again
	ok, err = q.Lock(elem, true)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPurgeDisabled(t *testing.T) {
	q := newTestQueue(t)

	elem, err := q.Add([]byte("data"))
	require.NoError(t, err)
	ok, err := q.Lock(elem, true)
	require.NoError(t, err)
	require.True(t, ok)

	lock := q.GetPath(elem)
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(lock, old, old))

	require.NoError(t, q.Purge(queue.MaxLock(0)))
	assert.FileExists(t, lock)
}

func TestPurgeEmptyBuckets(t *testing.T) {
	q := newTestQueue(t)

	// simulate drained historic buckets alongside a live one
	for _, bucket := range []string{"00000064", "000000c8", "0000012c"} {
		require.NoError(t, os.Mkdir(filepath.Join(q.Root(), bucket), 0o777))
	}
	live := filepath.Join(q.Root(), "000000c8", "0000006400000a")
	require.NoError(t, os.WriteFile(live, []byte("data"), 0o666))

	require.NoError(t, q.Purge())

	assert.NoDirExists(t, filepath.Join(q.Root(), "00000064"))
	assert.DirExists(t, filepath.Join(q.Root(), "000000c8"))
	assert.DirExists(t, filepath.Join(q.Root(), "0000012c"))
}

func TestPurgeAfterDrain(t *testing.T) {
	q := newTestQueue(t)

	for i := 0; i < 5; i++ {
		elem, err := q.Add([]byte{byte(i)})
		require.NoError(t, err)
		_, err = q.Dequeue(elem)
		require.NoError(t, err)
	}

	count, err := q.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	require.NoError(t, q.Purge())

	entries, err := os.ReadDir(q.Root())
	require.NoError(t, err)
	buckets := 0
	for _, entry := range entries {
		if name.Bucket.MatchString(entry.Name()) {
			buckets++
		}
	}
	assert.LessOrEqual(t, buckets, 1)
}
