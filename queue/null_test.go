package queue_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirq/dirq/queue"
)

func TestNullSwallowsData(t *testing.T) {
	q := queue.NewNull()

	elem, err := q.Add([]byte("gone"))
	require.NoError(t, err)
	assert.Empty(t, elem)

	count, err := q.Count()
	require.NoError(t, err)
	assert.Zero(t, count)

	first, err := q.First()
	require.NoError(t, err)
	assert.Empty(t, first)
}

func TestNullAddPathDeletes(t *testing.T) {
	q := queue.NewNull()

	path := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(path, []byte("gone"), 0o666))

	_, err := q.AddPath(path)
	require.NoError(t, err)
	assert.NoFileExists(t, path)
}

func TestNullAccessorsUnsupported(t *testing.T) {
	q := queue.NewNull()

	_, err := q.Get("00000000/00000000000000")
	assert.ErrorIs(t, err, queue.ErrUnsupported)
	_, err = q.Lock("00000000/00000000000000", true)
	assert.ErrorIs(t, err, queue.ErrUnsupported)
	_, err = q.Unlock("00000000/00000000000000", true)
	assert.ErrorIs(t, err, queue.ErrUnsupported)
	assert.ErrorIs(t, q.Remove("00000000/00000000000000"), queue.ErrUnsupported)
	assert.NoError(t, q.Purge())
}

func TestNullInSet(t *testing.T) {
	s, err := queue.NewSet(queue.NewNull())
	require.NoError(t, err)

	q, elem, err := s.First()
	require.NoError(t, err)
	assert.Nil(t, q)
	assert.Empty(t, elem)
}
