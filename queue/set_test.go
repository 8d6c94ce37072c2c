package queue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirq/dirq/memq"
	"github.com/dirq/dirq/queue"
)

func drain(t *testing.T, s *queue.Set) []string {
	t.Helper()
	var got []string
	q, elem, err := s.First()
	require.NoError(t, err)
	for q != nil {
		got = append(got, elem)
		q, elem, err = s.Next()
		require.NoError(t, err)
	}
	return got
}

func TestSetEmpty(t *testing.T) {
	s, err := queue.NewSet()
	require.NoError(t, err)

	count, err := s.Count()
	require.NoError(t, err)
	assert.Zero(t, count)

	q, elem, err := s.First()
	require.NoError(t, err)
	assert.Nil(t, q)
	assert.Empty(t, elem)
}

func TestSetMergesInNameOrder(t *testing.T) {
	a := memq.New(memq.WithRndHex(1))
	b := memq.New(memq.WithRndHex(2))

	var want []string
	for i := 0; i < 3; i++ {
		elem, err := a.Add([]byte("a"))
		require.NoError(t, err)
		want = append(want, elem)
		elem, err = b.Add([]byte("b"))
		require.NoError(t, err)
		want = append(want, elem)
	}

	s, err := queue.NewSet(a, b)
	require.NoError(t, err)

	got := drain(t, s)
	assert.Len(t, got, 6)
	assert.IsIncreasing(t, got)
	assert.ElementsMatch(t, want, got)

	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 6, count)
}

func TestSetRejectsDuplicates(t *testing.T) {
	q := memq.New()

	s, err := queue.NewSet(q)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Add(q), queue.ErrDuplicateQueue)

	// a clone counts as the same queue
	assert.ErrorIs(t, s.Add(q.Clone()), queue.ErrDuplicateQueue)
}

func TestSetRemove(t *testing.T) {
	a := memq.New(memq.WithRndHex(1))
	b := memq.New(memq.WithRndHex(2))
	_, err := a.Add([]byte("a"))
	require.NoError(t, err)
	_, err = b.Add([]byte("b"))
	require.NoError(t, err)

	s, err := queue.NewSet(a, b)
	require.NoError(t, err)
	s.Remove(a)

	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got := drain(t, s)
	assert.Len(t, got, 1)
}

func TestSetNextBeforeFirst(t *testing.T) {
	q := memq.New()
	elem, err := q.Add([]byte("x"))
	require.NoError(t, err)

	s, err := queue.NewSet(q)
	require.NoError(t, err)

	// Next with no iteration in progress starts one
	src, got, err := s.Next()
	require.NoError(t, err)
	assert.NotNil(t, src)
	assert.Equal(t, elem, got)
}

func TestSetIsolatedFromSourceCursor(t *testing.T) {
	a := memq.New()
	elem, err := a.Add([]byte("payload"))
	require.NoError(t, err)

	s, err := queue.NewSet(a)
	require.NoError(t, err)

	src, got, err := s.First()
	require.NoError(t, err)
	require.NotNil(t, src)
	assert.Equal(t, elem, got)
	assert.Equal(t, a.ID(), src.ID())

	// the set iterates its own clone, so the original cursor is untouched
	first, err := a.First()
	require.NoError(t, err)
	assert.Equal(t, elem, first)
}
