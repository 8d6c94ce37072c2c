// Package memq is the in-memory queue engine. It keeps elements in a
// mutex-guarded map inside the process, with the same verb set, name
// grammar and advisory-lock semantics as the directory engines, so test and
// development pipelines can swap it in without touching the filesystem.
package memq

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dirq/dirq/name"
	"github.com/dirq/dirq/queue"
)

var seq atomic.Uint64

// Queue is an in-memory byte queue. Clones share the same element store but
// keep independent iteration cursors.
type Queue struct {
	st     *store
	rndhex uint8
	elts   []string
}

type store struct {
	mu     sync.Mutex
	id     string
	data   map[string][]byte
	locked map[string]time.Time
}

var _ queue.ByteQueue = (*Queue)(nil)

// Option configures a Queue.
type Option func(*Queue)

// WithRndHex pins the disambiguation digit used in generated names.
func WithRndHex(d uint8) Option {
	return func(q *Queue) { q.rndhex = d & 0xf }
}

// New creates an empty in-memory queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		st: &store{
			id:     fmt.Sprintf("mem:%d", seq.Add(1)),
			data:   map[string][]byte{},
			locked: map[string]time.Time{},
		},
		rndhex: name.Rand(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) ID() string { return q.st.id }

// Clone returns a handle on the same store with a fresh cursor.
func (q *Queue) Clone() queue.Queue {
	return &Queue{st: q.st, rndhex: q.rndhex}
}

// Add inserts data under a freshly generated name, regenerating on the
// (rare) collision.
func (q *Queue) Add(data []byte) (string, error) {
	q.st.mu.Lock()
	defer q.st.mu.Unlock()
	for {
		elem := name.New(q.rndhex)
		if _, exists := q.st.data[elem]; exists {
			continue
		}
		q.st.data[elem] = append([]byte(nil), data...)
		return elem, nil
	}
}

// Get returns the data of a locked element.
func (q *Queue) Get(elem string) ([]byte, error) {
	if err := check(elem); err != nil {
		return nil, err
	}
	q.st.mu.Lock()
	defer q.st.mu.Unlock()
	if _, locked := q.st.locked[elem]; !locked {
		return nil, fmt.Errorf("cannot get %s: %w", elem, queue.ErrNotLocked)
	}
	data, ok := q.st.data[elem]
	if !ok {
		return nil, fmt.Errorf("cannot get %s: %w", elem, queue.ErrNotLocked)
	}
	return append([]byte(nil), data...), nil
}

// Lock attempts to lock an element.
func (q *Queue) Lock(elem string, permissive bool) (bool, error) {
	if err := check(elem); err != nil {
		return false, err
	}
	q.st.mu.Lock()
	defer q.st.mu.Unlock()
	if _, ok := q.st.data[elem]; !ok {
		if permissive {
			return false, nil
		}
		return false, fmt.Errorf("cannot lock %s: no such element", elem)
	}
	if _, locked := q.st.locked[elem]; locked {
		if permissive {
			return false, nil
		}
		return false, fmt.Errorf("cannot lock %s: already locked", elem)
	}
	q.st.locked[elem] = time.Now()
	return true, nil
}

// Unlock releases a lock.
func (q *Queue) Unlock(elem string, permissive bool) (bool, error) {
	if err := check(elem); err != nil {
		return false, err
	}
	q.st.mu.Lock()
	defer q.st.mu.Unlock()
	if _, locked := q.st.locked[elem]; !locked {
		if permissive {
			return false, nil
		}
		return false, fmt.Errorf("cannot unlock %s: not locked", elem)
	}
	delete(q.st.locked, elem)
	return true, nil
}

// Remove deletes a locked element.
func (q *Queue) Remove(elem string) error {
	if err := check(elem); err != nil {
		return err
	}
	q.st.mu.Lock()
	defer q.st.mu.Unlock()
	if _, locked := q.st.locked[elem]; !locked {
		return fmt.Errorf("cannot remove %s: %w", elem, queue.ErrNotLocked)
	}
	delete(q.st.data, elem)
	delete(q.st.locked, elem)
	return nil
}

// Count returns the number of elements, locked or not.
func (q *Queue) Count() (int, error) {
	q.st.mu.Lock()
	defer q.st.mu.Unlock()
	return len(q.st.data), nil
}

// Purge releases locks older than the MaxLock threshold. The in-memory
// engine has no buckets or temporary elements to reclaim.
func (q *Queue) Purge(opts ...queue.PurgeOption) error {
	o := queue.PurgeDefaults()
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxLock == 0 {
		return nil
	}
	cutoff := time.Now().Add(-o.MaxLock)
	q.st.mu.Lock()
	defer q.st.mu.Unlock()
	for elem, since := range q.st.locked {
		if since.Before(cutoff) {
			delete(q.st.locked, elem)
		}
	}
	return nil
}

// First resets the cursor to a sorted snapshot of the current elements and
// returns the first one.
func (q *Queue) First() (string, error) {
	q.st.mu.Lock()
	q.elts = make([]string, 0, len(q.st.data))
	for elem := range q.st.data {
		q.elts = append(q.elts, elem)
	}
	q.st.mu.Unlock()
	sort.Strings(q.elts)
	return q.Next()
}

// Next returns the next element from the snapshot taken by First, or the
// empty string at the end.
func (q *Queue) Next() (string, error) {
	if len(q.elts) == 0 {
		return "", nil
	}
	elem := q.elts[0]
	q.elts = q.elts[1:]
	return elem, nil
}

func check(elem string) error {
	if !name.Element.MatchString(elem) {
		return fmt.Errorf("%w: %s", queue.ErrInvalidName, elem)
	}
	return nil
}
