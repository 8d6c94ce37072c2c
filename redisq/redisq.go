// Package redisq implements the queue API over Redis instead of a shared
// filesystem: elements are plain keys, locks are companion keys holding the
// acquisition timestamp, and SETNX provides the publication and lock
// atomicity that mkdir and link provide on disk.
//
// The locking primitives should not be used where the lock is critical for
// correctness: like the filesystem engines, the guarantees are only
// suitable for applications that lock for efficiency, with stale locks
// eventually broken by timestamp.
//
// The API mirrors queue.ByteQueue but every operation takes a
// context.Context, since every operation is a network round trip.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dirq/dirq/name"
	"github.com/dirq/dirq/queue"
)

const lockSuffix = ".lck"

// DefaultMaxLock is how old a held lock must be before another Lock call
// may break it and take over.
const DefaultMaxLock = 600 * time.Second

// Queue is a Redis-backed queue handle. Any number of handles, in any
// number of processes, may share the same prefix on the same Redis; only
// the iteration cursor is local.
type Queue struct {
	client  redis.Cmdable
	prefix  string
	id      string
	rndhex  uint8
	maxLock time.Duration
	log     *zap.Logger

	elts []string
	next int
}

// Option configures a Queue.
type Option func(*Queue)

// WithRndHex pins the disambiguation digit mixed into generated names.
func WithRndHex(d uint8) Option {
	return func(q *Queue) { q.rndhex = d & 0xf }
}

// WithMaxLock sets how old a lock must be before Lock may break it. Zero
// disables takeover entirely.
func WithMaxLock(d time.Duration) Option {
	return func(q *Queue) { q.maxLock = d }
}

// WithLogger sets the sink for purge diagnostics; the default discards
// them.
func WithLogger(log *zap.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// New returns a queue storing its elements under the given key prefix.
func New(client redis.Cmdable, prefix string, opts ...Option) (*Queue, error) {
	if prefix == "" {
		return nil, fmt.Errorf("%w: empty key prefix", queue.ErrInvalidName)
	}
	q := &Queue{
		client:  client,
		prefix:  prefix,
		id:      "redis:" + prefix,
		rndhex:  name.Rand(),
		maxLock: DefaultMaxLock,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// ID returns the queue identity, derived from the key prefix.
func (q *Queue) ID() string { return q.id }

// Clone returns a handle on the same queue with a fresh iteration cursor.
func (q *Queue) Clone() *Queue {
	clone := *q
	clone.elts = nil
	clone.next = 0
	return &clone
}

func (q *Queue) key(elem string) string {
	return q.prefix + "." + elem
}

// Add inserts data as a new element and returns its name. SETNX makes the
// insertion the single atomic publication step; a name collision
// regenerates the name and retries.
func (q *Queue) Add(ctx context.Context, data []byte) (string, error) {
	for {
		elem := name.New(q.rndhex)
		ok, err := q.client.SetNX(ctx, q.key(elem), data, 0).Result()
		if err != nil {
			return "", err
		}
		if ok {
			return elem, nil
		}
		// RACE: element name already taken, try another
	}
}

// Get returns the data of a locked element.
func (q *Queue) Get(ctx context.Context, elem string) ([]byte, error) {
	if err := checkElement(elem); err != nil {
		return nil, err
	}
	locked, err := q.locked(ctx, elem)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("cannot get %s: %w", elem, queue.ErrNotLocked)
	}
	data, err := q.client.Get(ctx, q.key(elem)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("no such element: %s", elem)
	}
	return data, err
}

// Lock attempts to lock an element by creating its lock key with SETNX,
// storing the acquisition time. A held lock older than the takeover
// threshold is broken with GETSET: the caller wins only if the timestamp it
// displaced was itself still stale, so two concurrent breakers cannot both
// win. In permissive mode "already locked" and "element vanished" return
// false.
func (q *Queue) Lock(ctx context.Context, elem string, permissive bool) (bool, error) {
	if err := checkElement(elem); err != nil {
		return false, err
	}
	exists, err := q.client.Exists(ctx, q.key(elem)).Result()
	if err != nil {
		return false, err
	}
	if exists == 0 {
		if permissive {
			return false, nil
		}
		return false, fmt.Errorf("no such element: %s", elem)
	}
	now := time.Now().Unix()
	lock := q.key(elem) + lockSuffix
	ok, err := q.client.SetNX(ctx, lock, now, 0).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	stale, err := q.lockStale(ctx, lock, now)
	if err != nil {
		return false, err
	}
	if stale {
		// GETSET installs our timestamp and tells us whose lock we
		// displaced; if that one was still stale, the takeover is ours
		old, err := q.client.GetSet(ctx, lock, now).Result()
		if errors.Is(err, redis.Nil) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if staleTimestamp(old, now, q.maxLock) {
			q.log.Warn("broke stale lock", zap.String("element", elem))
			return true, nil
		}
		// RACE: somebody else broke the lock first; their (fresh)
		// timestamp is now ours too, but they hold the lock
	}
	if permissive {
		return false, nil
	}
	return false, fmt.Errorf("already locked: %s", elem)
}

// lockStale reports whether the lock key holds a timestamp old enough for
// takeover.
func (q *Queue) lockStale(ctx context.Context, lock string, now int64) (bool, error) {
	if q.maxLock == 0 {
		return false, nil
	}
	val, err := q.client.Get(ctx, lock).Result()
	if errors.Is(err, redis.Nil) {
		// RACE: released in between; the next Lock attempt will get it
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return staleTimestamp(val, now, q.maxLock), nil
}

func staleTimestamp(val string, now int64, maxLock time.Duration) bool {
	held, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		// unparseable lock values are treated as infinitely stale
		return true
	}
	return now-held >= int64(maxLock/time.Second)
}

// Unlock removes the element's lock key. In permissive mode "nothing to
// unlock" returns false.
func (q *Queue) Unlock(ctx context.Context, elem string, permissive bool) (bool, error) {
	if err := checkElement(elem); err != nil {
		return false, err
	}
	n, err := q.client.Del(ctx, q.key(elem)+lockSuffix).Result()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if permissive {
			return false, nil
		}
		return false, fmt.Errorf("not locked: %s", elem)
	}
	return true, nil
}

// Remove deletes a locked element: its lock key, then the element key.
// Calling Remove without holding the lock is a usage error.
func (q *Queue) Remove(ctx context.Context, elem string) error {
	if err := checkElement(elem); err != nil {
		return err
	}
	n, err := q.client.Del(ctx, q.key(elem)+lockSuffix).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("cannot remove %s: %w", elem, queue.ErrNotLocked)
	}
	return q.client.Del(ctx, q.key(elem)).Err()
}

// Dequeue composes lock, get and remove: it consumes the element.
func (q *Queue) Dequeue(ctx context.Context, elem string) ([]byte, error) {
	ok, err := q.Lock(ctx, elem, true)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrLockNotAcquired, elem)
	}
	data, err := q.Get(ctx, elem)
	if err != nil {
		return nil, err
	}
	if err := q.Remove(ctx, elem); err != nil {
		return nil, err
	}
	return data, nil
}

// Count returns the number of elements, locked or not.
func (q *Queue) Count(ctx context.Context) (int, error) {
	elts, err := q.list(ctx)
	if err != nil {
		return 0, err
	}
	return len(elts), nil
}

// First snapshots the element listing and returns the name of the first
// element, or the empty string if the queue is empty. Unlike the
// filesystem engines the whole snapshot is taken up front: Redis SCAN
// gives no useful ordering, so the names are collected and sorted once.
func (q *Queue) First(ctx context.Context) (string, error) {
	elts, err := q.list(ctx)
	if err != nil {
		return "", err
	}
	q.elts = elts
	q.next = 0
	return q.Next(ctx)
}

// Next returns the name of the next element from the snapshot, or the
// empty string at the end of the iteration.
func (q *Queue) Next(_ context.Context) (string, error) {
	if q.next >= len(q.elts) {
		return "", nil
	}
	elem := q.elts[q.next]
	q.next++
	return elem, nil
}

// Purge deletes lock keys older than MaxLock, breaking the locks of
// crashed consumers. There is nothing else to reclaim: Redis has no
// temporary elements and no buckets.
func (q *Queue) Purge(ctx context.Context, opts ...queue.PurgeOption) error {
	o := queue.PurgeDefaults()
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxLock == 0 {
		return nil
	}
	locks, err := q.scan(ctx, q.prefix+".*"+lockSuffix)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	for _, lock := range locks {
		val, err := q.client.Get(ctx, lock).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}
		if !staleTimestamp(val, now, o.MaxLock) {
			continue
		}
		elem := strings.TrimSuffix(strings.TrimPrefix(lock, q.prefix+"."), lockSuffix)
		q.log.Warn("removing too old locked element", zap.String("element", elem))
		if err := q.client.Del(ctx, lock).Err(); err != nil {
			return err
		}
	}
	return nil
}

// list returns the sorted names of all elements under the prefix.
func (q *Queue) list(ctx context.Context) ([]string, error) {
	keys, err := q.scan(ctx, q.prefix+".*")
	if err != nil {
		return nil, err
	}
	elts := keys[:0]
	for _, key := range keys {
		elem := strings.TrimPrefix(key, q.prefix+".")
		if name.Element.MatchString(elem) {
			elts = append(elts, elem)
		}
	}
	sort.Strings(elts)
	return elts, nil
}

func (q *Queue) scan(ctx context.Context, match string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := q.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func checkElement(elem string) error {
	if !name.Element.MatchString(elem) {
		return fmt.Errorf("%w: %s", queue.ErrInvalidName, elem)
	}
	return nil
}

// locked reports whether the element currently carries a lock key.
func (q *Queue) locked(ctx context.Context, elem string) (bool, error) {
	n, err := q.client.Exists(ctx, q.key(elem)+lockSuffix).Result()
	return n > 0, err
}
