// Package queue holds the contract shared by every queue engine: the common
// capability interface, the error taxonomy, the iteration cursor, the
// black-hole Null engine, and the Set merge iterator over several queues.
//
// A queue is a "best effort FIFO" collection of elements stored where the
// concrete engine puts them (a directory tree, Redis, process memory).
// Element names are time-sortable, so iteration order approximates insertion
// order; under concurrent producers two elements added at the same moment
// may commit in either order.
//
// Locking is advisory. Consumers lock an element before reading or removing
// it, and nothing prevents a new lock once the previous holder unlocks or
// abandons it. Iterators return all elements regardless of lock state;
// there is deliberately no "is locked" accessor, since the answer can be
// stale before it returns — programs should simply try to lock.
package queue

import (
	"errors"
	"time"
)

// Usage errors: the caller passed something invalid. Never retried.
var (
	// ErrInvalidName reports an element identifier that does not match
	// the "<bucket>/<element>" grammar.
	ErrInvalidName = errors.New("invalid element name")

	// ErrNotLocked reports get/remove called on an element the caller
	// has not locked.
	ErrNotLocked = errors.New("element not locked")

	// ErrUnknownSchema reports add/get on a schema queue constructed
	// without a schema.
	ErrUnknownSchema = errors.New("unknown schema")

	// ErrBadSchema reports an invalid schema definition.
	ErrBadSchema = errors.New("invalid schema")

	// ErrBadData reports element data that does not conform to the
	// schema, or a stored field that cannot be decoded.
	ErrBadData = errors.New("invalid element data")

	// ErrDuplicateQueue reports the same underlying queue added twice
	// to a Set.
	ErrDuplicateQueue = errors.New("queue already in the set")

	// ErrUnsupported reports an operation the engine does not provide.
	ErrUnsupported = errors.New("unsupported operation")
)

// ErrLockNotAcquired reports a failed lock inside a compound operation
// (Dequeue, GetElement). It is distinct from the usage errors so callers
// can skip to the next element and retry later.
var ErrLockNotAcquired = errors.New("could not lock element")

// ErrUnexpectedFile reports an element directory containing an entry that is
// neither a schema field nor the lock marker. It is surfaced rather than
// silently deleted: it means something other than this module wrote into
// the queue tree.
var ErrUnexpectedFile = errors.New("unexpected file in element directory")

// PurgeOptions carries the staleness thresholds used by Purge. A zero
// threshold disables the corresponding phase.
type PurgeOptions struct {
	// MaxTemp is the age beyond which temporary (and, for the schema
	// engine, obsolete) elements left behind by crashed producers and
	// consumers are deleted.
	MaxTemp time.Duration

	// MaxLock is the age beyond which locks abandoned by crashed
	// consumers are released.
	MaxLock time.Duration
}

// PurgeOption configures a Purge call.
type PurgeOption func(*PurgeOptions)

// MaxTemp overrides the stale temporary element threshold; 0 disables the
// phase.
func MaxTemp(d time.Duration) PurgeOption {
	return func(o *PurgeOptions) { o.MaxTemp = d }
}

// MaxLock overrides the stale lock threshold; 0 disables the phase.
func MaxLock(d time.Duration) PurgeOption {
	return func(o *PurgeOptions) { o.MaxLock = d }
}

// PurgeDefaults returns the purge thresholds applied when a Purge call does
// not override them.
func PurgeDefaults() PurgeOptions {
	return PurgeOptions{
		MaxTemp: 300 * time.Second,
		MaxLock: 600 * time.Second,
	}
}

// Queue is the part of the contract every engine provides and that Set
// needs: identity, counting and iteration.
//
// First resets the iteration cursor and returns the name of the first
// element; Next continues from cached state. Both return an empty string at
// the end of the sequence, which is unambiguous since element names are
// never empty. Purge resets the cursor too, so callers relying on cursor
// continuity must not purge mid-iteration.
type Queue interface {
	// ID identifies the underlying storage (for a directory queue, its
	// device and inode), so the same queue reached through different
	// paths still compares equal.
	ID() string

	First() (string, error)
	Next() (string, error)

	// Count returns the number of elements, locked or not, excluding
	// temporary and obsolete ones.
	Count() (int, error)

	// Clone returns a handle on the same underlying queue with a fresh
	// iteration cursor. Set clones every queue it is given so its merge
	// iteration does not disturb the caller's cursors.
	Clone() Queue
}

// ByteQueue is the full verb set of the engines whose elements are opaque
// byte blobs (simple, memory, null). The schema engine has the same shape
// with typed payloads and lives in package dirq.
type ByteQueue interface {
	Queue

	// Add inserts an element and returns its name.
	Add(data []byte) (string, error)

	// Get returns the data of a locked element.
	Get(elem string) ([]byte, error)

	// Lock attempts to lock an element. In permissive mode "already
	// locked" and "element vanished" return false instead of an error.
	Lock(elem string, permissive bool) (bool, error)

	// Unlock releases a lock. In permissive mode "nothing to unlock"
	// returns false instead of an error.
	Unlock(elem string, permissive bool) (bool, error)

	// Remove deletes a locked element.
	Remove(elem string) error

	// Purge reclaims empty buckets, stale temporary elements and stale
	// locks.
	Purge(opts ...PurgeOption) error
}
