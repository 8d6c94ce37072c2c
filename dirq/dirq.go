// Package dirq implements the schema (directory) queue engine: a
// crash-tolerant, best-effort-FIFO queue stored as a directory tree, safe
// for multiple uncoordinated readers and writers on the same filesystem.
//
// The queue toplevel directory contains:
//
//	temporary/   elements being added
//	obsolete/    elements being removed
//	NNNNNNNN/    element buckets, 8-hex-digit names
//
// Each element is a directory named by 14 hexadecimal digits holding one
// file per schema field, plus a "locked" subdirectory while it is locked.
// No element is ever visible half-written: elements are assembled under
// temporary/ and published with a single atomic rename, and removed by the
// reverse move into obsolete/. There is no queue-level lock anywhere;
// safety relies entirely on the atomicity of mkdir and rename.
//
// Usage:
//
//	schema, _ := dirq.ParseSchema(map[string]string{"body": "string", "header": "table?"})
//	q, err := dirq.New("/var/spool/myqueue", dirq.WithSchema(schema))
//	...
//	elem, err := q.Add(dirq.Payload{"body": "hello"})
//	...
//	for elem, err := q.First(); elem != ""; elem, err = q.Next() {
//		if err != nil {
//			return err
//		}
//		if ok, err := q.Lock(elem, true); err != nil || !ok {
//			continue
//		}
//		data, err := q.Get(elem)
//		...
//		if err := q.Remove(elem); err != nil {
//			return err
//		}
//	}
package dirq

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/dirq/dirq/fsops"
	"github.com/dirq/dirq/name"
	"github.com/dirq/dirq/queue"
)

const (
	temporaryDir = "temporary"
	obsoleteDir  = "obsolete"
	lockedDir    = "locked"

	// DefaultMaxElts is the default bucket capacity.
	DefaultMaxElts = 16000
)

// Queue is a schema directory queue. A Queue value is a handle: any number
// of handles, in any number of processes, may point at the same directory
// tree. The iteration cursor is per-handle; everything else is on disk.
type Queue struct {
	root     string
	id       string
	schema   Schema
	maxElts  int
	rndhex   uint8
	dirMode  fs.FileMode
	fileMode fs.FileMode
	log      *zap.Logger

	countSubdirs fsops.SubdirCounter
	cursor       *queue.Cursor
}

var _ queue.Queue = (*Queue)(nil)

// Option configures a Queue.
type Option func(*Queue)

// WithSchema sets the element schema, mandatory if elements are added or
// read.
func WithSchema(s Schema) Option {
	return func(q *Queue) { q.schema = s }
}

// WithMaxElts bounds how many elements an intermediate bucket directory may
// hold before a new bucket is allocated.
func WithMaxElts(n int) Option {
	return func(q *Queue) { q.maxElts = n }
}

// WithUmask masks permission bits out of every directory and file the queue
// creates, regardless of the process umask. The default is to create with
// full permissions and let the process umask apply.
func WithUmask(umask fs.FileMode) Option {
	return func(q *Queue) {
		q.dirMode = 0o777 &^ umask
		q.fileMode = 0o666 &^ umask
	}
}

// WithRndHex pins the disambiguation digit mixed into generated names,
// for determinism in tests. The default is randomly chosen per handle.
func WithRndHex(d uint8) Option {
	return func(q *Queue) { q.rndhex = d & 0xf }
}

// WithLogger sets the sink for purge diagnostics. The default discards
// them.
func WithLogger(log *zap.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// New opens the queue rooted at path, creating the directory structure as
// needed.
func New(path string, opts ...Option) (*Queue, error) {
	q := &Queue{
		root:     path,
		maxElts:  DefaultMaxElts,
		rndhex:   name.Rand(),
		dirMode:  0o777,
		fileMode: 0o666,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if err := fsops.EnsureDir(q.root, q.dirMode); err != nil {
		return nil, err
	}
	for _, sub := range []string{temporaryDir, obsoleteDir} {
		if _, err := fsops.Mkdir(filepath.Join(q.root, sub), q.dirMode); err != nil {
			return nil, err
		}
	}
	id, err := fsops.QueueID(q.root)
	if err != nil {
		return nil, err
	}
	q.id = id
	q.countSubdirs = fsops.ProbeSubdirCounter(q.root)
	q.cursor = queue.NewCursor(q.root, listElementDirs)
	return q, nil
}

// ID returns the queue's filesystem identity.
func (q *Queue) ID() string { return q.id }

// Root returns the queue toplevel directory.
func (q *Queue) Root() string { return q.root }

// Clone returns a handle on the same queue with a fresh iteration cursor.
// The schema and the rest of the configuration are shared.
func (q *Queue) Clone() queue.Queue {
	clone := *q
	clone.cursor = queue.NewCursor(q.root, listElementDirs)
	return &clone
}

// Add inserts a new element and returns its name, "<bucket>/<element>".
//
// The data is first written into a directory under temporary/ and then
// renamed into its bucket: the destination must not exist beforehand, or
// another process would see a valid but empty element, so the rename is the
// one and only publication step. A name collision on the rename regenerates
// the name and retries.
func (q *Queue) Add(data Payload) (string, error) {
	if q.schema == nil {
		return "", queue.ErrUnknownSchema
	}
	temp, err := q.makeTempDir(temporaryDir)
	if err != nil {
		return "", err
	}
	for fname, value := range data {
		field, ok := q.schema[fname]
		if !ok {
			return "", fmt.Errorf("%w: unexpected data: %s", queue.ErrBadData, fname)
		}
		encoded, err := encodeField(fname, field, value)
		if err != nil {
			return "", err
		}
		if err := fsops.WriteFile(filepath.Join(temp, fname), encoded, q.fileMode); err != nil {
			return "", err
		}
	}
	for fname, field := range q.schema {
		if field.Optional {
			continue
		}
		if _, ok := data[fname]; !ok {
			return "", fmt.Errorf("%w: missing mandatory data: %s", queue.ErrBadData, fname)
		}
	}
	for {
		bucket, err := q.insertionBucket()
		if err != nil {
			return "", err
		}
		ename := bucket + "/" + name.New(q.rndhex)
		err = fsops.Rename(temp, filepath.Join(q.root, ename))
		if err == nil {
			return ename, nil
		}
		if !fsops.IsNotEmpty(err) {
			return "", err
		}
		// RACE: the target name was already taken, try another
	}
}

// makeTempDir creates a fresh uniquely-named directory under the given
// reserved area, retrying on name collision.
func (q *Queue) makeTempDir(area string) (string, error) {
	for {
		temp := filepath.Join(q.root, area, name.New(q.rndhex))
		created, err := fsops.Mkdir(temp, q.dirMode)
		if err != nil {
			return "", err
		}
		if created {
			return temp, nil
		}
	}
}

// insertionBucket returns the bucket new elements should land in: the
// lexically last bucket while it has room, otherwise a new bucket at the
// next index. The choice is deliberately permissive about races: a bucket
// purged between listing and counting simply looks empty and a fresh bucket
// is allocated at the next index instead.
func (q *Queue) insertionBucket() (string, error) {
	entries, err := fsops.ReadDirNames(q.root)
	if err != nil {
		return "", err
	}
	last := ""
	for _, entry := range entries {
		if name.Bucket.MatchString(entry) {
			last = entry
		}
	}
	if last == "" {
		bucket := name.Bucketed(0)
		if _, err := fsops.Mkdir(filepath.Join(q.root, bucket), q.dirMode); err != nil {
			return "", err
		}
		return bucket, nil
	}
	n, err := q.countSubdirs(filepath.Join(q.root, last))
	if err != nil {
		return "", err
	}
	if n > 0 && n < q.maxElts {
		return last, nil
	}
	idx, err := strconv.ParseInt(last, 16, 64)
	if err != nil {
		return "", fmt.Errorf("%w: %s", queue.ErrInvalidName, last)
	}
	bucket := name.Bucketed(idx + 1)
	if _, err := fsops.Mkdir(filepath.Join(q.root, bucket), q.dirMode); err != nil {
		return "", err
	}
	return bucket, nil
}

// Get returns the data of a locked element. A missing mandatory field file
// is an error; a missing optional field is skipped.
func (q *Queue) Get(elem string) (Payload, error) {
	if q.schema == nil {
		return nil, queue.ErrUnknownSchema
	}
	if err := checkElement(elem); err != nil {
		return nil, err
	}
	if !q.locked(elem) {
		return nil, fmt.Errorf("cannot get %s: %w", elem, queue.ErrNotLocked)
	}
	data := make(Payload, len(q.schema))
	for fname, field := range q.schema {
		path := filepath.Join(q.root, elem, fname)
		raw, err := fsops.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				if field.Optional {
					continue
				}
				return nil, fmt.Errorf("%w: missing data file: %s", queue.ErrBadData, path)
			}
			return nil, err
		}
		value, err := decodeField(fname, field, raw)
		if err != nil {
			return nil, err
		}
		data[fname] = value
	}
	return data, nil
}

// Lock attempts to lock an element by creating its "locked" subdirectory;
// mkdir exclusivity makes the acquisition atomic, and a successful mkdir
// refreshes the element directory's mtime, which is what stale-lock
// detection later looks at.
//
// Locking can fail because somebody else holds the lock or because the
// element has been removed; in permissive mode both cases return false. A
// success immediately followed by the element vanishing (a concurrent
// lock-and-remove) is also a failed lock.
func (q *Queue) Lock(elem string, permissive bool) (bool, error) {
	if err := checkElement(elem); err != nil {
		return false, err
	}
	path := filepath.Join(q.root, elem, lockedDir)
	created, err := fsops.Mkdir(path, q.dirMode)
	if err != nil {
		if permissive && errors.Is(err, fs.ErrNotExist) {
			// RACE: the element directory does not exist anymore
			return false, nil
		}
		return false, err
	}
	if !created {
		// RACE: the locked directory already exists
		if permissive {
			return false, nil
		}
		return false, fmt.Errorf("cannot mkdir(%s): %w", path, fs.ErrExist)
	}
	if !fsops.Exists(path) {
		// RACE: another process locked and removed the element
		// between our mkdir and now; the lock went with it
		if permissive {
			return false, nil
		}
		return false, fmt.Errorf("cannot lstat(%s): %w", path, fs.ErrNotExist)
	}
	return true, nil
}

// Unlock removes the element's lock marker. Unlocking can fail because
// somebody else unlocked or removed the element; in permissive mode that
// returns false.
func (q *Queue) Unlock(elem string, permissive bool) (bool, error) {
	if err := checkElement(elem); err != nil {
		return false, err
	}
	path := filepath.Join(q.root, elem, lockedDir)
	removed, err := fsops.RemoveDir(path)
	if err != nil {
		return false, err
	}
	if !removed {
		if permissive {
			return false, nil
		}
		return false, fmt.Errorf("cannot rmdir(%s): %w", path, fs.ErrNotExist)
	}
	return true, nil
}

// Remove deletes a locked element: the element directory is renamed into
// obsolete/ under a fresh name (so the bucket slot frees atomically), its
// field files and lock marker are deleted, then the emptied directory
// itself. Calling Remove without holding the lock is a usage error.
func (q *Queue) Remove(elem string) error {
	if err := checkElement(elem); err != nil {
		return err
	}
	if !q.locked(elem) {
		return fmt.Errorf("cannot remove %s: %w", elem, queue.ErrNotLocked)
	}
	path := filepath.Join(q.root, elem)
	var temp string
	for {
		temp = filepath.Join(q.root, obsoleteDir, name.New(q.rndhex))
		err := fsops.Rename(path, temp)
		if err == nil {
			break
		}
		if !fsops.IsNotEmpty(err) {
			return err
		}
		// RACE: the target name was already taken, try another
	}
	entries, err := fsops.ReadDirNames(temp)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry == lockedDir {
			continue
		}
		if !fieldNameRegexp.MatchString(entry) {
			return fmt.Errorf("%w: %s in %s", queue.ErrUnexpectedFile, entry, temp)
		}
		if err := fsops.Unlink(filepath.Join(temp, entry)); err != nil {
			return err
		}
	}
	for {
		if _, err := fsops.RemoveDir(filepath.Join(temp, lockedDir)); err != nil {
			return err
		}
		_, err := fsops.RemoveDir(temp)
		if err == nil {
			return nil
		}
		if !fsops.IsNotEmpty(err) {
			return err
		}
		// RACE: another process locked the element while it was being
		// renamed; remove the new lock and try again
	}
}

// Dequeue composes lock, get and remove: it consumes the element. A failed
// lock surfaces as ErrLockNotAcquired so callers can skip to the next
// element.
func (q *Queue) Dequeue(elem string) (Payload, error) {
	ok, err := q.Lock(elem, true)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrLockNotAcquired, elem)
	}
	data, err := q.Get(elem)
	if err != nil {
		return nil, err
	}
	if err := q.Remove(elem); err != nil {
		return nil, err
	}
	return data, nil
}

// GetElement composes lock, get and unlock: it reads the element without
// consuming it.
func (q *Queue) GetElement(elem string) (Payload, error) {
	ok, err := q.Lock(elem, true)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrLockNotAcquired, elem)
	}
	data, err := q.Get(elem)
	if err != nil {
		return nil, err
	}
	if _, err := q.Unlock(elem, true); err != nil {
		return nil, err
	}
	return data, nil
}

// Count returns the number of elements, locked or not, excluding temporary
// and obsolete ones. It is O(buckets) where the filesystem exposes
// subdirectory counts through link counts, O(elements) otherwise.
func (q *Queue) Count() (int, error) {
	entries, err := fsops.ReadDirNames(q.root)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if !name.Bucket.MatchString(entry) {
			continue
		}
		n, err := q.countSubdirs(filepath.Join(q.root, entry))
		if err != nil {
			return 0, err
		}
		count += n
	}
	return count, nil
}

// Touch refreshes an element's modification time to indicate it is still in
// use, pushing back the purger's staleness clock. Only really useful on
// locked elements, but allowed for all.
func (q *Queue) Touch(elem string) error {
	if err := checkElement(elem); err != nil {
		return err
	}
	return fsops.Touch(filepath.Join(q.root, elem))
}

// First resets the iteration cursor and returns the name of the first
// element, or the empty string if the queue is empty.
func (q *Queue) First() (string, error) {
	if err := q.cursor.Reset(); err != nil {
		return "", err
	}
	return q.cursor.Next()
}

// Next returns the name of the next element using only cached cursor state,
// or the empty string at the end of the iteration.
func (q *Queue) Next() (string, error) {
	return q.cursor.Next()
}

// locked reports whether the element currently carries a lock marker. Only
// an indication: the state may change at any time, which is why Remove
// re-checks rather than trusting a cached answer.
func (q *Queue) locked(elem string) bool {
	return fsops.Exists(filepath.Join(q.root, elem, lockedDir))
}

func checkElement(elem string) error {
	if !name.Path.MatchString(elem) {
		return fmt.Errorf("%w: %s", queue.ErrInvalidName, elem)
	}
	return nil
}

// listElementDirs is the cursor's element lister: entries of a bucket
// matching the element grammar.
func listElementDirs(bucket string) ([]string, error) {
	entries, err := fsops.ReadDirNames(bucket)
	if err != nil {
		return nil, err
	}
	names := entries[:0]
	for _, entry := range entries {
		if name.Element.MatchString(entry) {
			names = append(names, entry)
		}
	}
	return names, nil
}
