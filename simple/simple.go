// Package simple implements the simple queue engine: like the schema
// engine in package dirq, it is a crash-tolerant, best-effort-FIFO queue
// over a shared directory tree, but each element is a single opaque byte
// blob stored as one file, and buckets group elements by insertion time
// rather than by count.
//
// Insertion writes the blob to a ".tmp" file and publishes it by hard
// linking it to its final element name, so readers never observe a
// half-written element and a name collision can be retried without copying
// the data again. Locking hard-links the element to itself under a ".lck"
// suffix, with link exclusivity providing the atomicity.
package simple

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dirq/dirq/fsops"
	"github.com/dirq/dirq/name"
	"github.com/dirq/dirq/queue"
)

const (
	tempSuffix = ".tmp"
	lockSuffix = ".lck"

	// DefaultGranularity is the default width of the time buckets
	// elements are grouped into.
	DefaultGranularity = 60 * time.Second
)

// Queue is a simple directory queue handle. Any number of handles, in any
// number of processes, may point at the same directory tree; only the
// iteration cursor is local.
type Queue struct {
	root        string
	id          string
	granularity time.Duration
	rndhex      uint8
	dirMode     fs.FileMode
	fileMode    fs.FileMode
	log         *zap.Logger
	cursor      *queue.Cursor
}

var _ queue.ByteQueue = (*Queue)(nil)

// Option configures a Queue.
type Option func(*Queue)

// WithGranularity sets the time granularity of intermediate bucket
// directories. A granularity of a second or less puts every element in the
// bucket of its own insertion second, trading directory count for never
// reusing a bucket.
func WithGranularity(d time.Duration) Option {
	return func(q *Queue) { q.granularity = d }
}

// WithUmask masks permission bits out of everything the queue creates,
// regardless of the process umask.
func WithUmask(umask fs.FileMode) Option {
	return func(q *Queue) {
		q.dirMode = 0o777 &^ umask
		q.fileMode = 0o666 &^ umask
	}
}

// WithRndHex pins the disambiguation digit mixed into generated names.
func WithRndHex(d uint8) Option {
	return func(q *Queue) { q.rndhex = d & 0xf }
}

// WithLogger sets the sink for purge diagnostics; the default discards
// them.
func WithLogger(log *zap.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// New opens the queue rooted at path, creating it if needed.
func New(path string, opts ...Option) (*Queue, error) {
	q := &Queue{
		root:        path,
		granularity: DefaultGranularity,
		rndhex:      name.Rand(),
		dirMode:     0o777,
		fileMode:    0o666,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if err := fsops.EnsureDir(q.root, q.dirMode); err != nil {
		return nil, err
	}
	id, err := fsops.QueueID(q.root)
	if err != nil {
		return nil, err
	}
	q.id = id
	q.cursor = queue.NewCursor(q.root, listElementFiles)
	return q, nil
}

// ID returns the queue's filesystem identity.
func (q *Queue) ID() string { return q.id }

// Root returns the queue toplevel directory.
func (q *Queue) Root() string { return q.root }

// Clone returns a handle on the same queue with a fresh iteration cursor.
func (q *Queue) Clone() queue.Queue {
	clone := *q
	clone.cursor = queue.NewCursor(q.root, listElementFiles)
	return &clone
}

// timeBucket returns the bucket new elements land in: the current time
// rounded down to the granularity.
func (q *Queue) timeBucket() string {
	now := time.Now().Unix()
	if g := int64(q.granularity / time.Second); g > 1 {
		now -= now % g
	}
	return name.Bucketed(now)
}

// Add inserts data as a new element and returns its name,
// "<bucket>/<element>".
func (q *Queue) Add(data []byte) (string, error) {
	bucket, tmp, err := q.addData(data)
	if err != nil {
		return "", err
	}
	return q.addPath(tmp, bucket)
}

// addData writes data to a temporary file in the insertion bucket, creating
// the bucket on demand, and returns the bucket and the temporary path.
func (q *Queue) addData(data []byte) (string, string, error) {
	bucket := q.timeBucket()
	for {
		tmp := filepath.Join(q.root, bucket, name.New(q.rndhex)+tempSuffix)
		f, err := fsops.CreateExclusive(tmp, q.fileMode)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				if _, err := fsops.Mkdir(filepath.Join(q.root, bucket), q.dirMode); err != nil {
					return "", "", err
				}
				continue
			}
			if errors.Is(err, fs.ErrExist) {
				// RACE: temporary name already taken, try another
				continue
			}
			return "", "", err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", "", fmt.Errorf("cannot write(%s): %w", tmp, err)
		}
		if err := f.Close(); err != nil {
			return "", "", fmt.Errorf("cannot close(%s): %w", tmp, err)
		}
		return bucket, tmp, nil
	}
}

// addPath publishes the file at tmp under a fresh element name in bucket:
// a hard link to the final name, then the temporary file is unlinked.
// Hard-linking rather than renaming means a name collision costs nothing
// but a regenerated name; the data is never touched twice.
func (q *Queue) addPath(tmp, bucket string) (string, error) {
	for {
		elem := name.New(q.rndhex)
		err := fsops.Link(tmp, filepath.Join(q.root, bucket, elem))
		if err != nil {
			if errors.Is(err, fs.ErrExist) {
				// RACE: element name already taken, try another
				continue
			}
			return "", err
		}
		if err := fsops.Unlink(tmp); err != nil {
			return "", err
		}
		return bucket + "/" + elem, nil
	}
}

// AddPath moves an existing file into the queue and returns its element
// name. The file must live on the same filesystem as the queue.
func (q *Queue) AddPath(path string) (string, error) {
	bucket := q.timeBucket()
	if _, err := fsops.Mkdir(filepath.Join(q.root, bucket), q.dirMode); err != nil {
		return "", err
	}
	return q.addPath(path, bucket)
}

// Get returns the data of a locked element. It reads through the lock link,
// so an unlocked (or vanished) element fails with the underlying
// fs.ErrNotExist.
func (q *Queue) Get(elem string) ([]byte, error) {
	if err := checkElement(elem); err != nil {
		return nil, err
	}
	return fsops.ReadFile(q.GetPath(elem))
}

// GetPath returns the path holding a locked element's data, for callers
// that want to hand the file itself to something else.
func (q *Queue) GetPath(elem string) string {
	return filepath.Join(q.root, elem) + lockSuffix
}

// Lock attempts to lock an element by hard-linking it to its ".lck" name;
// link exclusivity makes the acquisition atomic. On success the element's
// mtime is refreshed for later staleness detection. In permissive mode
// "already locked" and "element vanished" return false.
func (q *Queue) Lock(elem string, permissive bool) (bool, error) {
	if err := checkElement(elem); err != nil {
		return false, err
	}
	path := filepath.Join(q.root, elem)
	lock := path + lockSuffix
	if err := fsops.Link(path, lock); err != nil {
		if permissive && (errors.Is(err, fs.ErrExist) || errors.Is(err, fs.ErrNotExist)) {
			return false, nil
		}
		return false, err
	}
	if err := fsops.Touch(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// RACE: the element vanished between the link and the
			// touch; drop the lock link we just made and report
			// the lock as failed
			if _, unlinkErr := fsops.TryUnlink(lock); unlinkErr != nil {
				return false, unlinkErr
			}
			if permissive {
				return false, nil
			}
		}
		return false, err
	}
	return true, nil
}

// Unlock removes the element's lock link. In permissive mode "nothing to
// unlock" returns false.
func (q *Queue) Unlock(elem string, permissive bool) (bool, error) {
	if err := checkElement(elem); err != nil {
		return false, err
	}
	lock := filepath.Join(q.root, elem) + lockSuffix
	removed, err := fsops.TryUnlink(lock)
	if err != nil {
		return false, err
	}
	if !removed {
		if permissive {
			return false, nil
		}
		return false, fmt.Errorf("cannot unlink(%s): %w", lock, fs.ErrNotExist)
	}
	return true, nil
}

// Remove deletes a locked element: the element file and its lock link.
// Calling Remove without holding the lock is a usage error.
func (q *Queue) Remove(elem string) error {
	if err := checkElement(elem); err != nil {
		return err
	}
	path := filepath.Join(q.root, elem)
	lock := path + lockSuffix
	if !fsops.Exists(lock) {
		return fmt.Errorf("cannot remove %s: %w", elem, queue.ErrNotLocked)
	}
	if err := fsops.Unlink(path); err != nil {
		return err
	}
	return fsops.Unlink(lock)
}

// Dequeue composes lock, get and remove: it consumes the element. A failed
// lock surfaces as ErrLockNotAcquired so callers can skip to the next
// element.
func (q *Queue) Dequeue(elem string) ([]byte, error) {
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
func (q *Queue) GetElement(elem string) ([]byte, error) {
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
// ones.
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
		elts, err := listElementFiles(filepath.Join(q.root, entry))
		if err != nil {
			return 0, err
		}
		count += len(elts)
	}
	return count, nil
}

// Touch refreshes an element's modification time to indicate it is still
// in use.
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

// Next returns the name of the next element using only cached cursor
// state, or the empty string at the end of the iteration.
func (q *Queue) Next() (string, error) {
	return q.cursor.Next()
}

// Purge reclaims disk space and stale state: temporary files older than
// MaxTemp (crashed producers) and lock links older than MaxLock (crashed
// consumers, for which removing the link is the force-unlock) are deleted,
// then empty buckets other than the lexically last one are removed. A zero
// threshold disables the corresponding phase. Forced removals are logged,
// never raised. This can take a while on queues with many elements.
func (q *Queue) Purge(opts ...queue.PurgeOption) error {
	o := queue.PurgeDefaults()
	for _, opt := range opts {
		opt(&o)
	}
	entries, err := fsops.ReadDirNames(q.root)
	if err != nil {
		return err
	}
	var buckets []string
	for _, entry := range entries {
		if name.Bucket.MatchString(entry) {
			buckets = append(buckets, entry)
		}
	}
	now := time.Now()
	if o.MaxTemp > 0 || o.MaxLock > 0 {
		for _, bucket := range buckets {
			if err := q.purgeVolatile(bucket, o, now); err != nil {
				return err
			}
		}
	}
	if len(buckets) < 2 {
		return nil
	}
	for _, bucket := range buckets[:len(buckets)-1] {
		path := filepath.Join(q.root, bucket)
		elts, err := fsops.ReadDirNames(path)
		if err != nil {
			return err
		}
		if len(elts) > 0 {
			continue
		}
		if _, err := fsops.RemoveDir(path); err != nil && !fsops.IsNotEmpty(err) {
			// RACE: repopulated between the listing and the rmdir
			return err
		}
	}
	return nil
}

// purgeVolatile deletes the stale ".tmp" and ".lck" entries of one bucket.
func (q *Queue) purgeVolatile(bucket string, o queue.PurgeOptions, now time.Time) error {
	entries, err := fsops.ReadDirNames(filepath.Join(q.root, bucket))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		var cutoff time.Time
		switch {
		case strings.HasSuffix(entry, tempSuffix):
			if o.MaxTemp == 0 {
				continue
			}
			cutoff = now.Add(-o.MaxTemp)
		case strings.HasSuffix(entry, lockSuffix):
			if o.MaxLock == 0 {
				continue
			}
			cutoff = now.Add(-o.MaxLock)
		default:
			continue
		}
		path := filepath.Join(q.root, bucket, entry)
		old, err := fsops.Older(path, cutoff)
		if err != nil {
			return err
		}
		if !old {
			continue
		}
		q.log.Warn("removing too old volatile file",
			zap.String("file", bucket+"/"+entry))
		if _, err := fsops.TryUnlink(path); err != nil {
			return err
		}
	}
	return nil
}

func checkElement(elem string) error {
	if !name.Path.MatchString(elem) {
		return fmt.Errorf("%w: %s", queue.ErrInvalidName, elem)
	}
	return nil
}

// listElementFiles is the cursor's element lister: entries of a bucket
// matching the element grammar, which excludes ".tmp" and ".lck" entries by
// construction.
func listElementFiles(bucket string) ([]string, error) {
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
