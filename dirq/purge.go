package dirq

import (
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/dirq/dirq/fsops"
	"github.com/dirq/dirq/name"
	"github.com/dirq/dirq/queue"
)

// Purge reclaims space and stale locks left behind by crashed participants:
// it removes empty buckets, deletes temporary and obsolete elements older
// than MaxTemp, and unlocks elements whose lock is older than MaxLock. A
// zero threshold disables the corresponding phase.
//
// Purge is safe to run at any time, by any participant, concurrently with
// producers and consumers. The stale-lock phase walks the queue through
// First/Next, so it resets this handle's iteration cursor.
func (q *Queue) Purge(opts ...queue.PurgeOption) error {
	o := queue.PurgeDefaults()
	for _, opt := range opts {
		opt(&o)
	}
	if err := q.purgeBuckets(); err != nil {
		return err
	}
	if o.MaxTemp > 0 {
		cutoff := time.Now().Add(-o.MaxTemp)
		for _, area := range []string{temporaryDir, obsoleteDir} {
			if err := q.purgeVolatile(area, cutoff); err != nil {
				return err
			}
		}
	}
	if o.MaxLock > 0 {
		return q.purgeLocks(time.Now().Add(-o.MaxLock))
	}
	return nil
}

// purgeBuckets removes buckets that hold no elements. The lexically last
// bucket is left alone: it may still be receiving insertions.
func (q *Queue) purgeBuckets() error {
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
	if len(buckets) < 2 {
		return nil
	}
	for _, bucket := range buckets[:len(buckets)-1] {
		path := filepath.Join(q.root, bucket)
		n, err := q.countSubdirs(path)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if _, err := fsops.RemoveDir(path); err != nil && !fsops.IsNotEmpty(err) {
			// RACE: a concurrent producer repopulated the bucket
			// between the count and the rmdir; not-empty is fine
			return err
		}
	}
	return nil
}

// purgeVolatile deletes elements under the temporary or obsolete area that
// are older than the cutoff: abandoned by a producer or consumer that
// crashed mid-operation.
func (q *Queue) purgeVolatile(area string, cutoff time.Time) error {
	entries, err := fsops.ReadDirNames(filepath.Join(q.root, area))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !name.Element.MatchString(entry) {
			continue
		}
		path := filepath.Join(q.root, area, entry)
		old, err := fsops.Older(path, cutoff)
		if err != nil {
			return err
		}
		if !old {
			continue
		}
		q.log.Warn("removing too old volatile element",
			zap.String("element", area+"/"+entry))
		files, err := fsops.ReadDirNames(path)
		if err != nil {
			return err
		}
		for _, file := range files {
			if file == lockedDir {
				continue
			}
			if _, err := fsops.TryUnlink(filepath.Join(path, file)); err != nil {
				return err
			}
		}
		if _, err := fsops.RemoveDir(filepath.Join(path, lockedDir)); err != nil {
			return err
		}
		if _, err := fsops.RemoveDir(path); err != nil {
			return err
		}
	}
	return nil
}

// purgeLocks force-unlocks elements whose lock is older than the cutoff.
func (q *Queue) purgeLocks(cutoff time.Time) error {
	elem, err := q.First()
	for ; elem != "" && err == nil; elem, err = q.Next() {
		if !q.locked(elem) {
			continue
		}
		old, err := fsops.Older(filepath.Join(q.root, elem), cutoff)
		if err != nil {
			return err
		}
		if !old {
			continue
		}
		q.log.Warn("removing too old locked element", zap.String("element", elem))
		if _, err := q.Unlock(elem, true); err != nil {
			return err
		}
	}
	return err
}
