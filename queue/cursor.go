package queue

import (
	"path/filepath"

	"github.com/dirq/dirq/fsops"
	"github.com/dirq/dirq/name"
)

// Cursor iterates a directory queue in sorted order: buckets lexically,
// then elements within each bucket. The remaining bucket list and the
// element list of the current bucket are cached, so a Cursor observes
// elements added behind it only on the next Reset.
//
// The engine supplies the element lister since the schema engine recognizes
// element directories and the simple engine element files.
type Cursor struct {
	root    string
	list    func(bucket string) ([]string, error)
	buckets []string
	elts    []string
}

// NewCursor returns a cursor over the queue rooted at root. list must
// return the sorted element names of one bucket, already filtered down to
// real elements (lock markers and temporary files excluded).
func NewCursor(root string, list func(bucket string) ([]string, error)) *Cursor {
	return &Cursor{root: root, list: list}
}

// Reset regenerates the bucket list and drops the cached element list.
func (c *Cursor) Reset() error {
	entries, err := fsops.ReadDirNames(c.root)
	if err != nil {
		return err
	}
	c.buckets = c.buckets[:0]
	for _, entry := range entries {
		if name.Bucket.MatchString(entry) {
			c.buckets = append(c.buckets, entry)
		}
	}
	c.elts = nil
	return nil
}

// Next returns the next element identifier ("<bucket>/<element>") from
// cached state, or the empty string when the sequence is exhausted.
func (c *Cursor) Next() (string, error) {
	for {
		if len(c.elts) > 0 {
			elem := c.elts[0]
			c.elts = c.elts[1:]
			return elem, nil
		}
		if len(c.buckets) == 0 {
			return "", nil
		}
		bucket := c.buckets[0]
		c.buckets = c.buckets[1:]
		names, err := c.list(filepath.Join(c.root, bucket))
		if err != nil {
			return "", err
		}
		c.elts = c.elts[:0]
		for _, n := range names {
			c.elts = append(c.elts, bucket+"/"+n)
		}
	}
}
