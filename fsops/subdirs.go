package fsops

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// SubdirCounter returns the number of subdirectories of path. A missing
// path counts as zero subdirectories, covering the race where a bucket is
// purged between listing and counting.
type SubdirCounter func(path string) (int, error)

// CountByList counts subdirectories by listing the directory. It works
// everywhere but is O(entries); it is the fallback when the filesystem does
// not expose subdirectory counts through the parent link count.
func CountByList(path string) (int, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("cannot listdir(%s): %w", path, err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			n++
		}
	}
	return n, nil
}

// ProbeSubdirCounter picks the subdirectory counting strategy for the
// filesystem holding dir, which must be an existing directory owned by the
// caller. On filesystems where a directory's link count is 2 plus its number
// of subdirectories, the O(1) link count is used; otherwise, or when the
// probe cannot verify the convention, counting falls back to listing.
func ProbeSubdirCounter(dir string) SubdirCounter {
	byLink, err := CountByLink(dir)
	if err != nil {
		return CountByList
	}
	byList, err := CountByList(dir)
	if err != nil || byLink != byList {
		return CountByList
	}
	return CountByLink
}
