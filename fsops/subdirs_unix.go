//go:build unix

package fsops

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
)

var errLinkCount = errors.New("link count does not track subdirectories")

// CountByLink counts subdirectories through the parent's link count
// (st_nlink minus the "." and parent entries). A missing path counts as
// zero. Filesystems that keep a constant link count on directories (btrfs,
// among others) are detected by the count going negative and reported as an
// error so ProbeSubdirCounter falls back to listing.
//
// Note that this does not even check that path is a directory; buckets and
// element directories are only ever created by this module, so they always
// are.
func CountByLink(path string) (int, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("cannot lstat(%s): %w", path, err)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, errLinkCount
	}
	n := int(st.Nlink) - 2
	if n < 0 {
		return 0, errLinkCount
	}
	return n, nil
}
