//go:build unix

package fsops

import (
	"fmt"
	"os"
	"syscall"
)

// QueueID returns a stable identity for the filesystem object at path,
// "<device>:<inode>", used to detect the same queue added twice to a set
// even through different path spellings.
func QueueID(path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("cannot stat(%s): %w", path, err)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return path, nil
	}
	return fmt.Sprintf("%d:%d", st.Dev, st.Ino), nil
}
