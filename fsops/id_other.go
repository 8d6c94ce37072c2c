//go:build !unix

package fsops

import (
	"fmt"
	"os"
)

// QueueID returns the path itself on platforms without stable device/inode
// identity for directories.
func QueueID(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("cannot stat(%s): %w", path, err)
	}
	return path, nil
}
