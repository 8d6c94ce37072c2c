//go:build !unix

package fsops

import "errors"

// CountByLink is unavailable on platforms without stable link count
// semantics for directories; ProbeSubdirCounter always falls back to
// CountByList here.
func CountByLink(path string) (int, error) {
	return 0, errors.New("link count not supported on this platform")
}
