// Package fsops wraps the handful of filesystem primitives the directory
// queue is built on: exclusive mkdir, rmdir, create-exclusive, atomic rename,
// hard link, unlink, lstat and directory listing.
//
// Every operation classifies its failures the same way. Outcomes that are
// expected under concurrent, uncoordinated access (target already exists,
// target already gone) are benign: they are reported as a false boolean, not
// an error. Anything else is returned as an error wrapping the underlying
// *os.PathError, so callers can still inspect the errno with errors.Is while
// getting a message that names the failing operation and path.
//
// Higher layers must not reach for the os package directly; going through
// this package is what keeps the failure classification consistent across
// both queue engines and the purger.
package fsops

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"syscall"
	"time"
)

// Mkdir creates a single directory. It returns true if the directory was
// created, false (and no error) if something with the same path already
// exists, and an error for anything else. The parent's mtime is updated by
// the operating system on success, which the element locking protocol relies
// on for staleness detection.
func Mkdir(path string, mode fs.FileMode) (bool, error) {
	err := os.Mkdir(path, mode)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	return false, fmt.Errorf("cannot mkdir(%s): %w", path, err)
}

// EnsureDir recursively creates a directory path. An existing directory is
// not an error.
func EnsureDir(path string, mode fs.FileMode) error {
	if err := os.MkdirAll(path, mode); err != nil {
		return fmt.Errorf("cannot mkdir(%s): %w", path, err)
	}
	return nil
}

// RemoveDir deletes a directory. It returns true if the directory was
// removed and false (and no error) if the path is already gone. Any other
// failure, notably ENOTEMPTY, is an error; callers for which a concurrently
// repopulated directory is a normal outcome should test it with IsNotEmpty.
func RemoveDir(path string) (bool, error) {
	err := os.Remove(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("cannot rmdir(%s): %w", path, err)
}

// IsNotEmpty reports whether err is a rename or rmdir failure caused by the
// destination directory existing and being non-empty. Both errnos appear in
// the wild: POSIX specifies ENOTEMPTY but EEXIST is permitted and some
// filesystems use it.
func IsNotEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST)
}

// Rename atomically renames src to dst. The error, if any, preserves the
// underlying errno: callers that loop on name collisions test it with
// IsNotEmpty.
func Rename(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("cannot rename(%s, %s): %w", src, dst, err)
	}
	return nil
}

// Link creates a hard link dst pointing at src. "dst already exists" is a
// legitimate outcome callers loop on; it is reported as an error wrapping
// fs.ErrExist rather than a boolean because the element-name retry loops
// need to distinguish it from "src is gone" (fs.ErrNotExist).
func Link(src, dst string) error {
	if err := os.Link(src, dst); err != nil {
		return fmt.Errorf("cannot link(%s, %s): %w", src, dst, err)
	}
	return nil
}

// Unlink removes a file and fails on any error, including the file being
// already gone. Use TryUnlink where "already gone" is a benign race.
func Unlink(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("cannot unlink(%s): %w", path, err)
	}
	return nil
}

// TryUnlink removes a file, treating an already-missing file as a benign
// race. It returns true if this call removed the file.
func TryUnlink(path string) (bool, error) {
	err := os.Remove(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("cannot unlink(%s): %w", path, err)
}

// CreateExclusive creates a new file that must not already exist. The
// wrapped error distinguishes "already exists" (fs.ErrExist, callers
// regenerate the name and retry) from "missing parent directory"
// (fs.ErrNotExist, callers create the bucket and retry).
func CreateExclusive(path string, mode fs.FileMode) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return nil, fmt.Errorf("cannot create(%s): %w", path, err)
	}
	return f, nil
}

// WriteFile writes data to a fresh file. It is only safe inside directories
// not yet visible to other participants (a temporary element directory):
// publication happens through Rename or Link, never through writing in
// place.
func WriteFile(path string, data []byte, mode fs.FileMode) error {
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("cannot write(%s): %w", path, err)
	}
	return nil
}

// ReadFile reads a whole file.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read(%s): %w", path, err)
	}
	return data, nil
}

// ReadDirNames returns the sorted names of the entries of a directory. A
// missing directory is a benign race and yields an empty listing.
func ReadDirNames(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		// os.ReadDir returns the entries read so far on error; a
		// partially listed directory is not something callers can use.
		return nil, fmt.Errorf("cannot listdir(%s): %w", path, err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	sort.Strings(names)
	return names, nil
}

// Exists reports whether the path exists, without following symlinks.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// Older reports whether the path exists and is strictly older than the given
// time. A missing path reports false: for every caller (staleness checks in
// the purger) a vanished entry is simply not stale.
func Older(path string, than time.Time) (bool, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("cannot lstat(%s): %w", path, err)
	}
	return fi.ModTime().Before(than), nil
}

// Touch refreshes the modification time of a path to now. The error
// preserves the underlying errno so callers can detect the path having
// vanished (fs.ErrNotExist).
func Touch(path string) error {
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		return fmt.Errorf("cannot utime(%s): %w", path, err)
	}
	return nil
}
