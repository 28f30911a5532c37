// Package fsutil provides forced filesystem removal for cache eviction.
//
// Cache entries may contain files and directories marked read-only by the
// version-control client or by tooling that ran inside the working copy.
// A plain os.RemoveAll aborts on those, so eviction first walks the tree and
// restores owner write (and, for directories, traversal) permission.
package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jmgilman/go/errors"
)

// ForceRemoveAll removes path and everything beneath it, clearing read-only
// permission bits first so that write-protected files do not abort the
// removal. A missing path is a no-op. Any failure to remove is returned to
// the caller; the caller decides whether to propagate or batch it.
func ForceRemoveAll(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, errors.CodeInternal, "failed to stat %s", path)
	}

	if info.IsDir() {
		if err := makeWritable(path); err != nil {
			return err
		}
	} else if err := ensureWritable(path, info.Mode()); err != nil {
		return err
	}

	if err := os.RemoveAll(path); err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "failed to remove %s", path)
	}

	return nil
}

// Exists reports whether a filesystem entry is present at path.
func Exists(path string) (bool, error) {
	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, errors.CodeInternal, "failed to stat %s", path)
	}
	return true, nil
}

// makeWritable walks the tree rooted at root and clears read-only modes.
// Directories are chmodded when first visited, before their entries are read,
// so a read-only directory does not block descent into its children.
func makeWritable(root string) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		// Symlinks are removed as links; the target's modes are not ours to touch.
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}

		return ensureWritable(path, info.Mode())
	})
	if err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "failed to clear read-only attributes under %s", root)
	}
	return nil
}

// ensureWritable restores owner write permission on a single entry.
// Directories additionally get owner read and traversal permission so their
// contents can be enumerated and removed.
func ensureWritable(path string, mode os.FileMode) error {
	perm := mode.Perm()
	want := perm | 0o200
	if mode.IsDir() {
		want |= 0o700
	}
	if want == perm {
		return nil
	}
	return os.Chmod(path, want)
}
