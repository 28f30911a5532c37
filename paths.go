package wccache

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/jmgilman/go/errors"
	"github.com/wccache/wccache/vcs"
)

const (
	tagsDir     = "tags"
	branchesDir = "branches"
)

// destination derives the working-copy path for a repository-relative path.
// The derivation is deterministic: the same relative path always maps to the
// same directory.
func (m *Manager) destination(relPath string) string {
	return filepath.Join(m.root, filepath.FromSlash(path.Clean(relPath)))
}

// exportDestination derives the path of a pinned export. The revision is
// embedded in the directory name so each exported revision is a distinct
// entry.
func (m *Manager) exportDestination(relPath, revision string) string {
	return m.destination(relPath) + "_" + revision
}

// targetFor maps a repository-relative path onto the remote target it is
// pulled from: entries under tags/ and branches/ name a tag or branch, and
// everything else tracks the remote's default branch.
func (m *Manager) targetFor(relPath string) vcs.Target {
	target := vcs.Target{URL: m.repositoryURL}

	rel := path.Clean(relPath)
	switch {
	case strings.HasPrefix(rel, tagsDir+"/"):
		target.Tag = strings.TrimPrefix(rel, tagsDir+"/")
	case strings.HasPrefix(rel, branchesDir+"/"):
		target.Branch = strings.TrimPrefix(rel, branchesDir+"/")
	}

	return target
}

// validateRelPath rejects relative paths that are empty, absolute, or would
// escape the export root, and the bare tags/branches container names.
func validateRelPath(relPath string) error {
	if relPath == "" {
		return errors.New(errors.CodeInvalidInput, "relative path must not be empty")
	}
	if path.IsAbs(relPath) || filepath.IsAbs(filepath.FromSlash(relPath)) {
		return errors.Newf(errors.CodeInvalidInput, "relative path must not be absolute: %s", relPath)
	}

	clean := path.Clean(relPath)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return errors.Newf(errors.CodeInvalidInput, "relative path escapes the export root: %s", relPath)
	}

	// A working copy at tags/ or branches/ itself would have its own
	// subdirectories swept as untracked entries on the next Clean.
	if clean == tagsDir || clean == branchesDir {
		return errors.Newf(errors.CodeInvalidInput, "%s is a container directory, not a cache entry", clean)
	}

	return nil
}

// validateRevision rejects revision identifiers that cannot be embedded in a
// directory name.
func validateRevision(revision string) error {
	if revision == "" {
		return errors.New(errors.CodeInvalidInput, "revision must not be empty")
	}
	if strings.ContainsAny(revision, "/\\") {
		return errors.Newf(errors.CodeInvalidInput, "revision must not contain path separators: %s", revision)
	}
	return nil
}
