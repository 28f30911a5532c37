// Package vcs defines the version-control collaborator the cache delegates
// to, together with a production implementation backed by go-git.
//
// The cache never speaks the version-control protocol itself: it only derives
// destinations, tracks access times, and evicts. Everything network-facing,
// including credentials and transport trust decisions, lives behind Client.
package vcs

import "context"

// Target identifies what to fetch from the remote repository.
//
// Branch and Tag are mutually exclusive. When both are empty the remote's
// default branch is used.
type Target struct {
	// URL is the remote repository URL.
	URL string

	// Branch is the branch to fetch, if any.
	Branch string

	// Tag is the tag to fetch, if any.
	Tag string
}

// Client performs the version-control operations the cache needs. Every
// operation is synchronous and blocking; a slow remote blocks the caller for
// the duration.
type Client interface {
	// Checkout materializes a fresh working copy of target at dest.
	// dest must not already contain a working copy.
	Checkout(ctx context.Context, target Target, dest string) error

	// Update refreshes the existing working copy at dest from its remote.
	// An already up-to-date working copy is a success, not an error.
	// A dest that is not a valid working copy is an error; the cache reacts
	// by discarding and re-checking-out the entry.
	Update(ctx context.Context, dest string) error

	// Export materializes a pinned, immutable snapshot of target at the
	// given revision into dest, stripped of version-control metadata.
	// An existing dest is overwritten.
	Export(ctx context.Context, target Target, revision, dest string) error
}
